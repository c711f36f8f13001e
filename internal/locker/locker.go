package locker

import (
	"context"
	"sync"

	"github.com/i5heu/textrelay/pkg/fairrw"
)

// RWLocker is what the benchmark harness drives. Acquisition takes a
// context; implementations that cannot be interrupted may ignore it.
type RWLocker interface {
	// RLock acquires a shared hold, or returns an error and holds nothing.
	RLock(ctx context.Context) error
	RUnlock()

	// Lock acquires the exclusive hold, or returns an error and holds nothing.
	Lock(ctx context.Context) error
	Unlock()
}

var (
	_ RWLocker = (*fairrw.Lock)(nil)
	_ RWLocker = (*SyncRWMutex)(nil)
)

// SyncRWMutex adapts sync.RWMutex as a baseline. Its waits ignore the
// context.
type SyncRWMutex struct {
	mu sync.RWMutex
}

func (m *SyncRWMutex) RLock(context.Context) error {
	m.mu.RLock()
	return nil
}

func (m *SyncRWMutex) RUnlock() {
	m.mu.RUnlock()
}

func (m *SyncRWMutex) Lock(context.Context) error {
	m.mu.Lock()
	return nil
}

func (m *SyncRWMutex) Unlock() {
	m.mu.Unlock()
}
