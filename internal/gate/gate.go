// Package gate provides a mutex that can be acquired without blocking, or
// while observing a context for cancellation.
package gate

import (
	"context"
	"errors"
	"fmt"
)

// ErrInterrupted is returned when a wait was abandoned because its context
// was done. The context's own error is wrapped alongside it.
var ErrInterrupted = errors.New("interrupted")

// Gate is a mutual exclusion lock backed by a single-slot channel. The zero
// value is not usable, use New.
type Gate struct {
	ch chan struct{}
}

func New() *Gate {
	return &Gate{
		ch: make(chan struct{}, 1),
	}
}

// Lock acquires the gate, blocking until it is available.
func (g *Gate) Lock() {
	g.ch <- struct{}{}
}

// LockContext acquires the gate unless ctx is done first. A context that is
// already done fails even if the gate is free.
func (g *Gate) LockContext(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return Interrupted(err)
	}
	select {
	case g.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return Interrupted(ctx.Err())
	}
}

// TryLock acquires the gate only if it is free.
func (g *Gate) TryLock() bool {
	select {
	case g.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

// Unlock releases the gate. It panics if the gate is not held.
func (g *Gate) Unlock() {
	select {
	case <-g.ch:
	default:
		panic("gate: unlock of unlocked gate")
	}
}

// Interrupted wraps err (normally a context error) with ErrInterrupted.
func Interrupted(err error) error {
	return fmt.Errorf("%w: %w", ErrInterrupted, err)
}
