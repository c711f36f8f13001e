// Package fairrw implements a reader/writer lock with selectable fairness.
//
// The lock admits either one writer or any number of readers. All
// bookkeeping lives in four counters guarded by a private gate; blocked
// callers wait on a per-caller ticket held in one FIFO per class, so
// promotion order is exactly registration order within a class.
//
// Under PolicyFair a reader that arrives while a writer is active or queued
// waits behind it, and a releasing writer promotes every blocked reader at
// once, before the next writer. Under PolicyWriterPreferring a releasing
// writer hands over to the next queued writer instead.
//
// Blocking acquisition takes a context. When it is done before the lock is
// granted the caller's registration is withdrawn and an error wrapping
// ErrInterrupted is returned; the caller holds nothing in that case.
package fairrw

import (
	"context"

	"github.com/i5heu/textrelay/internal/gate"
)

// ErrInterrupted is wrapped by errors from RLock and Lock when the context
// was done before the lock was granted.
var ErrInterrupted = gate.ErrInterrupted

// Stats is a snapshot of the lock's counters.
type Stats struct {
	ActiveReaders  int `json:"active_readers"`
	ActiveWriters  int `json:"active_writers"`
	BlockedReaders int `json:"blocked_readers"`
	BlockedWriters int `json:"blocked_writers"`
}

// Lock is a fair reader/writer lock. Create one with New.
type Lock struct {
	gate   *gate.Gate
	policy Policy

	activeReaders  int
	activeWriters  int
	blockedReaders int
	blockedWriters int

	readers waitList
	writers waitList
}

// Option configures a Lock.
type Option func(*Lock)

// WithPolicy selects the fairness policy. The default is PolicyFair.
func WithPolicy(p Policy) Option {
	return func(l *Lock) {
		l.policy = p
	}
}

func New(opts ...Option) *Lock {
	l := &Lock{
		gate:   gate.New(),
		policy: PolicyFair,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Policy returns the policy the lock was created with.
func (l *Lock) Policy() Policy {
	return l.policy
}

// RLock acquires the lock for reading. It waits for the gate and then for
// its turn, giving up on either wait when ctx is done.
func (l *Lock) RLock(ctx context.Context) error {
	if err := l.gate.LockContext(ctx); err != nil {
		return err
	}
	t := l.enterRead()
	l.gate.Unlock()
	return l.awaitRead(ctx, t)
}

// Lock acquires the lock for writing. It waits for the gate and then for
// its turn, giving up on either wait when ctx is done.
func (l *Lock) Lock(ctx context.Context) error {
	if err := l.gate.LockContext(ctx); err != nil {
		return err
	}
	t := l.enterWrite()
	l.gate.Unlock()
	return l.awaitWrite(ctx, t)
}

// TryRLock acquires the lock for reading only if that needs no waiting at
// all: the gate is free, no writer is active and no writer is queued.
func (l *Lock) TryRLock() bool {
	if !l.gate.TryLock() {
		return false
	}
	defer l.gate.Unlock()
	if l.readerMustWait() {
		return false
	}
	l.activeReaders++
	return true
}

// TryLock acquires the lock for writing only if that needs no waiting at
// all: the gate is free and nobody holds the lock.
func (l *Lock) TryLock() bool {
	if !l.gate.TryLock() {
		return false
	}
	defer l.gate.Unlock()
	if l.writerMustWait() {
		return false
	}
	l.activeWriters++
	return true
}

// GateTryRLock fails only when the gate is contended. Once the gate is
// taken the caller is registered as a reader and waits, without a way to
// cancel, until it is admitted; it then returns true.
func (l *Lock) GateTryRLock() bool {
	if !l.gate.TryLock() {
		return false
	}
	t := l.enterRead()
	l.gate.Unlock()
	if t != nil {
		<-t
	}
	return true
}

// GateTryLock is the writer counterpart of GateTryRLock.
func (l *Lock) GateTryLock() bool {
	if !l.gate.TryLock() {
		return false
	}
	t := l.enterWrite()
	l.gate.Unlock()
	if t != nil {
		<-t
	}
	return true
}

// RUnlock releases a read hold. If it was the last active reader and a
// writer is queued, that writer is admitted.
func (l *Lock) RUnlock() {
	l.gate.Lock()
	defer l.gate.Unlock()
	l.releaseRead()
}

// Unlock releases the write hold and admits the next waiters according to
// the policy.
func (l *Lock) Unlock() {
	l.gate.Lock()
	defer l.gate.Unlock()
	l.releaseWrite()
}

// Stats returns a consistent snapshot of the counters.
func (l *Lock) Stats() Stats {
	l.gate.Lock()
	defer l.gate.Unlock()
	return Stats{
		ActiveReaders:  l.activeReaders,
		ActiveWriters:  l.activeWriters,
		BlockedReaders: l.blockedReaders,
		BlockedWriters: l.blockedWriters,
	}
}

func (l *Lock) readerMustWait() bool {
	return l.activeWriters > 0 || l.blockedWriters > 0
}

func (l *Lock) writerMustWait() bool {
	return l.activeReaders > 0 || l.activeWriters > 0
}

// enterRead registers a reader. The gate must be held. A nil ticket means
// the reader was admitted immediately.
func (l *Lock) enterRead() ticket {
	if l.readerMustWait() {
		l.blockedReaders++
		return l.readers.push()
	}
	l.activeReaders++
	return nil
}

// enterWrite registers a writer. The gate must be held.
func (l *Lock) enterWrite() ticket {
	if l.writerMustWait() {
		l.blockedWriters++
		return l.writers.push()
	}
	l.activeWriters++
	return nil
}

func (l *Lock) awaitRead(ctx context.Context, t ticket) error {
	if t == nil {
		return nil
	}
	select {
	case <-t:
		return nil
	case <-ctx.Done():
	}

	l.gate.Lock()
	defer l.gate.Unlock()
	if l.readers.remove(t) {
		l.blockedReaders--
		return gate.Interrupted(ctx.Err())
	}
	// promoted while we were giving up
	l.releaseRead()
	return gate.Interrupted(ctx.Err())
}

func (l *Lock) awaitWrite(ctx context.Context, t ticket) error {
	if t == nil {
		return nil
	}
	select {
	case <-t:
		return nil
	case <-ctx.Done():
	}

	l.gate.Lock()
	defer l.gate.Unlock()
	if l.writers.remove(t) {
		l.blockedWriters--
		// readers may have been queued only because of this writer
		if l.activeWriters == 0 && l.blockedWriters == 0 {
			l.promoteReaders()
		}
		return gate.Interrupted(ctx.Err())
	}
	l.releaseWrite()
	return gate.Interrupted(ctx.Err())
}

func (l *Lock) releaseRead() {
	if l.activeReaders <= 0 {
		panic("fairrw: RUnlock of unlocked Lock")
	}
	l.activeReaders--
	if l.activeReaders == 0 && l.blockedWriters > 0 {
		l.promoteWriter()
	}
}

func (l *Lock) releaseWrite() {
	if l.activeWriters <= 0 {
		panic("fairrw: Unlock of unlocked Lock")
	}
	l.activeWriters--

	switch l.policy {
	case PolicyWriterPreferring:
		if l.blockedWriters > 0 {
			l.promoteWriter()
		} else {
			l.promoteReaders()
		}
	default:
		if l.blockedReaders > 0 {
			l.promoteReaders()
		} else if l.blockedWriters > 0 {
			l.promoteWriter()
		}
	}
}

// promoteReaders admits every blocked reader as one batch.
func (l *Lock) promoteReaders() {
	for l.blockedReaders > 0 {
		l.blockedReaders--
		l.activeReaders++
		close(l.readers.pop())
	}
}

// promoteWriter admits the oldest blocked writer.
func (l *Lock) promoteWriter() {
	l.blockedWriters--
	l.activeWriters++
	close(l.writers.pop())
}
