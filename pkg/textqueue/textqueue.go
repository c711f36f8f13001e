// Package textqueue implements an unbounded FIFO of owned byte strings
// guarded by a single cancellation-aware mutex.
//
// Capacity is advisory: AdmissionCheck reports whether one more item would
// fit under a bound, but reserves nothing, and Push never refuses for lack
// of room. Callers that need a hard bound must keep check and push under
// their own exclusion (for example the writer role of a fairrw.Lock).
package textqueue

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/i5heu/textrelay/internal/gate"
)

// ErrInterrupted is wrapped by errors from operations whose wait for the
// queue's mutex was abandoned because the context was done.
var ErrInterrupted = gate.ErrInterrupted

// ErrInvalidCapacity is returned by AdmissionCheck for a negative bound.
var ErrInvalidCapacity = errors.New("textqueue: negative capacity")

// Text is an owned copy of a pushed byte string. Once popped it belongs to
// the caller, who should Release it when done.
type Text struct {
	// buf holds the payload followed by one zero byte.
	buf   []byte
	alloc Allocator
}

// Bytes returns the payload. It aliases the Text's storage.
func (t *Text) Bytes() []byte {
	if t == nil || t.buf == nil {
		return nil
	}
	return t.buf[:len(t.buf)-1]
}

// Len returns the payload length.
func (t *Text) Len() int {
	return len(t.Bytes())
}

func (t *Text) String() string {
	return string(t.Bytes())
}

// Release returns the storage to the allocator. Further calls are no-ops.
func (t *Text) Release() {
	if t == nil || t.buf == nil {
		return
	}
	t.alloc.Free(t.buf)
	t.buf = nil
}

// Queue is a FIFO of Texts. Create one with New.
type Queue struct {
	mu    *gate.Gate
	items []*Text
	alloc Allocator
	log   zerolog.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithAllocator sets where item storage comes from. The default is
// HeapAllocator.
func WithAllocator(a Allocator) Option {
	return func(q *Queue) {
		q.alloc = a
	}
}

// WithLogger sets the logger used for debug events.
func WithLogger(l zerolog.Logger) Option {
	return func(q *Queue) {
		q.log = l
	}
}

func New(opts ...Option) *Queue {
	q := &Queue{
		mu:    gate.New(),
		alloc: HeapAllocator{},
		log:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// AdmissionCheck reports whether one more item fits under capacity, where a
// capacity of 0 means unbounded. The answer may be stale by the time the
// caller acts on it.
func (q *Queue) AdmissionCheck(ctx context.Context, capacity int) (bool, error) {
	if capacity < 0 {
		return false, ErrInvalidCapacity
	}
	if err := q.mu.LockContext(ctx); err != nil {
		return false, err
	}
	n := len(q.items)
	q.mu.Unlock()
	return capacity == 0 || n+1 <= capacity, nil
}

// Push appends a copy of b to the tail. On error nothing was queued.
func (q *Queue) Push(ctx context.Context, b []byte) error {
	if err := q.mu.LockContext(ctx); err != nil {
		return err
	}
	defer q.mu.Unlock()

	buf, err := q.alloc.Alloc(len(b) + 1)
	if err != nil {
		q.log.Debug().Err(err).Int("size", len(b)).Msg("textqueue: push allocation failed")
		if !errors.Is(err, ErrAlloc) {
			err = fmt.Errorf("%w: %w", ErrAlloc, err)
		}
		return err
	}
	copy(buf, b)
	buf[len(b)] = 0

	q.items = append(q.items, &Text{buf: buf, alloc: q.alloc})
	q.log.Debug().Int("size", len(b)).Int("count", len(q.items)).Msg("textqueue: pushed")
	return nil
}

// Pop removes and returns the oldest item. It reports false, without
// waiting for a push, when the queue is empty.
func (q *Queue) Pop(ctx context.Context) (*Text, bool, error) {
	if err := q.mu.LockContext(ctx); err != nil {
		return nil, false, err
	}
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		q.log.Debug().Msg("textqueue: pop from empty queue")
		return nil, false, nil
	}
	t := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	q.log.Debug().Int("size", t.Len()).Int("count", len(q.items)).Msg("textqueue: popped")
	return t, true, nil
}

// Drain releases every queued item and returns how many there were. It
// waits for the mutex without a way to cancel and is meant for shutdown.
func (q *Queue) Drain() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items)
	for i, t := range q.items {
		t.Release()
		q.items[i] = nil
	}
	q.items = nil
	if n > 0 {
		q.log.Debug().Int("count", n).Msg("textqueue: drained")
	}
	return n
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
