package textqueue

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// ErrAlloc is wrapped by errors from Push when storage for the copy could
// not be obtained.
var ErrAlloc = errors.New("textqueue: cannot allocate text")

// Allocator provides the storage of queued texts. Free receives exactly the
// slices previously returned by Alloc.
type Allocator interface {
	Alloc(n int) ([]byte, error)
	Free(b []byte)
}

// HeapAllocator allocates from the Go heap and never fails.
type HeapAllocator struct{}

func (HeapAllocator) Alloc(n int) ([]byte, error) {
	return make([]byte, n), nil
}

func (HeapAllocator) Free([]byte) {}

// BudgetAllocator allocates from the Go heap but refuses to have more than
// a fixed number of bytes outstanding at once.
type BudgetAllocator struct {
	limit int64
	used  atomic.Int64
}

func NewBudgetAllocator(limit int64) *BudgetAllocator {
	return &BudgetAllocator{limit: limit}
}

func (a *BudgetAllocator) Alloc(n int) ([]byte, error) {
	for {
		used := a.used.Load()
		if used+int64(n) > a.limit {
			return nil, fmt.Errorf("%w: %d bytes requested, %d of %d in use", ErrAlloc, n, used, a.limit)
		}
		if a.used.CompareAndSwap(used, used+int64(n)) {
			return make([]byte, n), nil
		}
	}
}

func (a *BudgetAllocator) Free(b []byte) {
	a.used.Add(-int64(len(b)))
}

// InUse returns the number of bytes currently allocated.
func (a *BudgetAllocator) InUse() int64 {
	return a.used.Load()
}
