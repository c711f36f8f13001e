package textqueue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var bg = context.Background()

func popString(t *testing.T, q *Queue) (string, bool) {
	t.Helper()
	item, ok, err := q.Pop(bg)
	require.NoError(t, err)
	if !ok {
		require.Nil(t, item)
		return "", false
	}
	defer item.Release()
	return item.String(), true
}

func TestFIFOOrder(t *testing.T) {
	q := New()
	const n = 1000
	for i := 0; i < n; i++ {
		require.NoError(t, q.Push(bg, []byte(fmt.Sprintf("item-%d", i))))
	}
	require.Equal(t, n, q.Len())

	for i := 0; i < n; i++ {
		s, ok := popString(t, q)
		require.True(t, ok)
		require.Equal(t, fmt.Sprintf("item-%d", i), s, "at index %d", i)
	}
	assert.Equal(t, 0, q.Len())
}

func TestPopEmpty(t *testing.T) {
	q := New()
	_, ok := popString(t, q)
	assert.False(t, ok)
	assert.Equal(t, 0, q.Len())

	require.NoError(t, q.Push(bg, []byte("x")))
	s, ok := popString(t, q)
	require.True(t, ok)
	assert.Equal(t, "x", s)

	_, ok = popString(t, q)
	assert.False(t, ok)
}

func TestPushCopiesAndTerminates(t *testing.T) {
	q := New()
	src := []byte("hello")
	require.NoError(t, q.Push(bg, src))
	src[0] = 'J'

	item, ok, err := q.Pop(bg)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello", item.String())
	assert.Equal(t, 5, item.Len())
	assert.Len(t, item.buf, 6)
	assert.Equal(t, byte(0), item.buf[5])

	item.Release()
	assert.Nil(t, item.Bytes())
	item.Release()

	var nilText *Text
	assert.Equal(t, "", nilText.String())
}

func TestEmptyPayload(t *testing.T) {
	q := New()
	require.NoError(t, q.Push(bg, nil))
	s, ok := popString(t, q)
	require.True(t, ok)
	assert.Equal(t, "", s)
}

func TestCountInvariantConcurrent(t *testing.T) {
	q := New()
	const (
		producers = 8
		perProd   = 500
		consumers = 4
		perCons   = 300
	)

	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProd; i++ {
				if err := q.Push(bg, []byte(fmt.Sprintf("%d/%d", p, i))); err != nil {
					t.Errorf("Push: %v", err)
					return
				}
			}
		}(p)
	}
	wg.Wait()

	wg.Add(consumers)
	for c := 0; c < consumers; c++ {
		go func() {
			defer wg.Done()
			for i := 0; i < perCons; i++ {
				item, ok, err := q.Pop(bg)
				if err != nil || !ok {
					t.Errorf("Pop: ok=%v err=%v", ok, err)
					return
				}
				item.Release()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, producers*perProd-consumers*perCons, q.Len())
}

func TestPerProducerOrderPreserved(t *testing.T) {
	q := New()
	const producers, perProd = 4, 1000

	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProd; i++ {
				_ = q.Push(bg, []byte(fmt.Sprintf("%d %d", p, i)))
			}
		}(p)
	}
	wg.Wait()

	next := make([]int, producers)
	for {
		s, ok := popString(t, q)
		if !ok {
			break
		}
		var p, i int
		_, err := fmt.Sscanf(s, "%d %d", &p, &i)
		require.NoError(t, err)
		require.Equal(t, next[p], i, "producer %d out of order", p)
		next[p]++
	}
	for p := range next {
		assert.Equal(t, perProd, next[p])
	}
}

func TestAdmissionCheck(t *testing.T) {
	q := New()

	ok, err := q.AdmissionCheck(bg, 0)
	require.NoError(t, err)
	assert.True(t, ok, "0 is unbounded")

	ok, err = q.AdmissionCheck(bg, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, q.Push(bg, []byte("a")))
	ok, err = q.AdmissionCheck(bg, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = q.AdmissionCheck(bg, 0)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = q.AdmissionCheck(bg, -1)
	assert.ErrorIs(t, err, ErrInvalidCapacity)
}

func TestAdmissionCheckRace(t *testing.T) {
	// Two writers that both pass the check before either pushes exceed the
	// bound by one each. That is the documented contract.
	q := New()
	const writers = 2

	var checked, wg sync.WaitGroup
	checked.Add(writers)
	wg.Add(writers)
	allowed := make(chan bool, writers)
	for i := 0; i < writers; i++ {
		go func(i int) {
			defer wg.Done()
			ok, err := q.AdmissionCheck(bg, 1)
			if err != nil {
				t.Errorf("AdmissionCheck: %v", err)
			}
			allowed <- ok
			checked.Done()
			checked.Wait()
			if ok {
				if err := q.Push(bg, []byte(fmt.Sprintf("w%d", i))); err != nil {
					t.Errorf("Push: %v", err)
				}
			}
		}(i)
	}
	wg.Wait()
	close(allowed)

	for ok := range allowed {
		assert.True(t, ok)
	}
	assert.Equal(t, 2, q.Len())
}

func TestCapacityScenario(t *testing.T) {
	q := New()
	const capacity = 2

	for _, s := range []string{"a", "b"} {
		ok, err := q.AdmissionCheck(bg, capacity)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, q.Push(bg, []byte(s)))
	}

	ok, err := q.AdmissionCheck(bg, capacity)
	require.NoError(t, err)
	assert.False(t, ok)

	// the queue itself does not refuse
	require.NoError(t, q.Push(bg, []byte("c")))
	assert.Equal(t, 3, q.Len())

	for _, want := range []string{"a", "b", "c"} {
		s, ok := popString(t, q)
		require.True(t, ok)
		assert.Equal(t, want, s)
	}
	_, ok = popString(t, q)
	assert.False(t, ok)
}

func TestInterruptedLeavesQueueUnchanged(t *testing.T) {
	q := New()
	require.NoError(t, q.Push(bg, []byte("keep")))

	q.mu.Lock()
	ctx, cancel := context.WithTimeout(bg, 20*time.Millisecond)
	defer cancel()

	err := q.Push(ctx, []byte("lost"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInterrupted))

	_, ok, err := q.Pop(ctx)
	assert.ErrorIs(t, err, ErrInterrupted)
	assert.False(t, ok)

	_, err = q.AdmissionCheck(ctx, 5)
	assert.ErrorIs(t, err, ErrInterrupted)

	q.mu.Unlock()
	assert.Equal(t, 1, q.Len())
	s, ok := popString(t, q)
	require.True(t, ok)
	assert.Equal(t, "keep", s)
}

func TestAllocFailureRollsBack(t *testing.T) {
	alloc := NewBudgetAllocator(8)
	q := New(WithAllocator(alloc))

	require.NoError(t, q.Push(bg, []byte("1234"))) // 5 bytes
	err := q.Push(bg, []byte("5678"))              // would be 10
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAlloc)
	assert.Equal(t, 1, q.Len())
	assert.EqualValues(t, 5, alloc.InUse())

	item, ok, err := q.Pop(bg)
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 5, alloc.InUse(), "popped items stay allocated until released")
	item.Release()
	assert.EqualValues(t, 0, alloc.InUse())

	require.NoError(t, q.Push(bg, []byte("5678")))
}

type failingAllocator struct{}

func (failingAllocator) Alloc(int) ([]byte, error) { return nil, errors.New("out of memory") }
func (failingAllocator) Free([]byte)               {}

func TestForeignAllocErrorWrapped(t *testing.T) {
	q := New(WithAllocator(failingAllocator{}))
	err := q.Push(bg, []byte("x"))
	require.ErrorIs(t, err, ErrAlloc)
	assert.Contains(t, err.Error(), "out of memory")
	assert.Equal(t, 0, q.Len())
}

func TestDrain(t *testing.T) {
	alloc := NewBudgetAllocator(1 << 20)
	q := New(WithAllocator(alloc))
	assert.Equal(t, 0, q.Drain())

	for i := 0; i < 10; i++ {
		require.NoError(t, q.Push(bg, []byte("text")))
	}
	assert.Equal(t, 10, q.Drain())
	assert.Equal(t, 0, q.Len())
	assert.EqualValues(t, 0, alloc.InUse())

	_, ok := popString(t, q)
	assert.False(t, ok)
}

func TestDebugLogging(t *testing.T) {
	var buf bytes.Buffer
	q := New(WithLogger(zerolog.New(&buf).Level(zerolog.DebugLevel)))

	require.NoError(t, q.Push(bg, []byte("abc")))
	_, _ = popString(t, q)
	_, _ = popString(t, q)

	out := buf.String()
	assert.Contains(t, out, `"message":"textqueue: pushed"`)
	assert.Contains(t, out, `"message":"textqueue: popped"`)
	assert.Contains(t, out, `"message":"textqueue: pop from empty queue"`)
}
