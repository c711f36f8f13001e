package testbench

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/i5heu/textrelay/internal/locker"
	"github.com/i5heu/textrelay/pkg/textqueue"
)

// Config is only about concurrency and the capacity bound writers check.
type Config struct {
	NumWriters int
	NumReaders int
	// Capacity is passed to AdmissionCheck; 0 means unbounded.
	Capacity int
}

// Result summarises one timed run.
type Result struct {
	Pushed   int64
	Popped   int64
	Rejected int64
	// Empty counts reader sessions that found nothing to pop.
	Empty   int64
	Elapsed time.Duration

	MaxReadWait  time.Duration
	MaxWriteWait time.Duration
}

// Sessions returns the number of completed reader and writer sessions.
func (r Result) Sessions() int64 {
	return r.Pushed + r.Rejected + r.Popped + r.Empty
}

// RunTimedTest plays writer and reader sessions against l and q for the
// given duration, the way a relay device does: writers hold the exclusive
// role across the admission check and the push, readers hold the shared
// role across one pop. Sessions still waiting for their role when time runs
// out are abandoned.
func RunTimedTest[L locker.RWLocker](
	l L,
	q *textqueue.Queue,
	cfg Config,
	testDuration time.Duration,
	valueGenerator func(int) []byte,
) (Result, error) {
	ctx, cancel := context.WithTimeout(context.Background(), testDuration)
	defer cancel()

	var (
		res          Result
		msgIndex     int64
		maxReadWait  atomic.Int64
		maxWriteWait atomic.Int64
	)

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < cfg.NumWriters; i++ {
		g.Go(func() error {
			for gctx.Err() == nil {
				waitStart := time.Now()
				if err := l.Lock(gctx); err != nil {
					return ignoreDone(err)
				}
				storeMax(&maxWriteWait, time.Since(waitStart))

				// background context: a session that got its role finishes
				ok, err := q.AdmissionCheck(context.Background(), cfg.Capacity)
				if err == nil && ok {
					idx := atomic.AddInt64(&msgIndex, 1) - 1
					err = q.Push(context.Background(), valueGenerator(int(idx)))
					if err == nil {
						atomic.AddInt64(&res.Pushed, 1)
					}
				} else if err == nil {
					atomic.AddInt64(&res.Rejected, 1)
				}
				l.Unlock()
				if err != nil {
					return err
				}
			}
			return nil
		})
	}

	for i := 0; i < cfg.NumReaders; i++ {
		g.Go(func() error {
			for gctx.Err() == nil {
				waitStart := time.Now()
				if err := l.RLock(gctx); err != nil {
					return ignoreDone(err)
				}
				storeMax(&maxReadWait, time.Since(waitStart))

				text, ok, err := q.Pop(context.Background())
				l.RUnlock()
				if err != nil {
					return err
				}
				if ok {
					text.Release()
					atomic.AddInt64(&res.Popped, 1)
				} else {
					atomic.AddInt64(&res.Empty, 1)
				}
			}
			return nil
		})
	}

	err := g.Wait()
	res.Elapsed = time.Since(start)
	res.MaxReadWait = time.Duration(maxReadWait.Load())
	res.MaxWriteWait = time.Duration(maxWriteWait.Load())
	return res, err
}

// ignoreDone drops errors caused by the run's deadline.
func ignoreDone(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func storeMax(v *atomic.Int64, d time.Duration) {
	for {
		cur := v.Load()
		if int64(d) <= cur || v.CompareAndSwap(cur, int64(d)) {
			return
		}
	}
}
