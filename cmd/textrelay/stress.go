package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/i5heu/textrelay/pkg/relay"
)

type stressConfig struct {
	writers  int
	readers  int
	duration time.Duration
}

type stressResult struct {
	Written    int64         `json:"written"`
	Read       int64         `json:"read"`
	Empty      int64         `json:"empty_reads"`
	Rejected   int64         `json:"rejected"`
	WouldBlock int64         `json:"would_block"`
	Elapsed    time.Duration `json:"elapsed_ns"`
}

// stress runs writer and reader sessions against d until the duration ends
// or ctx is cancelled. Texts still queued at the end are left in d.
func stress(ctx context.Context, d *relay.Device, cfg stressConfig) (stressResult, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.duration)
	defer cancel()

	var res stressResult
	var seq atomic.Int64
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < cfg.writers; i++ {
		g.Go(func() error {
			for gctx.Err() == nil {
				s, err := d.Open(gctx, relay.ModeWrite)
				if err != nil {
					if err = countOpenError(&res, err); err != nil {
						return ignoreDone(err)
					}
					continue
				}
				_, _ = fmt.Fprintf(s, "text-%d", seq.Add(1))
				if err := s.Close(); err != nil {
					return err
				}
				atomic.AddInt64(&res.Written, 1)
			}
			return nil
		})
	}

	for i := 0; i < cfg.readers; i++ {
		g.Go(func() error {
			for gctx.Err() == nil {
				s, err := d.Open(gctx, relay.ModeRead)
				if err != nil {
					if err = countOpenError(&res, err); err != nil {
						return ignoreDone(err)
					}
					continue
				}
				b, err := io.ReadAll(s)
				_ = s.Close()
				if err != nil {
					return err
				}
				if len(b) == 0 {
					atomic.AddInt64(&res.Empty, 1)
				} else {
					atomic.AddInt64(&res.Read, 1)
				}
			}
			return nil
		})
	}

	err := g.Wait()
	res.Elapsed = time.Since(start)
	return res, err
}

// countOpenError records the open failures a busy device is expected to
// produce and returns anything else.
func countOpenError(res *stressResult, err error) error {
	switch {
	case errors.Is(err, relay.ErrCapacityExceeded):
		atomic.AddInt64(&res.Rejected, 1)
	case errors.Is(err, relay.ErrWouldBlock):
		atomic.AddInt64(&res.WouldBlock, 1)
	default:
		return err
	}
	return nil
}

func ignoreDone(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r stressResult) print(w io.Writer, stats relay.Stats) error {
	data, err := json.MarshalIndent(struct {
		Result stressResult `json:"result"`
		Device relay.Stats  `json:"device"`
	}{r, stats}, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", data)
	return err
}
