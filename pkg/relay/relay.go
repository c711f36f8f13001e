// Package relay stores short texts in memory and hands them out again, one
// per reading session, oldest first.
//
// A Device pairs a fairrw.Lock with a textqueue.Queue. A writer session
// holds the writer role from Open to Close and queues what it wrote when it
// closes; a reader session holds the reader role and takes one text from the
// queue on its first Read.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog"

	"github.com/i5heu/textrelay/pkg/config"
	"github.com/i5heu/textrelay/pkg/fairrw"
	"github.com/i5heu/textrelay/pkg/textqueue"
)

var (
	ErrWouldBlock       = errors.New("relay: session would have to wait")
	ErrCapacityExceeded = errors.New("relay: maximum number of queued texts reached")
	ErrClosed           = errors.New("relay: closed")
	ErrInvalidMode      = errors.New("relay: invalid mode")
)

// Mode describes how a session is opened.
type Mode uint8

const (
	ModeRead Mode = 1 << iota
	ModeWrite
	// ModeNonBlock fails Open with ErrWouldBlock instead of waiting.
	ModeNonBlock
	// ModeAppend skips the capacity check of writer sessions.
	ModeAppend

	ModeReadWrite = ModeRead | ModeWrite
)

func (m Mode) String() string {
	var parts []string
	for _, f := range []struct {
		bit  Mode
		name string
	}{
		{ModeRead, "read"},
		{ModeWrite, "write"},
		{ModeNonBlock, "nonblock"},
		{ModeAppend, "append"},
	} {
		if m&f.bit != 0 {
			parts = append(parts, f.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// writer reports whether the session takes the writer role. Read/write
// sessions are writers.
func (m Mode) writer() bool {
	return m&ModeWrite != 0
}

// Stats is a snapshot of a Device.
type Stats struct {
	fairrw.Stats
	Queued       int   `json:"queued"`
	OpenSessions int64 `json:"open_sessions"`
}

// Device is the shared relay. Create one with New.
type Device struct {
	cfg   config.Config
	lock  *fairrw.Lock
	queue *textqueue.Queue
	log   zerolog.Logger

	open   atomic.Int64
	closed atomic.Bool
}

type options struct {
	log   zerolog.Logger
	alloc textqueue.Allocator
}

// Option configures a Device.
type Option func(*options)

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) {
		o.log = l
	}
}

// WithAllocator sets the storage used for queued texts.
func WithAllocator(a textqueue.Allocator) Option {
	return func(o *options) {
		o.alloc = a
	}
}

// New validates cfg and builds a Device.
func New(cfg config.Config, opts ...Option) (*Device, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{
		log:   zerolog.Nop(),
		alloc: textqueue.HeapAllocator{},
	}
	for _, opt := range opts {
		opt(&o)
	}

	d := &Device{
		cfg:  cfg,
		lock: fairrw.New(fairrw.WithPolicy(cfg.Policy)),
		queue: textqueue.New(
			textqueue.WithAllocator(o.alloc),
			textqueue.WithLogger(o.log),
		),
		log: o.log,
	}
	d.log.Info().
		Int("max_elements", cfg.MaxElements).
		Int("max_text_size", cfg.MaxTextSize).
		Stringer("policy", cfg.Policy).
		Bool("nonblock_only", cfg.NonBlockOnly).
		Msg("relay: device ready")
	return d, nil
}

// Config returns the settings the Device was built with.
func (d *Device) Config() config.Config {
	return d.cfg
}

// Open starts a session. Writer sessions (any mode including ModeWrite)
// take the writer role and, unless ModeAppend is set, fail with
// ErrCapacityExceeded when the queue is already at MaxElements. With
// ModeNonBlock, or when the Device is configured NonBlockOnly, Open fails
// with ErrWouldBlock rather than waiting for its role.
func (d *Device) Open(ctx context.Context, mode Mode) (*Session, error) {
	if mode&ModeReadWrite == 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidMode, mode)
	}
	if d.closed.Load() {
		return nil, ErrClosed
	}
	if d.cfg.NonBlockOnly {
		mode |= ModeNonBlock
	}

	s := &Session{
		id:   uuid.Must(uuid.NewV4()),
		dev:  d,
		mode: mode,
	}
	log := d.log.With().Stringer("session", s.id).Stringer("mode", mode).Logger()

	if err := d.acquire(ctx, mode); err != nil {
		log.Debug().Err(err).Msg("relay: open failed")
		return nil, err
	}
	if d.closed.Load() {
		d.release(mode)
		return nil, ErrClosed
	}

	if mode.writer() && mode&ModeAppend == 0 {
		ok, err := d.queue.AdmissionCheck(ctx, d.cfg.MaxElements)
		if err != nil {
			d.release(mode)
			log.Debug().Err(err).Msg("relay: admission check interrupted")
			return nil, err
		}
		if !ok {
			d.release(mode)
			log.Info().Int("max_elements", d.cfg.MaxElements).Msg("relay: max_elements limit reached")
			return nil, ErrCapacityExceeded
		}
	}

	d.open.Add(1)
	s.log = log
	log.Debug().Msg("relay: session opened")
	return s, nil
}

func (d *Device) acquire(ctx context.Context, mode Mode) error {
	if mode&ModeNonBlock != 0 {
		var ok bool
		if mode.writer() {
			ok = d.lock.TryLock()
		} else {
			ok = d.lock.TryRLock()
		}
		if !ok {
			return ErrWouldBlock
		}
		return nil
	}
	if mode.writer() {
		return d.lock.Lock(ctx)
	}
	return d.lock.RLock(ctx)
}

func (d *Device) release(mode Mode) {
	if mode.writer() {
		d.lock.Unlock()
	} else {
		d.lock.RUnlock()
	}
}

// Stats returns lock counters, the queue length and the number of open
// sessions.
func (d *Device) Stats() Stats {
	return Stats{
		Stats:        d.lock.Stats(),
		Queued:       d.queue.Len(),
		OpenSessions: d.open.Load(),
	}
}

// Close waits, like a writer, until no session holds the Device, then
// rejects further Opens and releases every queued text. It returns the
// number of texts dropped.
func (d *Device) Close(ctx context.Context) (int, error) {
	if err := d.lock.Lock(ctx); err != nil {
		return 0, err
	}
	defer d.lock.Unlock()
	if !d.closed.CompareAndSwap(false, true) {
		return 0, ErrClosed
	}
	n := d.queue.Drain()
	d.log.Info().Int("dropped", n).Msg("relay: device closed")
	return n, nil
}
