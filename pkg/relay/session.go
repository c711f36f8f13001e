package relay

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog"

	"github.com/i5heu/textrelay/pkg/textqueue"
)

// Session is one open handle on a Device. It is safe for concurrent use,
// though a session is normally driven by one goroutine.
type Session struct {
	id   uuid.UUID
	dev  *Device
	mode Mode
	log  zerolog.Logger

	mu     sync.Mutex
	closed bool

	// writer state
	buf   []byte
	wrote bool

	// reader state
	popped bool
	text   *textqueue.Text
	off    int
}

var _ io.ReadWriteCloser = (*Session)(nil)

func (s *Session) ID() uuid.UUID {
	return s.id
}

func (s *Session) Mode() Mode {
	return s.mode
}

// Write appends p to the session's text. Bytes beyond MaxTextSize-1 are
// dropped, but Write still reports all of p as written.
func (s *Session) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if !s.mode.writer() {
		return 0, fmt.Errorf("%w: session not opened for writing", ErrInvalidMode)
	}

	limit := s.dev.cfg.MaxTextSize - 1
	free := limit - len(s.buf)
	if free <= 0 {
		return len(p), nil
	}
	if s.buf == nil {
		s.buf = make([]byte, 0, min(limit, max(len(p), 64)))
	}
	n := min(len(p), free)
	s.buf = append(s.buf, p[:n]...)
	if n > 0 {
		s.wrote = true
	}
	if n < len(p) {
		s.log.Debug().Int("dropped", len(p)-n).Msg("relay: text truncated")
	}
	return len(p), nil
}

// WriteString is like Write with a string.
func (s *Session) WriteString(str string) (int, error) {
	return s.Write([]byte(str))
}

// Read serves the text taken from the queue by the session's first read,
// and io.EOF once it is exhausted or if the queue was empty.
func (s *Session) Read(p []byte) (int, error) {
	return s.ReadContext(context.Background(), p)
}

// ReadContext is Read with a context bounding the wait for the queue.
func (s *Session) ReadContext(ctx context.Context, p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if s.mode&ModeRead == 0 {
		return 0, fmt.Errorf("%w: session not opened for reading", ErrInvalidMode)
	}

	if !s.popped {
		text, ok, err := s.dev.queue.Pop(ctx)
		if err != nil {
			return 0, err
		}
		s.popped = true
		if ok {
			s.text = text
			s.log.Debug().Int("size", text.Len()).Msg("relay: text taken")
		}
	}

	b := s.text.Bytes()
	if s.off >= len(b) {
		return 0, io.EOF
	}
	n := copy(p, b[s.off:])
	s.off += n
	return n, nil
}

// Close ends the session. A writer that wrote anything queues its text;
// then the session's role is released.
func (s *Session) Close() error {
	return s.CloseContext(context.Background())
}

// CloseContext is Close with a context bounding the wait for the queue.
// The role is released even when queueing the text fails.
func (s *Session) CloseContext(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.closed = true

	var err error
	if s.mode.writer() && s.wrote {
		if err = s.dev.queue.Push(ctx, s.buf); err != nil {
			s.log.Warn().Err(err).Int("size", len(s.buf)).Msg("relay: text lost")
		} else {
			s.log.Debug().Int("size", len(s.buf)).Msg("relay: text queued")
		}
	}
	s.buf = nil
	s.text.Release()
	s.text = nil

	s.dev.release(s.mode)
	s.dev.open.Add(-1)
	s.log.Debug().Msg("relay: session closed")
	return err
}
