package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/i5heu/textrelay/pkg/config"
	"github.com/i5heu/textrelay/pkg/relay"
)

// pipe writes every line of in as its own text and copies the texts back to
// out, one per line, oldest first. When the device is full the queue is
// drained to out before retrying. Empty lines queue nothing and are lost.
func pipe(ctx context.Context, d *relay.Device, in io.Reader, out io.Writer) error {
	sc := bufio.NewScanner(in)
	sc.Buffer(nil, config.MaxTextSizeLimit)

	for sc.Scan() {
		err := put(ctx, d, sc.Bytes())
		if errors.Is(err, relay.ErrCapacityExceeded) {
			if _, err = drain(ctx, d, out); err != nil {
				return err
			}
			err = put(ctx, d, sc.Bytes())
		}
		if err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("reading input: %w", err)
	}

	_, err := drain(ctx, d, out)
	return err
}

func put(ctx context.Context, d *relay.Device, line []byte) error {
	s, err := d.Open(ctx, relay.ModeWrite)
	if err != nil {
		return err
	}
	if _, err := s.Write(line); err != nil {
		_ = s.Close()
		return err
	}
	return s.CloseContext(ctx)
}

// drain reads texts until a reader session comes back empty.
func drain(ctx context.Context, d *relay.Device, out io.Writer) (int, error) {
	n := 0
	for {
		s, err := d.Open(ctx, relay.ModeRead)
		if err != nil {
			return n, err
		}
		b, err := io.ReadAll(s)
		_ = s.Close()
		if err != nil {
			return n, err
		}
		if len(b) == 0 {
			return n, nil
		}
		if _, err := fmt.Fprintf(out, "%s\n", b); err != nil {
			return n, err
		}
		n++
	}
}
