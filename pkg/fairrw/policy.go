package fairrw

import (
	"fmt"
	"strings"
)

// Policy selects who is admitted when a writer releases the lock.
type Policy int

const (
	// PolicyFair admits every blocked reader as one batch when a writer
	// releases, and queues new readers behind any waiting writer. Neither
	// class can starve the other.
	PolicyFair Policy = iota

	// PolicyWriterPreferring hands the lock from writer to writer while any
	// writer is waiting. Readers only run once no writer is active or queued,
	// so sustained write pressure can starve them.
	PolicyWriterPreferring
)

func (p Policy) String() string {
	switch p {
	case PolicyFair:
		return "fair"
	case PolicyWriterPreferring:
		return "writer-preferring"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy accepts the names produced by Policy.String, case-insensitively.
// "alt" is accepted as an alias of "fair".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fair", "alt", "":
		return PolicyFair, nil
	case "writer-preferring", "writer", "rwsem":
		return PolicyWriterPreferring, nil
	default:
		return 0, fmt.Errorf("fairrw: unknown policy %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Policy) MarshalText() ([]byte, error) {
	switch p {
	case PolicyFair, PolicyWriterPreferring:
		return []byte(p.String()), nil
	default:
		return nil, fmt.Errorf("fairrw: unknown policy %d", int(p))
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Policy) UnmarshalText(text []byte) error {
	v, err := ParsePolicy(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}
