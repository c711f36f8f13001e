package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/i5heu/textrelay/pkg/fairrw"
)

const (
	// MaxElementsLimit is the largest accepted MaxElements.
	MaxElementsLimit = 10000

	// DefaultMaxTextSize is the per-session write buffer, including the
	// terminator slot. Longer writes are truncated.
	DefaultMaxTextSize = 4096 - 1 - 100

	// MaxTextSizeLimit is the largest accepted MaxTextSize.
	MaxTextSizeLimit = 1 << 20
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("config: invalid")

// Config holds the relay settings.
type Config struct {
	// MaxElements bounds the number of queued texts, as checked when a
	// writer session opens. 0 means unbounded.
	MaxElements int `yaml:"max_elements"`

	// MaxTextSize is the size of a writer's buffer including the
	// terminator slot, so at most MaxTextSize-1 bytes are kept.
	MaxTextSize int `yaml:"max_text_size"`

	Policy fairrw.Policy `yaml:"policy"`

	// NonBlockOnly makes every Open behave as if non-blocking was asked for.
	NonBlockOnly bool `yaml:"nonblock_only"`

	LogLevel string `yaml:"log_level"`
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		MaxElements: 0,
		MaxTextSize: DefaultMaxTextSize,
		Policy:      fairrw.PolicyFair,
		LogLevel:    "info",
	}
}

// Validate checks ranges and names.
func (c Config) Validate() error {
	if c.MaxElements < 0 || c.MaxElements > MaxElementsLimit {
		return fmt.Errorf("%w: max_elements=%d, must be between 0 and %d", ErrInvalid, c.MaxElements, MaxElementsLimit)
	}
	if c.MaxTextSize < 2 || c.MaxTextSize > MaxTextSizeLimit {
		return fmt.Errorf("%w: max_text_size=%d, must be between 2 and %d", ErrInvalid, c.MaxTextSize, MaxTextSizeLimit)
	}
	if _, err := c.Policy.MarshalText(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if _, err := c.Level(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// Level parses LogLevel. An empty level means info.
func (c Config) Level() (zerolog.Level, error) {
	if c.LogLevel == "" {
		return zerolog.InfoLevel, nil
	}
	return zerolog.ParseLevel(c.LogLevel)
}

// Parse decodes YAML on top of Default and validates the result. Unknown
// keys are rejected.
func Parse(data []byte) (Config, error) {
	c := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Load reads and parses the YAML file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return Parse(data)
}
