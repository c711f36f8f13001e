// Command textrelay drives an in-memory relay device from the shell.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/i5heu/textrelay/pkg/config"
	"github.com/i5heu/textrelay/pkg/fairrw"
	"github.com/i5heu/textrelay/pkg/relay"
	"github.com/i5heu/textrelay/pkg/textqueue"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "textrelay:", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "textrelay",
		Usage: "queue short texts in memory and hand each to exactly one reader",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML config file"},
			&cli.IntFlag{Name: "max-elements", Usage: "maximum number of queued texts, 0 for no limit"},
			&cli.IntFlag{Name: "max-text-size", Usage: "writer buffer size including the terminator"},
			&cli.StringFlag{Name: "policy", Usage: "lock policy: fair or writer-preferring"},
			&cli.BoolFlag{Name: "nonblock-only", Usage: "fail opens instead of waiting"},
			&cli.StringFlag{Name: "log-level", Usage: "zerolog level (debug, info, warn, ...)"},
			&cli.Int64Flag{Name: "memory-budget", Usage: "bytes available to queued texts, 0 for no limit"},
		},
		Commands: []*cli.Command{
			{
				Name:      "pipe",
				Usage:     "queue each stdin line as a text, then read every text back to stdout",
				ArgsUsage: " ",
				Action: func(c *cli.Context) error {
					d, err := deviceFromFlags(c)
					if err != nil {
						return err
					}
					return pipe(c.Context, d, c.App.Reader, c.App.Writer)
				},
			},
			{
				Name:  "stress",
				Usage: "run concurrent writer and reader sessions and print the counters",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "writers", Value: 4, Usage: "concurrent writer sessions"},
					&cli.IntFlag{Name: "readers", Value: 4, Usage: "concurrent reader sessions"},
					&cli.DurationFlag{Name: "duration", Value: time.Second, Usage: "how long to run"},
				},
				Action: func(c *cli.Context) error {
					d, err := deviceFromFlags(c)
					if err != nil {
						return err
					}
					res, err := stress(c.Context, d, stressConfig{
						writers:  c.Int("writers"),
						readers:  c.Int("readers"),
						duration: c.Duration("duration"),
					})
					if err != nil {
						return err
					}
					return res.print(c.App.Writer, d.Stats())
				},
			},
		},
	}
}

// loadConfig reads --config, if given, and applies the flags set on top.
func loadConfig(c *cli.Context) (config.Config, error) {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return config.Config{}, err
		}
	}

	if c.IsSet("max-elements") {
		cfg.MaxElements = c.Int("max-elements")
	}
	if c.IsSet("max-text-size") {
		cfg.MaxTextSize = c.Int("max-text-size")
	}
	if c.IsSet("policy") {
		p, err := fairrw.ParsePolicy(c.String("policy"))
		if err != nil {
			return config.Config{}, err
		}
		cfg.Policy = p
	}
	if c.IsSet("nonblock-only") {
		cfg.NonBlockOnly = c.Bool("nonblock-only")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	return cfg, cfg.Validate()
}

func newLogger(cfg config.Config, w io.Writer) zerolog.Logger {
	lvl, err := cfg.Level()
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}).
		Level(lvl).
		With().Timestamp().Logger()
}

func deviceFromFlags(c *cli.Context) (*relay.Device, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	opts := []relay.Option{relay.WithLogger(newLogger(cfg, c.App.ErrWriter))}
	if budget := c.Int64("memory-budget"); budget > 0 {
		opts = append(opts, relay.WithAllocator(textqueue.NewBudgetAllocator(budget)))
	}
	return relay.New(cfg, opts...)
}
