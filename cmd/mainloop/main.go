// Command mainloop runs a scenario of timer, idle and stdin watch sources on
// a mainloop Context, logging each dispatch as JSON to stderr.
//
// Usage:
//
//	mainloop [-config scenario.yaml] [-log-level info] [-metrics]
//
// Without a scenario file, a short built-in scenario is run.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joeycumines/go-mainloop"
	"github.com/joeycumines/go-mainloop/cmd/mainloop/internal/config"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"golang.org/x/sys/unix"
)

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "mainloop: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdin *os.File, stderr io.Writer) error {
	fs := flag.NewFlagSet("mainloop", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "mainloop.yaml", "scenario file (optional)")
	levelName := fs.String("log-level", "info", "log level: trace, debug, info or error")
	metrics := fs.Bool("metrics", false, "log loop metrics on exit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	level, err := parseLevel(*levelName)
	if err != nil {
		return err
	}
	logger := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(stderr)),
		stumpy.L.WithLevel(level),
	).Logger()

	scenario, err := config.LoadOptional(*configPath)
	if err != nil {
		return err
	}

	c, err := mainloop.New(
		mainloop.WithLogger(logger),
		mainloop.WithMetrics(*metrics || scenario.Metrics),
	)
	if err != nil {
		return err
	}
	defer c.Release()

	if err := attachScenario(c, logger, scenario, stdin); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if scenario.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, scenario.Duration)
		defer cancel()
	}

	err = c.Run(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		logger.Info().Dur("duration", scenario.Duration).Log("scenario duration elapsed")
		err = nil
	}

	if *metrics || scenario.Metrics {
		m := c.Metrics()
		logger.Info().
			Uint64("iterations", m.Iterations).
			Uint64("dispatches", m.Dispatches).
			Uint64("wakeups", m.Wakeups).
			Uint64("callback_failures", m.CallbackFailures).
			Int("sources", m.Sources).
			Dur("p50", m.Latency.P50).
			Dur("p99", m.Latency.P99).
			Dur("max", m.Latency.Max).
			Log("loop metrics")
	}

	return err
}

func parseLevel(name string) (logiface.Level, error) {
	switch name {
	case "trace":
		return logiface.LevelTrace, nil
	case "debug":
		return logiface.LevelDebug, nil
	case "info":
		return logiface.LevelInformational, nil
	case "error":
		return logiface.LevelError, nil
	default:
		return logiface.LevelDisabled, fmt.Errorf("unknown log level %q", name)
	}
}

func attachScenario(c *mainloop.Context, logger *logiface.Logger[logiface.Event], s *config.Scenario, stdin *os.File) error {
	for _, t := range s.Timers {
		count := 0
		_, err := c.AddTimer(t.Interval, t.Repeat, func(ev mainloop.Event) (bool, error) {
			count++
			logger.Info().
				Str("source", t.Name).
				Int("count", count).
				Log("timer fired")
			done := !t.Repeat || (t.Count > 0 && count >= t.Count)
			if done && t.Quit {
				c.Quit()
			}
			return !done, nil
		}, mainloop.WithName(t.Name), mainloop.WithPriority(t.Priority))
		if err != nil {
			return fmt.Errorf("timer %s: %w", t.Name, err)
		}
	}

	for _, idle := range s.Idle {
		count := 0
		_, err := c.AddIdle(func(ev mainloop.Event) (bool, error) {
			count++
			logger.Debug().
				Str("source", idle.Name).
				Int("count", count).
				Log("idle")
			if count < idle.Limit {
				return true, nil
			}
			logger.Info().
				Str("source", idle.Name).
				Int("count", count).
				Log("idle limit reached")
			return false, nil
		}, mainloop.WithName(idle.Name), mainloop.WithPriority(idle.Priority))
		if err != nil {
			return fmt.Errorf("idle %s: %w", idle.Name, err)
		}
	}

	if s.Stdin != nil {
		if err := watchStdin(c, logger, s.Stdin, stdin); err != nil {
			return err
		}
	}

	return nil
}

func watchStdin(c *mainloop.Context, logger *logiface.Logger[logiface.Event], w *config.Watch, stdin *os.File) error {
	name := w.Name
	if name == "" {
		name = "stdin"
	}
	fd := int(stdin.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		return fmt.Errorf("watch %s: %w", name, err)
	}

	buf := make([]byte, 4096)
	_, err := c.AddWatch(fd, mainloop.EventRead, func(ev mainloop.Event) (bool, error) {
		n, err := unix.Read(fd, buf)
		switch {
		case errors.Is(err, unix.EAGAIN):
			return true, nil
		case err != nil:
			return false, err
		case n > 0:
			logger.Info().
				Str("source", name).
				Int("bytes", n).
				Log("read")
			return true, nil
		}
		logger.Info().Str("source", name).Log("eof")
		if w.QuitOnEOF {
			c.Quit()
		}
		return false, nil
	}, mainloop.WithName(name))
	if err != nil {
		return fmt.Errorf("watch %s: %w", name, err)
	}
	return nil
}
