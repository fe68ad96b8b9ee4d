package mainloop

import (
	"time"

	"github.com/joeycumines/go-catrate"
)

// Structured logging, via the logiface logger configured by WithLogger.
//
// All helpers are safe to call with a nil logger, and recover from panics in
// the logger itself: a misbehaving log writer must not take down the loop.

func newLogLimiter(rates map[time.Duration]int) *catrate.Limiter {
	if len(rates) == 0 {
		return nil
	}
	return catrate.NewLimiter(rates)
}

// logCritical logs failures that terminate a loop, e.g. poll errors.
func (c *Context) logCritical(msg string, err error) {
	defer func() { _ = recover() }()
	c.logger.Crit().
		Uint64("context", c.id).
		Err(err).
		Log(msg)
}

// logCallbackFailure logs a failed (or panicked) dispatch, subject to the
// per-source rate limit configured by WithLogRateLimit.
func (c *Context) logCallbackFailure(s *Source, err *Error) {
	defer func() { _ = recover() }()
	if _, ok := c.logLimiter.Allow(s); !ok {
		return
	}
	c.logger.Err().
		Uint64("context", c.id).
		Uint64("source", uint64(err.Source)).
		Str("name", s.String()).
		Err(err).
		Log("source callback failed")
}

// logWatchError logs a failure to resume polling a re-enabled watch source.
func (c *Context) logWatchError(s *Source, err error) {
	defer func() { _ = recover() }()
	c.logger.Err().
		Uint64("context", c.id).
		Uint64("source", uint64(s.ID())).
		Int("fd", s.fd).
		Err(err).
		Log("failed to resume watch")
}

// logLoop logs loop lifecycle events, at debug level.
func (c *Context) logLoop(msg string, depth int) {
	defer func() { _ = recover() }()
	c.logger.Debug().
		Uint64("context", c.id).
		Int("depth", depth).
		Log(msg)
}

// logWakeup logs cross-goroutine wake-ups, at trace level.
func (c *Context) logWakeup(reason string) {
	defer func() { _ = recover() }()
	c.logger.Trace().
		Uint64("context", c.id).
		Str("reason", reason).
		Log("wakeup")
}
