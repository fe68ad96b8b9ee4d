package mainloop

import (
	"errors"
	"time"
)

// iterate performs one Poll→Dispatch cycle on the owner goroutine. It
// returns early, without polling, if l has been quit.
func (c *Context) iterate(l *Loop, block bool) (bool, error) {
	c.mu.Lock()
	c.applyRequestsLocked()
	c.mu.Unlock()

	if l != nil && l.quit.Load() {
		return false, nil
	}

	l.setState(StatePolling)

	now := c.refreshNow()
	var timeout time.Duration
	if block {
		timeout = c.registry.nextTimeout(now)
		if c.maxPollTimeout > 0 && (timeout < 0 || timeout > c.maxPollTimeout) {
			timeout = c.maxPollTimeout
		}
	}

	if _, err := c.poller.pollIO(msTimeout(timeout)); err != nil {
		l.setState(StateIdle)
		if errors.Is(err, ErrPollerClosed) {
			return false, newError(ErrContextReleased, err, "context %d has been released", c.id)
		}
		e := newError(ErrPollFailure, err, "poll failed: %v", err)
		c.logCritical("poll failed", e)
		return false, e
	}

	now = c.refreshNow()

	c.dispatchSeq++
	batch := c.dispatchSeq
	lastSeq := c.registry.nextSeq

	ready := c.registry.ready(now, c.takeReadyBuf())
	defer c.putReadyBuf(ready)

	l.setState(StateDispatching)

	var (
		errs       []error
		dispatched bool
	)
	for _, s := range ready {
		// skip sources detached, disabled, (re)attached or dispatched by a
		// nested loop since the snapshot
		if !eligible(s) || s.seq > lastSeq || s.lastDispatch > batch {
			continue
		}
		dispatched = true
		if err := c.dispatch(s, now, batch); err != nil {
			errs = append(errs, err)
		}
	}

	l.setState(StateIdle)
	if c.metrics != nil {
		c.metrics.iterations.Add(1)
	}

	switch len(errs) {
	case 0:
		return dispatched, nil
	case 1:
		return dispatched, errs[0]
	default:
		return dispatched, errors.Join(errs...)
	}
}

// dispatch invokes the callback of s, then detaches or reschedules it.
func (c *Context) dispatch(s *Source, now time.Time, batch uint64) error {
	id := s.ID()

	s.lastDispatch = batch
	s.inCall = true
	c.registry.unschedule(s)
	ev := Event{Now: now, Source: s, Events: s.revents}
	s.revents = 0

	var start time.Time
	if c.metrics != nil {
		start = time.Now()
	}

	keep, err := c.call(s, ev)

	s.inCall = false

	var failure *Error
	if err != nil {
		failure = callbackFailure(s, err)
		failure.Source = id
		c.logCallbackFailure(s, failure)
		keep = false
	}
	if c.metrics != nil {
		c.metrics.recordDispatch(time.Since(start), failure != nil)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case s.ID() != id:
		// detached, and possibly attached again, by the callback
		if c.registry.get(s.ID()) == s {
			c.registry.schedule(s)
		}
	case s.detached.Load():
		// removal is pending in the request queue
	case !keep || (s.kind == kindTimer && !s.repeat):
		c.detachLocked(s, c.ownerGID)
	case s.kind == kindTimer:
		s.deadline = s.deadline.Add(s.interval)
		if s.deadline.Before(now) {
			s.deadline = now.Add(s.interval)
		}
		c.registry.schedule(s)
	}

	if failure != nil {
		return failure
	}
	return nil
}

// call runs the callback, converting panics to PanicError.
func (c *Context) call(s *Source, ev Event) (keep bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			keep, err = false, PanicError{Value: r}
		}
	}()
	return s.callback(ev)
}

func (c *Context) takeReadyBuf() []*Source {
	buf := c.readyBuf
	c.readyBuf = nil
	return buf
}

func (c *Context) putReadyBuf(buf []*Source) {
	clear(buf)
	c.readyBuf = buf[:0]
}
