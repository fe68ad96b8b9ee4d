package mainloop

import (
	"context"
	"runtime"
	"sync/atomic"
)

// Loop runs a [Context], blocking the calling goroutine until quit.
//
// Any number of Loops may be created for a Context. Running a second Loop
// from within a callback (a nested loop) blocks that callback until the
// inner loop quits, during which the inner loop dispatches the Context's
// other sources. Quit on a Context only affects the innermost running loop,
// while Quit on a Loop affects only that Loop.
type Loop struct {
	// Prevent copying
	_ [0]func()

	ctx *Context

	// err is set if the default Context could not be created
	err error

	state   loopState
	refs    atomic.Int32
	quit    atomic.Bool
	running atomic.Bool

	// holdsRef is set if ctx was successfully referenced
	holdsRef bool
}

// NewLoop creates a Loop for c, which may be nil, to use the default Context.
// The Loop holds a reference to c until released.
func NewLoop(c *Context) *Loop {
	l := &Loop{ctx: c}
	if c == nil {
		l.ctx, l.err = Default()
	}
	if l.ctx != nil {
		l.holdsRef = l.ctx.tryRef()
	}
	l.refs.Store(1)
	return l
}

// Context returns the Context the Loop runs, or nil if the default Context
// could not be created.
func (l *Loop) Context() *Context {
	return l.ctx
}

// Ref adds a reference, returning l.
func (l *Loop) Ref() *Loop {
	l.refs.Add(1)
	return l
}

// Release drops a reference. Releasing the last reference releases the
// Loop's reference to its Context.
func (l *Loop) Release() {
	if l.refs.Add(-1) == 0 && l.holdsRef {
		l.holdsRef = false
		l.ctx.Release()
	}
}

// State returns the current state, see [LoopState].
func (l *Loop) State() LoopState {
	return l.state.Load()
}

// IsRunning reports whether Run is in progress.
func (l *Loop) IsRunning() bool {
	return l.running.Load()
}

// Quit causes Run to return once the in-progress batch of callbacks (if any)
// is finished. It may be called from any goroutine. Quit before Run has no
// effect.
func (l *Loop) Quit() {
	l.quit.Store(true)
	if l.ctx != nil {
		l.ctx.wakeup("quit")
	}
}

// Run polls and dispatches the Context's sources until Quit is called, ctx
// is done (returning ctx.Err()), or a batch of callbacks fails (returning a
// [ErrCallbackFailure] error, after the rest of the batch has run). Run
// never returns just because no sources are attached.
//
// Run fails with [ErrReentrancyViolation] if another goroutine is running a
// loop against the same Context, or if this Loop is already running.
func (l *Loop) Run(ctx context.Context) error {
	if l.err != nil {
		return l.err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	c := l.ctx
	if err := c.acquire(); err != nil {
		return err
	}
	defer c.release()

	if !l.running.CompareAndSwap(false, true) {
		return newError(ErrReentrancyViolation, nil, "loop is already running")
	}
	defer l.running.Store(false)

	l.quit.Store(false)
	l.state.Store(StateIdle)
	defer l.state.Store(StateQuit)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	depth := c.pushLoop(l)
	defer c.popLoop(l)
	c.logLoop("loop started", depth)
	defer c.logLoop("loop stopped", depth)

	// Start context watcher goroutine to wake loop on cancellation
	ctxDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			c.wakeup("context done")
		case <-ctxDone:
		}
	}()
	defer close(ctxDone)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := c.iterate(l, true); err != nil {
			return err
		}
		if l.quit.Load() {
			c.logLoop("loop quit", depth)
			return nil
		}
	}
}

func (l *Loop) setState(s LoopState) {
	if l != nil {
		l.state.Store(s)
	}
}

// Run runs a new Loop against c, see [Loop.Run]. Use [Context.Quit] to stop
// it.
func (c *Context) Run(ctx context.Context) error {
	l := NewLoop(c)
	defer l.Release()
	return l.Run(ctx)
}

// RunOnce performs a single iteration: it polls for readiness, blocking
// until at least one source is ready only if block is true, then dispatches
// every ready source. It reports whether any callback was invoked.
//
// Like Run, RunOnce fails with [ErrReentrancyViolation] if another goroutine
// owns the Context, and returns callback failures after the batch completes.
func (c *Context) RunOnce(block bool) (bool, error) {
	if err := c.acquire(); err != nil {
		return false, err
	}
	defer c.release()
	return c.iterate(nil, block)
}
