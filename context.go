package mainloop

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

// contextIDs numbers contexts, for logging.
var contextIDs atomic.Uint64

// defaultContext is lazily initialised by Default, and never destroyed.
var defaultContext = sync.OnceValues(func() (*Context, error) {
	c, err := New()
	if err != nil {
		return nil, err
	}
	c.pinned = true
	return c, nil
})

// Context owns a set of attached sources, and dispatches them when run by a
// [Loop] (see [Context.Run], [Context.RunOnce]).
//
// A Context is owned by at most one goroutine at a time, namely the goroutine
// running a loop against it. That goroutine may run further loops (nested),
// e.g. from within a callback. All other goroutines may safely call Attach,
// Detach, SetEnabled, Quit, Wakeup and Invoke: their mutations are queued, in
// order, and applied by the owner before it next polls.
type Context struct {
	// anchor is the monotonic reference for the time snapshot
	anchor time.Time

	logger     *logiface.Logger[logiface.Event]
	logLimiter *catrate.Limiter
	metrics    *metrics

	// requests is the FIFO of mutations from non-owner goroutines
	requests *queue.Queue

	// ids indexes every attached source, including those not yet applied
	// to the registry
	ids map[SourceID]*Source

	// registry is only accessed by the owner, or under mu while unowned
	registry *registry

	// loops is the stack of running loops, innermost last
	loops []*Loop

	// readyBuf is reused between (non-nested) iterations
	readyBuf []*Source

	waker  waker
	poller poller

	mu sync.Mutex

	id             uint64
	nextID         uint64
	ownerGID       uint64
	dispatchSeq    uint64
	maxPollTimeout time.Duration

	// nowNanos is the snapshot, relative to anchor
	nowNanos atomic.Int64
	refs     atomic.Int32

	// owners counts active acquisitions by ownerGID
	owners int

	released bool
	pinned   bool
}

// New creates a Context with its own poller and wake-up fd. The caller holds
// the only reference, see [Context.Release].
func New(opts ...Option) (*Context, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	c := &Context{
		anchor:         time.Now(),
		logger:         cfg.logger,
		logLimiter:     newLogLimiter(cfg.logRates),
		requests:       queue.New(),
		ids:            make(map[SourceID]*Source),
		registry:       newRegistry(),
		id:             contextIDs.Add(1),
		maxPollTimeout: cfg.maxPollTimeout,
	}
	if cfg.metricsEnabled {
		c.metrics = &metrics{}
	}
	c.refs.Store(1)

	if err := c.poller.init(); err != nil {
		return nil, err
	}
	if err := c.waker.open(); err != nil {
		_ = c.poller.close()
		return nil, err
	}
	if err := c.poller.registerFD(c.waker.readFd, EventRead, func(IOEvents) {
		c.waker.drain()
	}); err != nil {
		c.waker.close()
		_ = c.poller.close()
		return nil, err
	}

	return c, nil
}

// Default returns the process-wide default Context, creating it on first use.
// It is never destroyed, Release has no effect on it.
func Default() (*Context, error) {
	return defaultContext()
}

// Ref adds a reference, returning c.
func (c *Context) Ref() *Context {
	c.tryRef()
	return c
}

func (c *Context) tryRef() bool {
	for {
		n := c.refs.Load()
		if n <= 0 {
			return false
		}
		if c.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release drops a reference. Releasing the last reference detaches every
// source and closes the poller, after which operations fail with
// [ErrContextReleased]. A Context must not be released while a loop is
// running against it.
func (c *Context) Release() {
	if c.pinned {
		return
	}
	for {
		n := c.refs.Load()
		if n <= 0 {
			return
		}
		if c.refs.CompareAndSwap(n, n-1) {
			if n == 1 {
				c.destroy()
			}
			return
		}
	}
}

func (c *Context) destroy() {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return
	}
	c.released = true
	for id, s := range c.ids {
		delete(c.ids, id)
		s.detached.Store(true)
		c.unwatchLocked(s)
		s.id.Store(0)
		s.owner.CompareAndSwap(c, nil)
	}
	c.mu.Unlock()

	_ = c.waker.wake()
	_ = c.poller.close()
	c.waker.close()
}

func (c *Context) releasedError() *Error {
	return newError(ErrContextReleased, nil, "context %d has been released", c.id)
}

// acquire makes the calling goroutine the owner, failing if another
// goroutine already owns the Context. Acquisitions nest.
func (c *Context) acquire() error {
	gid := getGoroutineID()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return c.releasedError()
	}
	if c.owners > 0 && c.ownerGID != gid {
		return newError(ErrReentrancyViolation, nil, "context %d is owned by goroutine %d", c.id, c.ownerGID)
	}
	c.owners++
	c.ownerGID = gid
	return nil
}

// getGoroutineID parses the calling goroutine's ID from its stack header,
// "goroutine <id> [...".
func getGoroutineID() uint64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b = b[min(len(b), len("goroutine ")):]
	var id uint64
	for _, ch := range b {
		if ch < '0' || ch > '9' {
			break
		}
		id = id*10 + uint64(ch-'0')
	}
	return id
}

// release undoes acquire. Requests queued after the owner's last iteration
// are applied once it lets go.
func (c *Context) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.owners--
	if c.owners == 0 {
		c.ownerGID = 0
		c.applyRequestsLocked()
	}
}

// ownsLocked reports whether gid may mutate the registry directly.
func (c *Context) ownsLocked(gid uint64) bool {
	return c.owners == 0 || c.ownerGID == gid
}

type requestOp uint8

const (
	reqAttach requestOp = iota + 1
	reqDetach
	reqSync
	reqQuit
)

type request struct {
	src  *Source
	loop *Loop
	op   requestOp
}

func (c *Context) enqueueLocked(r request) {
	c.requests.Add(r)
	c.wakeup("request")
}

func (c *Context) applyRequestsLocked() {
	for c.requests.Length() > 0 {
		r := c.requests.Remove().(request)
		switch r.op {
		case reqAttach:
			c.registry.add(r.src)
		case reqDetach:
			c.completeDetachLocked(r.src)
		case reqSync:
			if c.registry.get(r.src.ID()) == r.src {
				c.registry.sync(r.src)
			}
		case reqQuit:
			r.loop.quit.Store(true)
		}
	}
}

// Attach attaches s, returning its new ID. It may be called from any
// goroutine. Attach fails with [ErrInvalidSource] if s is malformed, or is
// already attached to a Context.
func (c *Context) Attach(s *Source) (SourceID, error) {
	if err := s.validate(); err != nil {
		return 0, err
	}

	gid := getGoroutineID()
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.released {
		return 0, c.releasedError()
	}
	if !s.owner.CompareAndSwap(nil, c) {
		return 0, newError(ErrInvalidSource, nil, "source %s is already attached", s)
	}

	c.nextID++
	id := SourceID(c.nextID)
	s.id.Store(uint64(id))
	s.detached.Store(false)
	s.revents = 0
	s.lastDispatch = 0
	if s.kind == kindTimer {
		s.deadline = time.Now().Add(s.interval)
	}

	if err := c.watchLocked(s); err != nil {
		s.id.Store(0)
		s.owner.Store(nil)
		return 0, newError(ErrInvalidSource, err, "watch fd %d: %v", s.fd, err)
	}

	c.ids[id] = s
	if c.ownsLocked(gid) {
		c.registry.add(s)
	} else {
		c.enqueueLocked(request{op: reqAttach, src: s})
	}

	return id, nil
}

// AddTimer attaches a new timer source, see [NewTimerSource].
func (c *Context) AddTimer(interval time.Duration, repeat bool, cb Callback, opts ...SourceOption) (SourceID, error) {
	return c.Attach(NewTimerSource(interval, repeat, cb, opts...))
}

// AddWatch attaches a new fd watch source, see [NewWatchSource].
func (c *Context) AddWatch(fd int, interest IOEvents, cb Callback, opts ...SourceOption) (SourceID, error) {
	return c.Attach(NewWatchSource(fd, interest, cb, opts...))
}

// AddIdle attaches a new idle source, see [NewIdleSource].
func (c *Context) AddIdle(cb Callback, opts ...SourceOption) (SourceID, error) {
	return c.Attach(NewIdleSource(cb, opts...))
}

// Detach detaches the source with the given ID, returning false if no such
// source is attached (the [ErrUnknownSourceID] condition, see Lookup). Once
// Detach returns, the source's callback will not be started again, though if
// called from a goroutine other than the owner, the callback may still be
// running.
func (c *Context) Detach(id SourceID) bool {
	gid := getGoroutineID()
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.ids[id]
	if s == nil {
		return false
	}
	c.detachLocked(s, gid)
	return true
}

// detachLocked detaches s, which must be present in ids.
func (c *Context) detachLocked(s *Source, gid uint64) {
	delete(c.ids, s.ID())
	s.detached.Store(true)
	c.unwatchLocked(s)
	if c.ownsLocked(gid) {
		c.completeDetachLocked(s)
	} else {
		c.enqueueLocked(request{op: reqDetach, src: s})
	}
}

// completeDetachLocked removes s from the registry, and frees it to be
// attached again.
func (c *Context) completeDetachLocked(s *Source) {
	if c.registry.get(s.ID()) == s {
		c.registry.remove(s.ID())
	}
	s.id.Store(0)
	s.owner.CompareAndSwap(c, nil)
}

// SetEnabled enables or disables the source with the given ID, returning
// false if no such source is attached. A disabled source is never
// dispatched. Disabled timers keep their deadline, and fire immediately on
// being re-enabled if it has passed.
func (c *Context) SetEnabled(id SourceID, enabled bool) bool {
	gid := getGoroutineID()
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.ids[id]
	if s == nil {
		return false
	}
	if s.enabled.Swap(enabled) == enabled {
		return true
	}

	if enabled {
		if err := c.watchLocked(s); err != nil {
			c.logWatchError(s, err)
		}
	} else {
		c.unwatchLocked(s)
	}

	if c.ownsLocked(gid) {
		if c.registry.get(id) == s {
			c.registry.sync(s)
		}
	} else {
		c.enqueueLocked(request{op: reqSync, src: s})
	}
	return true
}

// watchLocked registers an enabled watch source with the poller. The poller
// callback runs on the owner goroutine, during the poll.
func (c *Context) watchLocked(s *Source) error {
	if s.kind != kindWatch || s.polled || !s.enabled.Load() {
		return nil
	}
	if err := c.poller.registerFD(s.fd, s.interest, func(ev IOEvents) {
		// a nested loop polling during the source's own callback must not
		// leave readiness behind, the fd is reported again if still ready
		if !s.inCall && s.enabled.Load() && !s.detached.Load() {
			s.revents |= ev
		}
	}); err != nil {
		return err
	}
	s.polled = true
	return nil
}

func (c *Context) unwatchLocked(s *Source) {
	if !s.polled {
		return
	}
	_ = c.poller.unregisterFD(s.fd)
	s.polled = false
}

// Source returns the attached source with the given ID, or nil.
func (c *Context) Source(id SourceID) *Source {
	s, _ := c.Lookup(id)
	return s
}

// Lookup is like Source, but fails with [ErrUnknownSourceID] if no source
// with the given ID is attached.
func (c *Context) Lookup(id SourceID) (*Source, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s := c.ids[id]; s != nil {
		return s, nil
	}
	return nil, newError(ErrUnknownSourceID, nil, "source %d is not attached to context %d", id, c.id)
}

// Quit stops the innermost running loop, once it finishes its current batch
// of callbacks. It is a no-op if no loop is running.
func (c *Context) Quit() {
	gid := getGoroutineID()
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.loops) == 0 {
		return
	}
	l := c.loops[len(c.loops)-1]
	if c.ownerGID == gid {
		l.quit.Store(true)
		return
	}
	c.enqueueLocked(request{op: reqQuit, loop: l})
}

// Wakeup forces a blocked poll to return, e.g. after changing state checked
// by a custom source. It may be called from any goroutine. A wakeup that
// arrives before the loop blocks is not lost.
func (c *Context) Wakeup() {
	c.wakeup("explicit")
}

func (c *Context) wakeup(reason string) {
	if c.metrics != nil {
		c.metrics.wakeups.Add(1)
	}
	if err := c.waker.wake(); err != nil {
		c.logCritical("wakeup failed", err)
		return
	}
	c.logWakeup(reason)
}

// Invoke calls fn on the goroutine that owns the Context. If the caller owns
// the Context, or no goroutine does, fn is called immediately (in the latter
// case, with the Context acquired). Otherwise, fn is attached as a one-shot
// source with PriorityHigh, to be called by the owner.
func (c *Context) Invoke(fn func()) error {
	if fn == nil {
		return newError(ErrInvalidSource, nil, "nil invoke function")
	}

	err := c.acquire()
	if err == nil {
		defer c.release()
		fn()
		return nil
	}
	if !errors.Is(err, ErrReentrancyViolation) {
		return err
	}

	_, err = c.Attach(NewCustomSource(
		func(time.Time) bool { return true },
		func(Event) (bool, error) {
			fn()
			return Remove, nil
		},
		WithPriority(PriorityHigh),
		WithName("invoke"),
	))
	return err
}

// Pending reports whether any source is ready to be dispatched, without
// dispatching it. It returns false if another goroutine owns the Context.
func (c *Context) Pending() bool {
	if c.acquire() != nil {
		return false
	}
	defer c.release()

	c.mu.Lock()
	c.applyRequestsLocked()
	c.mu.Unlock()

	if _, err := c.poller.pollIO(0); err != nil {
		return false
	}
	return len(c.registry.ready(c.refreshNow(), nil)) > 0
}

// Depth returns the number of loops currently running against the Context.
func (c *Context) Depth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.loops)
}

// Now returns the time snapshot taken at the start of the most recent poll
// (and refreshed after it), which is the Now passed to callbacks.
func (c *Context) Now() time.Time {
	return c.anchor.Add(time.Duration(c.nowNanos.Load()))
}

func (c *Context) refreshNow() time.Time {
	d := time.Since(c.anchor)
	c.nowNanos.Store(int64(d))
	return c.anchor.Add(d)
}

// Metrics returns a snapshot of the Context's runtime statistics. Only the
// Sources count is populated unless the Context was created with
// WithMetrics(true).
func (c *Context) Metrics() Metrics {
	c.mu.Lock()
	sources := len(c.ids)
	c.mu.Unlock()

	m := Metrics{Sources: sources}
	if c.metrics != nil {
		m.Iterations = c.metrics.iterations.Load()
		m.Dispatches = c.metrics.dispatches.Load()
		m.Wakeups = c.metrics.wakeups.Load()
		m.CallbackFailures = c.metrics.callbackFailures.Load()
		m.Latency = c.metrics.latency()
	}
	return m
}

func (c *Context) pushLoop(l *Loop) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loops = append(c.loops, l)
	return len(c.loops)
}

func (c *Context) popLoop(l *Loop) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.loops) - 1; i >= 0; i-- {
		if c.loops[i] == l {
			c.loops = append(c.loops[:i], c.loops[i+1:]...)
			return
		}
	}
}
