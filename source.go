package mainloop

import (
	"strconv"
	"sync/atomic"
	"time"
)

// SourceID identifies one attachment of a [Source] to a [Context]. IDs are
// unique per Context, and are never zero.
type SourceID uint64

// Dispatch priorities. Any int is valid, lower values are dispatched first.
const (
	PriorityHigh    = -100
	PriorityDefault = 0
	PriorityIdle    = 200
)

// Callback results, for readability.
const (
	// Remove detaches the source after the callback returns.
	Remove = false
	// Continue keeps the source attached (one-shot timers are detached
	// regardless).
	Continue = true
)

// Callback is invoked on the loop goroutine when a source is dispatched.
//
// Returning keep=false (Remove) detaches the source. Returning a non-nil
// error also detaches the source, and the error is reported to the caller of
// Run or RunOnce, once the rest of the current batch has been dispatched.
type Callback func(ev Event) (keep bool, err error)

// Event describes a single dispatch.
type Event struct {
	// Now is the Context's time snapshot for the current iteration.
	Now time.Time

	// Source is the source being dispatched.
	Source *Source

	// Events is the readiness observed for watch sources, zero otherwise.
	Events IOEvents
}

type sourceKind uint8

const (
	kindTimer sourceKind = iota + 1
	kindWatch
	kindIdle
	kindCustom
)

func (k sourceKind) String() string {
	switch k {
	case kindTimer:
		return "timer"
	case kindWatch:
		return "watch"
	case kindIdle:
		return "idle"
	case kindCustom:
		return "custom"
	default:
		return "unknown"
	}
}

// Source is a unit of event-producing state: a readiness contract plus a
// dispatch [Callback]. A Source is attached to at most one [Context] at a
// time. Once detached (and the detach applied by the owning Context), it may
// be attached again, receiving a new [SourceID].
//
// Sources are constructed by NewTimerSource, NewWatchSource, NewIdleSource and
// NewCustomSource, and are validated on attach.
type Source struct {
	callback Callback
	check    func(now time.Time) bool

	// deadline is the next expiry, for timers
	deadline time.Time

	// owner is the Context this source is attached to, nil when free
	owner atomic.Pointer[Context]

	name string

	id atomic.Uint64

	interval time.Duration

	// seq is the attachment order within the owning Context
	seq uint64

	// lastDispatch is the value of Context.dispatchSeq at the last dispatch
	lastDispatch uint64

	// heapIndex is the position in the registry timer heap, or -1
	heapIndex int

	fd       int
	priority int

	// revents is the readiness reported by the poller, cleared on dispatch
	revents IOEvents
	// interest is the watched events, for watch sources
	interest IOEvents

	enabled  atomic.Bool
	detached atomic.Bool

	kind   sourceKind
	repeat bool

	// polled is set while fd is registered with the poller, guarded by the
	// owning Context's mutex
	polled bool

	// inCall is set while the callback is running
	inCall bool
}

func newSource(kind sourceKind, cb Callback, opts []SourceOption) *Source {
	s := &Source{
		kind:      kind,
		callback:  cb,
		heapIndex: -1,
		fd:        -1,
	}
	s.enabled.Store(true)
	for _, opt := range opts {
		if opt != nil {
			opt.applySource(s)
		}
	}
	return s
}

// NewTimerSource returns a source that becomes ready interval after it is
// attached. If repeat is true, it is rescheduled after each dispatch for as
// long as the callback returns Continue, otherwise it is detached after the
// first dispatch. Negative intervals are rejected on attach.
func NewTimerSource(interval time.Duration, repeat bool, cb Callback, opts ...SourceOption) *Source {
	s := newSource(kindTimer, cb, opts)
	s.interval = interval
	s.repeat = repeat
	return s
}

// NewWatchSource returns a source that becomes ready when fd is ready for any
// of interest (EventRead, EventWrite). Error and hangup conditions are always
// reported. The fd must remain open until the source is detached.
func NewWatchSource(fd int, interest IOEvents, cb Callback, opts ...SourceOption) *Source {
	s := newSource(kindWatch, cb, opts)
	s.fd = fd
	s.interest = interest
	return s
}

// NewIdleSource returns a source that is dispatched whenever no other source
// is ready. While any enabled idle source is attached, the loop never blocks.
func NewIdleSource(cb Callback, opts ...SourceOption) *Source {
	return newSource(kindIdle, cb, opts)
}

// NewCustomSource returns a source whose readiness is decided by check, which
// is called on the loop goroutine, with the iteration's time snapshot, each
// time the loop prepares to poll and again after polling. Since check cannot
// wake a blocked loop, readiness that changes asynchronously must be paired
// with Context.Wakeup.
func NewCustomSource(check func(now time.Time) bool, cb Callback, opts ...SourceOption) *Source {
	s := newSource(kindCustom, cb, opts)
	s.check = check
	return s
}

// ID returns the ID of the current attachment, or 0 if not attached.
func (s *Source) ID() SourceID {
	return SourceID(s.id.Load())
}

// Name returns the name set by WithName.
func (s *Source) Name() string {
	return s.name
}

// Priority returns the dispatch priority.
func (s *Source) Priority() int {
	return s.priority
}

// Enabled reports whether the source is currently considered for dispatch.
func (s *Source) Enabled() bool {
	return s.enabled.Load()
}

// Context returns the Context the source is attached to, or nil.
func (s *Source) Context() *Context {
	return s.owner.Load()
}

// String identifies the source for diagnostics.
func (s *Source) String() string {
	if s.name != "" {
		return s.name
	}
	return s.kind.String() + "#" + strconv.FormatUint(s.id.Load(), 10)
}

// validate checks the readiness contract, prior to attach.
func (s *Source) validate() error {
	if s == nil {
		return newError(ErrInvalidSource, nil, "nil source")
	}
	if s.callback == nil {
		return newError(ErrInvalidSource, nil, "%s source has no callback", s.kind)
	}
	switch s.kind {
	case kindTimer:
		if s.interval < 0 {
			return newError(ErrInvalidSource, nil, "negative timer interval %v", s.interval)
		}
	case kindWatch:
		if s.fd < 0 {
			return newError(ErrInvalidSource, nil, "invalid fd %d", s.fd)
		}
		if s.interest&(EventRead|EventWrite) == 0 || s.interest&^(EventRead|EventWrite) != 0 {
			return newError(ErrInvalidSource, nil, "invalid watch interest %v", s.interest)
		}
	case kindCustom:
		if s.check == nil {
			return newError(ErrInvalidSource, nil, "custom source has no check function")
		}
	case kindIdle:
	default:
		return newError(ErrInvalidSource, nil, "unknown source kind")
	}
	return nil
}

// due is the time the source became (or becomes) ready, used to order sources
// of equal priority.
func (s *Source) due(now time.Time) time.Time {
	if s.kind == kindTimer {
		return s.deadline
	}
	return now
}

// isReady evaluates the readiness contract, excluding idle sources, which are
// handled by the registry.
func (s *Source) isReady(now time.Time) bool {
	switch s.kind {
	case kindTimer:
		return s.heapIndex >= 0 && !s.deadline.After(now)
	case kindWatch:
		return s.revents != 0
	case kindCustom:
		return s.check(now)
	default:
		return false
	}
}
