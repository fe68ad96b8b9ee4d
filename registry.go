package mainloop

import (
	"cmp"
	"container/heap"
	"slices"
	"time"
)

// BlockIndefinitely is returned by the timeout calculation when no source
// requires the poll to return by a deadline.
const BlockIndefinitely time.Duration = -1

// registry holds the sources attached to a Context.
//
// Thread Safety: NOT thread-safe. It is only accessed by the goroutine that
// owns the Context (see Context.acquire), other goroutines go via the
// Context's request queue.
type registry struct {
	sources map[SourceID]*Source
	timers  timerHeap
	nextSeq uint64
}

func newRegistry() *registry {
	return &registry{
		sources: make(map[SourceID]*Source),
		timers:  make(timerHeap, 0),
	}
}

func (r *registry) Len() int {
	return len(r.sources)
}

func (r *registry) get(id SourceID) *Source {
	return r.sources[id]
}

// add inserts a source that has already been assigned an ID (and, for
// timers, a deadline).
func (r *registry) add(s *Source) {
	r.nextSeq++
	s.seq = r.nextSeq
	r.sources[s.ID()] = s
	r.schedule(s)
}

// remove deletes the source with the given id, returning it, or nil if it
// was not present.
func (r *registry) remove(id SourceID) *Source {
	s := r.sources[id]
	if s == nil {
		return nil
	}
	delete(r.sources, id)
	r.unschedule(s)
	s.revents = 0
	return s
}

// schedule (re)inserts a timer into the heap, if it is eligible.
func (r *registry) schedule(s *Source) {
	if s.kind != kindTimer || s.inCall || !s.enabled.Load() {
		return
	}
	if s.heapIndex >= 0 {
		heap.Fix(&r.timers, s.heapIndex)
		return
	}
	heap.Push(&r.timers, s)
}

func (r *registry) unschedule(s *Source) {
	if s.heapIndex >= 0 {
		heap.Remove(&r.timers, s.heapIndex)
	}
}

// sync brings the heap and readiness state in line with the source's
// enabled flag, which may be toggled by any goroutine.
func (r *registry) sync(s *Source) {
	if s.enabled.Load() {
		r.schedule(s)
	} else {
		r.unschedule(s)
		s.revents = 0
	}
}

// eligible reports whether the source may be considered for dispatch at all.
// Sources inside their own callback are excluded, which prevents nested loops
// from re-entering them.
func eligible(s *Source) bool {
	return !s.inCall && !s.detached.Load() && s.enabled.Load()
}

// nextTimeout returns how long the poll may block: the time until the
// earliest enabled timer deadline, zero if any source is ready or demands an
// immediate re-poll (idle sources), or BlockIndefinitely.
func (r *registry) nextTimeout(now time.Time) time.Duration {
	for _, s := range r.sources {
		if !eligible(s) {
			continue
		}
		switch s.kind {
		case kindIdle:
			return 0
		case kindWatch, kindCustom:
			if s.isReady(now) {
				return 0
			}
		}
	}
	if len(r.timers) == 0 {
		return BlockIndefinitely
	}
	d := r.timers[0].deadline.Sub(now)
	if d < 0 {
		d = 0
	}
	return d
}

// ready appends to buf every source that is ready at now, in dispatch order.
// Idle sources are only included if nothing else is ready.
func (r *registry) ready(now time.Time, buf []*Source) []*Source {
	buf = buf[:0]
	var idle bool
	for _, s := range r.sources {
		if !eligible(s) {
			continue
		}
		if s.kind == kindIdle {
			idle = true
			continue
		}
		if s.isReady(now) {
			buf = append(buf, s)
		}
	}
	if len(buf) == 0 && idle {
		for _, s := range r.sources {
			if s.kind == kindIdle && eligible(s) {
				buf = append(buf, s)
			}
		}
	}
	slices.SortFunc(buf, func(a, b *Source) int {
		return compareDispatchOrder(a, b, now)
	})
	return buf
}

// compareDispatchOrder orders by ascending priority, then earliest due time,
// then attachment order.
func compareDispatchOrder(a, b *Source, now time.Time) int {
	if c := cmp.Compare(a.priority, b.priority); c != 0 {
		return c
	}
	if c := a.due(now).Compare(b.due(now)); c != 0 {
		return c
	}
	return cmp.Compare(a.seq, b.seq)
}
