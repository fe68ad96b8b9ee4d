// Package mainloop provides a single-threaded, cooperative event loop with
// external readiness sources, in the style of a classic main loop.
//
// # Architecture
//
// A [Context] owns a registry of [Source] values: timers, fd watches, idle
// callbacks, and custom sources whose readiness is decided by a function. A
// [Loop] blocks the calling goroutine, repeatedly:
//
//  1. applying attach, detach and quit requests queued by other goroutines
//  2. computing how long it may block, from the earliest timer deadline
//  3. polling for fd readiness (epoll on Linux, kqueue on Darwin) until that
//     timeout, or until woken by [Context.Wakeup]
//  4. dispatching every ready source, in ascending priority, then by earliest
//     due time, then by attachment order
//
// until [Loop.Quit] or [Context.Quit] is called, or its context.Context is
// done. Idle sources are only dispatched if nothing else is ready.
//
// # Callbacks
//
// A [Callback] returns whether its source should stay attached, and an
// optional error. A failed (or panicking) callback's source is detached, the
// rest of the batch still runs, and Run then returns an [*Error] in the
// [DomainDispatch] domain. The Context remains usable.
//
// # Thread Safety
//
// Callbacks run on the goroutine running the loop, one at a time, and a
// source's callback never overlaps itself. Long-running callbacks delay every
// other source.
//
// Other goroutines may call [Context.Attach], [Context.Detach],
// [Context.SetEnabled], [Context.Quit], [Context.Wakeup] and
// [Context.Invoke]. Mutations are applied in the order they were requested,
// before the loop next polls. Running a loop from a second goroutine, while
// another goroutine owns the Context, fails with [ErrReentrancyViolation].
//
// # Nested Loops
//
// A callback may run another [Loop] against the same Context, e.g. to wait
// for a result while still servicing other sources. The inner loop never
// dispatches the source whose callback started it, and sources it dispatches
// are not dispatched again by the outer batch.
//
// # Usage
//
//	c, err := mainloop.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Release()
//
//	_, _ = c.AddTimer(100*time.Millisecond, false, func(mainloop.Event) (bool, error) {
//	    fmt.Println("Hello after 100ms")
//	    c.Quit()
//	    return mainloop.Remove, nil
//	})
//
//	if err := c.Run(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
package mainloop
