package mainloop_test

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joeycumines/go-mainloop"
)

// Example_basicUsage demonstrates attaching sources and running a loop until
// quit.
func Example_basicUsage() {
	c, err := mainloop.New()
	if err != nil {
		fmt.Printf("Failed to create context: %v\n", err)
		return
	}
	defer c.Release()

	ticks := 0
	_, _ = c.AddTimer(time.Millisecond, true, func(mainloop.Event) (bool, error) {
		ticks++
		fmt.Printf("Tick %d\n", ticks)
		if ticks == 3 {
			c.Quit()
			return mainloop.Remove, nil
		}
		return mainloop.Continue, nil
	})

	if err := c.Run(context.Background()); err != nil {
		fmt.Printf("Run failed: %v\n", err)
	}
	fmt.Println("Done")

	// Output:
	// Tick 1
	// Tick 2
	// Tick 3
	// Done
}

// Example_priority demonstrates dispatch order within a single iteration.
func Example_priority() {
	c, _ := mainloop.New()
	defer c.Release()

	always := func(time.Time) bool { return true }
	report := func(ev mainloop.Event) (bool, error) {
		fmt.Println(ev.Source.Name())
		return mainloop.Remove, nil
	}

	_, _ = c.Attach(mainloop.NewCustomSource(always, report, mainloop.WithName("first default")))
	_, _ = c.Attach(mainloop.NewCustomSource(always, report, mainloop.WithName("low"), mainloop.WithPriority(mainloop.PriorityIdle)))
	_, _ = c.Attach(mainloop.NewCustomSource(always, report, mainloop.WithName("high"), mainloop.WithPriority(mainloop.PriorityHigh)))
	_, _ = c.Attach(mainloop.NewCustomSource(always, report, mainloop.WithName("second default")))
	_, _ = c.AddIdle(report, mainloop.WithName("idle"))

	_, _ = c.RunOnce(false)
	fmt.Println("--")
	_, _ = c.RunOnce(false)

	// Output:
	// high
	// first default
	// second default
	// low
	// --
	// idle
}

// Example_callbackFailure demonstrates inspecting a failed dispatch.
func Example_callbackFailure() {
	c, _ := mainloop.New()
	defer c.Release()

	_, _ = c.AddIdle(func(mainloop.Event) (bool, error) {
		return mainloop.Continue, errors.New("disk full")
	}, mainloop.WithName("writer"))

	_, err := c.RunOnce(false)

	var e *mainloop.Error
	if errors.As(err, &e) {
		fmt.Println(e.Domain, e.Code)
	}
	fmt.Println(errors.Is(err, mainloop.ErrCallbackFailure))
	fmt.Println(err)

	// Output:
	// mainloop-dispatch 1
	// true
	// mainloop-dispatch error 1: source writer: disk full
}
