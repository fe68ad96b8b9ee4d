package mainloop

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// newTestContext creates a Context, released when the test ends.
func newTestContext(t *testing.T, opts ...Option) *Context {
	t.Helper()
	c, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(c.Release)
	return c
}

// testPipe creates a non-blocking pipe suitable for watch sources.
func testPipe(t *testing.T) (r, w int) {
	t.Helper()
	var fds [2]int
	require.NoError(t, unix.Pipe(fds[:]))
	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, unix.SetNonblock(fds[1], true))
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

// runInBackground runs c on a new goroutine, returning a channel that
// receives the result of Run. The loop is cancelled when the test ends.
func runInBackground(t *testing.T, c *Context) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		done <- c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-stopped:
		case <-time.After(2 * time.Second):
			t.Error("loop did not stop")
		}
	})
	waitForDepth(t, c, 1, 2*time.Second)
	return done
}

// waitForDepth waits until c has exactly depth running loops.
func waitForDepth(t *testing.T, c *Context, depth int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for c.Depth() != depth {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for depth %d, got %d", depth, c.Depth())
		}
		time.Sleep(time.Millisecond)
	}
}

// waitResult waits for a Run result.
func waitResult(t *testing.T, done <-chan error, timeout time.Duration) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		t.Fatal("timeout waiting for loop to return")
		return nil
	}
}

// counter returns a callback counting its invocations, and the count.
func counter(keep bool) (Callback, func() int) {
	var n atomic.Int32
	cb := func(Event) (bool, error) {
		n.Add(1)
		return keep, nil
	}
	return cb, func() int { return int(n.Load()) }
}
