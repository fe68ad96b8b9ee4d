package mainloop

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// barrier waits until the loop running c has applied every request queued
// before the call.
func barrier(t *testing.T, c *Context) {
	t.Helper()
	ch := make(chan struct{})
	require.NoError(t, c.Invoke(func() { close(ch) }))
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for barrier")
	}
}

func TestWakeup_ReturnsBlockedPoll(t *testing.T) {
	c := newTestContext(t)

	var flag atomic.Bool
	fired := make(chan struct{}, 1)
	_, err := c.Attach(NewCustomSource(func(time.Time) bool { return flag.Load() }, func(Event) (bool, error) {
		flag.Store(false)
		fired <- struct{}{}
		return Continue, nil
	}))
	require.NoError(t, err)

	runInBackground(t, c)

	// let the loop block
	time.Sleep(10 * time.Millisecond)
	flag.Store(true)
	c.Wakeup()

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("wakeup did not unblock the poll")
	}
}

func TestWakeup_BeforePoll(t *testing.T) {
	c := newTestContext(t)
	c.Wakeup()

	done := make(chan struct{})
	go func() {
		defer close(done)
		dispatched, err := c.RunOnce(true)
		assert.NoError(t, err)
		assert.False(t, dispatched)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("wakeup before poll was lost")
	}
}

func TestRemoteAttach(t *testing.T) {
	c := newTestContext(t)
	runInBackground(t, c)

	fired := make(chan SourceID, 1)
	id, err := c.AddTimer(0, false, func(ev Event) (bool, error) {
		fired <- ev.Source.ID()
		return Remove, nil
	})
	require.NoError(t, err)
	assert.Same(t, c, c.Source(id).Context())

	select {
	case got := <-fired:
		assert.Equal(t, id, got)
	case <-time.After(2 * time.Second):
		t.Fatal("remotely attached source was not dispatched")
	}
}

func TestRemoteAttachThenDetach(t *testing.T) {
	c := newTestContext(t)

	hold := make(chan struct{})
	entered := make(chan struct{})
	_, err := c.AddTimer(0, false, func(Event) (bool, error) {
		close(entered)
		<-hold
		return Remove, nil
	})
	require.NoError(t, err)
	runInBackground(t, c)
	<-entered

	var count atomic.Int32
	s := NewTimerSource(0, true, func(Event) (bool, error) {
		count.Add(1)
		return Remove, nil
	})
	id, err := c.Attach(s)
	require.NoError(t, err)
	require.True(t, c.Detach(id))
	assert.Nil(t, c.Source(id))

	// the detach has not been applied, so the source is still owned
	_, err = c.Attach(s)
	assert.ErrorIs(t, err, ErrInvalidSource)

	close(hold)
	barrier(t, c)
	assert.Nil(t, s.Context())
	assert.Zero(t, count.Load())

	// and may now be attached again
	id2, err := c.Attach(s)
	require.NoError(t, err)
	assert.NotEqual(t, id, id2)
}

func TestRemoteDetach_NoCallbackAfterDetach(t *testing.T) {
	c := newTestContext(t)
	runInBackground(t, c)

	var count atomic.Int32
	id, err := c.AddTimer(time.Millisecond, true, func(Event) (bool, error) {
		count.Add(1)
		return Continue, nil
	})
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for count.Load() < 3 {
		require.True(t, time.Now().Before(deadline), "timer did not fire")
		time.Sleep(time.Millisecond)
	}

	require.True(t, c.Detach(id))
	barrier(t, c)
	n := count.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, count.Load())
	assert.Zero(t, c.Metrics().Sources)
}

func TestRemoteSetEnabled(t *testing.T) {
	c := newTestContext(t)
	runInBackground(t, c)

	var count atomic.Int32
	id, err := c.AddTimer(time.Millisecond, true, func(Event) (bool, error) {
		count.Add(1)
		return Continue, nil
	}, WithDisabled())
	require.NoError(t, err)

	barrier(t, c)
	time.Sleep(10 * time.Millisecond)
	assert.Zero(t, count.Load())

	require.True(t, c.SetEnabled(id, true))
	deadline := time.Now().Add(2 * time.Second)
	for count.Load() == 0 {
		require.True(t, time.Now().Before(deadline), "enabled timer did not fire")
		time.Sleep(time.Millisecond)
	}

	require.True(t, c.SetEnabled(id, false))
	barrier(t, c)
	n := count.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, count.Load())
}

func TestRemoteQuit(t *testing.T) {
	c := newTestContext(t)
	done := runInBackground(t, c)

	c.Quit()
	assert.NoError(t, waitResult(t, done, 2*time.Second))
	assert.Zero(t, c.Depth())
}

func TestRemoteLoopQuit(t *testing.T) {
	c := newTestContext(t)
	l := NewLoop(c)
	defer l.Release()

	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()
	waitForDepth(t, c, 1, 2*time.Second)
	assert.True(t, l.IsRunning())

	l.Quit()
	assert.NoError(t, waitResult(t, done, 2*time.Second))
}

func TestInvoke_Remote(t *testing.T) {
	c := newTestContext(t)

	loopGID := make(chan uint64, 1)
	_, err := c.AddTimer(0, false, func(Event) (bool, error) {
		loopGID <- getGoroutineID()
		return Remove, nil
	})
	require.NoError(t, err)
	runInBackground(t, c)

	want := <-loopGID
	got := make(chan uint64, 1)
	require.NoError(t, c.Invoke(func() { got <- getGoroutineID() }))

	select {
	case gid := <-got:
		assert.Equal(t, want, gid)
		assert.NotEqual(t, getGoroutineID(), gid)
	case <-time.After(2 * time.Second):
		t.Fatal("invoked function did not run")
	}
}

func TestRemoteAttach_Order(t *testing.T) {
	c := newTestContext(t)

	// holds the loop in a callback, while requests queue up
	hold := make(chan struct{})
	entered := make(chan struct{})
	_, err := c.AddTimer(0, false, func(Event) (bool, error) {
		close(entered)
		<-hold
		return Remove, nil
	})
	require.NoError(t, err)
	runInBackground(t, c)
	<-entered

	order := make(chan int, 5)
	always := func(time.Time) bool { return true }
	for i := range 5 {
		_, err := c.Attach(NewCustomSource(always, func(Event) (bool, error) {
			order <- i
			return Remove, nil
		}))
		require.NoError(t, err)
	}
	close(hold)

	for i := range 5 {
		select {
		case got := <-order:
			assert.Equal(t, i, got)
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for dispatch")
		}
	}
}

func TestGetGoroutineID(t *testing.T) {
	id := getGoroutineID()
	assert.NotZero(t, id)
	assert.Equal(t, id, getGoroutineID())

	other := make(chan uint64, 1)
	go func() { other <- getGoroutineID() }()
	got := <-other
	assert.NotZero(t, got)
	assert.NotEqual(t, id, got)
}
