//go:build linux || darwin

package mainloop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestMsTimeout(t *testing.T) {
	for _, tc := range []struct {
		in   time.Duration
		want int
	}{
		{BlockIndefinitely, -1},
		{-time.Hour, -1},
		{0, 0},
		{time.Nanosecond, 1},
		{time.Millisecond, 1},
		{time.Millisecond + 1, 2},
		{1500 * time.Microsecond, 2},
		{time.Second, 1000},
		{1 << 62, 1<<31 - 1},
	} {
		assert.Equal(t, tc.want, msTimeout(tc.in), "msTimeout(%v)", tc.in)
	}
}

func TestIOEvents_String(t *testing.T) {
	assert.Equal(t, "none", IOEvents(0).String())
	assert.Equal(t, "read", EventRead.String())
	assert.Equal(t, "read|write", (EventRead | EventWrite).String())
	assert.Equal(t, "read|error|hangup", (EventRead | EventError | EventHangup).String())
}

func TestPoller_Registration(t *testing.T) {
	var p poller
	require.NoError(t, p.init())
	defer p.close()

	r, w := testPipe(t)

	assert.ErrorIs(t, p.registerFD(-1, EventRead, nil), ErrFDOutOfRange)
	assert.ErrorIs(t, p.registerFD(maxFDLimit, EventRead, nil), ErrFDOutOfRange)
	assert.ErrorIs(t, p.unregisterFD(r), ErrFDNotRegistered)

	var got IOEvents
	require.NoError(t, p.registerFD(r, EventRead, func(ev IOEvents) { got |= ev }))
	assert.ErrorIs(t, p.registerFD(r, EventRead, nil), ErrFDAlreadyRegistered)

	n, err := p.pollIO(0)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = unix.Write(w, []byte{1})
	require.NoError(t, err)

	n, err = p.pollIO(1000)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, EventRead, got&EventRead)

	require.NoError(t, p.unregisterFD(r))
	got = 0
	n, err = p.pollIO(0)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, got)
}

func TestPoller_Closed(t *testing.T) {
	var p poller
	require.NoError(t, p.init())
	require.NoError(t, p.close())
	require.NoError(t, p.close(), "close is idempotent")

	_, err := p.pollIO(0)
	assert.ErrorIs(t, err, ErrPollerClosed)
	assert.ErrorIs(t, p.registerFD(0, EventRead, nil), ErrPollerClosed)
	assert.ErrorIs(t, p.init(), ErrPollerClosed)
}
