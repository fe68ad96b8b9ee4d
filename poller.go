// I/O Registration
//
// Watch sources are backed by platform-native mechanisms:
//   - Linux: epoll
//   - Darwin/BSD: kqueue
//
// See poller_linux.go and poller_darwin.go for platform-specific implementations.
//
// # Safety
//
// Always detach a watch source before closing its file descriptor, to prevent
// stale event delivery due to FD recycling.
package mainloop

import (
	"errors"
	"strings"
	"time"
)

// IOEvents represents the type of I/O events to monitor.
type IOEvents uint32

const (
	// EventRead indicates the file descriptor is ready for reading.
	EventRead IOEvents = 1 << iota
	// EventWrite indicates the file descriptor is ready for writing.
	EventWrite
	// EventError indicates an error condition on the file descriptor.
	EventError
	// EventHangup indicates the peer closed its end of the connection.
	EventHangup
)

// String returns the set flags, e.g. "read|hangup".
func (e IOEvents) String() string {
	if e == 0 {
		return "none"
	}
	var parts []string
	for _, f := range [...]struct {
		name string
		bit  IOEvents
	}{
		{"read", EventRead},
		{"write", EventWrite},
		{"error", EventError},
		{"hangup", EventHangup},
	} {
		if e&f.bit != 0 {
			parts = append(parts, f.name)
		}
	}
	return strings.Join(parts, "|")
}

// Maximum file descriptor we support with direct indexing.
const maxFDs = 65536

// maxFDLimit is the maximum FD value we support for dynamic growth.
const maxFDLimit = 100000000

// Standard poller errors. These are wrapped as ErrInvalidSource when
// returned from attach.
var (
	ErrFDOutOfRange        = errors.New("mainloop: fd out of range (max 100000000)")
	ErrFDAlreadyRegistered = errors.New("mainloop: fd already registered")
	ErrFDNotRegistered     = errors.New("mainloop: fd not registered")
	ErrPollerClosed        = errors.New("mainloop: poller closed")
)

// ioCallback is invoked by the poller, inline, for each ready fd.
type ioCallback func(IOEvents)

// fdInfo stores per-FD callback information.
type fdInfo struct {
	callback ioCallback
	events   IOEvents
	active   bool
}

// msTimeout converts a poll timeout to milliseconds, rounding up so that a
// timer is never polled for early. Negative values block indefinitely.
func msTimeout(d time.Duration) int {
	if d < 0 {
		return -1
	}
	n := d / time.Millisecond
	if d%time.Millisecond != 0 {
		n++
	}
	if n > 1<<31-1 {
		n = 1<<31 - 1
	}
	return int(n)
}
