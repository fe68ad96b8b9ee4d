//go:build linux || darwin

package mainloop

import (
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// waker is the cross-goroutine wake-up mechanism, an eventfd (Linux) or a
// self-pipe (Darwin), whose read end is registered with the poller.
//
// A wake that lands before the poll blocks is not lost: the fd stays readable
// until drained, so the next poll returns immediately.
type waker struct {
	readFd  int
	writeFd int
	buf     [8]byte
	// pending deduplicates writes between drains
	pending atomic.Uint32
}

func (w *waker) open() error {
	r, wr, err := createWakeFd()
	if err != nil {
		return err
	}
	w.readFd, w.writeFd = r, wr
	return nil
}

// wake is safe to call from any goroutine.
func (w *waker) wake() error {
	if !w.pending.CompareAndSwap(0, 1) {
		return nil
	}

	// Native endianness, eventfd requires an 8 byte write.
	var one uint64 = 1
	buf := (*[8]byte)(unsafe.Pointer(&one))[:]

	_, err := unix.Write(w.writeFd, buf)
	if err == unix.EAGAIN {
		// counter or pipe full, so it is already readable
		err = nil
	}
	if err != nil {
		w.pending.Store(0)
	}
	return err
}

// drain is called on the loop goroutine, when the read end is ready.
//
// The pending flag is reset before reading, so a concurrent wake either
// writes after the reset (and is observed by the next poll) or has already
// been consumed here, before the loop re-evaluates.
func (w *waker) drain() {
	w.pending.Store(0)
	for {
		if _, err := unix.Read(w.readFd, w.buf[:]); err != nil {
			break
		}
	}
}

func (w *waker) close() {
	_ = unix.Close(w.readFd)
	if w.writeFd != w.readFd {
		_ = unix.Close(w.writeFd)
	}
}
