package mainloop

import (
	"sync/atomic"
)

// LoopState represents the current state of a [Loop].
//
// State Machine:
//
//	StateIdle (0) → StatePolling (1)          [iteration start]
//	StatePolling (1) → StateDispatching (2)   [poll returned]
//	StateDispatching (2) → StateIdle (0)      [batch finished]
//	StateIdle (0) → StateQuit (3)             [Quit(), ctx done, callback failure]
//	StateQuit (3) → StateIdle (0)             [Run() again]
//
// A fresh Loop reports StateIdle, and a Loop that has returned from Run
// reports StateQuit.
type LoopState uint32

const (
	// StateIdle indicates the loop is between iterations, or not running.
	StateIdle LoopState = iota
	// StatePolling indicates the loop is computing its timeout or blocked
	// waiting for readiness.
	StatePolling
	// StateDispatching indicates the loop is invoking source callbacks.
	StateDispatching
	// StateQuit indicates the loop has returned (terminal for that Run).
	StateQuit
)

// String returns a human-readable representation of the state.
func (s LoopState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StatePolling:
		return "Polling"
	case StateDispatching:
		return "Dispatching"
	case StateQuit:
		return "Quit"
	default:
		return "Unknown"
	}
}

// loopState is a lock-free state holder, readable from any goroutine.
type loopState struct {
	v atomic.Uint32
}

func (s *loopState) Load() LoopState {
	return LoopState(s.v.Load())
}

// Store is only used by the goroutine running the loop.
func (s *loopState) Store(state LoopState) {
	s.v.Store(uint32(state))
}
