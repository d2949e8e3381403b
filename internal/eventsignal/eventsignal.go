// Package eventsignal provides a level-triggered, lost-wakeup-free signal
// shared by every modem worker, the pool and the supervisor event loop.
//
// It generalizes the channel-based wakeup idiom used elsewhere in this
// codebase for one-shot closed notifications into a re-armable
// raise/wait signal.
package eventsignal

// Signal is a single-slot semaphore: any number of Raise calls before a
// Wait are coalesced into at most one pending wakeup, so a producer can
// never be missed by a consumer that is between two Wait calls.
type Signal struct {
	ch chan struct{}
}

// New creates a Signal with room for exactly one pending raise.
func New() *Signal {
	return &Signal{ch: make(chan struct{}, 1)}
}

// Raise marks the signal as pending. Safe to call from any goroutine, any
// number of times; extra raises while one is already pending are no-ops.
func (s *Signal) Raise() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// C returns the channel to select on. A successful receive clears the
// pending state, so callers must re-select/Wait to be notified again.
func (s *Signal) C() <-chan struct{} {
	return s.ch
}
