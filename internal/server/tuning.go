package server

import "sync/atomic"

// Tuning holds the timeouts applied to new sessions. It may be shared by
// several listeners of the same protocol and updated at runtime; sessions
// take a snapshot when they start, so an update never changes the deadlines
// of a session already running.
type Tuning struct {
	timeouts atomic.Pointer[Timeouts]
}

// NewTuning returns a Tuning initialized with t.
func NewTuning(t Timeouts) *Tuning {
	tuning := &Tuning{}
	tuning.Store(t)
	return tuning
}

// Load returns the current timeouts.
func (t *Tuning) Load() Timeouts {
	return *t.timeouts.Load()
}

// Store replaces the timeouts used by sessions started from now on.
func (t *Tuning) Store(timeouts Timeouts) {
	t.timeouts.Store(&timeouts)
}

// Update applies fn to a copy of the current timeouts and stores the result.
// Concurrent updates are serialized through compare-and-swap.
func (t *Tuning) Update(fn func(*Timeouts)) Timeouts {
	for {
		current := t.timeouts.Load()
		next := *current
		fn(&next)
		if t.timeouts.CompareAndSwap(current, &next) {
			return next
		}
	}
}
