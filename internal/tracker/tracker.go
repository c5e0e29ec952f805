// Package tracker provides lightweight counters for in-flight provider calls.
package tracker

import "sync/atomic"

// Tracker counts running calls using atomics.
type Tracker struct {
	running atomic.Int64
	total   atomic.Int64
}

// Inc increments the running counter.
func (t *Tracker) Inc() {
	t.running.Add(1)
	t.total.Add(1)
}

// Dec decrements the running counter.
func (t *Tracker) Dec() { t.running.Add(-1) }

// Running returns the current running count.
func (t *Tracker) Running() int64 { return t.running.Load() }

// Total returns the number of calls started since creation.
func (t *Tracker) Total() int64 { return t.total.Load() }

// Track increments the counter and returns the matching decrement.
// A nil Tracker is a no-op.
func (t *Tracker) Track() func() {
	if t == nil {
		return func() {}
	}
	t.Inc()
	return t.Dec
}
