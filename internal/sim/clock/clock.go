// Package clock provides the monotonic time source shared by the scheduler,
// the performance monitor and the engine loop.
package clock

import (
	"sync"
	"time"
)

// Clock is a monotonic time source.
type Clock interface {
	Now() time.Time
}

// Monotonic reads the system clock. time.Now carries a monotonic reading, so
// Sub between two values is immune to wall clock adjustments.
type Monotonic struct{}

func NewMonotonic() Monotonic { return Monotonic{} }

func (Monotonic) Now() time.Time { return time.Now() }

// Manual is a controllable clock for tests and deterministic replays.
// Advance is safe to call from a goroutine other than the reader.
type Manual struct {
	mu  sync.RWMutex
	now time.Time
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.now
}

func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}

func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

// Elapsed returns the time since start according to c.
func Elapsed(c Clock, start time.Time) time.Duration {
	return c.Now().Sub(start)
}
