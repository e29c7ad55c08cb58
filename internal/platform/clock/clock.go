package clock

import (
	"sync"
	"time"
)

// Clock is the time source injected into components that compute ages and
// durations.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

// New returns a Clock backed by time.Now in UTC.
func New() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now().UTC()
}

// Managed is a hand-driven Clock for tests.
type Managed struct {
	mu  sync.Mutex
	now time.Time
}

func NewManaged(start time.Time) *Managed {
	return &Managed{now: start}
}

func (m *Managed) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward and returns the new time.
func (m *Managed) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	return m.now
}

// Set jumps the clock to t.
func (m *Managed) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}
