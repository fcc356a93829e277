package clock

import (
	"sync"
	"time"
)

// Clock allows injecting wall-clock time into the settlement runtime
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// NewSystem returns a clock backed by time.Now
func NewSystem() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// Manual is a clock that only moves when told to. Useful for tests that
// walk an order through its deadlines.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual returns a manual clock starting at t
func NewManual(t time.Time) *Manual {
	return &Manual{now: t.UTC()}
}

// NewManualUnix returns a manual clock starting at the given unix second
func NewManualUnix(sec int64) *Manual {
	return NewManual(time.Unix(sec, 0))
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Set moves the clock to t
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t.UTC()
}

// Advance moves the clock forward by d
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}
