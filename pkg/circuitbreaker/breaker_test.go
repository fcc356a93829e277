package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/speedrun-hq/speedrun-settlement/pkg/clock"
)

func newTestBreaker(enabled bool) (*CircuitBreaker, *clock.Manual) {
	clk := clock.NewManualUnix(1_000)
	cb := NewCircuitBreaker(1, Config{
		Enabled:        enabled,
		Threshold:      3,
		WindowDuration: 10 * time.Second,
		ResetTimeout:   30 * time.Second,
	}, clk, nil)
	return cb, clk
}

func TestCircuitBreakerTrips(t *testing.T) {
	cb, clk := newTestBreaker(true)

	assert.False(t, cb.RecordFailure())
	assert.False(t, cb.RecordFailure())
	assert.False(t, cb.IsOpen())

	assert.True(t, cb.RecordFailure())
	assert.True(t, cb.IsOpen())
	assert.Equal(t, clk.Now(), cb.GetTripTime())

	// further failures while open keep it open
	assert.True(t, cb.RecordFailure())

	clk.Advance(31 * time.Second)
	assert.False(t, cb.IsOpen())
	count, _, _, _ := cb.GetState()
	assert.Equal(t, 0, count)
}

func TestCircuitBreakerWindow(t *testing.T) {
	cb, clk := newTestBreaker(true)

	cb.RecordFailure()
	cb.RecordFailure()
	clk.Advance(11 * time.Second)

	assert.False(t, cb.RecordFailure(), "failures outside the window are forgotten")
	count, last, window, threshold := cb.GetState()
	assert.Equal(t, 1, count)
	assert.Equal(t, clk.Now(), last)
	assert.Equal(t, 10*time.Second, window)
	assert.Equal(t, 3, threshold)
}

func TestCircuitBreakerSuccessClearsFailures(t *testing.T) {
	cb, _ := newTestBreaker(true)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	assert.False(t, cb.RecordFailure())
	assert.False(t, cb.IsOpen())
}

func TestCircuitBreakerReset(t *testing.T) {
	cb, _ := newTestBreaker(true)
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	assert.True(t, cb.IsOpen())

	cb.Reset()
	assert.False(t, cb.IsOpen())
}

func TestCircuitBreakerDisabled(t *testing.T) {
	cb, _ := newTestBreaker(false)
	for i := 0; i < 10; i++ {
		assert.False(t, cb.RecordFailure())
	}
	assert.False(t, cb.IsOpen())
	assert.False(t, cb.IsEnabled())
}
