package circuitbreaker

import (
	"sync"
	"time"

	"github.com/speedrun-hq/speedrun-settlement/pkg/clock"
	"github.com/speedrun-hq/speedrun-settlement/pkg/logger"
	"github.com/speedrun-hq/speedrun-settlement/pkg/metrics"
)

// CircuitBreaker pauses work against one domain after repeated failures
type CircuitBreaker struct {
	domainID      int
	enabled       bool
	failureCount  int
	failureWindow time.Duration
	failThreshold int
	resetTimeout  time.Duration
	lastFailure   time.Time
	tripped       bool
	tripTime      time.Time
	clock         clock.Clock
	logger        logger.Logger
	mu            sync.Mutex
}

// Config holds circuit breaker settings
type Config struct {
	Enabled        bool
	Threshold      int
	WindowDuration time.Duration
	ResetTimeout   time.Duration
}

// NewCircuitBreaker creates a new circuit breaker for domainID
func NewCircuitBreaker(domainID int, cfg Config, clk clock.Clock, log logger.Logger) *CircuitBreaker {
	if clk == nil {
		clk = clock.NewSystem()
	}
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	return &CircuitBreaker{
		domainID:      domainID,
		enabled:       cfg.Enabled,
		failThreshold: cfg.Threshold,
		failureWindow: cfg.WindowDuration,
		resetTimeout:  cfg.ResetTimeout,
		clock:         clk,
		logger:        log,
	}
}

// RecordFailure records a failure and trips the circuit if threshold is exceeded
func (cb *CircuitBreaker) RecordFailure() bool {
	if !cb.enabled {
		return false
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.clock.Now()

	// If the circuit is already tripped, check if it's time to try again
	if cb.tripped {
		if now.Sub(cb.tripTime) > cb.resetTimeout {
			cb.logger.InfoWithChain(cb.domainID, "Circuit breaker: attempting to reset after timeout")
			cb.close()
		} else {
			return true
		}
	}

	// Reset failure count if outside window
	if now.Sub(cb.lastFailure) > cb.failureWindow {
		cb.failureCount = 0
	}

	cb.failureCount++
	cb.lastFailure = now

	if cb.failureCount >= cb.failThreshold {
		cb.tripped = true
		cb.tripTime = now
		metrics.CircuitOpen.WithLabelValues(metrics.DomainLabel(cb.domainID)).Set(1)
		cb.logger.NoticeWithChain(cb.domainID, "Circuit breaker tripped: %d failures in window", cb.failureCount)
		return true
	}

	return false
}

// RecordSuccess clears the failure count of a closed circuit
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if !cb.tripped {
		cb.failureCount = 0
	}
}

// IsOpen returns true if the circuit is open (tripped)
func (cb *CircuitBreaker) IsOpen() bool {
	if !cb.enabled {
		return false
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	// If tripped but reset timeout has passed, try again
	if cb.tripped && cb.clock.Now().Sub(cb.tripTime) > cb.resetTimeout {
		cb.close()
		return false
	}

	return cb.tripped
}

// Reset manually resets the circuit breaker
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.close()
}

func (cb *CircuitBreaker) close() {
	cb.tripped = false
	cb.failureCount = 0
	metrics.CircuitOpen.WithLabelValues(metrics.DomainLabel(cb.domainID)).Set(0)
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() (failureCount int, lastFailure time.Time, failureWindow time.Duration, failThreshold int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureCount, cb.lastFailure, cb.failureWindow, cb.failThreshold
}

// GetTripTime returns the time when the circuit was tripped
func (cb *CircuitBreaker) GetTripTime() time.Time {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.tripTime
}

// IsEnabled returns true if the circuit breaker is enabled
func (cb *CircuitBreaker) IsEnabled() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.enabled
}
