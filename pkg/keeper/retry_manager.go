package keeper

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/speedrun-hq/speedrun-settlement/pkg/clock"
	"github.com/speedrun-hq/speedrun-settlement/pkg/logger"
	"github.com/speedrun-hq/speedrun-settlement/pkg/metrics"
	"github.com/speedrun-hq/speedrun-settlement/pkg/models"
)

const (
	// maxQueueSize limits the retry queue
	maxQueueSize = 1000

	// maxBackoff caps the delay between two attempts
	maxBackoff = 2 * time.Minute
)

var (
	// ErrMaxRetries is returned when a job used up its attempts
	ErrMaxRetries = errors.New("max retries reached")

	// ErrQueueFull is returned when the retry queue is at capacity
	ErrQueueFull = errors.New("retry queue at capacity")
)

// RetryManager holds failed refund jobs until their next attempt is due
type RetryManager struct {
	mu         sync.Mutex
	queue      []models.RetryJob
	maxRetries int
	clock      clock.Clock
	logger     logger.Logger
}

// NewRetryManager creates a new retry manager
func NewRetryManager(maxRetries int, clk clock.Clock, log logger.Logger) *RetryManager {
	return &RetryManager{
		maxRetries: maxRetries,
		clock:      clk,
		logger:     log,
	}
}

// ShouldRetryError classifies errors to determine if a retry should be attempted
// Returns (shouldRetry, errorType)
func (rm *RetryManager) ShouldRetryError(err error) (bool, string) {
	// Someone else refunded or finalized the order first
	if errors.Is(err, models.ErrInvalidOrderStatus) {
		return false, "already_processed"
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true, "timeout"
	}

	// Escrow or ledger rejections do not change on their own
	if models.IsPrecondition(err) {
		return false, models.Reason(err)
	}

	// Store contention - retry is appropriate
	errStr := err.Error()
	if strings.Contains(errStr, "database is locked") ||
		strings.Contains(errStr, "database table is locked") ||
		strings.Contains(errStr, "busy") {
		return true, "store_busy"
	}

	// Unknown errors - retry with caution
	return true, "unknown_error"
}

// CalculateBackoff calculates the backoff duration for retry attempts
func (rm *RetryManager) CalculateBackoff(retryCount int) time.Duration {
	if retryCount > 4 {
		return maxBackoff
	}

	// Calculate exponential backoff (2^retry * 10 seconds)
	backoff := time.Duration(math.Pow(2, float64(retryCount))) * 10 * time.Second

	if backoff > maxBackoff {
		backoff = maxBackoff
	}

	return backoff
}

// ScheduleRetry queues the next attempt of job
func (rm *RetryManager) ScheduleRetry(job models.RetryJob, errorType string) error {
	domain := metrics.DomainLabel(job.Job.DomainID)

	if job.RetryCount >= rm.maxRetries {
		rm.logger.NoticeWithChain(job.Job.DomainID, "Max retries reached for order %s, giving up (error: %s)", job.Job.OrderID.Hex(), errorType)
		metrics.MaxRetriesReached.WithLabelValues(domain, errorType).Inc()
		return ErrMaxRetries
	}

	backoff := rm.CalculateBackoff(job.RetryCount)
	next := models.RetryJob{
		Job:         job.Job,
		RetryCount:  job.RetryCount + 1,
		NextAttempt: rm.clock.Now().Add(backoff),
		ErrorType:   errorType,
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	if len(rm.queue) >= maxQueueSize {
		rm.logger.ErrorWithChain(job.Job.DomainID, "Retry queue at capacity (%d jobs), dropping order %s", maxQueueSize, job.Job.OrderID.Hex())
		metrics.DroppedJobs.WithLabelValues(domain).Inc()
		return ErrQueueFull
	}

	rm.queue = append(rm.queue, next)
	// Sort the queue by next attempt time
	sort.SliceStable(rm.queue, func(i, j int) bool {
		return rm.queue[i].NextAttempt.Before(rm.queue[j].NextAttempt)
	})
	metrics.RetryCount.WithLabelValues(domain, errorType).Inc()
	metrics.RetryQueueSize.Set(float64(len(rm.queue)))

	rm.logger.InfoWithChain(job.Job.DomainID, "Scheduling retry for order %s in %v (error: %s)", job.Job.OrderID.Hex(), backoff, errorType)
	return nil
}

// Due removes and returns up to limit jobs whose next attempt is not in the future
func (rm *RetryManager) Due(limit int) []models.RetryJob {
	now := rm.clock.Now()

	rm.mu.Lock()
	defer rm.mu.Unlock()

	n := 0
	for n < len(rm.queue) && n < limit && !rm.queue[n].NextAttempt.After(now) {
		n++
	}
	due := make([]models.RetryJob, n)
	copy(due, rm.queue[:n])
	rm.queue = rm.queue[n:]
	metrics.RetryQueueSize.Set(float64(len(rm.queue)))
	return due
}

// Len returns the number of queued retries
func (rm *RetryManager) Len() int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.queue)
}
