// Package keeper refunds expired escrow locks. Refund is permissionless, so
// any account may submit it once an order's expiry has passed; the keeper
// polls the index for such orders and submits the refunds from its own
// account through a worker pool.
package keeper

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/speedrun-hq/speedrun-settlement/pkg/circuitbreaker"
	"github.com/speedrun-hq/speedrun-settlement/pkg/clock"
	"github.com/speedrun-hq/speedrun-settlement/pkg/index"
	"github.com/speedrun-hq/speedrun-settlement/pkg/logger"
	"github.com/speedrun-hq/speedrun-settlement/pkg/metrics"
	"github.com/speedrun-hq/speedrun-settlement/pkg/models"
)

const (
	// pendingQueueSize buffers jobs between the poller and the workers
	pendingQueueSize = 100

	// maxRetriesPerTick limits how many retries are re-queued at once
	maxRetriesPerTick = 10

	retryTick = time.Second
)

// Refunder submits refunds on one domain
type Refunder interface {
	ChainID() int
	Refund(ctx context.Context, sender common.Address, order models.Order) error
}

// Finder lists locked orders whose expiry has passed
type Finder interface {
	ExpiredLocked(ctx context.Context, domainID int, now uint32, limit int) ([]index.Entry, error)
}

// Config holds the keeper settings
type Config struct {
	Sender          common.Address
	PollingInterval time.Duration
	WorkerCount     int
	BatchSize       int
	MaxRetries      int
	CircuitBreaker  circuitbreaker.Config
}

type jobKey struct {
	domainID int
	orderID  common.Hash
}

// Keeper refunds expired orders
type Keeper struct {
	cfg      Config
	domains  map[int]Refunder
	finder   Finder
	breakers map[int]*circuitbreaker.CircuitBreaker
	retries  *RetryManager
	clock    clock.Clock
	logger   logger.Logger

	pendingJobs chan models.RetryJob

	mu        sync.Mutex
	inFlight  map[jobKey]struct{}
	abandoned map[jobKey]string
	wg        sync.WaitGroup
}

// New creates a keeper over the given domains
func New(cfg Config, finder Finder, domains []Refunder, clk clock.Clock, log logger.Logger) *Keeper {
	if clk == nil {
		clk = clock.NewSystem()
	}
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	if cfg.PollingInterval <= 0 {
		cfg.PollingInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = pendingQueueSize
	}

	k := &Keeper{
		cfg:         cfg,
		domains:     make(map[int]Refunder, len(domains)),
		finder:      finder,
		breakers:    make(map[int]*circuitbreaker.CircuitBreaker, len(domains)),
		retries:     NewRetryManager(cfg.MaxRetries, clk, log),
		clock:       clk,
		logger:      log,
		pendingJobs: make(chan models.RetryJob, pendingQueueSize),
		inFlight:    make(map[jobKey]struct{}),
		abandoned:   make(map[jobKey]string),
	}
	for _, d := range domains {
		id := d.ChainID()
		k.domains[id] = d
		k.breakers[id] = circuitbreaker.NewCircuitBreaker(id, cfg.CircuitBreaker, clk, log)
	}
	return k
}

// CircuitBreakers returns the circuit breaker of every domain
func (k *Keeper) CircuitBreakers() map[int]*circuitbreaker.CircuitBreaker {
	return k.breakers
}

// Stats reports the number of in-flight, retrying and abandoned jobs
func (k *Keeper) Stats() (inFlight, retrying, abandoned int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.inFlight), k.retries.Len(), len(k.abandoned)
}

// Start runs the keeper until ctx is cancelled
func (k *Keeper) Start(ctx context.Context) {
	k.logger.Info("Starting %d keeper workers", k.cfg.WorkerCount)
	for i := 0; i < k.cfg.WorkerCount; i++ {
		k.wg.Add(1)
		go k.worker(ctx, i)
	}

	k.wg.Add(1)
	go k.retryHandler(ctx)

	k.logger.Info("Starting keeper as %s with polling interval %v", k.cfg.Sender.Hex(), k.cfg.PollingInterval)
	ticker := time.NewTicker(k.cfg.PollingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			k.logger.Info("Context cancelled, shutting down keeper")
			k.wg.Wait()
			return
		case <-ticker.C:
			queued, err := k.Poll(ctx)
			if err != nil {
				k.logger.Error("Error polling expired orders: %v", err)
			}
			if queued > 0 {
				k.logger.Info("Queued %d expired orders for refund", queued)
			}
		}
	}
}

// Poll queues the expired locked orders of every domain whose circuit is closed
func (k *Keeper) Poll(ctx context.Context) (int, error) {
	now := k.clock.Now().Unix()
	if now < 0 {
		now = 0
	}

	ids := make([]int, 0, len(k.domains))
	for id := range k.domains {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	var (
		queued int
		errs   []error
	)
	for _, id := range ids {
		if cb := k.breakers[id]; cb.IsOpen() {
			failureCount, lastFailure, _, _ := cb.GetState()
			k.logger.DebugWithChain(id, "Circuit breaker open (last failure: %v, failure count: %d), skipping poll", lastFailure, failureCount)
			continue
		}

		entries, err := k.finder.ExpiredLocked(ctx, id, uint32(now), k.cfg.BatchSize)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, e := range entries {
			job := models.RetryJob{Job: models.RefundJob{DomainID: id, OrderID: e.OrderID, Order: e.Order}}
			if k.track(job) && k.enqueue(job) {
				queued++
			}
		}
	}
	return queued, errors.Join(errs...)
}

// track marks a job in flight; false if it is already in flight or abandoned
func (k *Keeper) track(job models.RetryJob) bool {
	key := jobKey{job.Job.DomainID, job.Job.OrderID}

	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.inFlight[key]; ok {
		return false
	}
	if _, ok := k.abandoned[key]; ok {
		return false
	}
	k.inFlight[key] = struct{}{}
	metrics.PendingRefunds.Set(float64(len(k.inFlight)))
	return true
}

// release ends tracking of a job, abandoning it when reason is not empty
func (k *Keeper) release(job models.RetryJob, reason string) {
	key := jobKey{job.Job.DomainID, job.Job.OrderID}

	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.inFlight, key)
	if reason != "" {
		k.abandoned[key] = reason
	}
	metrics.PendingRefunds.Set(float64(len(k.inFlight)))
}

func (k *Keeper) enqueue(job models.RetryJob) bool {
	select {
	case k.pendingJobs <- job:
		return true
	default:
		metrics.DroppedJobs.WithLabelValues(metrics.DomainLabel(job.Job.DomainID)).Inc()
		k.release(job, "")
		return false
	}
}

// worker processes refund jobs from the queue
func (k *Keeper) worker(ctx context.Context, id int) {
	defer k.wg.Done()
	k.logger.Debug("Starting keeper worker %d", id)
	for {
		select {
		case <-ctx.Done():
			k.logger.Debug("Keeper worker %d shutting down", id)
			return
		case job := <-k.pendingJobs:
			k.process(ctx, job)
		}
	}
}

// process submits one refund and decides what happens to the job on failure
func (k *Keeper) process(ctx context.Context, job models.RetryJob) {
	domainID := job.Job.DomainID
	orderID := job.Job.OrderID.Hex()

	refunder, ok := k.domains[domainID]
	if !ok {
		k.logger.ErrorWithChain(domainID, "No deployment for order %s", orderID)
		k.release(job, "unknown_domain")
		return
	}

	cb := k.breakers[domainID]
	if cb.IsOpen() {
		k.logger.DebugWithChain(domainID, "Circuit breaker open, skipping order %s", orderID)
		k.release(job, "")
		return
	}

	startTime := time.Now()
	err := refunder.Refund(ctx, k.cfg.Sender, job.Job.Order)
	metrics.RefundProcessingTime.WithLabelValues(metrics.DomainLabel(domainID)).Observe(time.Since(startTime).Seconds())

	if err == nil {
		k.logger.InfoWithChain(domainID, "Refunded order %s (attempt #%d)", orderID, job.RetryCount+1)
		cb.RecordSuccess()
		k.release(job, "")
		return
	}

	metrics.RecordError(domainID, "refund", err)
	shouldRetry, errorType := k.retries.ShouldRetryError(err)
	k.logger.ErrorWithChain(domainID, "Error refunding order %s classified as: %s (retry: %v): %v", orderID, errorType, shouldRetry, err)

	if errorType == "already_processed" {
		k.logger.InfoWithChain(domainID, "Order %s is no longer locked, dropping", orderID)
		k.release(job, "")
		return
	}

	if !shouldRetry {
		metrics.PermanentErrors.WithLabelValues(metrics.DomainLabel(domainID), errorType).Inc()
		k.release(job, errorType)
		return
	}

	if cb.RecordFailure() {
		k.logger.NoticeWithChain(domainID, "Skipping retry for order %s due to tripped circuit breaker", orderID)
		k.release(job, "")
		return
	}

	switch err := k.retries.ScheduleRetry(job, errorType); {
	case errors.Is(err, ErrMaxRetries):
		k.release(job, errorType)
	case err != nil:
		k.release(job, "")
	}
}

// retryHandler moves due retries back to the pending queue
func (k *Keeper) retryHandler(ctx context.Context) {
	defer k.wg.Done()
	ticker := time.NewTicker(retryTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.requeueDue()
		}
	}
}

func (k *Keeper) requeueDue() int {
	due := k.retries.Due(maxRetriesPerTick)
	for _, job := range due {
		k.logger.DebugWithChain(job.Job.DomainID, "Retrying order %s (attempt #%d, error type: %s)",
			job.Job.OrderID.Hex(), job.RetryCount+1, job.ErrorType)
		k.enqueue(job)
	}
	return len(due)
}
