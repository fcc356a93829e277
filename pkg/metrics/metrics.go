package metrics

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/speedrun-hq/speedrun-settlement/pkg/models"
)

// Metrics for monitoring
var (
	OrdersOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_orders_opened_total",
		Help: "The total number of orders locked in escrow",
	}, []string{"domain_id"})

	OrdersFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_orders_finalized_total",
		Help: "The total number of orders released to a settlement destination",
	}, []string{"domain_id"})

	OrdersRefunded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_orders_refunded_total",
		Help: "The total number of orders returned to their user",
	}, []string{"domain_id"})

	OrdersPurchased = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_orders_purchased_total",
		Help: "The total number of solver claims bought by a purchaser",
	}, []string{"domain_id"})

	OutputsFilled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_outputs_filled_total",
		Help: "The total number of outputs filled on a destination domain",
	}, []string{"domain_id"})

	// OperationErrors counts rejected operations by machine-checkable reason
	OperationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_operation_errors_total",
		Help: "Total number of failed operations by reason",
	}, []string{"domain_id", "operation", "reason"})

	// Keeper related metrics
	RefundProcessingTime = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settlement_keeper_refund_seconds",
		Help:    "Time taken to process a refund job",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // Start at 1ms with 12 buckets doubling in size
	}, []string{"domain_id"})

	PendingRefunds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settlement_keeper_pending_refunds",
		Help: "The number of refund jobs queued or in flight",
	})

	RetryCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_keeper_retry_count_total",
		Help: "The total number of retried refund jobs by domain",
	}, []string{"domain_id", "error_type"})

	PermanentErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_keeper_permanent_errors_total",
		Help: "Total number of refund jobs dropped on a permanent error",
	}, []string{"domain_id", "error_type"})

	MaxRetriesReached = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_keeper_max_retries_reached_total",
		Help: "Number of refund jobs that reached maximum retry attempts",
	}, []string{"domain_id", "error_type"})

	RetryQueueSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settlement_keeper_retry_queue_size",
		Help: "Current size of the retry queue",
	})

	DroppedJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_keeper_jobs_dropped_total",
		Help: "Number of refund jobs dropped due to queue capacity",
	}, []string{"domain_id"})

	CircuitOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "settlement_keeper_circuit_open",
		Help: "1 while the circuit breaker of a domain is open",
	}, []string{"domain_id"})
)

// DomainLabel formats a domain id as a label value
func DomainLabel(domainID int) string {
	return strconv.Itoa(domainID)
}

// RecordError counts a failed operation on a domain
func RecordError(domainID int, operation string, err error) {
	OperationErrors.WithLabelValues(DomainLabel(domainID), operation, models.Reason(err)).Inc()
}

// Sink counts committed settlement events. It satisfies chain.EventSink.
type Sink struct{}

// HandleEvent increments the counter matching the event kind
func (Sink) HandleEvent(_ context.Context, ev models.Event) {
	label := ev.DomainID.String()
	switch ev.Kind {
	case models.EventOpen:
		OrdersOpened.WithLabelValues(label).Inc()
	case models.EventFinalized:
		OrdersFinalized.WithLabelValues(label).Inc()
	case models.EventRefunded:
		OrdersRefunded.WithLabelValues(label).Inc()
	case models.EventOrderPurchased:
		OrdersPurchased.WithLabelValues(label).Inc()
	case models.EventOutputFilled:
		OutputsFilled.WithLabelValues(label).Inc()
	}
}
