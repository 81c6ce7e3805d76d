package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/edutech-labs/coinledger/internal/ledger"
)

const namespace = "coinledger"

// Collector exports ledger operation metrics and implements ledger.Observer.
type Collector struct {
	operations *prometheus.CounterVec
	conflicts  *prometheus.CounterVec
	attempts   *prometheus.HistogramVec
	requests   *prometheus.CounterVec
}

// New registers the ledger metrics on reg.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Credits and debits by outcome.",
		}, []string{"kind", "outcome"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "version_conflicts_total",
			Help:      "Commits rejected because the balance version moved.",
		}, []string{"kind"}),
		attempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "commit_attempts",
			Help:      "Commit attempts needed per operation.",
			Buckets:   []float64{1, 2, 3, 5, 8, 13},
		}, []string{"kind"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
	}
	reg.MustRegister(c.operations, c.conflicts, c.attempts, c.requests)
	return c
}

// OperationCompleted records the outcome of a credit or debit.
func (c *Collector) OperationCompleted(kind ledger.EntryKind, outcome string, attempts int) {
	c.operations.WithLabelValues(string(kind), outcome).Inc()
	if attempts > 0 {
		c.attempts.WithLabelValues(string(kind)).Observe(float64(attempts))
	}
}

// ConflictObserved counts a version conflict.
func (c *Collector) ConflictObserved(kind ledger.EntryKind) {
	c.conflicts.WithLabelValues(string(kind)).Inc()
}

// RequestServed counts an HTTP request.
func (c *Collector) RequestServed(method, route string, status int) {
	c.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}
