package billing

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Health status of the billing path, derived from the ledger counters.
const (
	StatusHealthy  = "HEALTHY"
	StatusWarning  = "WARNING"
	StatusCritical = "CRITICAL"
)

// historyCap bounds the in-memory call history; the oldest entry is
// evicted first.
const historyCap = 100

// snapshotHistory is how many recent outcomes a snapshot exposes.
const snapshotHistory = 10

var (
	metricCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_calls_total",
		Help: "Billing attempts by result.",
	}, []string{"result"})

	metricEmergencyFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "billing_emergency_fallbacks_total",
		Help: "Billing attempts that used the synthesized emergency usage record.",
	})
)

// Ledger is the process-wide append-only record of billing attempts. It is
// mutated only by the billing engine and read by the observability
// endpoint; it never influences billing decisions.
type Ledger struct {
	mu                 sync.Mutex
	totalCalls         int
	successfulCalls    int
	failedCalls        int
	emergencyFallbacks int
	history            []Outcome
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{}
}

// Record appends one outcome and updates the aggregate counters.
func (l *Ledger) Record(o Outcome) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.totalCalls++
	if o.Success {
		l.successfulCalls++
		metricCalls.WithLabelValues("success").Inc()
	} else {
		l.failedCalls++
		metricCalls.WithLabelValues("failure").Inc()
	}
	if o.EmergencyFallback {
		l.emergencyFallbacks++
		metricEmergencyFallbacks.Inc()
	}

	l.history = append(l.history, o)
	if len(l.history) > historyCap {
		l.history = l.history[len(l.history)-historyCap:]
	}
}

// Snapshot is the read-only view served by the stats endpoint.
type Snapshot struct {
	TotalCalls         int       `json:"total_calls"`
	SuccessfulCalls    int       `json:"successful_calls"`
	FailedCalls        int       `json:"failed_calls"`
	EmergencyFallbacks int       `json:"emergency_fallbacks"`
	RecentHistory      []Outcome `json:"recent_history"`
	Status             string    `json:"status"`
}

// Snapshot returns the current totals, the last 10 outcomes and a derived
// health status.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	start := 0
	if len(l.history) > snapshotHistory {
		start = len(l.history) - snapshotHistory
	}
	recent := make([]Outcome, len(l.history)-start)
	copy(recent, l.history[start:])

	return Snapshot{
		TotalCalls:         l.totalCalls,
		SuccessfulCalls:    l.successfulCalls,
		FailedCalls:        l.failedCalls,
		EmergencyFallbacks: l.emergencyFallbacks,
		RecentHistory:      recent,
		Status:             l.status(),
	}
}

func (l *Ledger) status() string {
	switch {
	case l.failedCalls == 0:
		return StatusHealthy
	case l.failedCalls > l.successfulCalls:
		return StatusCritical
	default:
		return StatusWarning
	}
}
