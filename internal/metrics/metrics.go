package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "report_reviews"

// Metrics holds the review service's Prometheus collectors. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	actions              *prometheus.CounterVec
	actionDuration       *prometheus.HistogramVec
	conflicts            prometheus.Counter
	bulkItems            *prometheus.CounterVec
	notificationFailures prometheus.Counter
	pendingSteps         *prometheus.GaugeVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		actions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Review actions by action and outcome code.",
		}, []string{"action", "outcome"}),
		actionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "action_duration_seconds",
			Help:      "Latency of review actions including persistence.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),
		conflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "version_conflicts_total",
			Help:      "Actions rejected because the workflow changed concurrently.",
		}),
		bulkItems: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bulk_items_total",
			Help:      "Items processed by bulk operations.",
		}, []string{"operation", "outcome"}),
		notificationFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_failures_total",
			Help:      "Notifications that could not be delivered.",
		}),
		pendingSteps: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reviewer_pending_steps",
			Help:      "Pending steps per reviewer at the last workload query.",
		}, []string{"reviewer"}),
	}
}

// ObserveAction records one action. outcome is "ok" or an error code.
func (m *Metrics) ObserveAction(action, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(action, outcome).Inc()
	m.actionDuration.WithLabelValues(action).Observe(elapsed.Seconds())
}

// Conflict counts a save rejected by the version check.
func (m *Metrics) Conflict() {
	if m == nil {
		return
	}
	m.conflicts.Inc()
}

// BulkItem counts one item of a bulk operation.
func (m *Metrics) BulkItem(operation string, ok bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	m.bulkItems.WithLabelValues(operation, outcome).Inc()
}

// NotificationFailed counts a notification that could not be published.
func (m *Metrics) NotificationFailed() {
	if m == nil {
		return
	}
	m.notificationFailures.Inc()
}

// SetPendingSteps records a reviewer's pending step count.
func (m *Metrics) SetPendingSteps(reviewer string, n int) {
	if m == nil {
		return
	}
	m.pendingSteps.WithLabelValues(reviewer).Set(float64(n))
}
