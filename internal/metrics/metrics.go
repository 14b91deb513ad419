package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the service's Prometheus collectors. A nil *Metrics, or one
// built with a nil registerer, records nothing.
type Metrics struct {
	syncRuns         *prometheus.CounterVec
	syncDuration     *prometheus.HistogramVec
	ordersReconciled *prometheus.CounterVec
	webhooks         *prometheus.CounterVec
	queueJobs        *prometheus.CounterVec
	tokenRefreshes   *prometheus.CounterVec
}

// New registers the collectors on the provided registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return &Metrics{}
	}
	m := &Metrics{
		syncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketplace_sync_runs_total",
			Help: "Finished sync runs by outcome.",
		}, []string{"marketplace", "status"}),
		syncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "marketplace_sync_duration_seconds",
			Help:    "Wall time of finished sync runs.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"marketplace"}),
		ordersReconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketplace_orders_reconciled_total",
			Help: "Orders processed by the reconciler.",
		}, []string{"marketplace", "outcome"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketplace_webhooks_total",
			Help: "Inbound webhook notifications.",
		}, []string{"marketplace", "outcome"}),
		queueJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketplace_queue_jobs_total",
			Help: "Queue job executions by outcome.",
		}, []string{"queue", "outcome"}),
		tokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketplace_token_refreshes_total",
			Help: "OAuth token refresh attempts.",
		}, []string{"marketplace", "outcome"}),
	}
	reg.MustRegister(m.syncRuns, m.syncDuration, m.ordersReconciled, m.webhooks, m.queueJobs, m.tokenRefreshes)
	return m
}

// SyncFinished records a completed run.
func (m *Metrics) SyncFinished(marketplace, status string, d time.Duration) {
	if m == nil || m.syncRuns == nil {
		return
	}
	m.syncRuns.WithLabelValues(label(marketplace), label(status)).Inc()
	m.syncDuration.WithLabelValues(label(marketplace)).Observe(d.Seconds())
}

func (m *Metrics) OrdersReconciled(marketplace, outcome string, n int) {
	if m == nil || m.ordersReconciled == nil || n <= 0 {
		return
	}
	m.ordersReconciled.WithLabelValues(label(marketplace), label(outcome)).Add(float64(n))
}

func (m *Metrics) Webhook(marketplace, outcome string) {
	if m == nil || m.webhooks == nil {
		return
	}
	m.webhooks.WithLabelValues(label(marketplace), label(outcome)).Inc()
}

func (m *Metrics) QueueJob(queue, outcome string) {
	if m == nil || m.queueJobs == nil {
		return
	}
	m.queueJobs.WithLabelValues(label(queue), label(outcome)).Inc()
}

func (m *Metrics) TokenRefresh(marketplace, outcome string) {
	if m == nil || m.tokenRefreshes == nil {
		return
	}
	m.tokenRefreshes.WithLabelValues(label(marketplace), label(outcome)).Inc()
}

func label(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
