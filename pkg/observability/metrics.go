package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Outbound platform call metrics
	platformCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chaperone_platform_calls_total",
			Help: "Total number of outbound platform calls",
		},
		[]string{"method", "status"},
	)

	platformCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chaperone_platform_call_duration_seconds",
			Help:    "Outbound platform call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Approval lifecycle metrics
	approvalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chaperone_approvals_total",
			Help: "Total number of approval transitions by resulting status",
		},
		[]string{"status"},
	)

	approvalsPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chaperone_approvals_pending",
			Help: "Number of approvals currently pending",
		},
	)

	remindersFired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chaperone_reminders_fired_total",
			Help: "Total number of reminder notifications fired",
		},
	)

	// Webhook metrics
	webhookRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chaperone_webhook_requests_total",
			Help: "Total number of inbound webhook requests",
		},
		[]string{"endpoint", "status"},
	)

	initOnce sync.Once
)

// InitMetrics initializes Prometheus metrics
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			platformCallsTotal,
			platformCallDuration,
			approvalsTotal,
			approvalsPending,
			remindersFired,
			webhookRequestsTotal,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordPlatformCall records outbound platform call metrics
func RecordPlatformCall(method, status string, duration time.Duration) {
	platformCallsTotal.WithLabelValues(method, status).Inc()
	platformCallDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordApprovalTransition records an approval reaching the given status
func RecordApprovalTransition(status string) {
	approvalsTotal.WithLabelValues(status).Inc()
}

// SetPendingApprovals sets the pending-approvals gauge
func SetPendingApprovals(count int) {
	approvalsPending.Set(float64(count))
}

// RecordReminderFired counts one reminder notification
func RecordReminderFired() {
	remindersFired.Inc()
}

// RecordWebhookRequest records inbound webhook request metrics
func RecordWebhookRequest(endpoint string, status int) {
	webhookRequestsTotal.WithLabelValues(endpoint, statusLabel(status)).Inc()
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
