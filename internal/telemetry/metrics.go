package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payment_http_request_duration_seconds",
		Help:    "HTTP request latency by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_transitions_total",
		Help: "Committed payment status transitions.",
	}, []string{"acquirer", "from", "to"})

	acquirerCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payment_acquirer_call_duration_seconds",
		Help:    "Latency of calls to payment gateways.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
	}, []string{"acquirer", "operation", "outcome"})

	webhooksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_webhooks_total",
		Help: "Inbound gateway webhooks by outcome.",
	}, []string{"acquirer", "outcome"})

	unmappedStatusTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_unmapped_status_total",
		Help: "Gateway statuses with no canonical mapping.",
	}, []string{"acquirer"})

	attemptFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_attempt_failures_total",
		Help: "Failed checkout attempts on payments that remain open for retry.",
	}, []string{"acquirer", "source"})

	reconciliationAlertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_reconciliation_alerts_total",
		Help: "Gateway reports that could not be applied and need manual review.",
	}, []string{"acquirer", "reason"})
)

func RecordTransition(acquirer, from, to string) {
	transitionsTotal.WithLabelValues(acquirer, from, to).Inc()
}

// ObserveAcquirerCall records one gateway call; outcome is "ok" or "error".
func ObserveAcquirerCall(acquirer, operation string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	acquirerCallDuration.WithLabelValues(acquirer, operation, outcome).Observe(time.Since(start).Seconds())
}

func RecordWebhook(acquirer, outcome string) {
	webhooksTotal.WithLabelValues(acquirer, outcome).Inc()
}

func RecordUnmappedStatus(acquirer string) {
	unmappedStatusTotal.WithLabelValues(acquirer).Inc()
}

func RecordReconciliationAlert(acquirer, reason string) {
	reconciliationAlertsTotal.WithLabelValues(acquirer, reason).Inc()
}

func RecordAttemptFailure(acquirer, source string) {
	attemptFailuresTotal.WithLabelValues(acquirer, source).Inc()
}
