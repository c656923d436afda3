// Package metrics holds the Prometheus collectors of the identity service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "identity_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "identity_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// AuthOutcomes counts orchestrator results by action and error kind ("ok" on success).
	AuthOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "identity_auth_outcomes_total",
			Help: "Authentication actions by outcome",
		},
		[]string{"action", "outcome"},
	)

	// OTPVerifications counts challenge verification results.
	OTPVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "identity_otp_verifications_total",
			Help: "OTP verification attempts by result",
		},
		[]string{"result"},
	)

	PreKeysClaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "identity_prekeys_claimed_total",
			Help: "One-time pre-keys handed out to session initiators",
		},
	)

	BundlesWithoutPreKey = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "identity_bundles_without_prekey_total",
			Help: "Device bundles served with an exhausted one-time pre-key pool",
		},
	)

	SMSSendFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "identity_sms_send_failures_total",
			Help: "OTP deliveries the SMS gateway did not accept",
		},
	)

	// SMSBreakerState is 0=closed, 1=half-open, 2=open.
	SMSBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "identity_sms_breaker_state",
			Help: "Current state of the SMS gateway circuit breaker",
		},
	)

	AuditPublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "identity_audit_write_failures_total",
			Help: "Audit events that could not be written",
		},
		[]string{"sink"},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
