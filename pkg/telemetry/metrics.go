// Package telemetry holds the Prometheus metrics and OpenTelemetry tracing setup shared by the
// identity components.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "incollab_auth"

var (
	// OTCRequestsTotal counts code requests by channel and outcome (sent, rate_limited).
	OTCRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "otc_requests_total",
			Help:      "One-time code requests by channel and outcome.",
		},
		[]string{"channel", "outcome"},
	)

	// OTCVerificationsTotal counts verifications by channel and outcome (verified, invalid, locked).
	OTCVerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "otc_verifications_total",
			Help:      "One-time code verifications by channel and outcome.",
		},
		[]string{"channel", "outcome"},
	)

	TokensIssuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_issued_total",
			Help:      "Token pairs issued by principal kind.",
		},
		[]string{"kind"},
	)

	// RotationsTotal counts refresh rotations by outcome (rotated, revoked, session_not_found, malformed).
	RotationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_rotations_total",
			Help:      "Refresh token rotations by outcome.",
		},
		[]string{"outcome"},
	)

	SessionsRevokedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_revoked_total",
			Help:      "Sessions revoked by logout, logout-all or account deletion.",
		},
	)

	PurgedPrincipalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purged_principals_total",
			Help:      "Soft-deleted principals permanently removed, by kind.",
		},
		[]string{"kind"},
	)

	DataIntegrityErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "data_integrity_errors_total",
			Help:      "Stored ciphertexts or payloads that failed to decode.",
		},
	)

	HTTPRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2.5, 10),
		},
		[]string{"method", "route", "status"},
	)
)
