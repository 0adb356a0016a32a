// Package metrics provides Prometheus metrics for the shell gateway (RED + session lifecycle).
// Runbooks and dashboards can rely on these names.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "shellgate"

var (
	// HTTPRequestTotal counts requests by method, path, status (RED: rate).
	HTTPRequestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests by method, path, and status.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDurationSeconds is request latency histogram (RED: duration).
	HTTPRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2.5, 10), // 1ms to ~9.3s
		},
		[]string{"method", "path"},
	)

	// SessionsStartedTotal counts admitted sessions by path (direct | otp).
	SessionsStartedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Sessions started, by admission path.",
		},
		[]string{"path"},
	)

	// SessionsEndedTotal counts sessions leaving ACTIVE or PENDING_OTP, by final status.
	SessionsEndedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "Sessions reaching a terminal status.",
		},
		[]string{"status"},
	)

	// OTPVerificationsTotal counts OTP verification attempts by outcome.
	OTPVerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "otp_verifications_total",
			Help:      "OTP verification attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// CommandsTotal counts exec attempts by decision (allowed | blocked | rate_limited | failed).
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Exec attempts by gate decision.",
		},
		[]string{"decision"},
	)

	// ExecDurationSeconds is the latency of commands run in pods.
	ExecDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "exec_duration_seconds",
			Help:      "Duration of commands executed in pods.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
		},
	)

	// RedactionsTotal counts redacted spans by category.
	RedactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redactions_total",
			Help:      "Redacted spans in user-facing output, by category.",
		},
		[]string{"category"},
	)

	// CredentialsIssuedTotal counts ephemeral token requests by outcome.
	CredentialsIssuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credentials_issued_total",
			Help:      "Ephemeral credential issuance by outcome.",
		},
		[]string{"outcome"},
	)

	// FramesRejectedTotal counts recording frames rejected for size.
	FramesRejectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recording_frames_rejected_total",
			Help:      "Recording frames rejected by the size cap.",
		},
	)

	// RecordingsCleanedTotal counts recordings removed by retention cleanup.
	RecordingsCleanedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recordings_cleaned_total",
			Help:      "Recordings deleted after their retention deadline.",
		},
	)

	// DBQueryDurationSeconds is repository latency by operation.
	DBQueryDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_query_duration_seconds",
			Help:      "Database query duration in seconds, by operation.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
		},
		[]string{"operation"},
	)

	// ActiveSessions is the number of per-session rate limiters currently held.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Sessions with live limiter state in this process.",
		},
	)

	// PlaybackStreams is the number of open WebSocket playback streams.
	PlaybackStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "playback_streams",
			Help:      "Open WebSocket recording playback streams.",
		},
	)
)
