// internal/common/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AlertJobRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alert_job_runs_total",
			Help: "Total number of alert job runs by outcome",
		},
		[]string{"job", "outcome"},
	)

	AlertJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "alert_job_duration_seconds",
			Help: "Duration of alert job runs in seconds",
		},
		[]string{"job"},
	)

	AlertsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alerts_sent_total",
			Help: "Total number of alert notifications sent",
		},
		[]string{"rule_type"},
	)

	AlertsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alerts_failed_total",
			Help: "Total number of alert notifications that failed to send",
		},
		[]string{"rule_type"},
	)

	AlertsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alerts_skipped_total",
			Help: "Total number of alert candidates skipped",
		},
		[]string{"reason"},
	)

	LeaseAcquisitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lease_acquire_attempts_total",
			Help: "Total number of lease acquisition attempts by result",
		},
		[]string{"job", "result"},
	)

	LeaseRenewFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lease_renew_failures_total",
			Help: "Total number of failed lease heartbeat renewals",
		},
		[]string{"job"},
	)
)
