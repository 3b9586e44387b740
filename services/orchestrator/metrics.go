package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricResultsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warden_check_results_ingested_total",
		Help: "Automated check results accepted into audit runs.",
	})
	metricResultsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warden_check_results_rejected_total",
		Help: "Per-result submissions rejected during ingestion.",
	})
	metricRunsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warden_audit_runs_completed_total",
		Help: "Audit runs that reached COMPLETED.",
	})
	metricRunsReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warden_audit_runs_reaped_total",
		Help: "Stale RUNNING audit runs forced to FAILED by the reaper.",
	})
)
