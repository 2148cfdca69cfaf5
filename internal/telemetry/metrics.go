package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SubmissionsTotal   = prometheus.NewCounter(prometheus.CounterOpts{Name: "exhibition_submissions_total", Help: "Photo submissions ingested"})
	SubmissionFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "exhibition_submission_failures_total", Help: "Submissions rejected because the photo upload failed"})
	SyncEdits          = prometheus.NewCounter(prometheus.CounterOpts{Name: "exhibition_sync_edits_total", Help: "Chat messages edited to reflect an evaluation"})
	SyncFailures       = prometheus.NewCounter(prometheus.CounterOpts{Name: "exhibition_sync_failures_total", Help: "Sync edits deferred to a later run"})
	SyncOrphaned       = prometheus.NewCounter(prometheus.CounterOpts{Name: "exhibition_sync_orphaned_total", Help: "Records marked synced because the target message is gone"})
	WorkerRestarts     = prometheus.NewCounter(prometheus.CounterOpts{Name: "exhibition_worker_restarts_total", Help: "Tenant worker restart attempts"})
	WorkersRunning     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "exhibition_workers_running", Help: "Tenant workers currently running"})
	WorkersBackoff     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "exhibition_workers_backoff", Help: "Tenant workers waiting out restart backoff"})
	WorkersAbandoned   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "exhibition_workers_abandoned", Help: "Tenant workers abandoned pending operator reset"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			SubmissionsTotal,
			SubmissionFailures,
			SyncEdits,
			SyncFailures,
			SyncOrphaned,
			WorkerRestarts,
			WorkersRunning,
			WorkersBackoff,
			WorkersAbandoned,
		)
	})
	return promhttp.Handler()
}
