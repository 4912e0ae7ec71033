package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	MessagesProcessed = prometheus.NewCounter(prometheus.CounterOpts{Name: "mail_messages_processed_total", Help: "Messages fully processed"})
	MessagesSkipped   = prometheus.NewCounter(prometheus.CounterOpts{Name: "mail_messages_skipped_total", Help: "Messages skipped due to lock contention"})
	MessagesFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "mail_messages_failed_total", Help: "Messages that failed and were rolled back"})
	LocksExpired      = prometheus.NewCounter(prometheus.CounterOpts{Name: "mail_locks_expired_total", Help: "Processing aborted because the lock expired mid-flight"})
	DraftsUploaded    = prometheus.NewCounter(prometheus.CounterOpts{Name: "mail_drafts_uploaded_total", Help: "Drafts uploaded to mailboxes"})
	MessagesMoved     = prometheus.NewCounter(prometheus.CounterOpts{Name: "mail_messages_moved_total", Help: "Originals moved by silent classification"})
	JobsCompleted     = prometheus.NewCounter(prometheus.CounterOpts{Name: "mail_jobs_completed_total", Help: "Jobs completed successfully"})
	JobsFailed        = prometheus.NewCounter(prometheus.CounterOpts{Name: "mail_jobs_failed_total", Help: "Jobs that failed terminally"})
	ThrottleRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "mail_throttle_rejects_total", Help: "Batch fetches deferred by the provider throttle"})
	QueueDepthGauge   = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "mail_queue_depth", Help: "Waiting jobs per queue"}, []string{"queue"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "mail_jobs_inflight", Help: "Jobs currently being handled"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			MessagesProcessed,
			MessagesSkipped,
			MessagesFailed,
			LocksExpired,
			DraftsUploaded,
			MessagesMoved,
			JobsCompleted,
			JobsFailed,
			ThrottleRejects,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
