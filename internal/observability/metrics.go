// Package observability exposes the engine's Prometheus collectors. All
// counters are registered at init and written through helper functions so
// the services never touch collector types directly.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	savesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studysync_saves_total",
			Help: "Record saves by outcome (committed or queued).",
		},
		[]string{"result"},
	)

	flushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studysync_flush_writes_total",
			Help: "Queued writes replayed during flush, by outcome.",
		},
		[]string{"result"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "studysync_queue_depth",
			Help: "Pending queued writes per owner.",
		},
		[]string{"owner"},
	)

	changeEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "studysync_change_events_total",
			Help: "Change feed events dispatched to listeners.",
		},
	)

	migrationRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studysync_migration_runs_total",
			Help: "Finalized migration runs by status.",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(
		savesTotal,
		flushesTotal,
		queueDepth,
		changeEventsTotal,
		migrationRunsTotal,
	)
}

// RecordSave counts one save; result is "committed" or "queued".
func RecordSave(result string) {
	savesTotal.WithLabelValues(result).Inc()
}

// RecordFlush counts one replayed queued write; result is "success" or
// "failure".
func RecordFlush(result string) {
	flushesTotal.WithLabelValues(result).Inc()
}

// SetQueueDepth records the current queue length for one owner.
func SetQueueDepth(owner string, n int) {
	queueDepth.WithLabelValues(owner).Set(float64(n))
}

// DropQueueDepth removes the owner's gauge series entirely. Sessions come
// and go with user churn, so a closed session must not leave a stale series
// behind.
func DropQueueDepth(owner string) {
	queueDepth.DeleteLabelValues(owner)
}

// RecordChangeEvent counts one dispatched change feed event.
func RecordChangeEvent() {
	changeEventsTotal.Inc()
}

// RecordMigrationRun counts one finalized migration run.
func RecordMigrationRun(status string) {
	migrationRunsTotal.WithLabelValues(status).Inc()
}
