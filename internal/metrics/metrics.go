// Package metrics registers the prometheus collectors exposed by a
// replica host: commit latency, pump lag, copy-archive usage, and
// notification/simple-tx queue depths.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CommitDuration measures primary commit latency from tx start to
	// durable-barrier signal, split by whether it was a lazy or durable
	// commit request.
	CommitDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "kvstore",
		Subsystem: "engine",
		Name:      "commit_duration_seconds",
		Help:      "Time from transaction commit request to durable-barrier signal.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"kind"})

	// PendingCommits tracks transactions committed-but-not-yet-signaled
	// in the lazy-commit batcher.
	PendingCommits = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kvstore",
		Subsystem: "engine",
		Name:      "pending_commits",
		Help:      "Number of lazily committed transactions awaiting durable-barrier signal.",
	})

	// SimpleTxGroupSize records how many transactions were folded into
	// one bbolt commit by the simple-tx batcher.
	SimpleTxGroupSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kvstore",
		Subsystem: "replicatedstore",
		Name:      "simple_tx_group_size",
		Help:      "Number of caller transactions folded into a single commit.",
		Buckets:   []float64{1, 2, 4, 8, 16, 32, 64, 128},
	})

	// PumpLag is the difference between the primary's committed LSN and
	// the secondary pump's last applied LSN.
	PumpLag = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "kvstore",
		Subsystem: "secondarypump",
		Name:      "lag_lsn",
		Help:      "Difference between primary committed LSN and last applied LSN on this replica.",
	}, []string{"partition_id", "replica_id"})

	// PumpApplyErrorsTotal counts apply failures by storeerr.Kind string,
	// split by whether the pump treated them as retryable or terminal.
	PumpApplyErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kvstore",
		Subsystem: "secondarypump",
		Name:      "apply_errors_total",
		Help:      "Secondary pump apply errors by kind and disposition.",
	}, []string{"kind", "disposition"})

	// ArchiveRegistrySize is the current number of live copy archives
	// held open by the copy manager's ref-counted registry.
	ArchiveRegistrySize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kvstore",
		Subsystem: "copymanager",
		Name:      "archive_registry_size",
		Help:      "Number of copy archives currently registered (ref count > 0).",
	})

	// ArchiveBytesTotal counts bytes written into file-stream copy
	// archives.
	ArchiveBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kvstore",
		Subsystem: "copymanager",
		Name:      "archive_bytes_total",
		Help:      "Total bytes written into file-stream copy archives.",
	})

	// CopyWaitersQueued is the current depth of the bounded file-stream
	// full-copy waiter queue.
	CopyWaitersQueued = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kvstore",
		Subsystem: "copymanager",
		Name:      "waiters_queued",
		Help:      "Callers blocked waiting for a file-stream full-copy slot.",
	})

	// NotificationQueueDepth is the current depth of the per-key ordered
	// notification dispatch queue, per replica.
	NotificationQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "kvstore",
		Subsystem: "notify",
		Name:      "queue_depth",
		Help:      "Pending notifications awaiting delivery, by replica.",
	}, []string{"partition_id", "replica_id"})

	// NotificationsDroppedTotal counts queued notifications discarded by
	// a role-loss drain. While a replica keeps its role it stays zero:
	// a full queue applies backpressure instead of dropping.
	NotificationsDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kvstore",
		Subsystem: "notify",
		Name:      "dropped_total",
		Help:      "Queued notifications discarded on role loss instead of delivered.",
	})

	// MigrationRowsMirroredTotal counts rows mirrored from source to
	// target backend by the migration shim.
	MigrationRowsMirroredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kvstore",
		Subsystem: "migration",
		Name:      "rows_mirrored_total",
		Help:      "Rows mirrored to the migration target backend, by operation.",
	}, []string{"op"})

	// MigrationPhase exposes the current migration.Phase as a gauge,
	// one per possible phase value, 1 on the active phase.
	MigrationPhase = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "kvstore",
		Subsystem: "migration",
		Name:      "phase",
		Help:      "1 on the currently active migration phase, 0 elsewhere.",
	}, []string{"phase"})
)

func init() {
	prometheus.MustRegister(
		CommitDuration,
		PendingCommits,
		SimpleTxGroupSize,
		PumpLag,
		PumpApplyErrorsTotal,
		ArchiveRegistrySize,
		ArchiveBytesTotal,
		CopyWaitersQueued,
		NotificationQueueDepth,
		NotificationsDroppedTotal,
		MigrationRowsMirroredTotal,
		MigrationPhase,
	)
}

// Handler returns the HTTP handler serving the registered collectors.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an elapsed duration and reports it to a histogram on
// Stop, mirroring a stopwatch started at the beginning of a guarded
// section.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration reports the elapsed duration to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(t.Duration().Seconds())
}

// ObserveDurationVec reports the elapsed duration to a vector member
// selected by labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
