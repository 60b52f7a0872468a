// Package metrics exposes Prometheus metrics for run outcomes.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the fireback metric instruments.
type Metrics struct {
	registry *prometheus.Registry

	backupRuns      *prometheus.CounterVec
	restoreRuns     *prometheus.CounterVec
	backupDuration  prometheus.Histogram
	restoreDuration prometheus.Histogram
	archiveSize     prometheus.Gauge
	lastBackupTime  prometheus.Gauge
}

// New creates the metric instruments on a dedicated registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		backupRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fireback_backup_runs_total",
			Help: "Backup runs by outcome.",
		}, []string{"outcome"}),
		restoreRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fireback_restore_runs_total",
			Help: "Restore runs by outcome.",
		}, []string{"outcome"}),
		backupDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "fireback_backup_duration_seconds",
			Help:    "Duration of backup runs.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		restoreDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "fireback_restore_duration_seconds",
			Help:    "Duration of restore runs.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		archiveSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fireback_last_archive_size_bytes",
			Help: "Size of the most recently created archive.",
		}),
		lastBackupTime: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fireback_last_successful_backup_timestamp_seconds",
			Help: "Unix time of the last successful backup.",
		}),
	}
}

// ObserveBackup records a finished backup run.
func (m *Metrics) ObserveBackup(outcome string, duration time.Duration, archiveSizeBytes int64) {
	m.backupRuns.WithLabelValues(outcome).Inc()
	m.backupDuration.Observe(duration.Seconds())
	if outcome != "fatal" {
		m.archiveSize.Set(float64(archiveSizeBytes))
		m.lastBackupTime.SetToCurrentTime()
	}
}

// ObserveRestore records a finished restore run.
func (m *Metrics) ObserveRestore(outcome string, duration time.Duration) {
	m.restoreRuns.WithLabelValues(outcome).Inc()
	m.restoreDuration.Observe(duration.Seconds())
}

// Handler returns the scrape endpoint handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
