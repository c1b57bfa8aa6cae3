// Package prometheus implements the Prometheus-backed sync metrics.
package prometheus

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/syncdeck/pkg/metrics"
)

// SyncMetrics observes the sync HTTP surface and the outcomes of collection
// and media syncs. All methods are nil-safe so a disabled metrics setup costs
// nothing at the call sites.
type SyncMetrics struct {
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	syncOutcomes    *prometheus.CounterVec
	fullSyncs       *prometheus.CounterVec
	mediaFiles      *prometheus.CounterVec
	activeSyncs     prometheus.Gauge
}

// NewSyncMetrics creates the sync collectors on the shared registry.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewSyncMetrics() *SyncMetrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &SyncMetrics{
		requests: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "syncdeck_requests_total",
				Help: "Total sync requests by operation and HTTP status",
			},
			[]string{"op", "status"},
		),
		requestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "syncdeck_request_duration_seconds",
				Help:    "Sync request duration by operation",
				Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 30, 120},
			},
			[]string{"op"},
		),
		syncOutcomes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "syncdeck_syncs_total",
				Help: "Completed incremental syncs by outcome (finished, aborted, sanity_failed)",
			},
			[]string{"outcome"},
		),
		fullSyncs: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "syncdeck_full_syncs_total",
				Help: "Full collection transfers by direction (upload, download)",
			},
			[]string{"direction"},
		),
		mediaFiles: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "syncdeck_media_files_total",
				Help: "Media files exchanged by direction (uploaded, downloaded)",
			},
			[]string{"direction"},
		),
		activeSyncs: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "syncdeck_active_syncs",
				Help: "Sync transactions currently in flight",
			},
		),
	}
}

// RecordRequest records one completed request.
func (m *SyncMetrics) RecordRequest(op string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(op, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordSyncStarted increments the in-flight gauge.
func (m *SyncMetrics) RecordSyncStarted() {
	if m == nil {
		return
	}
	m.activeSyncs.Inc()
}

// RecordSyncOutcome records how an incremental sync ended and decrements the
// in-flight gauge.
func (m *SyncMetrics) RecordSyncOutcome(outcome string) {
	if m == nil {
		return
	}
	m.syncOutcomes.WithLabelValues(outcome).Inc()
	m.activeSyncs.Dec()
}

// RecordFullSync records a full collection upload or download.
func (m *SyncMetrics) RecordFullSync(direction string) {
	if m == nil {
		return
	}
	m.fullSyncs.WithLabelValues(direction).Inc()
}

// RecordMediaFiles records media files moved in one direction.
func (m *SyncMetrics) RecordMediaFiles(direction string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.mediaFiles.WithLabelValues(direction).Add(float64(count))
}
