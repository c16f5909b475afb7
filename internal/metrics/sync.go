package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// defaultRegistry is the Prometheus registry SyncMetrics registers
// against unless a test supplies its own (to avoid duplicate-registration
// panics across test cases run in the same process).
var defaultRegistry = prometheus.DefaultRegisterer

// SyncMetrics holds the Prometheus instruments for one backup or restore
// session: chunks and bytes moved, manifest records appended, chunks
// garbage-collected, and integrity failures encountered. A batch
// backup/restore invocation serves no HTTP itself; these instruments are
// exposed only through the optional --metrics-addr listener.
type SyncMetrics struct {
	chunksUploaded    *prometheus.CounterVec
	chunksDownloaded  *prometheus.CounterVec
	bytesUploaded     prometheus.Counter
	bytesDownloaded   prometheus.Counter
	manifestAppended  *prometheus.CounterVec
	orphansCollected  prometheus.Counter
	integrityFailures *prometheus.CounterVec
	uploadDuration    prometheus.Histogram
	downloadDuration  prometheus.Histogram
}

// NewSyncMetrics registers the backup/restore instruments against the
// default Prometheus registry.
func NewSyncMetrics() *SyncMetrics {
	return NewSyncMetricsWithRegistry(defaultRegistry)
}

// NewSyncMetricsWithRegistry registers against a custom registry, used in
// tests to avoid duplicate-registration panics across test cases.
func NewSyncMetricsWithRegistry(reg prometheus.Registerer) *SyncMetrics {
	factory := promauto.With(reg)
	return &SyncMetrics{
		chunksUploaded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "coldvault_chunks_uploaded_total",
			Help: "Total number of chunks published to the remote during backup.",
		}, []string{"outcome"}),
		chunksDownloaded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "coldvault_chunks_downloaded_total",
			Help: "Total number of chunks fetched and decrypted during restore.",
		}, []string{"outcome"}),
		bytesUploaded: factory.NewCounter(prometheus.CounterOpts{
			Name: "coldvault_bytes_uploaded_total",
			Help: "Total plaintext bytes streamed through the crypto pipeline on upload.",
		}),
		bytesDownloaded: factory.NewCounter(prometheus.CounterOpts{
			Name: "coldvault_bytes_downloaded_total",
			Help: "Total plaintext bytes streamed through the crypto pipeline on download.",
		}),
		manifestAppended: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "coldvault_manifest_records_appended_total",
			Help: "Total manifest records appended to the .files log.",
		}, []string{"kind"}),
		orphansCollected: factory.NewCounter(prometheus.CounterOpts{
			Name: "coldvault_orphan_chunks_collected_total",
			Help: "Total chunks removed by end-of-backup orphan garbage collection.",
		}),
		integrityFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "coldvault_integrity_failures_total",
			Help: "Total AES-GCM tag verification failures encountered.",
		}, []string{"phase"}),
		uploadDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "coldvault_upload_duration_seconds",
			Help:    "Duration of one file's classify-and-upload step.",
			Buckets: prometheus.DefBuckets,
		}),
		downloadDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "coldvault_download_duration_seconds",
			Help:    "Duration of one file's fetch-and-restore step.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// RecordChunkUpload records one chunk publish attempt.
func (m *SyncMetrics) RecordChunkUpload(success bool, bytes int64, d time.Duration) {
	if m == nil {
		return
	}
	m.chunksUploaded.WithLabelValues(outcome(success)).Inc()
	m.bytesUploaded.Add(float64(bytes))
	m.uploadDuration.Observe(d.Seconds())
}

// RecordChunkDownload records one chunk fetch-and-decrypt attempt.
func (m *SyncMetrics) RecordChunkDownload(success bool, bytes int64, d time.Duration) {
	if m == nil {
		return
	}
	m.chunksDownloaded.WithLabelValues(outcome(success)).Inc()
	m.bytesDownloaded.Add(float64(bytes))
	m.downloadDuration.Observe(d.Seconds())
}

// RecordManifestAppend records one record appended to the log, labeled
// by "entry" or "tombstone".
func (m *SyncMetrics) RecordManifestAppend(kind string) {
	if m == nil {
		return
	}
	m.manifestAppended.WithLabelValues(kind).Inc()
}

// RecordOrphansCollected adds n to the orphan-GC counter.
func (m *SyncMetrics) RecordOrphansCollected(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.orphansCollected.Add(float64(n))
}

// RecordIntegrityFailure records a tag verification failure, labeled by
// the phase it occurred in ("manifest" or "chunk").
func (m *SyncMetrics) RecordIntegrityFailure(phase string) {
	if m == nil {
		return
	}
	m.integrityFailures.WithLabelValues(phase).Inc()
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
