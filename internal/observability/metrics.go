package observability

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the client.
type Metrics struct {
	// Archive operation metrics
	ArchiveOpsTotal     *prometheus.CounterVec
	ArchiveOpsActive    prometheus.Gauge
	ArchiveOpDuration   *prometheus.HistogramVec
	EntriesStoredTotal  prometheus.Counter
	BytesStoredTotal    *prometheus.CounterVec

	// Chunk metrics
	ChunksWrittenTotal     prometheus.Counter
	ChunksDedupedTotal     prometheus.Counter
	ChunkRefcountTotal     *prometheus.CounterVec
	ChunkifierBoundariesTotal prometheus.Counter

	// Connection metrics
	ConnectionsTotal   *prometheus.CounterVec
	ConnectionsActive  prometheus.Gauge
	ConnectionDuration prometheus.Histogram
	PacketsRetriedTotal *prometheus.CounterVec

	// Crypto metrics
	CryptoOperationsTotal   *prometheus.CounterVec
	CryptoOperationDuration prometheus.Histogram
	SignatureVerificationsTotal *prometheus.CounterVec

	// Storage metrics
	TransactionDuration     prometheus.Histogram
	StorageOperationsTotal  *prometheus.CounterVec
	ChunkDirectorySizeBytes prometheus.Gauge

	// Fsck metrics
	FsckArchivesWalked prometheus.Counter
	FsckErrorsTotal    *prometheus.CounterVec

	// Active archive ops counter (atomic for thread-safety)
	activeArchiveOps int64
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		ArchiveOpsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tarsnap_archive_operations_total",
				Help: "Archive operations (create/extract/delete/fsck) initiated",
			},
			[]string{"operation", "status"},
		),

		ArchiveOpsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "tarsnap_archive_operations_active",
				Help: "Currently active archive operations",
			},
		),

		ArchiveOpDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tarsnap_archive_operation_duration_seconds",
				Help:    "Archive operation completion time distribution",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200, 1800, 3600},
			},
			[]string{"operation"},
		),

		EntriesStoredTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "tarsnap_entries_stored_total",
				Help: "Total tar entries stored across all archives",
			},
		),

		BytesStoredTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tarsnap_bytes_stored_total",
				Help: "Total bytes processed, split by pre/post dedup",
			},
			[]string{"stage"},
		),

		ChunksWrittenTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "tarsnap_chunks_written_total",
				Help: "Chunks newly written to the chunk directory",
			},
		),

		ChunksDedupedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "tarsnap_chunks_deduplicated_total",
				Help: "Chunks matched an existing hash and had their refcount bumped instead",
			},
		),

		ChunkRefcountTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tarsnap_chunk_refcount_changes_total",
				Help: "Chunk refcount increments/decrements",
			},
			[]string{"direction"},
		),

		ChunkifierBoundariesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "tarsnap_chunkifier_boundaries_total",
				Help: "Content-defined chunk boundaries found",
			},
		),

		ConnectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tarsnap_connections_total",
				Help: "Server connection attempts",
			},
			[]string{"result"},
		),

		ConnectionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "tarsnap_connections_active",
				Help: "Active server connections",
			},
		),

		ConnectionDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tarsnap_connection_duration_seconds",
				Help:    "Connection lifetime",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
			},
		),

		PacketsRetriedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tarsnap_packets_retried_total",
				Help: "Netpacket operations retried after a transport failure",
			},
			[]string{"packet_type"},
		),

		CryptoOperationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tarsnap_crypto_operations_total",
				Help: "Cryptographic operations performed",
			},
			[]string{"operation"},
		),

		CryptoOperationDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tarsnap_crypto_operation_duration_seconds",
				Help:    "Crypto operation latency",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
		),

		SignatureVerificationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tarsnap_signature_verifications_total",
				Help: "Metadata/metaindex signature verifications",
			},
			[]string{"result"},
		),

		TransactionDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tarsnap_transaction_duration_seconds",
				Help:    "Storage transaction commit latency",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
			},
		),

		StorageOperationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tarsnap_storage_operations_total",
				Help: "Storage ledger operation count",
			},
			[]string{"operation", "result"},
		),

		ChunkDirectorySizeBytes: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "tarsnap_chunk_directory_size_bytes",
				Help: "On-disk size of the local chunk directory",
			},
		),

		FsckArchivesWalked: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "tarsnap_fsck_archives_walked_total",
				Help: "Archives walked during fsck",
			},
		),

		FsckErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tarsnap_fsck_errors_total",
				Help: "Consistency errors found during fsck",
			},
			[]string{"kind"},
		),
	}

	return m
}

// RecordArchiveOpStart increments active archive-operation counters.
func (m *Metrics) RecordArchiveOpStart() {
	atomic.AddInt64(&m.activeArchiveOps, 1)
	m.ArchiveOpsActive.Set(float64(atomic.LoadInt64(&m.activeArchiveOps)))
}

// RecordArchiveOpComplete records archive operation completion metrics.
func (m *Metrics) RecordArchiveOpComplete(operation string, success bool, durationSeconds float64) {
	atomic.AddInt64(&m.activeArchiveOps, -1)
	m.ArchiveOpsActive.Set(float64(atomic.LoadInt64(&m.activeArchiveOps)))

	status := "success"
	if !success {
		status = "failure"
	}

	m.ArchiveOpsTotal.WithLabelValues(operation, status).Inc()
	m.ArchiveOpDuration.WithLabelValues(operation).Observe(durationSeconds)
}

// RecordEntryStored updates metrics for one stored tar entry.
func (m *Metrics) RecordEntryStored(rawBytes, storedBytes int64) {
	m.EntriesStoredTotal.Inc()
	m.BytesStoredTotal.WithLabelValues("raw").Add(float64(rawBytes))
	m.BytesStoredTotal.WithLabelValues("stored").Add(float64(storedBytes))
}

// RecordChunkWritten increments the new-chunk counter.
func (m *Metrics) RecordChunkWritten() {
	m.ChunksWrittenTotal.Inc()
}

// RecordChunkDeduplicated increments the dedup-hit counter.
func (m *Metrics) RecordChunkDeduplicated() {
	m.ChunksDedupedTotal.Inc()
}

// RecordConnection logs connection attempts.
func (m *Metrics) RecordConnection(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.ConnectionsTotal.WithLabelValues(result).Inc()

	if success {
		m.ConnectionsActive.Inc()
	}
}

// RecordConnectionClose updates metrics for a closed connection.
func (m *Metrics) RecordConnectionClose(durationSeconds float64) {
	m.ConnectionsActive.Dec()
	m.ConnectionDuration.Observe(durationSeconds)
}

// RecordPacketRetry increments retry counters for a packet type.
func (m *Metrics) RecordPacketRetry(packetType string) {
	m.PacketsRetriedTotal.WithLabelValues(packetType).Inc()
}

// RecordCryptoOperation records cryptographic operation duration.
func (m *Metrics) RecordCryptoOperation(operation string, durationSeconds float64) {
	m.CryptoOperationsTotal.WithLabelValues(operation).Inc()
	m.CryptoOperationDuration.Observe(durationSeconds)
}

// RecordSignatureVerification increments signature verification counters.
func (m *Metrics) RecordSignatureVerification(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.SignatureVerificationsTotal.WithLabelValues(result).Inc()
}

// RecordTransaction records storage transaction commit latency.
func (m *Metrics) RecordTransaction(durationSeconds float64) {
	m.TransactionDuration.Observe(durationSeconds)
}

// RecordFsckArchive increments the fsck archive-walk counter.
func (m *Metrics) RecordFsckArchive() {
	m.FsckArchivesWalked.Inc()
}

// RecordFsckError increments the fsck error counter for a given kind.
func (m *Metrics) RecordFsckError(kind string) {
	m.FsckErrorsTotal.WithLabelValues(kind).Inc()
}

// Handler exposes the Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
