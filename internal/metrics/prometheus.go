package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the playout service
type Metrics struct {
	// Ingest metrics
	DeltasReceived prometheus.Counter
	BytesReceived  prometheus.Counter

	// Session metrics
	ActiveSessions    prometheus.Gauge
	SessionsCreated   prometheus.Counter
	SessionsCompleted prometheus.Counter
	SessionsAborted   prometheus.Counter
	SessionDuration   prometheus.Histogram
	TimeToFirstAudio  prometheus.Histogram

	// Audio pipeline metrics
	ChunksSegmented  prometheus.Counter
	ChunksTranscoded prometheus.Counter
	ChunkDuration    prometheus.Histogram
	ChunkSize        prometheus.Histogram

	// Delivery metrics
	UploadAttempts   prometheus.Counter
	UploadRetries    prometheus.Counter
	UploadFailures   *prometheus.CounterVec
	UploadDuration   prometheus.Histogram
	PlaybacksStarted prometheus.Counter
	ChunksSkipped    prometheus.Counter

	// Advancement metrics
	Advancements *prometheus.CounterVec

	// Cleanup metrics
	CleanupDeletes  prometheus.Counter
	CleanupFailures prometheus.Counter
	CleanupDropped  prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all Prometheus metrics and registers them with the given
// registerer. Tests pass a fresh registry to avoid collisions.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Ingest metrics
		DeltasReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "playout_deltas_received_total",
			Help: "Total number of audio deltas received from the generation source",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "playout_bytes_received_total",
			Help: "Total number of PCM bytes received from the generation source",
		}),

		// Session metrics
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "playout_active_sessions",
			Help: "Current number of playback sessions",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "playout_sessions_created_total",
			Help: "Total number of playback sessions created",
		}),
		SessionsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "playout_sessions_completed_total",
			Help: "Total number of playback sessions completed normally",
		}),
		SessionsAborted: factory.NewCounter(prometheus.CounterOpts{
			Name: "playout_sessions_aborted_total",
			Help: "Total number of playback sessions aborted",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "playout_session_duration_seconds",
			Help:    "Duration of playback sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~8 minutes
		}),
		TimeToFirstAudio: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "playout_time_to_first_audio_seconds",
			Help:    "Time from session creation to first playback start",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1.5 minutes
		}),

		// Audio pipeline metrics
		ChunksSegmented: factory.NewCounter(prometheus.CounterOpts{
			Name: "playout_chunks_segmented_total",
			Help: "Total number of chunks produced by the segmenter",
		}),
		ChunksTranscoded: factory.NewCounter(prometheus.CounterOpts{
			Name: "playout_chunks_transcoded_total",
			Help: "Total number of chunks transcoded to the device format",
		}),
		ChunkDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "playout_chunk_duration_seconds",
			Help:    "Playable duration of transcoded chunks",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 8), // 100ms to ~25s
		}),
		ChunkSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "playout_chunk_size_bytes",
			Help:    "Size of transcoded chunk blobs in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 12), // 1KB to ~4MB
		}),

		// Delivery metrics
		UploadAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "playout_upload_attempts_total",
			Help: "Total number of chunk upload attempts",
		}),
		UploadRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "playout_upload_retries_total",
			Help: "Total number of chunk upload retries after transient failures",
		}),
		UploadFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "playout_upload_failures_total",
			Help: "Total number of chunk uploads that ultimately failed",
		}, []string{"class"}),
		UploadDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "playout_upload_duration_seconds",
			Help:    "Duration of successful chunk uploads",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}),
		PlaybacksStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "playout_playbacks_started_total",
			Help: "Total number of chunk playbacks started on the device",
		}),
		ChunksSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "playout_chunks_skipped_total",
			Help: "Total number of chunks skipped after unrecoverable errors",
		}),

		// Advancement metrics
		Advancements: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "playout_advancements_total",
			Help: "Total number of chunk advancements by triggering cue",
		}, []string{"cue"}),

		// Cleanup metrics
		CleanupDeletes: factory.NewCounter(prometheus.CounterOpts{
			Name: "playout_cleanup_deletes_total",
			Help: "Total number of remote files deleted by the cleanup worker",
		}),
		CleanupFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "playout_cleanup_failures_total",
			Help: "Total number of failed remote file deletions",
		}),
		CleanupDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "playout_cleanup_dropped_total",
			Help: "Total number of cleanup requests dropped due to a full queue",
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "playout_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "playout_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "playout_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordDelta records one received audio delta
func (m *Metrics) RecordDelta(sizeBytes int) {
	m.DeltasReceived.Inc()
	m.BytesReceived.Add(float64(sizeBytes))
}

// SetActiveSessions sets the current number of sessions
func (m *Metrics) SetActiveSessions(count int) {
	m.ActiveSessions.Set(float64(count))
}

// RecordSessionCreated increments the sessions created counter
func (m *Metrics) RecordSessionCreated() {
	m.SessionsCreated.Inc()
}

// RecordSessionCompleted records a normally completed session
func (m *Metrics) RecordSessionCompleted(durationSeconds float64) {
	m.SessionsCompleted.Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordSessionAborted records an aborted session
func (m *Metrics) RecordSessionAborted(durationSeconds float64) {
	m.SessionsAborted.Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordFirstAudio observes the perceived-latency boundary for a session
func (m *Metrics) RecordFirstAudio(latencySeconds float64) {
	m.TimeToFirstAudio.Observe(latencySeconds)
}

// RecordChunkSegmented increments the segmented chunks counter
func (m *Metrics) RecordChunkSegmented() {
	m.ChunksSegmented.Inc()
}

// RecordChunkTranscoded records a transcoded chunk
func (m *Metrics) RecordChunkTranscoded(durationSeconds float64, sizeBytes int) {
	m.ChunksTranscoded.Inc()
	m.ChunkDuration.Observe(durationSeconds)
	m.ChunkSize.Observe(float64(sizeBytes))
}

// RecordUploadAttempt increments the upload attempts counter
func (m *Metrics) RecordUploadAttempt() {
	m.UploadAttempts.Inc()
}

// RecordUploadRetry increments the upload retries counter
func (m *Metrics) RecordUploadRetry() {
	m.UploadRetries.Inc()
}

// RecordUploadSuccess records a successful upload
func (m *Metrics) RecordUploadSuccess(durationSeconds float64) {
	m.UploadDuration.Observe(durationSeconds)
}

// RecordUploadFailure records a failed upload by failure class
// ("transient" or "permanent")
func (m *Metrics) RecordUploadFailure(class string) {
	m.UploadFailures.WithLabelValues(class).Inc()
}

// RecordPlaybackStarted increments the playbacks started counter
func (m *Metrics) RecordPlaybackStarted() {
	m.PlaybacksStarted.Inc()
}

// RecordChunkSkipped increments the skipped chunks counter
func (m *Metrics) RecordChunkSkipped() {
	m.ChunksSkipped.Inc()
}

// RecordAdvancement records a chunk advancement by cue ("event" or "timer")
func (m *Metrics) RecordAdvancement(cue string) {
	m.Advancements.WithLabelValues(cue).Inc()
}

// RecordCleanupDelete increments the cleanup deletes counter
func (m *Metrics) RecordCleanupDelete() {
	m.CleanupDeletes.Inc()
}

// RecordCleanupFailure increments the cleanup failures counter
func (m *Metrics) RecordCleanupFailure() {
	m.CleanupFailures.Inc()
}

// RecordCleanupDropped increments the dropped cleanup requests counter
func (m *Metrics) RecordCleanupDropped() {
	m.CleanupDropped.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
