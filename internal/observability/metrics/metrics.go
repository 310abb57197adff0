// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"speech-engine-bridge/internal/jobs"
	"speech-engine-bridge/pkg/speech"
)

const namespace = "speech_engine_bridge"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Stream metrics
	StreamsTotal   prometheus.Counter
	StreamsActive  prometheus.Gauge
	StreamsSuccess prometheus.Counter
	StreamsFailed  prometheus.Counter
	StreamDuration prometheus.Histogram

	// Engine metrics
	EngineRequests *prometheus.CounterVec
	EngineErrors   *prometheus.CounterVec
	EngineLatency  *prometheus.HistogramVec

	// Transcript metrics
	TranscriptsPartial prometheus.Counter
	TranscriptsFinal   prometheus.Counter

	// Audio metrics
	AudioBytesReceived  prometheus.Counter
	AudioFramesReceived prometheus.Counter
	AudioBytesSent      prometheus.Counter

	// Job metrics
	JobsSubmitted prometheus.Counter
	JobsRunning   prometheus.Gauge
	JobsFinished  *prometheus.CounterVec

	// Relay metrics
	RelaySessionsActive prometheus.Gauge

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec

	// Backpressure metrics
	SessionLimitExceeded *prometheus.CounterVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)

// NewMetrics creates all metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		// Stream metrics
		StreamsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_total",
			Help:      "Total number of streaming recognitions started",
		}),
		StreamsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Number of currently active streaming recognitions",
		}),
		StreamsSuccess: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_success_total",
			Help:      "Total number of successfully completed streams",
		}),
		StreamsFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_failed_total",
			Help:      "Total number of failed streams",
		}),
		StreamDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_duration_seconds",
			Help:      "Duration of streaming recognitions in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),

		// Engine metrics
		EngineRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_requests_total",
			Help:      "Total number of engine requests by mode",
		}, []string{"mode"}),
		EngineErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_errors_total",
			Help:      "Total number of failed engine requests by mode and error kind",
		}, []string{"mode", "kind"}),
		EngineLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "engine_request_seconds",
			Help:      "Engine request duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 300},
		}, []string{"mode"}),

		// Transcript metrics
		TranscriptsPartial: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_partial_total",
			Help:      "Total number of partial results received from the engine",
		}),
		TranscriptsFinal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_final_total",
			Help:      "Total number of final results received from the engine",
		}),

		// Audio metrics
		AudioBytesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_received_total",
			Help:      "Total audio bytes received from clients",
		}),
		AudioFramesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_received_total",
			Help:      "Total audio frames received from clients",
		}),
		AudioBytesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_sent_total",
			Help:      "Total audio bytes written to the engine",
		}),

		// Job metrics
		JobsSubmitted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Total number of long-running jobs submitted",
		}),
		JobsRunning: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_running",
			Help:      "Number of long-running jobs in RUNNING status",
		}),
		JobsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Total number of long-running jobs finished by status",
		}, []string{"status"}),

		// Relay metrics
		RelaySessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_sessions_active",
			Help:      "Number of currently open WebSocket relay sessions",
		}),

		// Kafka publish metrics
		KafkaPublishTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total number of Kafka messages published",
		}, []string{"topic", "event_type"}),
		KafkaPublishErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total number of Kafka publish errors",
		}, []string{"topic", "event_type"}),
		KafkaPublishLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kafka_publish_latency_seconds",
			Help:      "Kafka publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"topic"}),

		// Backpressure metrics
		SessionLimitExceeded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_limit_exceeded_total",
			Help:      "Total number of times streaming session limits were exceeded",
		}, []string{"limit_type"}),
	}
}

// RecordStreamStart records a new stream starting.
func (m *Metrics) RecordStreamStart() {
	m.StreamsTotal.Inc()
	m.StreamsActive.Inc()
}

// RecordStreamEnd records a stream ending.
func (m *Metrics) RecordStreamEnd(success bool, durationSeconds float64) {
	m.StreamsActive.Dec()
	m.StreamDuration.Observe(durationSeconds)
	if success {
		m.StreamsSuccess.Inc()
	} else {
		m.StreamsFailed.Inc()
	}
}

// RecordEngineCall records one finished engine request.
func (m *Metrics) RecordEngineCall(mode string, err error, seconds float64) {
	m.EngineRequests.WithLabelValues(mode).Inc()
	m.EngineLatency.WithLabelValues(mode).Observe(seconds)
	if err != nil {
		m.EngineErrors.WithLabelValues(mode, speech.Kind(err)).Inc()
	}
}

// RecordResult records a result received from the engine.
func (m *Metrics) RecordResult(final bool) {
	if final {
		m.TranscriptsFinal.Inc()
	} else {
		m.TranscriptsPartial.Inc()
	}
}

// RecordAudioSent records audio bytes written to the engine.
func (m *Metrics) RecordAudioSent(bytes int) {
	m.AudioBytesSent.Add(float64(bytes))
}

// RecordAudioReceived records audio bytes and frames received.
func (m *Metrics) RecordAudioReceived(bytes int) {
	m.AudioBytesReceived.Add(float64(bytes))
	m.AudioFramesReceived.Inc()
}

// JobStarted records a job submission.
func (m *Metrics) JobStarted() {
	m.JobsSubmitted.Inc()
	m.JobsRunning.Inc()
}

// JobFinished records a job reaching a terminal status.
func (m *Metrics) JobFinished(v jobs.View) {
	m.JobsRunning.Dec()
	m.JobsFinished.WithLabelValues(string(v.Status)).Inc()
}

// RecordRelayStart records a WebSocket relay session opening.
func (m *Metrics) RecordRelayStart() {
	m.RelaySessionsActive.Inc()
}

// RecordRelayEnd records a WebSocket relay session closing.
func (m *Metrics) RecordRelayEnd() {
	m.RelaySessionsActive.Dec()
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, eventType string, err error, latencySeconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}

// RecordLimitExceeded records when a session limit is exceeded.
func (m *Metrics) RecordLimitExceeded(limitType string) {
	m.SessionLimitExceeded.WithLabelValues(limitType).Inc()
}
