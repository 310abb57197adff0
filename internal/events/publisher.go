// Package events publishes transcript and job events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"speech-engine-bridge/internal/jobs"
	"speech-engine-bridge/internal/models"
	"speech-engine-bridge/internal/observability/metrics"
	"speech-engine-bridge/pkg/speech"
)

// messageWriter is the subset of *kafka.Writer used by the publisher.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher publishes transcript events to separate Kafka topics.
type Publisher struct {
	writerPartial messageWriter
	writerFinal   messageWriter
	writerJobs    messageWriter
	principal     string
	topicPartial  string
	topicFinal    string
	topicJobs     string
	enabled       bool
	timeout       time.Duration
	metrics       *metrics.Metrics
	logger        zerolog.Logger
}

// Config holds Kafka publisher configuration.
type Config struct {
	Brokers      []string      `yaml:"brokers"`
	TopicPartial string        `yaml:"topic_partial"`
	TopicFinal   string        `yaml:"topic_final"`
	TopicJobs    string        `yaml:"topic_jobs"`
	Principal    string        `yaml:"principal"`
	Enabled      bool          `yaml:"enabled"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// New creates a Kafka event publisher with one topic per event kind. A nil
// or disabled config yields a publisher that only logs. m may be nil for
// the default metrics.
func New(cfg *Config, m *metrics.Metrics) *Publisher {
	if m == nil {
		m = metrics.DefaultMetrics
	}
	logger := log.With().Str("component", "events").Logger()

	if cfg == nil {
		logger.Info().Msg("Kafka disabled (nil config), using log-only mode")
		return &Publisher{metrics: m, logger: logger, timeout: 10 * time.Second}
	}

	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	p := &Publisher{
		principal:    cfg.Principal,
		topicPartial: cfg.TopicPartial,
		topicFinal:   cfg.TopicFinal,
		topicJobs:    cfg.TopicJobs,
		timeout:      timeout,
		metrics:      m,
		logger:       logger,
	}

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		logger.Info().Msg("Kafka disabled, using log-only mode")
		return p
	}

	// Longer dial timeout for DNS resolution in Kubernetes
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	transport := &kafka.Transport{
		Dial: dialer.DialFunc,
	}

	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: timeout,
			RequiredAcks: kafka.RequireOne,
			Transport:    transport,
		}
	}
	p.writerPartial = newWriter(cfg.TopicPartial)
	p.writerFinal = newWriter(cfg.TopicFinal)
	if cfg.TopicJobs != "" {
		p.writerJobs = newWriter(cfg.TopicJobs)
	}
	p.enabled = true

	logger.Info().
		Strs("brokers", cfg.Brokers).
		Str("topicPartial", cfg.TopicPartial).
		Str("topicFinal", cfg.TopicFinal).
		Str("topicJobs", cfg.TopicJobs).
		Str("principal", cfg.Principal).
		Msg("Kafka publisher initialized")

	return p
}

// PublishPartial publishes a partial transcript event to the partial topic.
func (p *Publisher) PublishPartial(ctx context.Context, key string, event any) error {
	return p.publish(ctx, p.writerPartial, p.topicPartial, "partial", key, event)
}

// PublishFinal publishes a final transcript event to the final topic.
func (p *Publisher) PublishFinal(ctx context.Context, key string, event any) error {
	return p.publish(ctx, p.writerFinal, p.topicFinal, "final", key, event)
}

// PublishResult publishes r to the partial or final topic depending on
// IsFinal, keyed by sessionID.
func (p *Publisher) PublishResult(ctx context.Context, sessionID, source string, r speech.SpeechRecognitionResult) error {
	now := time.Now()
	if r.IsFinal {
		return p.PublishFinal(ctx, sessionID, models.NewFinal(sessionID, source, r, now))
	}
	return p.PublishPartial(ctx, sessionID, models.NewPartial(sessionID, source, r, now))
}

// JobStarted implements jobs.Observer.
func (p *Publisher) JobStarted() {}

// JobFinished implements jobs.Observer. It publishes every final result of
// a DONE job followed by a completion summary.
func (p *Publisher) JobFinished(v jobs.View) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	ev := models.JobCompleted{
		EventType: models.EventJobCompleted,
		JobID:     v.ID,
		Timestamp: v.UpdatedAt.UnixMilli(),
		Status:    string(v.Status),
		ElapsedMs: v.UpdatedAt.Sub(v.CreatedAt).Milliseconds(),
	}
	if v.Result != nil {
		for _, r := range v.Result.Results {
			if err := p.PublishResult(ctx, v.ID, models.SourceJob, r); err != nil {
				p.logger.Warn().Err(err).Str("jobId", v.ID).Msg("Failed to publish job result")
			}
		}
		ev.Transcript = v.Result.Transcript()
	}
	if v.Err != nil {
		ev.Error = v.Err.Error()
	}
	if err := p.publish(ctx, p.writerJobs, p.topicJobs, "job", v.ID, ev); err != nil {
		p.logger.Warn().Err(err).Str("jobId", v.ID).Msg("Failed to publish job completion")
	}
}

// publish writes one event to a specific Kafka writer.
func (p *Publisher) publish(ctx context.Context, writer messageWriter, topic, eventType, key string, event any) error {
	start := time.Now()

	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Error().Err(err).Str("topic", topic).Msg("Failed to marshal event")
		return err
	}

	p.logger.Debug().
		Str("principal", p.principal).
		Str("topic", topic).
		Str("key", key).
		RawJSON("payload", payload).
		Msg("Publishing event")

	if !p.enabled || writer == nil {
		p.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(eventType)},
			{Key: "principal", Value: []byte(p.principal)},
		},
	}

	if err := writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error().
			Err(err).
			Str("topic", topic).
			Str("key", key).
			Msg("Failed to write to Kafka")
		p.metrics.RecordKafkaPublish(topic, eventType, err, time.Since(start).Seconds())
		return err
	}

	p.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
	return nil
}

// Close closes all Kafka writers.
func (p *Publisher) Close() error {
	var err error
	for _, w := range []messageWriter{p.writerPartial, p.writerFinal, p.writerJobs} {
		if w == nil {
			continue
		}
		if e := w.Close(); e != nil {
			p.logger.Error().Err(e).Msg("Error closing Kafka writer")
			err = e
		}
	}
	return err
}
