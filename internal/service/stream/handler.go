// Package stream coordinates one network streaming session with an engine
// stream: it enforces session limits, publishes transcript events and
// records metrics.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"speech-engine-bridge/internal/models"
	"speech-engine-bridge/internal/observability/metrics"
	"speech-engine-bridge/pkg/speech"
)

// ErrLimitExceeded is returned once a session crosses one of its Limits.
var ErrLimitExceeded = errors.New("session limit exceeded")

// Limits defines safety guardrails for one streaming session.
type Limits struct {
	MaxAudioBytes int64         `yaml:"max_audio_bytes"` // Max audio accepted per session
	MaxDuration   time.Duration `yaml:"max_duration"`    // Max session duration
	MaxPartials   int           `yaml:"max_partials"`    // Max partial results per session
}

// DefaultLimits returns sensible default limits.
func DefaultLimits() Limits {
	return Limits{
		MaxAudioBytes: 64 * 1024 * 1024, // 64MB (~35 minutes at 16kHz 16-bit mono)
		MaxDuration:   30 * time.Minute,
		MaxPartials:   10000,
	}
}

// Engine is the engine-side stream driven by a Handler. *speech.Stream
// satisfies it.
type Engine interface {
	Send(chunk []byte) error
	CloseSend() error
	Recv() (*speech.StreamingRecognizeResponse, error)
	Cancel()
	Close() error
}

// Opener starts an engine stream.
type Opener func(ctx context.Context, cfg speech.StreamingRecognitionConfig) (Engine, error)

// ClientOpener returns an Opener backed by c.
func ClientOpener(c *speech.Client) Opener {
	return func(ctx context.Context, cfg speech.StreamingRecognitionConfig) (Engine, error) {
		s, err := c.StreamingRecognize(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// Publisher receives every result of the session. *events.Publisher
// satisfies it.
type Publisher interface {
	PublishResult(ctx context.Context, sessionID, source string, r speech.SpeechRecognitionResult) error
}

// Stats holds session usage counters.
type Stats struct {
	AudioBytes int64
	Partials   int
	Finals     int
	Duration   time.Duration
}

// Handler manages one streaming session.
type Handler struct {
	engine    Engine
	publisher Publisher
	metrics   *metrics.Metrics
	sessionID string
	limits    Limits
	logger    zerolog.Logger
	startTime time.Time

	mu         sync.Mutex
	audioBytes int64
	partials   int
	finals     int
	dropped    error
}

// Option configures a Handler.
type Option func(*Handler)

// WithPublisher publishes every result through p.
func WithPublisher(p Publisher) Option {
	return func(h *Handler) { h.publisher = p }
}

// WithMetrics records session counters in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithLimits overrides DefaultLimits.
func WithLimits(l Limits) Option {
	return func(h *Handler) { h.limits = l }
}

// WithLogger sets the session logger.
func WithLogger(l zerolog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// NewHandler wraps engine for session sessionID.
func NewHandler(engine Engine, sessionID string, opts ...Option) *Handler {
	h := &Handler{
		engine:    engine,
		sessionID: sessionID,
		limits:    DefaultLimits(),
		logger:    zerolog.Nop(),
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Open starts an engine stream with open and wraps it.
func Open(ctx context.Context, open Opener, cfg speech.StreamingRecognitionConfig, sessionID string, opts ...Option) (*Handler, error) {
	engine, err := open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewHandler(engine, sessionID, opts...), nil
}

// SessionID returns the session id.
func (h *Handler) SessionID() string {
	return h.sessionID
}

// SendAudio forwards one chunk to the engine. Crossing the audio or
// duration limit drops the session and returns ErrLimitExceeded.
func (h *Handler) SendAudio(chunk []byte) error {
	h.mu.Lock()
	if h.dropped != nil {
		err := h.dropped
		h.mu.Unlock()
		return err
	}
	h.audioBytes += int64(len(chunk))
	current := h.audioBytes
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.RecordAudioReceived(len(chunk))
	}

	if h.limits.MaxAudioBytes > 0 && current > h.limits.MaxAudioBytes {
		return h.exceed("audio_bytes", fmt.Sprintf("max audio bytes exceeded: %d > %d", current, h.limits.MaxAudioBytes))
	}
	if elapsed := time.Since(h.startTime); h.limits.MaxDuration > 0 && elapsed > h.limits.MaxDuration {
		return h.exceed("duration", fmt.Sprintf("max duration exceeded: %v > %v", elapsed.Round(time.Millisecond), h.limits.MaxDuration))
	}

	return h.engine.Send(chunk)
}

// CloseSend signals the end of audio. A failure also surfaces through Next.
func (h *Handler) CloseSend() error {
	err := h.engine.CloseSend()
	if err != nil {
		h.logger.Debug().Err(err).Msg("CloseSend failed")
	}
	return err
}

// Next returns the next engine response, publishing its results. It
// returns io.EOF after the engine completed.
func (h *Handler) Next(ctx context.Context) (*speech.StreamingRecognizeResponse, error) {
	h.mu.Lock()
	dropped := h.dropped
	h.mu.Unlock()
	if dropped != nil {
		return nil, dropped
	}

	resp, err := h.engine.Recv()
	if err != nil {
		h.mu.Lock()
		if h.dropped != nil {
			err = h.dropped
		}
		h.mu.Unlock()
		return nil, err
	}

	for _, r := range resp.Results {
		h.mu.Lock()
		if r.IsFinal {
			h.finals++
		} else {
			h.partials++
		}
		partials := h.partials
		h.mu.Unlock()

		if !r.IsFinal && h.limits.MaxPartials > 0 && partials > h.limits.MaxPartials {
			return nil, h.exceed("partials", fmt.Sprintf("max partials exceeded: %d > %d", partials, h.limits.MaxPartials))
		}
		h.publish(ctx, r)
	}
	return resp, nil
}

// Abort cancels the engine stream; no further results are delivered.
func (h *Handler) Abort(reason string) {
	h.logger.Info().Str("reason", reason).Msg("Stream aborted")
	h.engine.Cancel()
}

// Close releases the engine stream and logs the session summary.
func (h *Handler) Close() error {
	err := h.engine.Close()
	st := h.Stats()
	h.logger.Info().
		Int64("audioBytes", st.AudioBytes).
		Int("partials", st.Partials).
		Int("finals", st.Finals).
		Dur("duration", st.Duration.Round(time.Millisecond)).
		Msg("Stream session closed")
	return err
}

// Dropped reports whether a limit ended the session.
func (h *Handler) Dropped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped != nil
}

// Stats returns current session counters.
func (h *Handler) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{
		AudioBytes: h.audioBytes,
		Partials:   h.partials,
		Finals:     h.finals,
		Duration:   time.Since(h.startTime),
	}
}

func (h *Handler) exceed(limitType, reason string) error {
	h.mu.Lock()
	if h.dropped != nil {
		err := h.dropped
		h.mu.Unlock()
		return err
	}
	h.dropped = fmt.Errorf("stream: %w: %s", ErrLimitExceeded, reason)
	err := h.dropped
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.RecordLimitExceeded(limitType)
	}
	h.logger.Warn().Str("limit", limitType).Str("reason", reason).Msg("Session DROPPED")
	h.engine.Cancel()
	return err
}

func (h *Handler) publish(ctx context.Context, r speech.SpeechRecognitionResult) {
	if h.publisher == nil {
		return
	}
	if err := h.publisher.PublishResult(ctx, h.sessionID, models.SourceStream, r); err != nil {
		h.logger.Warn().Err(err).Int("resultIndex", r.ResultIndex).Msg("Failed to publish result")
	}
}
