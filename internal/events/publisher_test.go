package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"

	"speech-engine-bridge/internal/jobs"
	"speech-engine-bridge/internal/models"
	"speech-engine-bridge/internal/observability/metrics"
	"speech-engine-bridge/pkg/speech"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func newTestPublisher() (*Publisher, *fakeWriter, *fakeWriter, *fakeWriter, *metrics.Metrics) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	p := New(&Config{
		TopicPartial: "speech.partial",
		TopicFinal:   "speech.final",
		TopicJobs:    "speech.jobs",
		Principal:    "bridge",
	}, m)
	partial, final, jobsW := &fakeWriter{}, &fakeWriter{}, &fakeWriter{}
	p.writerPartial, p.writerFinal, p.writerJobs = partial, final, jobsW
	p.enabled = true
	return p, partial, final, jobsW, m
}

func TestNew_DisabledMode(t *testing.T) {
	tests := []struct {
		name string
		cfg  *Config
	}{
		{"nil config", nil},
		{"disabled", &Config{Enabled: false, Brokers: []string{"localhost:9092"}}},
		{"no brokers", &Config{Enabled: true, Brokers: []string{}}},
		{"empty brokers", &Config{Enabled: true, Brokers: nil}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(tt.cfg, metrics.NewMetrics(prometheus.NewRegistry()))
			if p == nil {
				t.Fatal("expected non-nil publisher")
			}
			if p.enabled {
				t.Error("expected publisher to be disabled")
			}
			if p.writerPartial != nil || p.writerFinal != nil || p.writerJobs != nil {
				t.Error("expected nil writers when disabled")
			}
			if err := p.PublishFinal(context.Background(), "k", map[string]string{"text": "x"}); err != nil {
				t.Errorf("expected no error when disabled, got %v", err)
			}
			if err := p.Close(); err != nil {
				t.Errorf("expected no error closing disabled publisher, got %v", err)
			}
		})
	}
}

func TestNew_EnabledCreatesWriters(t *testing.T) {
	p := New(&Config{
		Enabled:      true,
		Brokers:      []string{"localhost:9092"},
		TopicPartial: "p",
		TopicFinal:   "f",
	}, metrics.NewMetrics(prometheus.NewRegistry()))
	defer p.Close()

	if !p.enabled {
		t.Fatal("expected publisher to be enabled")
	}
	if p.writerPartial == nil || p.writerFinal == nil {
		t.Error("expected partial and final writers")
	}
	if p.writerJobs != nil {
		t.Error("expected no jobs writer without a jobs topic")
	}
}

func TestPublish_InvalidJSON(t *testing.T) {
	p := New(&Config{Enabled: false}, metrics.NewMetrics(prometheus.NewRegistry()))

	if err := p.PublishPartial(context.Background(), "k", make(chan int)); err == nil {
		t.Error("expected error for unmarshalable event")
	}
}

func TestPublishResult_RoutesByFinality(t *testing.T) {
	p, partial, final, _, m := newTestPublisher()
	ctx := context.Background()
	conf := 0.94

	err := p.PublishResult(ctx, "sess-1", models.SourceStream, speech.SpeechRecognitionResult{
		Alternatives: []speech.SpeechRecognitionAlternative{{Transcript: "greetings"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	end := 1500 * time.Millisecond
	err = p.PublishResult(ctx, "sess-1", models.SourceStream, speech.SpeechRecognitionResult{
		IsFinal:       true,
		Alternatives:  []speech.SpeechRecognitionAlternative{{Transcript: "greetings world", Confidence: &conf}},
		ResultEndTime: &end,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(partial.msgs) != 1 || len(final.msgs) != 1 {
		t.Fatalf("expected 1 partial and 1 final message, got %d and %d", len(partial.msgs), len(final.msgs))
	}
	if string(final.msgs[0].Key) != "sess-1" {
		t.Errorf("expected key sess-1, got %s", final.msgs[0].Key)
	}

	var ev models.TranscriptFinal
	if err := json.Unmarshal(final.msgs[0].Value, &ev); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.EventType != models.EventFinal || ev.Text != "greetings world" {
		t.Errorf("unexpected final event %+v", ev)
	}
	if ev.Confidence == nil || *ev.Confidence != 0.94 {
		t.Errorf("expected confidence 0.94, got %v", ev.Confidence)
	}
	if ev.ResultEndMs == nil || *ev.ResultEndMs != 1500 {
		t.Errorf("expected resultEndMs 1500, got %v", ev.ResultEndMs)
	}
	if got := testutil.ToFloat64(m.KafkaPublishTotal.WithLabelValues("speech.final", "final")); got != 1 {
		t.Errorf("expected 1 final publish, got %v", got)
	}
}

func TestPublish_WriterError(t *testing.T) {
	p, _, final, _, m := newTestPublisher()
	final.err = errors.New("broker down")

	err := p.PublishFinal(context.Background(), "k", map[string]string{"text": "x"})
	if err == nil {
		t.Fatal("expected writer error")
	}
	if got := testutil.ToFloat64(m.KafkaPublishErrors.WithLabelValues("speech.final", "final")); got != 1 {
		t.Errorf("expected 1 publish error, got %v", got)
	}
}

func TestJobFinished_PublishesResultsAndSummary(t *testing.T) {
	p, _, final, jobsW, _ := newTestPublisher()
	created := time.Now()

	p.JobFinished(jobs.View{
		ID:     "job-1",
		Status: jobs.StatusDone,
		Result: &speech.RecognizeResponse{Results: []speech.SpeechRecognitionResult{
			{IsFinal: true, Alternatives: []speech.SpeechRecognitionAlternative{{Transcript: "greetings world"}}},
			{ResultIndex: 1, IsFinal: true, Alternatives: []speech.SpeechRecognitionAlternative{{Transcript: "goodbye"}}},
		}},
		CreatedAt: created,
		UpdatedAt: created.Add(250 * time.Millisecond),
	})

	if len(final.msgs) != 2 {
		t.Fatalf("expected 2 final messages, got %d", len(final.msgs))
	}
	if len(jobsW.msgs) != 1 {
		t.Fatalf("expected 1 job message, got %d", len(jobsW.msgs))
	}
	var ev models.JobCompleted
	if err := json.Unmarshal(jobsW.msgs[0].Value, &ev); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Status != "DONE" || ev.Transcript != "greetings world goodbye" || ev.ElapsedMs != 250 {
		t.Errorf("unexpected job event %+v", ev)
	}
}

func TestJobFinished_Error(t *testing.T) {
	p, _, final, jobsW, _ := newTestPublisher()

	p.JobFinished(jobs.View{ID: "job-2", Status: jobs.StatusError, Err: &speech.EngineError{Message: "bad audio"}})

	if len(final.msgs) != 0 {
		t.Errorf("expected no final messages, got %d", len(final.msgs))
	}
	var ev models.JobCompleted
	if err := json.Unmarshal(jobsW.msgs[0].Value, &ev); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Status != "ERROR" || ev.Error == "" {
		t.Errorf("expected ERROR event with message, got %+v", ev)
	}
}

func TestClose_ClosesWriters(t *testing.T) {
	p, partial, final, jobsW, _ := newTestPublisher()
	if err := p.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !partial.closed || !final.closed || !jobsW.closed {
		t.Error("expected all writers closed")
	}
}
