package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"speech-engine-bridge/internal/models"
	"speech-engine-bridge/pkg/speech"
)

func TestLogEvent(t *testing.T) {
	conf := 0.9
	result := speech.SpeechRecognitionResult{
		IsFinal:      true,
		Alternatives: []speech.SpeechRecognitionAlternative{{Transcript: "greetings world", Confidence: &conf}},
	}
	final, _ := json.Marshal(models.NewFinal("s-1", models.SourceStream, result, time.Now()))
	partial, _ := json.Marshal(models.NewPartial("s-1", models.SourceStream, result, time.Now()))
	job, _ := json.Marshal(models.JobCompleted{EventType: models.EventJobCompleted, JobID: "j-1", Status: "ERROR", Error: "engine down"})

	tests := []struct {
		name    string
		value   []byte
		want    string
		wantErr bool
	}{
		{"final", final, `"confidence":0.9`, false},
		{"partial", partial, `"session":"s-1"`, false},
		{"job", job, `"error":"engine down"`, false},
		{"no event type", []byte(`{"text":"x"}`), "", true},
		{"unknown event type", []byte(`{"eventType":"other"}`), "", true},
		{"not json", []byte(`nope`), "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := logEvent(zerolog.New(&buf).Level(zerolog.DebugLevel), tt.value)
			if (err != nil) != tt.wantErr {
				t.Fatalf("expected error=%v, got %v", tt.wantErr, err)
			}
			if !strings.Contains(buf.String(), tt.want) {
				t.Errorf("expected log to contain %s, got %s", tt.want, buf.String())
			}
		})
	}
}
