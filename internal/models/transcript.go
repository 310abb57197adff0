// Package models defines the data structures for transcript events.
package models

import (
	"time"

	"speech-engine-bridge/pkg/speech"
)

// Event types carried in the eventType field and Kafka header.
const (
	EventPartial      = "speech.transcript.partial"
	EventFinal        = "speech.transcript.final"
	EventJobCompleted = "speech.job.completed"
)

// Sources of a transcript event.
const (
	SourceStream    = "stream"
	SourceRecognize = "recognize"
	SourceJob       = "job"
)

// TranscriptPartial represents an interim result of a streaming recognition.
type TranscriptPartial struct {
	EventType   string `json:"eventType"`
	SessionID   string `json:"sessionId"`
	Source      string `json:"source"`
	Timestamp   int64  `json:"timestamp"`
	ResultIndex int    `json:"resultIndex"`
	Text        string `json:"text"`
}

// TranscriptFinal represents a finalized result with confidence score.
type TranscriptFinal struct {
	EventType   string   `json:"eventType"`
	SessionID   string   `json:"sessionId"`
	Source      string   `json:"source"`
	Timestamp   int64    `json:"timestamp"`
	ResultIndex int      `json:"resultIndex"`
	Text        string   `json:"text"`
	Confidence  *float64 `json:"confidence,omitempty"`
	ResultEndMs *int64   `json:"resultEndMs,omitempty"`
}

// JobCompleted summarizes a finished long-running recognition.
type JobCompleted struct {
	EventType  string `json:"eventType"`
	JobID      string `json:"jobId"`
	Timestamp  int64  `json:"timestamp"`
	Status     string `json:"status"`
	Transcript string `json:"transcript,omitempty"`
	Error      string `json:"error,omitempty"`
	ElapsedMs  int64  `json:"elapsedMs"`
}

// NewPartial builds a partial event from r.
func NewPartial(sessionID, source string, r speech.SpeechRecognitionResult, now time.Time) TranscriptPartial {
	return TranscriptPartial{
		EventType:   EventPartial,
		SessionID:   sessionID,
		Source:      source,
		Timestamp:   now.UnixMilli(),
		ResultIndex: r.ResultIndex,
		Text:        r.Transcript(),
	}
}

// NewFinal builds a final event from r.
func NewFinal(sessionID, source string, r speech.SpeechRecognitionResult, now time.Time) TranscriptFinal {
	ev := TranscriptFinal{
		EventType:   EventFinal,
		SessionID:   sessionID,
		Source:      source,
		Timestamp:   now.UnixMilli(),
		ResultIndex: r.ResultIndex,
		Text:        r.Transcript(),
	}
	if len(r.Alternatives) > 0 {
		ev.Confidence = r.Alternatives[0].Confidence
	}
	if r.ResultEndTime != nil {
		ms := r.ResultEndTime.Milliseconds()
		ev.ResultEndMs = &ms
	}
	return ev
}
