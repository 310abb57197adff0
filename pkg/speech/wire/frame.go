// Package wire implements the engine's line-delimited JSON protocol.
//
// A request is one JSON options line followed by raw audio bytes. The
// engine answers with newline-terminated JSON replies until it sends a
// reply whose status is "completed" or closes the connection.
package wire

// Reply statuses.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Option values used by the bridge.
const (
	CommandRecognize = "recognize"
	FormatRaw        = "raw"

	EncodingPCMS16LE = "pcm_s16le"
	EncodingMuLaw    = "mu-law"
	EncodingALaw     = "a-law"

	// DefaultEOF is the end-of-audio sequence the engine expects when no
	// content length is given.
	DefaultEOF = "END-OF-FILE"
)

// Options is the command line sent before the audio. Zero fields are
// omitted so the engine applies its own default.
type Options struct {
	Command                string `json:"command"`
	Format                 string `json:"format,omitempty"`
	Encoding               string `json:"encoding,omitempty"`
	Rate                   int    `json:"rate,omitempty"`
	ContentLength          int64  `json:"content-length,omitempty"`
	Partial                bool   `json:"partial,omitempty"`
	EOF                    string `json:"eof,omitempty"`
	TranscriptFormatted    bool   `json:"transcript-formatted,omitempty"`
	WordConfidence         bool   `json:"word-confidence,omitempty"`
	WordIntervals          bool   `json:"word-intervals,omitempty"`
	TranscriptAlternatives int    `json:"transcript-alternatives,omitempty"`
	PhraseAlternatives     int    `json:"phrase-alternatives,omitempty"`
}

// Reply is one inbound frame.
type Reply struct {
	Status              string        `json:"status,omitempty"`
	Error               string        `json:"error,omitempty"`
	ResultIndex         *int          `json:"result_index,omitempty"`
	Final               bool          `json:"final,omitempty"`
	Transcript          string        `json:"transcript,omitempty"`
	TranscriptFormatted string        `json:"transcript_formatted,omitempty"`
	Interval            []float64     `json:"interval,omitempty"`
	Alternatives        []Alternative `json:"alternatives,omitempty"`
	Words               []Word        `json:"words,omitempty"`
	Phrases             []Phrase      `json:"phrases,omitempty"`
}

// IsResult reports whether the reply carries a recognition result.
func (r *Reply) IsResult() bool {
	return r.ResultIndex != nil || r.Transcript != "" || r.TranscriptFormatted != "" || len(r.Alternatives) > 0
}

// Alternative is one N-best transcript.
type Alternative struct {
	Transcript          string   `json:"transcript"`
	TranscriptFormatted string   `json:"transcript_formatted,omitempty"`
	Confidence          *float64 `json:"confidence,omitempty"`
}

// Word is one recognized word with its time interval in seconds.
type Word struct {
	Word       string    `json:"word"`
	Interval   []float64 `json:"interval,omitempty"`
	Confidence *float64  `json:"confidence,omitempty"`
}

// Phrase groups words that share alternatives.
type Phrase struct {
	Phrase       string              `json:"phrase"`
	Interval     []float64           `json:"interval,omitempty"`
	Alternatives []PhraseAlternative `json:"alternatives,omitempty"`
}

// PhraseAlternative is one alternative rendering of a phrase.
type PhraseAlternative struct {
	Phrase     string   `json:"phrase"`
	Confidence *float64 `json:"confidence,omitempty"`
}
