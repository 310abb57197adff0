// Package speech is a speech recognition client shaped like the Google
// Cloud Speech-to-Text v1 API that talks to a recognition engine over its
// line-delimited JSON TCP protocol.
//
// Three entry points are provided:
//
//   - Client.Recognize sends a whole buffer and returns final results.
//   - Client.StreamingRecognize opens a Stream that interleaves outbound
//     audio with inbound partial and final results.
//   - Client.StreamingRecognizeChunks pumps a channel of audio chunks into
//     a Stream.
package speech

import (
	"time"
)

// AudioEncoding names the sample encoding of raw audio.
type AudioEncoding string

// Supported encodings.
const (
	EncodingUnspecified AudioEncoding = ""
	Linear16            AudioEncoding = "LINEAR16"
	Mulaw               AudioEncoding = "MULAW"
	Alaw                AudioEncoding = "ALAW"
)

// RecognitionConfig describes how audio should be recognized. Zero values
// and nil pointers are unset and leave the engine default in place.
// Numeric fields are pointers so an explicit zero can be rejected.
type RecognitionConfig struct {
	Encoding                   AudioEncoding `json:"encoding,omitempty" yaml:"encoding"`
	SampleRateHertz            *int32        `json:"sampleRateHertz,omitempty" yaml:"sampleRateHertz"`
	LanguageCode               string        `json:"languageCode,omitempty" yaml:"languageCode"`
	MaxAlternatives            *int32        `json:"maxAlternatives,omitempty" yaml:"maxAlternatives"`
	MaxPhraseAlternatives      *int32        `json:"maxPhraseAlternatives,omitempty" yaml:"maxPhraseAlternatives"`
	EnableAutomaticPunctuation bool          `json:"enableAutomaticPunctuation,omitempty" yaml:"enableAutomaticPunctuation"`
	EnableWordConfidence       bool          `json:"enableWordConfidence,omitempty" yaml:"enableWordConfidence"`
	EnableWordTimeOffsets      bool          `json:"enableWordTimeOffsets,omitempty" yaml:"enableWordTimeOffsets"`
}

// Int32 returns a pointer to v.
func Int32(v int32) *int32 {
	return &v
}

// RecognitionAudio holds either inline content or a URI, never both.
type RecognitionAudio struct {
	Content []byte `json:"content,omitempty"`
	URI     string `json:"uri,omitempty"`
}

// RecognizeRequest is the input of Client.Recognize.
type RecognizeRequest struct {
	Config RecognitionConfig `json:"config"`
	Audio  RecognitionAudio  `json:"audio"`
}

// StreamingRecognitionConfig is the input of Client.StreamingRecognize.
type StreamingRecognitionConfig struct {
	Config         RecognitionConfig `json:"config"`
	InterimResults bool              `json:"interimResults,omitempty"`
}

// WordInfo is one recognized word. Offsets and confidence are present only
// when requested.
type WordInfo struct {
	Word       string
	StartTime  *time.Duration
	EndTime    *time.Duration
	Confidence *float64
}

// SpeechRecognitionAlternative is one N-best hypothesis.
type SpeechRecognitionAlternative struct {
	Transcript string
	Confidence *float64
	Words      []WordInfo
}

// PhraseAlternative is one alternative rendering of a phrase.
type PhraseAlternative struct {
	Phrase     string
	Confidence *float64
}

// Phrase is an engine-specific grouping of words with its own alternatives.
type Phrase struct {
	Phrase       string
	StartTime    time.Duration
	EndTime      time.Duration
	Alternatives []PhraseAlternative
}

// SpeechRecognitionResult is the result for one utterance slot.
type SpeechRecognitionResult struct {
	ResultIndex   int
	IsFinal       bool
	Alternatives  []SpeechRecognitionAlternative
	ResultEndTime *time.Duration
	Phrases       []Phrase
}

// Transcript returns the top alternative's transcript.
func (r SpeechRecognitionResult) Transcript() string {
	if len(r.Alternatives) == 0 {
		return ""
	}
	return r.Alternatives[0].Transcript
}

// RecognizeResponse holds the final results of a batch recognition.
type RecognizeResponse struct {
	Results []SpeechRecognitionResult
}

// Transcript joins the top transcripts of all results with single spaces.
func (r *RecognizeResponse) Transcript() string {
	var out string
	for _, res := range r.Results {
		t := res.Transcript()
		if t == "" {
			continue
		}
		if out != "" {
			out += " "
		}
		out += t
	}
	return out
}

// StreamingRecognizeResponse carries the results decoded from one engine
// frame.
type StreamingRecognizeResponse struct {
	Results []SpeechRecognitionResult
}
