package speech

import (
	"net/url"
	"strings"

	"speech-engine-bridge/pkg/speech/wire"
)

// Accepted option values.
const (
	LanguageEnUS = "en-US"

	MinAlternatives       = 1
	MaxAlternatives       = 10000
	MinPhraseAlternatives = 1
	MaxPhraseAlternatives = 100
)

var wireEncodings = map[AudioEncoding]string{
	Linear16: wire.EncodingPCMS16LE,
	Mulaw:    wire.EncodingMuLaw,
	Alaw:     wire.EncodingALaw,
}

// URISchemes lists the schemes an audio URI may use.
var URISchemes = []string{"file", "http", "https", "gs", "s3"}

// Translate validates cfg and maps it onto engine options. It performs no
// I/O and never adjusts an out-of-range value.
func Translate(cfg RecognitionConfig) (wire.Options, error) {
	opts := wire.Options{
		Command: wire.CommandRecognize,
		Format:  wire.FormatRaw,
	}

	if cfg.Encoding != EncodingUnspecified {
		enc, ok := wireEncodings[cfg.Encoding]
		if !ok {
			return wire.Options{}, &ValidationError{Field: "encoding", Value: string(cfg.Encoding), Accepted: "LINEAR16, MULAW, ALAW"}
		}
		opts.Encoding = enc
	}

	if cfg.SampleRateHertz != nil {
		rate := *cfg.SampleRateHertz
		if rate != 8000 && rate != 16000 {
			return wire.Options{}, &ValidationError{Field: "sample_rate_hertz", Value: rate, Accepted: "8000, 16000"}
		}
		opts.Rate = int(rate)
	}

	// The engine serves a single language with its default model, so the
	// code is checked but not forwarded.
	if cfg.LanguageCode != "" && cfg.LanguageCode != LanguageEnUS {
		return wire.Options{}, &ValidationError{Field: "language_code", Value: cfg.LanguageCode, Accepted: LanguageEnUS}
	}

	if cfg.MaxAlternatives != nil {
		n := *cfg.MaxAlternatives
		if n < MinAlternatives || n > MaxAlternatives {
			return wire.Options{}, &ValidationError{Field: "max_alternatives", Value: n, Accepted: "1..10000"}
		}
		opts.TranscriptAlternatives = int(n)
	}

	if cfg.MaxPhraseAlternatives != nil {
		n := *cfg.MaxPhraseAlternatives
		if n < MinPhraseAlternatives || n > MaxPhraseAlternatives {
			return wire.Options{}, &ValidationError{Field: "max_phrase_alternatives", Value: n, Accepted: "1..100"}
		}
		opts.PhraseAlternatives = int(n)
	}

	opts.TranscriptFormatted = cfg.EnableAutomaticPunctuation
	opts.WordConfidence = cfg.EnableWordConfidence
	opts.WordIntervals = cfg.EnableWordTimeOffsets
	return opts, nil
}

// ValidateAudio checks that exactly one of content and uri is set and that
// a uri uses a recognized scheme.
func ValidateAudio(audio RecognitionAudio) error {
	hasContent := len(audio.Content) > 0
	hasURI := audio.URI != ""
	switch {
	case hasContent && hasURI:
		return &ValidationError{Field: "audio", Value: "content and uri", Accepted: "exactly one of content, uri"}
	case !hasContent && !hasURI:
		return &ValidationError{Field: "audio", Value: "empty", Accepted: "exactly one of content, uri"}
	case hasURI:
		scheme := URIScheme(audio.URI)
		for _, s := range URISchemes {
			if scheme == s {
				return nil
			}
		}
		return &ValidationError{Field: "audio.uri", Value: audio.URI, Accepted: "file://, http://, https://, gs://, s3://"}
	}
	return nil
}

// URIScheme returns the lower-cased scheme of uri, or "" if it has none.
func URIScheme(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme == "" {
		return ""
	}
	return strings.ToLower(u.Scheme)
}

// Validate checks the whole request and returns the engine options for it.
func (r RecognizeRequest) Validate() (wire.Options, error) {
	opts, err := Translate(r.Config)
	if err != nil {
		return wire.Options{}, err
	}
	if err := ValidateAudio(r.Audio); err != nil {
		return wire.Options{}, err
	}
	return opts, nil
}
