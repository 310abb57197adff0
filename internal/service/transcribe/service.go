// Package transcribe runs whole-audio recognitions for the network
// surfaces and for long-running jobs.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"speech-engine-bridge/internal/audio"
	"speech-engine-bridge/pkg/speech"
)

// Service glues the audio resolver to the engine client.
type Service struct {
	client   *speech.Client
	resolver *audio.Resolver
	logger   zerolog.Logger
}

// New returns a service. resolver may be nil, in which case requests with
// a uri are rejected.
func New(client *speech.Client, resolver *audio.Resolver, logger zerolog.Logger) *Service {
	return &Service{client: client, resolver: resolver, logger: logger}
}

// Validate checks req without touching the network, including the
// operator's allowed uri schemes.
func (s *Service) Validate(req speech.RecognizeRequest) error {
	if _, err := req.Validate(); err != nil {
		return err
	}
	if req.Audio.URI == "" {
		return nil
	}
	if s.resolver == nil || !s.resolver.Allowed(req.Audio.URI) {
		return &speech.ValidationError{
			Field:    "audio.uri",
			Value:    req.Audio.URI,
			Accepted: s.acceptedSchemes(),
		}
	}
	return nil
}

// Recognize runs req synchronously and returns its final results.
func (s *Service) Recognize(ctx context.Context, req speech.RecognizeRequest) (*speech.RecognizeResponse, error) {
	if err := s.Validate(req); err != nil {
		return nil, err
	}
	if req.Audio.URI != "" {
		content, err := s.resolver.ReadAll(ctx, req.Audio.URI)
		if err != nil {
			return nil, err
		}
		req.Audio = speech.RecognitionAudio{Content: content}
	}
	return s.client.Recognize(ctx, req)
}

// Run implements jobs.Runner. Inline content is sent in one request; uri
// audio is streamed to the engine chunk by chunk so large files are never
// held in memory.
func (s *Service) Run(ctx context.Context, req speech.RecognizeRequest) (*speech.RecognizeResponse, error) {
	if err := s.Validate(req); err != nil {
		return nil, err
	}
	if req.Audio.URI == "" {
		return s.client.Recognize(ctx, req)
	}

	rc, err := s.resolver.Open(ctx, req.Audio.URI)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunks, readErr := audio.Chunks(ctx, rc, s.resolver.ChunkSize())
	stream, err := s.client.StreamingRecognizeChunks(ctx, speech.StreamingRecognitionConfig{Config: req.Config}, chunks)
	if err != nil {
		cancel()
		for range chunks {
		}
		return nil, err
	}
	defer stream.Close()

	resp, err := speech.CollectFinals(stream)
	cancel()
	for range chunks {
	}
	if err != nil {
		return nil, err
	}
	if err := readErr(); err != nil && !errors.Is(err, context.Canceled) {
		return nil, fmt.Errorf("transcribe: read %s: %w", req.Audio.URI, err)
	}
	s.logger.Debug().
		Str("uri", req.Audio.URI).
		Int("results", len(resp.Results)).
		Msg("Streamed recognition completed")
	return resp, nil
}

func (s *Service) acceptedSchemes() string {
	if s.resolver == nil {
		return "none"
	}
	schemes := s.resolver.AllowedSchemes()
	if schemes == nil {
		return strings.Join(speech.URISchemes, ", ")
	}
	if len(schemes) == 0 {
		return "none"
	}
	sort.Strings(schemes)
	return strings.Join(schemes, ", ")
}
