package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"speech-engine-bridge/pkg/speech/wire"
)

// Engine address defaults.
const (
	DefaultHost = "localhost"
	DefaultPort = 9900

	// DefaultResultBuffer is the capacity of a stream's result queue.
	DefaultResultBuffer = 32
)

// AudioSource opens the audio behind a URI.
type AudioSource interface {
	Open(ctx context.Context, uri string) (io.ReadCloser, error)
}

// Recorder receives client measurements. A nil Recorder disables them.
type Recorder interface {
	RecordEngineCall(mode string, err error, seconds float64)
	RecordResult(final bool)
	RecordAudioSent(bytes int)
}

// Client talks to one engine address. It holds no connections; every call
// opens its own.
type Client struct {
	addr     string
	dial     wire.DialOptions
	eof      string
	buffer   int
	source   AudioSource
	logger   zerolog.Logger
	recorder Recorder
}

// Option configures a Client.
type Option func(*Client)

// WithAddress sets the engine address as host:port.
func WithAddress(addr string) Option {
	return func(c *Client) { c.addr = addr }
}

// WithConnectTimeout bounds connection establishment.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Client) { c.dial.ConnectTimeout = d }
}

// WithInactivityTimeout bounds every socket read and write.
func WithInactivityTimeout(d time.Duration) Option {
	return func(c *Client) { c.dial.InactivityTimeout = d }
}

// WithMaxChunkSize caps a single audio write to the engine.
func WithMaxChunkSize(n int) Option {
	return func(c *Client) { c.dial.MaxChunkSize = n }
}

// WithResultBuffer sets the capacity of a stream's result queue.
func WithResultBuffer(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.buffer = n
		}
	}
}

// WithEOF sets the end-of-audio sequence used by streams.
func WithEOF(seq string) Option {
	return func(c *Client) { c.eof = seq }
}

// WithAudioSource lets Recognize resolve audio URIs.
func WithAudioSource(src AudioSource) Option {
	return func(c *Client) { c.source = src }
}

// WithLogger sets the client logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(c *Client) { c.recorder = r }
}

// NewClient returns a client for the engine at DefaultAddress unless
// WithAddress overrides it.
func NewClient(opts ...Option) *Client {
	c := &Client{
		addr:   DefaultAddress(),
		dial:   wire.DefaultDialOptions(),
		eof:    wire.DefaultEOF,
		buffer: DefaultResultBuffer,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.recorder == nil {
		c.recorder = nopRecorder{}
	}
	return c
}

// DefaultAddress returns ENGINE_HOST:ENGINE_PORT, falling back to
// localhost:9900.
func DefaultAddress() string {
	host := os.Getenv("ENGINE_HOST")
	if host == "" {
		host = DefaultHost
	}
	port := DefaultPort
	if v := os.Getenv("ENGINE_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			port = p
		}
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Addr returns the engine address.
func (c *Client) Addr() string {
	return c.addr
}

// Recognize sends the whole audio of req in one request and returns the
// final results in emission order. The command frame carries the content
// length, so the engine knows where the audio ends.
func (c *Client) Recognize(ctx context.Context, req RecognizeRequest) (resp *RecognizeResponse, err error) {
	start := time.Now()
	defer func() { c.recorder.RecordEngineCall("batch", err, time.Since(start).Seconds()) }()

	opts, err := req.Validate()
	if err != nil {
		return nil, err
	}

	audio := req.Audio.Content
	if req.Audio.URI != "" {
		audio, err = c.fetch(ctx, req.Audio.URI)
		if err != nil {
			return nil, err
		}
	}
	opts.ContentLength = int64(len(audio))

	conn, err := wire.Dial(ctx, c.addr, c.dial)
	if err != nil {
		return nil, contextError(ctx, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	log := c.logger.With().Str("mode", "batch").Str("engine", c.addr).Logger()
	log.Debug().Int64("contentLength", opts.ContentLength).Msg("Sending recognize command")

	var g errgroup.Group
	g.Go(func() error {
		if err := conn.SendCommand(opts); err != nil {
			return err
		}
		if err := conn.WriteAudio(audio); err != nil {
			return err
		}
		c.recorder.RecordAudioSent(len(audio))
		return nil
	})

	asm := NewAssembler(req.Config)
	readErr := c.readAll(conn, asm)
	if readErr != nil {
		conn.Close()
	}
	sendErr := g.Wait()

	switch {
	case ctx.Err() != nil:
		return nil, contextError(ctx, ctx.Err())
	case readErr != nil:
		return nil, readErr
	case sendErr != nil:
		return nil, sendErr
	}

	resp = &RecognizeResponse{Results: asm.Finals()}
	log.Debug().Int("results", len(resp.Results)).Msg("Recognize completed")
	return resp, nil
}

func (c *Client) readAll(conn *wire.Conn, asm *Assembler) error {
	for {
		reply, err := conn.ReadReply()
		if errors.Is(err, io.EOF) {
			if asm.OpenSlots() > 0 {
				return fmt.Errorf("speech: %w: connection closed with %d open utterance(s)", ErrEngineDisconnected, asm.OpenSlots())
			}
			return nil
		}
		if err != nil {
			return err
		}
		res, err := asm.Apply(reply)
		if err != nil {
			return err
		}
		if res != nil {
			c.recorder.RecordResult(res.IsFinal)
		}
		if reply.Status == wire.StatusCompleted {
			return nil
		}
	}
}

func (c *Client) fetch(ctx context.Context, uri string) ([]byte, error) {
	if c.source == nil {
		return nil, fmt.Errorf("speech: %w: %s", ErrNoAudioSource, uri)
	}
	rc, err := c.source.Open(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("speech: open %s: %w", uri, err)
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("speech: read %s: %w", uri, err)
	}
	return b, nil
}

// contextError reports err as a cancellation or timeout when ctx is done.
func contextError(ctx context.Context, err error) error {
	switch ctxErr := ctx.Err(); {
	case ctxErr == nil:
		return err
	case errors.Is(ctxErr, context.DeadlineExceeded):
		return fmt.Errorf("speech: %w: %v", ErrTimeout, ctxErr)
	default:
		return fmt.Errorf("speech: %w: %v", ErrCancelled, ctxErr)
	}
}

type nopRecorder struct{}

func (nopRecorder) RecordEngineCall(string, error, float64) {}
func (nopRecorder) RecordResult(bool)                       {}
func (nopRecorder) RecordAudioSent(int)                     {}
