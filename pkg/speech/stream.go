package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"speech-engine-bridge/pkg/speech/wire"
)

// State is the lifecycle state of a Stream.
type State int

const (
	// StateConnecting - dialing the engine.
	StateConnecting State = iota
	// StateSendingConfig - connected, writing the options line.
	StateSendingConfig
	// StateStreaming - audio may be sent; results are being read.
	StateStreaming
	// StateDraining - end of audio sent, waiting for remaining results.
	StateDraining
	// StateDone - the engine finished normally. Terminal.
	StateDone
	// StateFailed - transport, protocol or engine failure, or cancellation.
	// Terminal.
	StateFailed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateSendingConfig:
		return "SENDING_CONFIG"
	case StateStreaming:
		return "STREAMING"
	case StateDraining:
		return "DRAINING"
	case StateDone:
		return "DONE"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// IsTerminal returns true for DONE and FAILED.
func (s State) IsTerminal() bool {
	return s == StateDone || s == StateFailed
}

// Stream is one streaming recognition over a single engine connection.
//
// State transitions:
//
//	CONNECTING → SENDING_CONFIG → STREAMING → DRAINING → DONE
//	     └──────────────┴─────────────┴──────────┴──→ FAILED
//
// Send and CloseSend must be called from one goroutine; Recv from one
// goroutine (it may be a different one); Cancel and State from any.
// A background reader decodes engine replies into a bounded queue, so an
// idle consumer stops socket reads instead of growing memory.
type Stream struct {
	conn     *wire.Conn
	asm      *Assembler
	eof      string
	results  chan *StreamingRecognizeResponse
	abort    chan struct{}
	stop     func() bool
	logger   zerolog.Logger
	recorder Recorder
	started  time.Time

	mu         sync.Mutex
	state      State
	err        error
	sendClosed bool
}

// StreamingRecognize validates cfg, connects to the engine, sends the
// options line and returns a Stream in STREAMING state. Cancelling ctx
// cancels the stream.
func (c *Client) StreamingRecognize(ctx context.Context, cfg StreamingRecognitionConfig) (*Stream, error) {
	opts, err := Translate(cfg.Config)
	if err != nil {
		return nil, err
	}
	opts.Partial = cfg.InterimResults
	opts.EOF = c.eof

	s := &Stream{
		asm:      NewAssembler(cfg.Config),
		eof:      c.eof,
		results:  make(chan *StreamingRecognizeResponse, c.buffer),
		abort:    make(chan struct{}),
		logger:   c.logger.With().Str("mode", "stream").Str("engine", c.addr).Logger(),
		recorder: c.recorder,
		started:  time.Now(),
		state:    StateConnecting,
	}

	conn, err := wire.Dial(ctx, c.addr, c.dial)
	if err != nil {
		err = contextError(ctx, err)
		c.recorder.RecordEngineCall("stream", err, time.Since(s.started).Seconds())
		return nil, err
	}
	s.conn = conn
	s.setState(StateSendingConfig)

	if err := conn.SendCommand(opts); err != nil {
		conn.Close()
		err = contextError(ctx, err)
		c.recorder.RecordEngineCall("stream", err, time.Since(s.started).Seconds())
		return nil, err
	}
	s.setState(StateStreaming)

	s.mu.Lock()
	s.stop = context.AfterFunc(ctx, func() { s.fail(contextError(ctx, ctx.Err())) })
	s.mu.Unlock()
	go s.readLoop()
	return s, nil
}

// StreamingRecognizeChunks starts a stream and feeds it every chunk read
// from audio, calling CloseSend once audio is closed. Send failures end the
// pump; they surface to the caller through Recv.
func (c *Client) StreamingRecognizeChunks(ctx context.Context, cfg StreamingRecognitionConfig, audio <-chan []byte) (*Stream, error) {
	s, err := c.StreamingRecognize(ctx, cfg)
	if err != nil {
		return nil, err
	}
	go func() {
		for {
			select {
			case chunk, ok := <-audio:
				if !ok {
					if err := s.CloseSend(); err != nil {
						s.logger.Debug().Err(err).Msg("CloseSend failed")
					}
					return
				}
				if err := s.Send(chunk); err != nil {
					s.logger.Debug().Err(err).Msg("Send failed, stopping audio pump")
					return
				}
			case <-s.abort:
				return
			}
		}
	}()
	return s, nil
}

// State returns the current state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that failed the stream, if any.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Send writes one audio chunk to the engine.
func (s *Stream) Send(chunk []byte) error {
	s.mu.Lock()
	switch {
	case s.state == StateFailed:
		err := s.err
		s.mu.Unlock()
		return err
	case s.sendClosed:
		s.mu.Unlock()
		return ErrSendAfterClose
	case s.state != StateStreaming:
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("speech: %w: state %s", ErrStreamClosed, state)
	}
	s.mu.Unlock()

	if len(chunk) == 0 {
		return nil
	}
	if err := s.conn.WriteAudio(chunk); err != nil {
		return s.fail(err)
	}
	s.recorder.RecordAudioSent(len(chunk))
	return nil
}

// CloseSend writes the end-of-audio marker and moves the stream to
// DRAINING. Calling it again is a no-op.
func (s *Stream) CloseSend() error {
	s.mu.Lock()
	if s.sendClosed {
		s.mu.Unlock()
		return nil
	}
	if s.state == StateFailed {
		err := s.err
		s.mu.Unlock()
		return err
	}
	s.sendClosed = true
	if s.state == StateDone {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.conn.WriteEOF(s.eof); err != nil {
		return s.fail(err)
	}

	s.mu.Lock()
	if s.state == StateStreaming {
		s.transitionLocked(StateDraining)
	}
	s.mu.Unlock()
	return nil
}

// Recv returns the next response. It returns io.EOF once the stream is
// DONE and every queued response was delivered, and the failure cause once
// the stream is FAILED. Responses still queued at failure are discarded.
func (s *Stream) Recv() (*StreamingRecognizeResponse, error) {
	if err := s.failure(); err != nil {
		return nil, err
	}
	resp, ok := <-s.results
	if err := s.failure(); err != nil {
		return nil, err
	}
	if !ok {
		return nil, io.EOF
	}
	return resp, nil
}

// Cancel closes the connection at once and fails the stream with
// ErrCancelled. It has no effect on a finished stream.
func (s *Stream) Cancel() {
	s.fail(fmt.Errorf("speech: %w", ErrCancelled))
}

// Close releases the stream, cancelling it if it is still running.
func (s *Stream) Close() error {
	s.Cancel()
	return nil
}

func (s *Stream) readLoop() {
	defer close(s.results)
	for {
		reply, err := s.conn.ReadReply()
		if errors.Is(err, io.EOF) {
			if n := s.asm.OpenSlots(); n > 0 {
				s.fail(fmt.Errorf("speech: %w: connection closed with %d open utterance(s)", ErrEngineDisconnected, n))
				return
			}
			s.finish()
			return
		}
		if err != nil {
			s.fail(err)
			return
		}

		res, err := s.asm.Apply(reply)
		if err != nil {
			s.fail(err)
			return
		}
		if res != nil {
			s.recorder.RecordResult(res.IsFinal)
			select {
			case s.results <- &StreamingRecognizeResponse{Results: []SpeechRecognitionResult{*res}}:
			case <-s.abort:
				return
			}
		}
		if reply.Status == wire.StatusCompleted {
			s.finish()
			return
		}
	}
}

func (s *Stream) finish() {
	s.mu.Lock()
	if s.state.IsTerminal() {
		s.mu.Unlock()
		return
	}
	s.transitionLocked(StateDone)
	stop := s.stop
	s.mu.Unlock()

	s.release(stop)
	s.recorder.RecordEngineCall("stream", nil, time.Since(s.started).Seconds())
}

// fail moves the stream to FAILED with err unless it already finished, and
// returns the error that the stream ended with.
func (s *Stream) fail(err error) error {
	s.mu.Lock()
	if s.state.IsTerminal() {
		if s.err != nil {
			err = s.err
		}
		s.mu.Unlock()
		return err
	}
	s.err = err
	s.transitionLocked(StateFailed)
	close(s.abort)
	stop := s.stop
	s.mu.Unlock()

	s.release(stop)
	s.recorder.RecordEngineCall("stream", err, time.Since(s.started).Seconds())
	return err
}

func (s *Stream) release(stop func() bool) {
	s.conn.Close()
	if stop != nil {
		stop()
	}
}

func (s *Stream) failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateFailed {
		return s.err
	}
	return nil
}

func (s *Stream) setState(state State) {
	s.mu.Lock()
	s.transitionLocked(state)
	s.mu.Unlock()
}

func (s *Stream) transitionLocked(state State) {
	s.logger.Debug().
		Str("from", s.state.String()).
		Str("to", state.String()).
		Msg("Stream state change")
	s.state = state
}

// CollectFinals drains s and returns its final results in emission order.
func CollectFinals(s *Stream) (*RecognizeResponse, error) {
	resp := &RecognizeResponse{}
	for {
		r, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return resp, nil
		}
		if err != nil {
			return nil, err
		}
		for _, res := range r.Results {
			if res.IsFinal {
				resp.Results = append(resp.Results, res)
			}
		}
	}
}
