// Package relay exposes the engine protocol over WebSocket. The first
// message is the JSON options object; later binary messages are audio and
// an empty message ends the audio. Every engine reply is relayed as one
// text message.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"speech-engine-bridge/internal/observability/metrics"
	"speech-engine-bridge/pkg/speech/wire"
)

// Config configures a Relay.
type Config struct {
	EngineAddr     string
	Dial           wire.DialOptions
	OriginPatterns []string
	Metrics        *metrics.Metrics
	Logger         zerolog.Logger
}

// Relay is an http.Handler bridging one WebSocket to one engine connection.
type Relay struct {
	cfg Config
}

// New returns a relay for the engine at cfg.EngineAddr.
func New(cfg Config) *Relay {
	if cfg.Dial.MaxChunkSize <= 0 {
		cfg.Dial.MaxChunkSize = wire.DefaultMaxChunkSize
	}
	return &Relay{cfg: cfg}
}

// clientError is reported to the client verbatim.
type clientError struct {
	msg string
}

func (e *clientError) Error() string { return e.msg }

type failedReply struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

// ServeHTTP upgrades the request and relays until the engine or the client
// ends the session.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ws, err := websocket.Accept(w, req, &websocket.AcceptOptions{
		OriginPatterns: r.cfg.OriginPatterns,
	})
	if err != nil {
		r.cfg.Logger.Warn().Err(err).Msg("WebSocket accept failed")
		return
	}
	defer ws.CloseNow()
	ws.SetReadLimit(int64(r.cfg.Dial.MaxChunkSize))

	logger := r.cfg.Logger.With().
		Str("sessionId", uuid.NewString()).
		Str("remote", req.RemoteAddr).
		Logger()
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.RecordRelayStart()
		defer r.cfg.Metrics.RecordRelayEnd()
	}

	ctx := req.Context()
	err = r.serve(ctx, ws, logger)
	switch {
	case err == nil:
		logger.Info().Msg("Relay session completed")
		ws.Close(websocket.StatusNormalClosure, "")
	case websocket.CloseStatus(err) != -1, errors.Is(err, context.Canceled):
		logger.Info().Err(err).Msg("WebSocket closed by client")
	default:
		logger.Warn().Err(err).Msg("Relay session failed")
		r.sendError(ctx, ws, err, logger)
		ws.Close(websocket.StatusNormalClosure, "")
	}
}

func (r *Relay) serve(ctx context.Context, ws *websocket.Conn, logger zerolog.Logger) error {
	conn, err := wire.Dial(ctx, r.cfg.EngineAddr, r.cfg.Dial)
	if err != nil {
		logger.Error().Err(err).Str("engine", r.cfg.EngineAddr).Msg("Could not connect to engine")
		return &clientError{msg: "Could not connect to engine; contact server operator."}
	}
	defer conn.Close()

	_, first, err := ws.Read(ctx)
	if err != nil {
		return err
	}
	eof, err := optionsEOF(first)
	if err != nil {
		return err
	}
	if err := conn.SendRawCommand(first); err != nil {
		return err
	}

	var (
		pumpMu  sync.Mutex
		pumpErr error
	)
	go func() {
		err := r.pump(ctx, ws, conn, eof)
		if err != nil {
			pumpMu.Lock()
			pumpErr = err
			pumpMu.Unlock()
			conn.Close()
		}
	}()

	for {
		line, err := conn.ReadRaw()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			pumpMu.Lock()
			perr := pumpErr
			pumpMu.Unlock()
			if perr != nil {
				return perr
			}
			return err
		}
		if err := ws.Write(ctx, websocket.MessageText, line); err != nil {
			return err
		}
	}
}

// pump forwards audio messages until the empty terminating message.
func (r *Relay) pump(ctx context.Context, ws *websocket.Conn, conn *wire.Conn, eof string) error {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return err
		}
		if len(data) == 0 {
			return conn.WriteEOF(eof)
		}
		if err := conn.WriteAudio(data); err != nil {
			return err
		}
		if r.cfg.Metrics != nil {
			r.cfg.Metrics.RecordAudioReceived(len(data))
			r.cfg.Metrics.RecordAudioSent(len(data))
		}
	}
}

// optionsEOF checks that msg is a JSON object and returns its eof option.
func optionsEOF(msg []byte) (string, error) {
	var opts map[string]json.RawMessage
	if err := json.Unmarshal(msg, &opts); err != nil {
		return "", &clientError{msg: fmt.Sprintf("Could not parse options from first message (JSON decode error: %v).", err)}
	}
	eof := wire.DefaultEOF
	if raw, ok := opts["eof"]; ok {
		if err := json.Unmarshal(raw, &eof); err != nil || eof == "" {
			return "", &clientError{msg: "The eof option must be a non-empty string."}
		}
	}
	return eof, nil
}

func (r *Relay) sendError(ctx context.Context, ws *websocket.Conn, err error, logger zerolog.Logger) {
	details := "Request failed unexpectedly; contact server operator."
	var ce *clientError
	switch {
	case errors.As(err, &ce):
		details = ce.msg
	case errors.Is(err, wire.ErrTimeout):
		details = "Engine did not reply in time."
	case errors.Is(err, wire.ErrEngineDisconnected), errors.Is(err, wire.ErrProtocol):
		details = "Engine connection failed: " + err.Error()
	}
	b, _ := json.Marshal(failedReply{Status: wire.StatusFailed, Error: "[WebSocket] " + details})
	if werr := ws.Write(ctx, websocket.MessageText, b); werr != nil {
		logger.Error().Err(werr).Msg("Could not send error to client")
	}
}
