package speech

import (
	"errors"
	"fmt"

	"speech-engine-bridge/pkg/speech/wire"
)

// Error kinds surfaced by the client. Transport kinds originate in the wire
// package and are re-exported here so callers need a single import.
var (
	ErrValidation         = errors.New("invalid request")
	ErrConnection         = wire.ErrConnection
	ErrTimeout            = wire.ErrTimeout
	ErrProtocol           = wire.ErrProtocol
	ErrEngine             = wire.ErrEngine
	ErrEngineDisconnected = wire.ErrEngineDisconnected
	ErrCancelled          = errors.New("recognition cancelled")
	ErrSendAfterClose     = errors.New("send after CloseSend")
	ErrStreamClosed       = errors.New("stream closed")
	ErrNoAudioSource      = errors.New("no audio source configured for uri")
)

// EngineError carries the engine's verbatim failure message.
type EngineError = wire.EngineError

// ValidationError names the offending field and the rejected value.
type ValidationError struct {
	Field    string
	Value    any
	Accepted string
}

func (e *ValidationError) Error() string {
	if e.Accepted == "" {
		return fmt.Sprintf("speech: invalid %s: %v", e.Field, e.Value)
	}
	return fmt.Sprintf("speech: invalid %s: %v (accepted: %s)", e.Field, e.Value, e.Accepted)
}

// Unwrap lets errors.Is(err, ErrValidation) match.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// Kind returns a short stable label for the class of err, suitable for
// metrics and status mapping. It returns "" for nil.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrConnection):
		return "connection"
	case errors.Is(err, ErrEngineDisconnected):
		return "disconnected"
	case errors.Is(err, ErrProtocol):
		return "protocol"
	case errors.Is(err, ErrEngine):
		return "engine"
	case errors.Is(err, ErrSendAfterClose), errors.Is(err, ErrStreamClosed):
		return "usage"
	default:
		return "internal"
	}
}
