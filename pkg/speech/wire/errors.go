package wire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
)

// Transport errors. Callers test them with errors.Is.
var (
	ErrConnection         = errors.New("engine connection failed")
	ErrTimeout            = errors.New("engine timeout")
	ErrProtocol           = errors.New("engine protocol violation")
	ErrEngine             = errors.New("engine error")
	ErrEngineDisconnected = errors.New("engine disconnected")

	// ErrInvalidOptions is returned for a raw options line that is not JSON.
	ErrInvalidOptions = errors.New("options are not valid JSON")
)

// EngineError carries the message of a reply with status "failed".
type EngineError struct {
	Message string
}

func (e *EngineError) Error() string {
	return "wire: engine error: " + e.Message
}

// Unwrap lets errors.Is(err, ErrEngine) match.
func (e *EngineError) Unwrap() error {
	return ErrEngine
}

func dialError(ctx context.Context, addr string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return fmt.Errorf("wire: dial %s: %w: %v", addr, ErrTimeout, ctxErr)
		}
		return fmt.Errorf("wire: dial %s: %w", addr, ctxErr)
	}
	if isTimeout(err) {
		return fmt.Errorf("wire: dial %s: %w: %v", addr, ErrTimeout, err)
	}
	return fmt.Errorf("wire: dial %s: %w: %v", addr, ErrConnection, err)
}

// readError classifies a socket read failure. io.EOF passes through
// unchanged so the caller can tell a clean close from a reset.
func readError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF):
		return io.EOF
	case errors.Is(err, ErrProtocol), errors.Is(err, ErrEngineDisconnected):
		return err
	case isTimeout(err):
		return fmt.Errorf("wire: read: %w: %v", ErrTimeout, err)
	default:
		return fmt.Errorf("wire: read: %w: %v", ErrEngineDisconnected, err)
	}
}

func writeError(err error) error {
	if err == nil {
		return nil
	}
	if isTimeout(err) {
		return fmt.Errorf("wire: write: %w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("wire: write: %w: %v", ErrEngineDisconnected, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
