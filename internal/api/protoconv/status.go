package protoconv

import (
	"context"
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"speech-engine-bridge/internal/jobs"
	"speech-engine-bridge/internal/service/stream"
	"speech-engine-bridge/pkg/speech"
)

// Code maps an error to its gRPC status code.
func Code(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	if s, ok := status.FromError(err); ok {
		return s.Code()
	}
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, stream.ErrLimitExceeded):
		return codes.ResourceExhausted
	case errors.Is(err, jobs.ErrShutdown):
		return codes.Aborted
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	}
	switch speech.Kind(err) {
	case "validation":
		return codes.InvalidArgument
	case "cancelled":
		return codes.Canceled
	case "timeout":
		return codes.DeadlineExceeded
	case "connection", "disconnected":
		return codes.Unavailable
	case "protocol":
		return codes.Internal
	case "engine":
		return codes.FailedPrecondition
	case "usage":
		return codes.FailedPrecondition
	default:
		return codes.Internal
	}
}

// Status wraps err in a gRPC status error, keeping existing statuses.
func Status(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(Code(err), err.Error())
}

// HTTPStatus maps a gRPC code to the HTTP status the REST surface returns.
func HTTPStatus(c codes.Code) int {
	switch c {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.FailedPrecondition:
		return http.StatusUnprocessableEntity
	case codes.Canceled:
		return 499
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.Aborted:
		return http.StatusConflict
	case codes.Internal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
