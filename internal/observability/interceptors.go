// Package observability provides gRPC interceptors and the metrics HTTP server.
package observability

import (
	"context"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"speech-engine-bridge/internal/observability/logging"
	"speech-engine-bridge/internal/observability/metrics"
)

// requestIDKey is the metadata key a caller may set to correlate logs.
const requestIDKey = "x-request-id"

func requestID(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(requestIDKey); len(v) > 0 && v[0] != "" {
			return v[0]
		}
	}
	return uuid.NewString()
}

// UnaryServerInterceptor returns a gRPC unary interceptor for logging. The
// request logger is attached to the context for zerolog.Ctx.
func UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()
		logger := logging.WithRequest("grpc", info.FullMethod, requestID(ctx))

		resp, err := handler(logger.WithContext(ctx), req)

		duration := time.Since(start)
		st, _ := status.FromError(err)

		event := logger.Info()
		if err != nil {
			event = logger.Warn().Str("error", st.Message())
		}
		event.
			Str("code", st.Code().String()).
			Dur("duration", duration).
			Msg("gRPC unary call")

		return resp, err
	}
}

// StreamServerInterceptor returns a gRPC stream interceptor for metrics and logging.
func StreamServerInterceptor(m *metrics.Metrics) grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		start := time.Now()
		logger := logging.WithRequest("grpc", info.FullMethod, requestID(ss.Context()))
		m.RecordStreamStart()

		err := handler(srv, ss)

		duration := time.Since(start)
		success := err == nil
		m.RecordStreamEnd(success, duration.Seconds())

		st, _ := status.FromError(err)

		event := logger.Info()
		if err != nil {
			event = logger.Warn().Str("error", st.Message())
		}
		event.
			Str("code", st.Code().String()).
			Dur("duration", duration).
			Bool("success", success).
			Msg("gRPC stream completed")

		return err
	}
}
