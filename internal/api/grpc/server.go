// Package grpcapi serves the Google Speech v1 and longrunning Operations
// gRPC services on top of the engine bridge.
package grpcapi

import (
	"context"
	"errors"
	"io"
	"strconv"
	"time"

	"cloud.google.com/go/longrunning/autogen/longrunningpb"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"speech-engine-bridge/internal/api/protoconv"
	"speech-engine-bridge/internal/jobs"
	"speech-engine-bridge/internal/observability/metrics"
	"speech-engine-bridge/internal/service/stream"
	"speech-engine-bridge/internal/service/transcribe"
)

// DefaultMaxWait bounds WaitOperation when the caller gives no timeout.
const DefaultMaxWait = 5 * time.Minute

// Config holds the collaborators of the gRPC services.
type Config struct {
	Transcriber *transcribe.Service
	Registry    *jobs.Registry
	Opener      stream.Opener
	Publisher   stream.Publisher
	Metrics     *metrics.Metrics
	Limits      stream.Limits
	MaxWait     time.Duration
	Logger      zerolog.Logger
}

// Server implements speechpb.SpeechServer.
type Server struct {
	speechpb.UnimplementedSpeechServer
	cfg Config
}

// Operations implements longrunningpb.OperationsServer over the job
// registry.
type Operations struct {
	longrunningpb.UnimplementedOperationsServer
	registry *jobs.Registry
	maxWait  time.Duration
}

// NewServer returns the Speech service.
func NewServer(cfg Config) *Server {
	return &Server{cfg: cfg}
}

// NewOperations returns the Operations service. maxWait caps
// WaitOperation; zero means DefaultMaxWait.
func NewOperations(registry *jobs.Registry, maxWait time.Duration) *Operations {
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	return &Operations{registry: registry, maxWait: maxWait}
}

// Register installs both services on g.
func Register(g *grpc.Server, cfg Config) (*Server, *Operations) {
	s := NewServer(cfg)
	ops := NewOperations(cfg.Registry, cfg.MaxWait)
	speechpb.RegisterSpeechServer(g, s)
	longrunningpb.RegisterOperationsServer(g, ops)
	return s, ops
}

// Recognize runs a synchronous recognition.
func (s *Server) Recognize(ctx context.Context, req *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error) {
	resp, err := s.cfg.Transcriber.Recognize(ctx, protoconv.RecognizeRequestFromProto(req))
	if err != nil {
		return nil, protoconv.Status(err)
	}
	return protoconv.RecognizeResponse(resp), nil
}

// LongRunningRecognize validates the request, submits a job and returns
// its operation.
func (s *Server) LongRunningRecognize(ctx context.Context, req *speechpb.LongRunningRecognizeRequest) (*longrunningpb.Operation, error) {
	r := protoconv.LongRunningRequestFromProto(req)
	if err := s.cfg.Transcriber.Validate(r); err != nil {
		return nil, protoconv.Status(err)
	}
	id := s.cfg.Registry.Submit(r)
	v, err := s.cfg.Registry.Get(id)
	if err != nil {
		return nil, protoconv.Status(err)
	}
	return operation(v)
}

// StreamingRecognize relays one bidirectional stream. The first message
// must carry the streaming config; every later one carries audio.
func (s *Server) StreamingRecognize(srv speechpb.Speech_StreamingRecognizeServer) error {
	ctx := srv.Context()

	first, err := srv.Recv()
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return err
	}
	sc := first.GetStreamingConfig()
	if sc == nil {
		return status.Error(codes.InvalidArgument, "first StreamingRecognizeRequest must carry streaming_config")
	}

	sessionID := uuid.NewString()
	logger := s.cfg.Logger.With().Str("sessionId", sessionID).Logger()
	opts := []stream.Option{stream.WithLimits(s.cfg.Limits), stream.WithLogger(logger)}
	if s.cfg.Publisher != nil {
		opts = append(opts, stream.WithPublisher(s.cfg.Publisher))
	}
	if s.cfg.Metrics != nil {
		opts = append(opts, stream.WithMetrics(s.cfg.Metrics))
	}

	h, err := stream.Open(ctx, s.cfg.Opener, protoconv.StreamingConfigFromProto(sc), sessionID, opts...)
	if err != nil {
		return protoconv.Status(err)
	}
	defer h.Close()
	logger.Info().Bool("interimResults", sc.GetInterimResults()).Msg("Stream session started")

	recvErr := make(chan error, 1)
	go pumpAudio(srv, h, recvErr)

	for {
		resp, err := h.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			select {
			case perr := <-recvErr:
				if perr != nil {
					return protoconv.Status(perr)
				}
			default:
			}
			return protoconv.Status(err)
		}
		if err := srv.Send(protoconv.StreamingResponse(resp)); err != nil {
			h.Abort("send to client failed")
			return err
		}
	}
}

// pumpAudio forwards client audio to h until the client half-closes. It
// reports exactly once on errc, before aborting h, so the caller can tell
// a client-side failure from an engine-side one.
func pumpAudio(srv speechpb.Speech_StreamingRecognizeServer, h *stream.Handler, errc chan<- error) {
	for {
		req, err := srv.Recv()
		if errors.Is(err, io.EOF) {
			errc <- nil
			_ = h.CloseSend() // logged by the handler; Next reports the stream failure
			return
		}
		if err != nil {
			errc <- err
			h.Abort("client receive failed")
			return
		}
		if req.GetStreamingConfig() != nil {
			errc <- status.Error(codes.InvalidArgument, "streaming_config may only be sent in the first message")
			h.Abort("repeated streaming_config")
			return
		}
		if err := h.SendAudio(req.GetAudioContent()); err != nil {
			errc <- err
			h.Abort("send to engine failed")
			return
		}
	}
}

// GetOperation returns the latest state of a job.
func (o *Operations) GetOperation(ctx context.Context, req *longrunningpb.GetOperationRequest) (*longrunningpb.Operation, error) {
	v, err := o.registry.Get(req.GetName())
	if err != nil {
		return nil, protoconv.Status(err)
	}
	return operation(v)
}

// ListOperations pages through jobs in submission order. The page token
// is the offset of the next job.
func (o *Operations) ListOperations(ctx context.Context, req *longrunningpb.ListOperationsRequest) (*longrunningpb.ListOperationsResponse, error) {
	ids := o.registry.List()

	offset := 0
	if tok := req.GetPageToken(); tok != "" {
		n, err := strconv.Atoi(tok)
		if err != nil || n < 0 || n > len(ids) {
			return nil, status.Errorf(codes.InvalidArgument, "invalid page_token %q", tok)
		}
		offset = n
	}
	end := len(ids)
	if size := int(req.GetPageSize()); size > 0 && offset+size < end {
		end = offset + size
	}

	resp := &longrunningpb.ListOperationsResponse{}
	for _, id := range ids[offset:end] {
		v, err := o.registry.Get(id)
		if err != nil {
			return nil, protoconv.Status(err)
		}
		op, err := operation(v)
		if err != nil {
			return nil, err
		}
		resp.Operations = append(resp.Operations, op)
	}
	if end < len(ids) {
		resp.NextPageToken = strconv.Itoa(end)
	}
	return resp, nil
}

// WaitOperation blocks until the job is done or the timeout elapses, and
// returns its latest state either way.
func (o *Operations) WaitOperation(ctx context.Context, req *longrunningpb.WaitOperationRequest) (*longrunningpb.Operation, error) {
	timeout := o.maxWait
	if d := req.GetTimeout(); d != nil && d.AsDuration() > 0 && d.AsDuration() < timeout {
		timeout = d.AsDuration()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	v, err := o.registry.Wait(ctx, req.GetName())
	if err != nil {
		return nil, protoconv.Status(err)
	}
	return operation(v)
}

func operation(v jobs.View) (*longrunningpb.Operation, error) {
	op, err := protoconv.Operation(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return op, nil
}
