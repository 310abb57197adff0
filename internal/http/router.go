// Package http serves the REST/JSON rendition of the Speech and
// Operations APIs.
package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"cloud.google.com/go/longrunning/autogen/longrunningpb"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	grpcapi "speech-engine-bridge/internal/api/grpc"
	"speech-engine-bridge/internal/api/protoconv"
)

// DefaultMaxBodyBytes bounds request bodies; base64 audio inflates by 4/3.
const DefaultMaxBodyBytes = 128 << 20

// Config holds the router collaborators.
type Config struct {
	Speech       *grpcapi.Server
	Operations   *grpcapi.Operations
	Relay        http.Handler // mounted at /v1/relay when set
	Ready        func(ctx context.Context) error
	MaxBodyBytes int64
	Logger       zerolog.Logger
}

type handlers struct {
	cfg Config
}

// NewRouter constructs the HTTP router for the service.
func NewRouter(cfg Config) http.Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	h := &handlers{cfg: cfg}

	r := chi.NewRouter()

	// Basic middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	// Health endpoints
	r.Get("/v1/liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/v1/readiness", func(w http.ResponseWriter, req *http.Request) {
		if cfg.Ready != nil {
			if err := cfg.Ready(req.Context()); err != nil {
				http.Error(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	// API routes
	r.Route("/v1", func(r chi.Router) {
		r.Post("/speech:recognize", h.recognize)
		r.Post("/speech:longrunningrecognize", h.longRunningRecognize)
		r.Get("/operations", h.listOperations)
		r.Get("/operations/{name}", h.getOperation)
		if cfg.Relay != nil {
			r.Handle("/relay", cfg.Relay)
		}
	})

	return r
}

func (h *handlers) recognize(w http.ResponseWriter, r *http.Request) {
	req := &speechpb.RecognizeRequest{}
	if !h.decode(w, r, req) {
		return
	}
	resp, err := h.cfg.Speech.Recognize(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeProto(w, http.StatusOK, resp)
}

func (h *handlers) longRunningRecognize(w http.ResponseWriter, r *http.Request) {
	req := &speechpb.LongRunningRecognizeRequest{}
	if !h.decode(w, r, req) {
		return
	}
	op, err := h.cfg.Speech.LongRunningRecognize(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeProto(w, http.StatusOK, op)
}

func (h *handlers) listOperations(w http.ResponseWriter, r *http.Request) {
	req := &longrunningpb.ListOperationsRequest{
		Filter:    r.URL.Query().Get("filter"),
		PageToken: r.URL.Query().Get("pageToken"),
	}
	if v := r.URL.Query().Get("pageSize"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, status.Errorf(codes.InvalidArgument, "invalid pageSize %q", v))
			return
		}
		req.PageSize = int32(n)
	}
	resp, err := h.cfg.Operations.ListOperations(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeProto(w, http.StatusOK, resp)
}

func (h *handlers) getOperation(w http.ResponseWriter, r *http.Request) {
	op, err := h.cfg.Operations.GetOperation(r.Context(), &longrunningpb.GetOperationRequest{
		Name: chi.URLParam(r, "name"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeProto(w, http.StatusOK, op)
}

func (h *handlers) decode(w http.ResponseWriter, r *http.Request, m proto.Message) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes))
	if err != nil {
		writeError(w, status.Errorf(codes.InvalidArgument, "read body: %v", err))
		return false
	}
	if err := protojson.Unmarshal(body, m); err != nil {
		writeError(w, status.Errorf(codes.InvalidArgument, "invalid JSON body: %v", err))
		return false
	}
	return true
}

func (h *handlers) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.cfg.Logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("requestId", middleware.GetReqID(r.Context())).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

var marshaler = protojson.MarshalOptions{}

func writeProto(w http.ResponseWriter, code int, m proto.Message) {
	b, err := marshaler.Marshal(m)
	if err != nil {
		writeError(w, status.Errorf(codes.Internal, "encode response: %v", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(b)
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// writeError renders err in the Google JSON error shape.
func writeError(w http.ResponseWriter, err error) {
	st := status.Convert(protoconv.Status(err))
	code := protoconv.HTTPStatus(st.Code())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(errorBody{Error: errorDetail{
		Code:    code,
		Message: st.Message(),
		Status:  statusName(st.Code()),
	}})
}

// statusName returns the canonical upper snake case name of c.
func statusName(c codes.Code) string {
	switch c {
	case codes.Canceled:
		return "CANCELLED"
	case codes.InvalidArgument:
		return "INVALID_ARGUMENT"
	case codes.DeadlineExceeded:
		return "DEADLINE_EXCEEDED"
	case codes.NotFound:
		return "NOT_FOUND"
	case codes.ResourceExhausted:
		return "RESOURCE_EXHAUSTED"
	case codes.FailedPrecondition:
		return "FAILED_PRECONDITION"
	case codes.Aborted:
		return "ABORTED"
	case codes.Internal:
		return "INTERNAL"
	case codes.Unavailable:
		return "UNAVAILABLE"
	default:
		return "UNKNOWN"
	}
}
