package http

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/longrunning/autogen/longrunningpb"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/rs/zerolog"
	"google.golang.org/protobuf/encoding/protojson"

	grpcapi "speech-engine-bridge/internal/api/grpc"
	"speech-engine-bridge/internal/audio"
	"speech-engine-bridge/internal/enginetest"
	"speech-engine-bridge/internal/jobs"
	"speech-engine-bridge/internal/service/stream"
	"speech-engine-bridge/internal/service/transcribe"
	"speech-engine-bridge/pkg/speech"
)

func newTestServer(t *testing.T, h enginetest.Handler, ready func(context.Context) error) (*httptest.Server, *jobs.Registry) {
	t.Helper()
	eng := enginetest.Start(t, h)
	client := speech.NewClient(speech.WithAddress(eng.Addr()))
	svc := transcribe.New(client, audio.NewResolver(), zerolog.Nop())
	registry := jobs.New(svc)
	t.Cleanup(func() { registry.Shutdown(context.Background()) })

	cfg := grpcapi.Config{
		Transcriber: svc,
		Registry:    registry,
		Opener:      stream.ClientOpener(client),
		Limits:      stream.DefaultLimits(),
		Logger:      zerolog.Nop(),
	}
	srv := httptest.NewServer(NewRouter(Config{
		Speech:     grpcapi.NewServer(cfg),
		Operations: grpcapi.NewOperations(registry, time.Second),
		Ready:      ready,
		Logger:     zerolog.Nop(),
	}))
	t.Cleanup(srv.Close)
	return srv, registry
}

func recognizeBody(config string, audio []byte) string {
	return `{"config":` + config + `,"audio":{"content":"` + base64.StdEncoding.EncodeToString(audio) + `"}}`
}

const validConfig = `{"encoding":"LINEAR16","sampleRateHertz":16000,"languageCode":"en-US"}`

func post(t *testing.T, url, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp, b
}

func TestRecognize(t *testing.T) {
	srv, _ := newTestServer(t, enginetest.Recognizer(), nil)

	resp, body := post(t, srv.URL+"/v1/speech:recognize", recognizeBody(validConfig, make([]byte, 3200)))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	out := &speechpb.RecognizeResponse{}
	if err := protojson.Unmarshal(body, out); err != nil {
		t.Fatalf("unexpected body %s: %v", body, err)
	}
	if got := out.GetResults()[0].GetAlternatives()[0].GetTranscript(); got != "greetings world" {
		t.Errorf("expected 'greetings world', got %q", got)
	}
}

func TestRecognize_Errors(t *testing.T) {
	tests := []struct {
		name    string
		handler enginetest.Handler
		body    string
		code    int
		status  string
	}{
		{
			name:    "invalid max alternatives",
			handler: enginetest.Recognizer(),
			body:    recognizeBody(`{"encoding":"LINEAR16","sampleRateHertz":16000,"languageCode":"en-US","maxAlternatives":20000}`, []byte{1}),
			code:    http.StatusBadRequest,
			status:  "INVALID_ARGUMENT",
		},
		{
			name:    "malformed json",
			handler: enginetest.Recognizer(),
			body:    `{"config":`,
			code:    http.StatusBadRequest,
			status:  "INVALID_ARGUMENT",
		},
		{
			name: "engine failure",
			handler: func(s *enginetest.Session) {
				s.ReadAudio()
				s.Reply(map[string]any{"status": "failed", "error": "unsupported audio"})
			},
			body:   recognizeBody(validConfig, []byte{1}),
			code:   http.StatusUnprocessableEntity,
			status: "FAILED_PRECONDITION",
		},
		{
			name: "engine disconnected",
			handler: func(s *enginetest.Session) {
				s.ReadAudio()
				s.WriteRaw(`{"result_index":0,"final":fal`)
				s.Close()
			},
			body:   recognizeBody(validConfig, []byte{1}),
			code:   http.StatusServiceUnavailable,
			status: "UNAVAILABLE",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newTestServer(t, tt.handler, nil)
			resp, body := post(t, srv.URL+"/v1/speech:recognize", tt.body)
			if resp.StatusCode != tt.code {
				t.Fatalf("expected %d, got %d: %s", tt.code, resp.StatusCode, body)
			}
			var eb errorBody
			if err := json.Unmarshal(body, &eb); err != nil {
				t.Fatalf("unexpected error body %s: %v", body, err)
			}
			if eb.Error.Status != tt.status || eb.Error.Code != tt.code {
				t.Errorf("expected %s/%d, got %+v", tt.status, tt.code, eb.Error)
			}
		})
	}
}

func TestLongRunningRecognizeAndOperations(t *testing.T) {
	srv, registry := newTestServer(t, enginetest.Recognizer(), nil)

	resp, body := post(t, srv.URL+"/v1/speech:longrunningrecognize", recognizeBody(validConfig, make([]byte, 3200)))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	op := &longrunningpb.Operation{}
	if err := protojson.Unmarshal(body, op); err != nil {
		t.Fatalf("unexpected body %s: %v", body, err)
	}
	if _, err := registry.Wait(context.Background(), op.GetName()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	getResp, err := http.Get(srv.URL + "/v1/operations/" + op.GetName())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer getResp.Body.Close()
	b, _ := io.ReadAll(getResp.Body)
	done := &longrunningpb.Operation{}
	if err := protojson.Unmarshal(b, done); err != nil {
		t.Fatalf("unexpected body %s: %v", b, err)
	}
	if !done.GetDone() || done.GetResponse() == nil {
		t.Errorf("expected done operation with response, got %s", b)
	}

	listResp, err := http.Get(srv.URL + "/v1/operations?pageSize=10")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer listResp.Body.Close()
	b, _ = io.ReadAll(listResp.Body)
	list := &longrunningpb.ListOperationsResponse{}
	if err := protojson.Unmarshal(b, list); err != nil {
		t.Fatalf("unexpected body %s: %v", b, err)
	}
	if len(list.GetOperations()) != 1 {
		t.Errorf("expected 1 operation, got %d", len(list.GetOperations()))
	}
}

func TestGetOperation_NotFound(t *testing.T) {
	srv, _ := newTestServer(t, enginetest.Recognizer(), nil)

	resp, err := http.Get(srv.URL + "/v1/operations/never-issued")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestHealthEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, enginetest.Recognizer(), func(ctx context.Context) error {
		return errors.New("engine unreachable")
	})

	tests := []struct {
		path string
		code int
	}{
		{"/v1/liveness", http.StatusOK},
		{"/v1/readiness", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(srv.URL + tt.path)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.code {
				t.Errorf("expected %d, got %d", tt.code, resp.StatusCode)
			}
		})
	}
}

func TestRecognize_BodyTooLarge(t *testing.T) {
	eng := enginetest.Start(t, enginetest.Recognizer())
	client := speech.NewClient(speech.WithAddress(eng.Addr()))
	svc := transcribe.New(client, nil, zerolog.Nop())
	h := NewRouter(Config{
		Speech:       grpcapi.NewServer(grpcapi.Config{Transcriber: svc}),
		MaxBodyBytes: 16,
		Logger:       zerolog.Nop(),
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/speech:recognize", bytes.NewBufferString(recognizeBody(validConfig, make([]byte, 64))))
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}
