package app

import (
	"context"
	"encoding/base64"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"

	"speech-engine-bridge/internal/config"
	"speech-engine-bridge/internal/enginetest"
)

func testConfig(t *testing.T, engineAddr string) *config.Config {
	t.Helper()
	host, port, err := net.SplitHostPort(engineAddr)
	if err != nil {
		t.Fatalf("split %s: %v", engineAddr, err)
	}
	cfg := config.Default()
	cfg.Service.GRPCPort = "0"
	cfg.Service.HTTPPort = "0"
	cfg.Service.MetricsPort = "0"
	cfg.Engine.Host = host
	cfg.Engine.Port, _ = strconv.Atoi(port)
	cfg.Engine.ConnectTimeout = time.Second
	cfg.Observability.LogLevel = "error"
	return cfg
}

func startApp(t *testing.T, cfg *config.Config) *Application {
	t.Helper()
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := a.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.Shutdown(ctx)
	})
	return a
}

func TestApplicationServesRESTAndGRPC(t *testing.T) {
	engine := enginetest.Start(t, enginetest.Recognizer())
	a := startApp(t, testConfig(t, engine.Addr()))

	port := a.HTTPAddr().(*net.TCPAddr).Port
	body := `{"config":{"encoding":"LINEAR16","sampleRateHertz":16000,"languageCode":"en-US"},` +
		`"audio":{"content":"` + base64.StdEncoding.EncodeToString(make([]byte, 3200)) + `"}}`
	resp, err := http.Post("http://127.0.0.1:"+strconv.Itoa(port)+"/v1/speech:recognize", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, raw)
	}
	out := &speechpb.RecognizeResponse{}
	if err := protojson.Unmarshal(raw, out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Results) != 1 || out.Results[0].Alternatives[0].Transcript != "greetings world" {
		t.Errorf("expected 'greetings world', got %v", out.Results)
	}

	grpcPort := a.GRPCAddr().(*net.TCPAddr).Port
	conn, err := grpc.NewClient("127.0.0.1:"+strconv.Itoa(grpcPort), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("grpc client: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	hc, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: speechServiceName})
	if err != nil {
		t.Fatalf("health check: %v", err)
	}
	if hc.Status != grpc_health_v1.HealthCheckResponse_SERVING {
		t.Errorf("expected SERVING, got %v", hc.Status)
	}

	got, err := speechpb.NewSpeechClient(conn).Recognize(ctx, &speechpb.RecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			Encoding:        speechpb.RecognitionConfig_LINEAR16,
			SampleRateHertz: 16000,
			LanguageCode:    "en-US",
		},
		Audio: &speechpb.RecognitionAudio{AudioSource: &speechpb.RecognitionAudio_Content{Content: make([]byte, 3200)}},
	})
	if err != nil {
		t.Fatalf("recognize: %v", err)
	}
	if len(got.Results) != 1 {
		t.Errorf("expected 1 result, got %d", len(got.Results))
	}

	// Server-side instrumentation records after the response is sent.
	deadline := time.Now().Add(2 * time.Second)
	var rpcSeen, httpSeen bool
	for !(rpcSeen && httpSeen) && time.Now().Before(deadline) {
		families, err := a.Registry.Gather()
		if err != nil {
			t.Fatalf("gather: %v", err)
		}
		for _, f := range families {
			rpcSeen = rpcSeen || strings.HasPrefix(f.GetName(), "rpc_server_")
			httpSeen = httpSeen || strings.HasPrefix(f.GetName(), "http_server_")
		}
		if !(rpcSeen && httpSeen) {
			time.Sleep(20 * time.Millisecond)
		}
	}
	if !rpcSeen {
		t.Error("expected rpc_server_ metrics on the service registry")
	}
	if !httpSeen {
		t.Error("expected http_server_ metrics on the service registry")
	}
}

func TestReadyFollowsEngine(t *testing.T) {
	engine := enginetest.Start(t, enginetest.Recognizer())
	a, err := New(testConfig(t, engine.Addr()))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if err := a.Ready(context.Background()); err != nil {
		t.Errorf("expected ready, got %v", err)
	}

	engine.Close()
	if err := a.Ready(context.Background()); err == nil {
		t.Error("expected not ready after the engine stopped")
	}
}

func TestStartupCheck(t *testing.T) {
	engine := enginetest.Start(t, enginetest.Recognizer())
	addr := engine.Addr()
	engine.Close()

	cfg := testConfig(t, addr)
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := a.Start(); err == nil {
		t.Error("expected Start to fail while the engine is unreachable")
	}

	cfg = testConfig(t, addr)
	cfg.Engine.StartupCheck = false
	startApp(t, cfg)
}
