package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func TestMeterProviderExportsThroughRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	mp, err := NewMeterProvider(reg, "speech-engine-bridge")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer mp.Shutdown(context.Background())

	h := otelhttp.NewHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), "test", otelhttp.WithMeterProvider(mp))
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var found bool
	for _, f := range families {
		if strings.HasPrefix(f.GetName(), "http_server_") {
			found = true
			break
		}
	}
	if !found {
		t.Errorf("expected an http_server_ metric family in the registry")
	}
}
