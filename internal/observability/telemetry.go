package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// NewMeterProvider returns an OpenTelemetry MeterProvider whose instruments
// are exported through reg, next to the service's own collectors. The gRPC
// and HTTP instrumentation record their server metrics on it.
func NewMeterProvider(reg prometheus.Registerer, serviceName string) (*sdkmetric.MeterProvider, error) {
	exporter, err := promexporter.New(promexporter.WithRegisterer(reg))
	if err != nil {
		return nil, err
	}

	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(resource.NewSchemaless(semconv.ServiceName(serviceName))),
		sdkmetric.WithReader(exporter),
	), nil
}
