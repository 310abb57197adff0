// Package app assembles the bridge: engine client, job registry, gRPC and
// REST surfaces, WebSocket relay, event publisher and observability.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	grpcapi "speech-engine-bridge/internal/api/grpc"
	"speech-engine-bridge/internal/api/relay"
	"speech-engine-bridge/internal/audio"
	"speech-engine-bridge/internal/config"
	"speech-engine-bridge/internal/events"
	httpapi "speech-engine-bridge/internal/http"
	"speech-engine-bridge/internal/jobs"
	"speech-engine-bridge/internal/observability"
	"speech-engine-bridge/internal/observability/logging"
	"speech-engine-bridge/internal/observability/metrics"
	"speech-engine-bridge/internal/service/stream"
	"speech-engine-bridge/internal/service/transcribe"
	"speech-engine-bridge/pkg/speech"
	"speech-engine-bridge/pkg/speech/wire"
)

const speechServiceName = "google.cloud.speech.v1.Speech"

// Application holds process-wide state for the service.
type Application struct {
	StartupTime time.Time
	Logger      zerolog.Logger
	Cfg         *config.Config

	Registry      *prometheus.Registry
	MeterProvider *sdkmetric.MeterProvider
	Metrics       *metrics.Metrics
	Publisher *events.Publisher
	Resolver  *audio.Resolver
	Client    *speech.Client
	Jobs      *jobs.Registry

	grpcServer *grpc.Server
	health     *health.Server
	httpServer *http.Server
	obsServer  *observability.Server

	grpcAddr net.Addr
	httpAddr net.Addr
}

// New constructs a new Application from the provided configuration.
func New(cfg *config.Config) (*Application, error) {
	a := &Application{
		Cfg: cfg,
	}
	a.setupLogger()

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.Metrics = metrics.NewMetrics(a.Registry)

	mp, err := observability.NewMeterProvider(a.Registry, "speech-engine-bridge")
	if err != nil {
		return nil, fmt.Errorf("app: meter provider: %w", err)
	}
	a.MeterProvider = mp

	a.Publisher = events.New(&events.Config{
		Enabled:      cfg.Kafka.Enabled,
		Brokers:      cfg.Kafka.Brokers,
		TopicPartial: cfg.Kafka.TopicPartial,
		TopicFinal:   cfg.Kafka.TopicFinal,
		TopicJobs:    cfg.Kafka.TopicJobs,
		Principal:    cfg.Kafka.Principal,
		WriteTimeout: cfg.Kafka.WriteTimeout,
	}, a.Metrics)

	a.Resolver = audio.NewResolver(
		audio.WithAllowedSchemes(cfg.Audio.AllowedURISchemes),
		audio.WithHTTPTimeout(cfg.Audio.HTTPTimeout),
		audio.WithChunkSize(cfg.Audio.ChunkSize),
		audio.WithLogger(logging.WithComponent("audio")),
	)

	a.Client = speech.NewClient(
		speech.WithAddress(cfg.Engine.Addr()),
		speech.WithConnectTimeout(cfg.Engine.ConnectTimeout),
		speech.WithInactivityTimeout(cfg.Engine.InactivityTimeout),
		speech.WithMaxChunkSize(cfg.Engine.MaxChunkSize),
		speech.WithResultBuffer(cfg.Engine.ResultBuffer),
		speech.WithEOF(cfg.Engine.EOF),
		speech.WithAudioSource(a.Resolver),
		speech.WithRecorder(a.Metrics),
		speech.WithLogger(logging.WithComponent("speech")),
	)

	transcriber := transcribe.New(a.Client, a.Resolver, logging.WithComponent("transcribe"))

	a.Jobs = jobs.New(transcriber,
		jobs.WithLogger(logging.WithComponent("jobs")),
		jobs.WithTimeout(cfg.Jobs.Timeout),
		jobs.WithObserver(a.Metrics),
		jobs.WithObserver(a.Publisher),
	)

	a.grpcServer = grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler(otelgrpc.WithMeterProvider(mp))),
		grpc.UnaryInterceptor(observability.UnaryServerInterceptor()),
		grpc.StreamInterceptor(observability.StreamServerInterceptor(a.Metrics)),
	)
	a.health = health.NewServer()
	grpc_health_v1.RegisterHealthServer(a.grpcServer, a.health)

	speechServer, ops := grpcapi.Register(a.grpcServer, grpcapi.Config{
		Transcriber: transcriber,
		Registry:    a.Jobs,
		Opener:      stream.ClientOpener(a.Client),
		Publisher:   a.Publisher,
		Metrics:     a.Metrics,
		Limits: stream.Limits{
			MaxAudioBytes: cfg.StreamLimits.MaxAudioBytes,
			MaxDuration:   cfg.StreamLimits.MaxDuration,
			MaxPartials:   cfg.StreamLimits.MaxPartials,
		},
		MaxWait: cfg.Jobs.MaxWait,
		Logger:  logging.WithComponent("grpc"),
	})

	// Enable gRPC reflection for debugging tools like grpcurl
	reflection.Register(a.grpcServer)

	var relayHandler http.Handler
	if cfg.Relay.Enabled {
		relayHandler = relay.New(relay.Config{
			EngineAddr:     cfg.Engine.Addr(),
			Dial:           a.dialOptions(),
			OriginPatterns: cfg.Relay.OriginPatterns,
			Metrics:        a.Metrics,
			Logger:         logging.WithComponent("relay"),
		})
	}

	router := httpapi.NewRouter(httpapi.Config{
		Speech:       speechServer,
		Operations:   ops,
		Relay:        relayHandler,
		Ready:        a.Ready,
		MaxBodyBytes: cfg.Service.MaxBodyBytes,
		Logger:       logging.WithComponent("http"),
	})
	a.httpServer = &http.Server{
		Handler:           otelhttp.NewHandler(router, "speech-engine-bridge", otelhttp.WithMeterProvider(mp)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.obsServer = observability.NewServer(":"+cfg.Service.MetricsPort, a.Registry, a.Ready)

	appLogger := a.Logger.With().
		Str("method", "New").
		Logger()
	appLogger.Info().
		Str("engine", cfg.Engine.Addr()).
		Strs("allowedUriSchemes", cfg.Audio.AllowedURISchemes).
		Bool("relay", cfg.Relay.Enabled).
		Bool("kafka", cfg.Kafka.Enabled).
		Msg("Speech engine bridge application created")
	return a, nil
}

// setupLogger configures zerolog for the service. ENV=dev forces console
// output.
func (a *Application) setupLogger() {
	lc := logging.DefaultConfig()
	lc.Level = a.Cfg.Observability.LogLevel
	lc.Format = a.Cfg.Observability.LogFormat
	if os.Getenv("ENV") == "dev" {
		lc.Format = "console"
	}
	logging.Init(lc)

	a.Logger = logging.Logger().With().
		Str("service", "speech-engine-bridge").
		Str("component", "application").
		Logger()

	a.Logger.Info().
		Str("logLevel", zerolog.GlobalLevel().String()).
		Str("environment", os.Getenv("ENV")).
		Msg("Logger setup completed")
}

func (a *Application) dialOptions() wire.DialOptions {
	opts := wire.DefaultDialOptions()
	opts.ConnectTimeout = a.Cfg.Engine.ConnectTimeout
	opts.InactivityTimeout = a.Cfg.Engine.InactivityTimeout
	if a.Cfg.Engine.MaxChunkSize > 0 {
		opts.MaxChunkSize = a.Cfg.Engine.MaxChunkSize
	}
	return opts
}

// Ready reports whether the engine accepts connections.
func (a *Application) Ready(ctx context.Context) error {
	opts := a.dialOptions()
	conn, err := wire.Dial(ctx, a.Cfg.Engine.Addr(), opts)
	if err != nil {
		return fmt.Errorf("engine %s: %w", a.Cfg.Engine.Addr(), err)
	}
	return conn.Close()
}

// Start binds the listeners and serves traffic in the background.
func (a *Application) Start() error {
	startLogger := a.Logger.With().
		Str("method", "Start").
		Logger()

	if a.Cfg.Engine.StartupCheck {
		if err := a.Ready(context.Background()); err != nil {
			return fmt.Errorf("app: startup check: %w", err)
		}
		startLogger.Info().Str("engine", a.Cfg.Engine.Addr()).Msg("Engine reachable")
	}

	grpcLis, err := net.Listen("tcp", ":"+a.Cfg.Service.GRPCPort)
	if err != nil {
		return fmt.Errorf("app: grpc listen: %w", err)
	}
	httpLis, err := net.Listen("tcp", ":"+a.Cfg.Service.HTTPPort)
	if err != nil {
		grpcLis.Close()
		return fmt.Errorf("app: http listen: %w", err)
	}
	a.grpcAddr = grpcLis.Addr()
	a.httpAddr = httpLis.Addr()

	a.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	a.health.SetServingStatus(speechServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	go func() {
		if err := a.grpcServer.Serve(grpcLis); err != nil {
			a.Logger.Error().Err(err).Msg("gRPC serve failed")
		}
	}()
	go func() {
		if err := a.httpServer.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error().Err(err).Msg("HTTP serve failed")
		}
	}()
	a.obsServer.Start()

	a.StartupTime = time.Now().UTC()
	startLogger.Info().
		Time("startupTime", a.StartupTime).
		Str("grpcAddr", a.grpcAddr.String()).
		Str("httpAddr", a.httpAddr.String()).
		Msg("Speech engine bridge started")

	return nil
}

// GRPCAddr returns the bound gRPC address once started.
func (a *Application) GRPCAddr() net.Addr {
	return a.grpcAddr
}

// HTTPAddr returns the bound REST address once started.
func (a *Application) HTTPAddr() net.Addr {
	return a.httpAddr
}

// Shutdown stops accepting traffic, drains in-flight calls and running
// jobs, and releases the publisher and audio clients.
func (a *Application) Shutdown(ctx context.Context) error {
	shutdownLogger := a.Logger.With().
		Str("method", "Shutdown").
		Logger()
	shutdownLogger.Info().Msg("Speech engine bridge shutting down")

	a.health.Shutdown()

	var errs []error
	if err := a.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http: %w", err))
	}

	stopped := make(chan struct{})
	go func() {
		a.grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		a.grpcServer.Stop()
		errs = append(errs, fmt.Errorf("grpc: %w", ctx.Err()))
	}

	if err := a.Jobs.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("jobs: %w", err))
	}
	if err := a.Publisher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("events: %w", err))
	}
	if err := a.Resolver.Close(); err != nil {
		errs = append(errs, fmt.Errorf("audio: %w", err))
	}
	if err := a.MeterProvider.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("meter provider: %w", err))
	}
	if err := a.obsServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("observability: %w", err))
	}

	err := errors.Join(errs...)
	if err != nil {
		shutdownLogger.Warn().Err(err).Msg("Shutdown completed with errors")
	} else {
		shutdownLogger.Info().Msg("Shutdown completed")
	}
	return err
}
