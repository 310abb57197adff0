// Package config loads the service configuration: built-in defaults, then
// an optional YAML file named by BRIDGE_CONFIG_FILE, then environment
// variables. Malformed environment values fall back to the previous value.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all service configuration.
type Config struct {
	Service       ServiceConfig       `yaml:"service"`
	Engine        EngineConfig        `yaml:"engine"`
	Audio         AudioConfig         `yaml:"audio"`
	Jobs          JobsConfig          `yaml:"jobs"`
	StreamLimits  StreamLimitsConfig  `yaml:"stream_limits"`
	Relay         RelayConfig         `yaml:"relay"`
	Kafka         KafkaConfig         `yaml:"kafka"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServiceConfig holds listener and identity settings.
type ServiceConfig struct {
	Principal       string        `yaml:"principal"`
	GRPCPort        string        `yaml:"grpc_port"`
	HTTPPort        string        `yaml:"http_port"`
	MetricsPort     string        `yaml:"metrics_port"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// EngineConfig describes how to reach the recognition engine.
type EngineConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
	MaxChunkSize      int           `yaml:"max_chunk_size"`
	ResultBuffer      int           `yaml:"result_buffer"`
	EOF               string        `yaml:"eof"`
	StartupCheck      bool          `yaml:"startup_check"` // dial the engine before serving
}

// Addr returns host:port.
func (e EngineConfig) Addr() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// AudioConfig controls audio URI resolution.
type AudioConfig struct {
	AllowedURISchemes []string      `yaml:"allowed_uri_schemes"`
	HTTPTimeout       time.Duration `yaml:"http_timeout"`
	ChunkSize         int           `yaml:"chunk_size"`
}

// JobsConfig controls long-running recognitions.
type JobsConfig struct {
	Timeout time.Duration `yaml:"timeout"` // Zero means unbounded
	MaxWait time.Duration `yaml:"max_wait"`
}

// StreamLimitsConfig bounds streaming sessions.
type StreamLimitsConfig struct {
	MaxAudioBytes int64         `yaml:"max_audio_bytes"`
	MaxDuration   time.Duration `yaml:"max_duration"`
	MaxPartials   int           `yaml:"max_partials"`
}

// RelayConfig controls the WebSocket relay.
type RelayConfig struct {
	Enabled        bool     `yaml:"enabled"`
	OriginPatterns []string `yaml:"origin_patterns"`
}

// KafkaConfig controls transcript event publication.
type KafkaConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Brokers      []string      `yaml:"brokers"`
	TopicPartial string        `yaml:"topic_partial"`
	TopicFinal   string        `yaml:"topic_final"`
	TopicJobs    string        `yaml:"topic_jobs"`
	Principal    string        `yaml:"principal"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ObservabilityConfig controls logging.
type ObservabilityConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Principal:       "svc-speech-engine-bridge",
			GRPCPort:        "50051",
			HTTPPort:        "8080",
			MetricsPort:     "9090",
			MaxBodyBytes:    128 * 1024 * 1024,
			ShutdownTimeout: 30 * time.Second,
		},
		Engine: EngineConfig{
			Host:              "localhost",
			Port:              9900,
			ConnectTimeout:    10 * time.Second,
			InactivityTimeout: 60 * time.Second,
			MaxChunkSize:      8 * 1024 * 1024,
			ResultBuffer:      32,
			EOF:               "END-OF-FILE",
			StartupCheck:      true,
		},
		Audio: AudioConfig{
			AllowedURISchemes: nil,
			HTTPTimeout:       5 * time.Minute,
			ChunkSize:         8 * 1024 * 1024,
		},
		Jobs: JobsConfig{
			Timeout: 0,
			MaxWait: 5 * time.Minute,
		},
		StreamLimits: StreamLimitsConfig{
			MaxAudioBytes: 64 * 1024 * 1024,
			MaxDuration:   30 * time.Minute,
			MaxPartials:   10000,
		},
		Relay: RelayConfig{
			Enabled: true,
		},
		Kafka: KafkaConfig{
			Enabled:      false,
			Brokers:      []string{"localhost:9092"},
			TopicPartial: "speech.transcript.partial",
			TopicFinal:   "speech.transcript.final",
			TopicJobs:    "speech.jobs.completed",
			WriteTimeout: 10 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
		},
	}
}

// Load reads the file named by BRIDGE_CONFIG_FILE, if any, and the
// environment. A file that cannot be read or parsed is ignored.
func Load() *Config {
	cfg, err := LoadWithFile(os.Getenv("BRIDGE_CONFIG_FILE"))
	if err != nil {
		cfg, _ = LoadWithFile("")
	}
	return cfg
}

// LoadWithFile applies the YAML file at path (skipped when empty) over the
// defaults, then the environment.
func LoadWithFile(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	applyEnv(cfg)
	if cfg.Kafka.Principal == "" {
		cfg.Kafka.Principal = cfg.Service.Principal
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	s := &cfg.Service
	s.Principal = envOrDefault("SERVICE_PRINCIPAL", s.Principal)
	s.GRPCPort = envOrDefault("GRPC_PORT", s.GRPCPort)
	s.HTTPPort = envOrDefault("HTTP_PORT", s.HTTPPort)
	s.MetricsPort = envOrDefault("METRICS_PORT", s.MetricsPort)
	s.MaxBodyBytes = envOrDefaultInt64("HTTP_MAX_BODY_BYTES", s.MaxBodyBytes)
	s.ShutdownTimeout = envOrDefaultDuration("SHUTDOWN_TIMEOUT", s.ShutdownTimeout)

	e := &cfg.Engine
	e.Host = envOrDefault("ENGINE_HOST", e.Host)
	e.Port = envOrDefaultInt("ENGINE_PORT", e.Port)
	e.ConnectTimeout = envOrDefaultDuration("ENGINE_CONNECT_TIMEOUT", e.ConnectTimeout)
	e.InactivityTimeout = envOrDefaultDuration("ENGINE_INACTIVITY_TIMEOUT", e.InactivityTimeout)
	e.MaxChunkSize = envOrDefaultInt("ENGINE_MAX_CHUNK_SIZE", e.MaxChunkSize)
	e.ResultBuffer = envOrDefaultInt("ENGINE_RESULT_BUFFER", e.ResultBuffer)
	e.EOF = envOrDefault("ENGINE_EOF", e.EOF)
	e.StartupCheck = envOrDefaultBool("ENGINE_STARTUP_CHECK", e.StartupCheck)

	a := &cfg.Audio
	a.AllowedURISchemes = envOrDefaultList("AUDIO_ALLOWED_URI_SCHEMES", a.AllowedURISchemes)
	a.HTTPTimeout = envOrDefaultDuration("AUDIO_HTTP_TIMEOUT", a.HTTPTimeout)
	a.ChunkSize = envOrDefaultInt("AUDIO_CHUNK_SIZE", a.ChunkSize)

	cfg.Jobs.Timeout = envOrDefaultDuration("JOBS_TIMEOUT", cfg.Jobs.Timeout)
	cfg.Jobs.MaxWait = envOrDefaultDuration("JOBS_MAX_WAIT", cfg.Jobs.MaxWait)

	l := &cfg.StreamLimits
	l.MaxAudioBytes = envOrDefaultInt64("STREAM_MAX_AUDIO_BYTES", l.MaxAudioBytes)
	l.MaxDuration = envOrDefaultDuration("STREAM_MAX_DURATION", l.MaxDuration)
	l.MaxPartials = envOrDefaultInt("STREAM_MAX_PARTIALS", l.MaxPartials)

	cfg.Relay.Enabled = envOrDefaultBool("RELAY_ENABLED", cfg.Relay.Enabled)
	cfg.Relay.OriginPatterns = envOrDefaultList("RELAY_ORIGIN_PATTERNS", cfg.Relay.OriginPatterns)

	k := &cfg.Kafka
	k.Enabled = envOrDefaultBool("KAFKA_ENABLED", k.Enabled)
	k.Brokers = envOrDefaultList("KAFKA_BROKERS", k.Brokers)
	k.TopicPartial = envOrDefault("KAFKA_TOPIC_PARTIAL", k.TopicPartial)
	k.TopicFinal = envOrDefault("KAFKA_TOPIC_FINAL", k.TopicFinal)
	k.TopicJobs = envOrDefault("KAFKA_TOPIC_JOBS", k.TopicJobs)
	k.Principal = envOrDefault("KAFKA_PRINCIPAL", k.Principal)
	k.WriteTimeout = envOrDefaultDuration("KAFKA_WRITE_TIMEOUT", k.WriteTimeout)

	cfg.Observability.LogLevel = envOrDefault("LOG_LEVEL", cfg.Observability.LogLevel)
	cfg.Observability.LogFormat = envOrDefault("LOG_FORMAT", cfg.Observability.LogFormat)
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envOrDefaultInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// envOrDefaultList splits a comma separated value. "none" yields an empty
// list.
func envOrDefaultList(key string, def []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	if strings.EqualFold(strings.TrimSpace(v), "none") {
		return []string{}
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
