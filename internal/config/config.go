// Package config loads and validates crawl engine configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/crawl-engine/internal/crawler"
)

// Transport names accepted by http.transport.
const (
	TransportColly    = "colly"
	TransportHeadless = "headless"
)

// Storage backends accepted by storage.backend.
const (
	StorageNone   = "none"
	StorageMemory = "memory"
	StorageLocal  = "local"
	StorageGCS    = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Engine    EngineConfig    `mapstructure:"engine"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Admission AdmissionConfig `mapstructure:"admission"`
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// EngineConfig governs dispatch, retries and the idle heartbeat.
type EngineConfig struct {
	Concurrency     int      `mapstructure:"concurrency"`
	Retries         int      `mapstructure:"retries"`
	RetryDelayMs    int      `mapstructure:"retry_delay_ms"`
	IdleIntervalMs  int      `mapstructure:"idle_interval_ms"`
	Seeds           []string `mapstructure:"seeds"`
	ExitWhenDrained bool     `mapstructure:"exit_when_drained"`
}

// ProxyConfig lists outbound proxies; empty means direct connections.
type ProxyConfig struct {
	URLs []string `mapstructure:"urls"`
}

// HTTPConfig configures the fetch transport.
type HTTPConfig struct {
	Transport      string            `mapstructure:"transport"`
	TimeoutSeconds int               `mapstructure:"timeout_seconds"`
	UserAgent      string            `mapstructure:"user_agent"`
	MaxBodyBytes   int               `mapstructure:"max_body_bytes"`
	Headers        map[string]string `mapstructure:"headers"`
}

// HeadlessConfig configures the chromedp transport.
type HeadlessConfig struct {
	MaxParallel       int `mapstructure:"max_parallel"`
	NavTimeoutSeconds int `mapstructure:"nav_timeout_seconds"`
}

// AdmissionConfig configures the gates evaluated before dispatch.
type AdmissionConfig struct {
	RatePerSecond float64  `mapstructure:"rate_per_second"`
	Burst         int      `mapstructure:"burst"`
	DenyHosts     []string `mapstructure:"deny_hosts"`
}

// ServerConfig controls the admin HTTP server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// StorageConfig selects where page bodies are written.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
	// VerifyBucket checks the GCS bucket exists at startup.
	VerifyBucket bool `mapstructure:"verify_bucket"`
}

// DBConfig controls access to Postgres. An empty DSN disables it.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	Table        string `mapstructure:"table"`
	MaxConns     int32  `mapstructure:"max_conns"`
	EnsureSchema bool   `mapstructure:"ensure_schema"`
}

// PubSubConfig holds metadata for publish-subscribe notifications. An empty
// project disables publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProgressConfig controls the progress event hub.
type ProgressConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	BufferSize int  `mapstructure:"buffer_size"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	ServiceName  string  `mapstructure:"service_name"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	OTLPInsecure bool    `mapstructure:"otlp_insecure"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment. Environment variables use the
// CRAWLER_ prefix with dots replaced by underscores, e.g.
// CRAWLER_ENGINE_CONCURRENCY.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.concurrency", 1)
	v.SetDefault("engine.retries", 0)
	v.SetDefault("engine.retry_delay_ms", 1000)
	v.SetDefault("engine.idle_interval_ms", 1000)
	v.SetDefault("engine.seeds", []string{})
	v.SetDefault("engine.exit_when_drained", false)
	v.SetDefault("proxy.urls", []string{})
	v.SetDefault("http.transport", TransportColly)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.user_agent", "crawl-engine/0.1")
	v.SetDefault("http.max_body_bytes", 10<<20)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("admission.rate_per_second", 0)
	v.SetDefault("admission.burst", 1)
	v.SetDefault("admission.deny_hosts", []string{})
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8080)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("storage.backend", StorageNone)
	v.SetDefault("storage.prefix", "pages")
	v.SetDefault("storage.verify_bucket", false)
	v.SetDefault("db.table", "fetches")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.ensure_schema", false)
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "crawl-engine")
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.otlp_insecure", false)
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	switch {
	case c.Engine.Concurrency <= 0:
		return invalid("engine.concurrency", "must be > 0")
	case c.Engine.Retries < 0:
		return invalid("engine.retries", "must be >= 0")
	case c.Engine.RetryDelayMs < 0:
		return invalid("engine.retry_delay_ms", "must be >= 0")
	case c.Engine.IdleIntervalMs <= 0:
		return invalid("engine.idle_interval_ms", "must be > 0")
	case c.HTTP.TimeoutSeconds <= 0:
		return invalid("http.timeout_seconds", "must be > 0")
	case c.HTTP.MaxBodyBytes < 0:
		return invalid("http.max_body_bytes", "must be >= 0")
	case c.Admission.RatePerSecond < 0:
		return invalid("admission.rate_per_second", "must be >= 0")
	case c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535):
		return invalid("server.port", "must be between 1 and 65535")
	case c.Auth.Enabled && c.Auth.APIKey == "":
		return invalid("auth.api_key", "must be set when auth is enabled")
	case c.Progress.Enabled && c.Progress.BufferSize <= 0:
		return invalid("progress.buffer_size", "must be > 0 when progress is enabled")
	case c.PubSub.ProjectID != "" && c.PubSub.TopicName == "":
		return invalid("pubsub.topic_name", "must be set when pubsub.project_id is set")
	case c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1:
		return invalid("telemetry.sample_ratio", "must be between 0 and 1")
	}

	switch c.HTTP.Transport {
	case TransportColly:
	case TransportHeadless:
		if c.Headless.MaxParallel < 0 {
			return invalid("headless.max_parallel", "must be >= 0")
		}
	default:
		return invalid("http.transport", fmt.Sprintf("must be %q or %q", TransportColly, TransportHeadless))
	}

	switch c.Storage.Backend {
	case StorageNone, StorageMemory:
	case StorageLocal:
		if strings.TrimSpace(c.Storage.BaseDir) == "" {
			return invalid("storage.base_dir", "must be set for the local backend")
		}
	case StorageGCS:
		if c.Storage.GCSBucket == "" {
			return invalid("storage.gcs_bucket", "must be set for the gcs backend")
		}
	default:
		return invalid("storage.backend", "must be one of none, memory, local, gcs")
	}

	for _, p := range c.Proxy.URLs {
		if err := crawler.ValidateProxy(p); err != nil {
			return err
		}
	}
	return nil
}

// RetryDelay returns engine.retry_delay_ms as a duration.
func (c Config) RetryDelay() time.Duration {
	return time.Duration(c.Engine.RetryDelayMs) * time.Millisecond
}

// IdleInterval returns engine.idle_interval_ms as a duration.
func (c Config) IdleInterval() time.Duration {
	return time.Duration(c.Engine.IdleIntervalMs) * time.Millisecond
}

// Timeout returns http.timeout_seconds as a duration.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

func invalid(key, reason string) error {
	return &crawler.ValidationError{Field: key, Reason: reason}
}
