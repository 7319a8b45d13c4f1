package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration for YAML unmarshalling of values like "60s".
type Duration struct {
	time.Duration
}

// UnmarshalYAML accepts either a duration string ("90s", "5m") or a bare
// number of seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", v, err)
		}
		d.Duration = parsed
	case int:
		d.Duration = time.Duration(v) * time.Second
	case float64:
		d.Duration = time.Duration(v * float64(time.Second))
	default:
		return fmt.Errorf("invalid duration value: %v", raw)
	}
	return nil
}

// Config is the root configuration for the gateway.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Storage   StorageConfig   `yaml:"storage"`
	Auth      AuthConfig      `yaml:"auth"`
	Invoice   InvoiceConfig   `yaml:"invoice"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	ShutdownTimeout    Duration `yaml:"shutdown_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	AdminAPIKey        string   `yaml:"admin_api_key"`
}

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	Environment string `yaml:"environment"`
}

// StorageConfig selects and tunes the persistence backend.
type StorageConfig struct {
	// Backend is "sqlite", "postgres", or "memory". Empty auto-detects:
	// postgres when a URL is set, otherwise sqlite at FilePath.
	Backend     string `yaml:"backend"`
	FilePath    string `yaml:"file_path"`
	PostgresURL string `yaml:"postgres_url"`
}

// AuthConfig tunes the signed-request pipeline.
type AuthConfig struct {
	SignWindow Duration `yaml:"sign_window"`
	NonceTTL   Duration `yaml:"nonce_ttl"`
}

// InvoiceConfig tunes the invoice lifecycle.
type InvoiceConfig struct {
	PendingTTL   Duration `yaml:"pending_ttl"`
	PaidCacheTTL Duration `yaml:"paid_cache_ttl"`
}

// RateLimitConfig tunes the per-merchant token bucket.
type RateLimitConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Requests int      `yaml:"requests"`
	Window   Duration `yaml:"window"`
}

// WebhookConfig tunes outbound webhook delivery.
type WebhookConfig struct {
	MaxAttempts int      `yaml:"max_attempts"`
	BaseBackoff Duration `yaml:"base_backoff"`
	Timeout     Duration `yaml:"timeout"`
	BatchSize   int      `yaml:"batch_size"`
}

// SchedulerConfig tunes the lifecycle loop.
type SchedulerConfig struct {
	Interval    Duration `yaml:"interval"`
	ExpiryBatch int      `yaml:"expiry_batch"`
}

// UpstreamConfig points at the QRIS provider credit API.
type UpstreamConfig struct {
	BaseURL string   `yaml:"base_url"`
	Timeout Duration `yaml:"timeout"`

	// Circuit breaker thresholds.
	BreakerConsecutiveFailures uint32   `yaml:"breaker_consecutive_failures"`
	BreakerOpenTimeout         Duration `yaml:"breaker_open_timeout"`
}
