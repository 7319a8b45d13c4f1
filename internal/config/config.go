package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads configuration from an optional YAML file and applies
// environment overrides on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := cfg.parseFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with the documented defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         ":8080",
			ReadTimeout:     Duration{Duration: 15 * time.Second},
			WriteTimeout:    Duration{Duration: 30 * time.Second},
			IdleTimeout:     Duration{Duration: 60 * time.Second},
			ShutdownTimeout: Duration{Duration: 15 * time.Second},
		},
		Logging: LoggingConfig{
			Level:       "info",
			Format:      "json",
			Environment: "production",
		},
		Storage: StorageConfig{
			FilePath: "./data/qrisgate.db",
		},
		Auth: AuthConfig{
			SignWindow: Duration{Duration: 60 * time.Second},
			NonceTTL:   Duration{Duration: 120 * time.Second},
		},
		Invoice: InvoiceConfig{
			PendingTTL:   Duration{Duration: 600 * time.Second},
			PaidCacheTTL: Duration{Duration: 3600 * time.Second},
		},
		RateLimit: RateLimitConfig{
			Enabled:  true,
			Requests: 120,
			Window:   Duration{Duration: 1 * time.Minute},
		},
		Webhook: WebhookConfig{
			MaxAttempts: 8,
			BaseBackoff: Duration{Duration: 60 * time.Second},
			Timeout:     Duration{Duration: 8 * time.Second},
			BatchSize:   20,
		},
		Scheduler: SchedulerConfig{
			Interval:    Duration{Duration: 15 * time.Second},
			ExpiryBatch: 200,
		},
		Upstream: UpstreamConfig{
			Timeout:                    Duration{Duration: 10 * time.Second},
			BreakerConsecutiveFailures: 5,
			BreakerOpenTimeout:         Duration{Duration: 30 * time.Second},
		},
	}
}

// parseFile reads and unmarshals a YAML configuration file.
func (c *Config) parseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}
