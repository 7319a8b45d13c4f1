package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration. All env
// vars use the QRISGATE_ prefix for namespace isolation.
func (c *Config) applyEnvOverrides() {
	// Server
	setIfEnv(&c.Server.Address, "QRISGATE_SERVER_ADDRESS")
	setIfEnv(&c.Server.AdminAPIKey, "QRISGATE_ADMIN_API_KEY")
	if v := os.Getenv("QRISGATE_CORS_ALLOWED_ORIGINS"); v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		c.Server.CORSAllowedOrigins = origins
	}

	// Logging
	setIfEnv(&c.Logging.Level, "QRISGATE_LOG_LEVEL")
	setIfEnv(&c.Logging.Format, "QRISGATE_LOG_FORMAT")
	setIfEnv(&c.Logging.Environment, "QRISGATE_ENVIRONMENT")

	// Storage
	setIfEnv(&c.Storage.Backend, "QRISGATE_STORAGE_BACKEND")
	setIfEnv(&c.Storage.FilePath, "QRISGATE_STORAGE_FILE_PATH")
	setIfEnv(&c.Storage.PostgresURL, "QRISGATE_STORAGE_POSTGRES_URL")

	// Signed-request pipeline
	setDurationIfEnv(&c.Auth.SignWindow, "QRISGATE_SIGN_WINDOW")
	setDurationIfEnv(&c.Auth.NonceTTL, "QRISGATE_NONCE_TTL")

	// Invoice lifecycle
	setDurationIfEnv(&c.Invoice.PendingTTL, "QRISGATE_INVOICE_TTL")
	setDurationIfEnv(&c.Invoice.PaidCacheTTL, "QRISGATE_PAID_CACHE_TTL")

	// Rate limiting
	setBoolIfEnv(&c.RateLimit.Enabled, "QRISGATE_RATE_LIMIT_ENABLED")
	setIntIfEnv(&c.RateLimit.Requests, "QRISGATE_RATE_LIMIT_REQUESTS")
	setDurationIfEnv(&c.RateLimit.Window, "QRISGATE_RATE_LIMIT_WINDOW")

	// Webhook delivery
	setIntIfEnv(&c.Webhook.MaxAttempts, "QRISGATE_WEBHOOK_MAX_ATTEMPTS")
	setDurationIfEnv(&c.Webhook.BaseBackoff, "QRISGATE_WEBHOOK_BASE_BACKOFF")
	setDurationIfEnv(&c.Webhook.Timeout, "QRISGATE_WEBHOOK_TIMEOUT")
	setIntIfEnv(&c.Webhook.BatchSize, "QRISGATE_WEBHOOK_BATCH_SIZE")

	// Scheduler
	setDurationIfEnv(&c.Scheduler.Interval, "QRISGATE_SCHEDULER_INTERVAL")
	setIntIfEnv(&c.Scheduler.ExpiryBatch, "QRISGATE_SCHEDULER_EXPIRY_BATCH")

	// Upstream provider
	setIfEnv(&c.Upstream.BaseURL, "QRISGATE_UPSTREAM_BASE_URL")
	setDurationIfEnv(&c.Upstream.Timeout, "QRISGATE_UPSTREAM_TIMEOUT")
}

// setIfEnv sets a string pointer to the environment variable value if it exists.
func setIfEnv(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

// setBoolIfEnv sets a boolean from an environment variable.
// Accepts "1", "true", "TRUE", "True" as true values.
func setBoolIfEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v == "1" || strings.EqualFold(v, "true")
	}
}

// setIntIfEnv sets an int from an environment variable.
func setIntIfEnv(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

// setDurationIfEnv sets a Duration from an environment variable.
// Uses time.ParseDuration for values like "5m", "120s", "1h30m".
func setDurationIfEnv(target *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			*target = Duration{Duration: dur}
		}
	}
}
