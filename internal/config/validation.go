package config

import "fmt"

// validate rejects configurations that would silently weaken the gateway's
// replay or delivery guarantees.
func (c *Config) validate() error {
	if c.Auth.SignWindow.Duration <= 0 {
		return fmt.Errorf("auth.sign_window must be positive")
	}
	if c.Auth.NonceTTL.Duration < c.Auth.SignWindow.Duration {
		// A nonce forgotten before its signing window closes reopens the
		// replay hole the nonce exists to plug.
		return fmt.Errorf("auth.nonce_ttl (%s) must be >= auth.sign_window (%s)",
			c.Auth.NonceTTL.Duration, c.Auth.SignWindow.Duration)
	}
	if c.Invoice.PendingTTL.Duration <= 0 {
		return fmt.Errorf("invoice.pending_ttl must be positive")
	}
	if c.Webhook.MaxAttempts < 1 {
		return fmt.Errorf("webhook.max_attempts must be at least 1")
	}
	if c.Webhook.BaseBackoff.Duration <= 0 {
		return fmt.Errorf("webhook.base_backoff must be positive")
	}
	if c.Scheduler.Interval.Duration <= 0 {
		return fmt.Errorf("scheduler.interval must be positive")
	}
	if c.RateLimit.Enabled && c.RateLimit.Requests < 1 {
		return fmt.Errorf("rate_limit.requests must be at least 1 when enabled")
	}
	switch c.Storage.Backend {
	case "", "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown storage backend: %s", c.Storage.Backend)
	}
	if c.Storage.Backend == "postgres" && c.Storage.PostgresURL == "" {
		return fmt.Errorf("postgres backend requires storage.postgres_url")
	}
	return nil
}
