// Package ratelimit applies a per-merchant token bucket after
// authentication, so 429s never shadow auth failures for legitimate callers.
package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"

	"github.com/qrisgate/server/internal/auth"
	"github.com/qrisgate/server/internal/config"
	gwerrors "github.com/qrisgate/server/internal/errors"
	"github.com/qrisgate/server/internal/metrics"
)

// Middleware limits authenticated requests per merchant within a rolling
// window. Requests without an identity (admin and health paths) fall back to
// the client address so the limiter still bounds abuse. m may be nil.
func Middleware(cfg config.RateLimitConfig, m *metrics.Metrics) func(http.Handler) http.Handler {
	if !cfg.Enabled {
		return func(next http.Handler) http.Handler { return next }
	}

	window := cfg.Window.Duration
	if window <= 0 {
		window = time.Minute
	}

	return httprate.Limit(
		cfg.Requests,
		window,
		httprate.WithKeyFuncs(merchantKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			if m != nil {
				m.RateLimitHits.Inc()
			}
			w.Header().Set("Retry-After", strconv.Itoa(int(window/time.Second)))
			gwerrors.Write(w, gwerrors.CodeRateLimit, "rate limit exceeded",
				map[string]any{"limit": cfg.Requests, "window_seconds": int(window / time.Second)})
		}),
	)
}

func merchantKey(r *http.Request) (string, error) {
	if merchant, ok := auth.MerchantFrom(r.Context()); ok {
		return "merchant:" + merchant.ID, nil
	}
	return httprate.KeyByIP(r)
}
