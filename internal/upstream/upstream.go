// Package upstream is the only component aware of the QRIS provider's
// transport. It fetches inbound credit mutations for a principal so the
// invoice service can match a pending payment by its exact final amount.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"

	"github.com/qrisgate/server/internal/config"
	"github.com/qrisgate/server/internal/httputil"
	"github.com/qrisgate/server/internal/logger"
	"github.com/qrisgate/server/internal/metrics"
)

// ErrUnavailable is returned for transport failures, non-2xx responses, and
// an open circuit. Callers treat it as retryable: the invoice stays pending.
var ErrUnavailable = errors.New("upstream: provider unavailable")

// Credit statuses as reported by the provider.
const (
	CreditIn  = "IN"
	CreditOut = "OUT"
)

// Credit is one mutation row from the provider.
type Credit struct {
	Amount int64  `json:"amount"`
	Status string `json:"status"`
	Date   string `json:"date,omitempty"`
	Brand  string `json:"brand_name,omitempty"`
}

// Client fetches credit mutations for a principal. Implementations must be
// deterministic for a given provider response.
type Client interface {
	FetchCredits(ctx context.Context, principal, token string) ([]Credit, error)
}

// HTTPClient talks to the provider's mutation API behind a circuit breaker,
// so a dead provider sheds load fast instead of burning request deadlines.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	metrics *metrics.Metrics
}

// SetMetrics enables failure counters. Optional; nil-safe when unset.
func (c *HTTPClient) SetMetrics(m *metrics.Metrics) { c.metrics = m }

// NewHTTPClient builds the provider client from configuration.
func NewHTTPClient(cfg config.UpstreamConfig) *HTTPClient {
	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	failures := cfg.BreakerConsecutiveFailures
	if failures == 0 {
		failures = 5
	}
	openTimeout := cfg.BreakerOpenTimeout.Duration
	if openTimeout <= 0 {
		openTimeout = 30 * time.Second
	}

	return &HTTPClient{
		baseURL: cfg.BaseURL,
		client:  httputil.NewClient(timeout),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "upstream-credits",
			Timeout: openTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
		}),
	}
}

type creditsResponse struct {
	Data []Credit `json:"data"`
}

// FetchCredits returns recent credit mutations for the principal. The token
// is caller-supplied and passed through untouched.
func (c *HTTPClient) FetchCredits(ctx context.Context, principal, token string) ([]Credit, error) {
	result, err := c.breaker.Execute(func() (any, error) {
		return c.fetch(ctx, principal, token)
	})
	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamFailures.Inc()
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			log := logger.FromContext(ctx)
			log.Warn().Msg("upstream circuit open")
			return nil, ErrUnavailable
		}
		return nil, err
	}
	return result.([]Credit), nil
}

func (c *HTTPClient) fetch(ctx context.Context, principal, token string) ([]Credit, error) {
	endpoint := fmt.Sprintf("%s/api/mutasi/%s", c.baseURL, url.PathEscape(principal))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrUnavailable, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var decoded creditsResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	return decoded.Data, nil
}
