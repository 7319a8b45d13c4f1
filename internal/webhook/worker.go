// Package webhook delivers invoice events to merchant endpoints with
// at-least-once semantics, signed payloads, and exponential backoff.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/qrisgate/server/internal/config"
	"github.com/qrisgate/server/internal/httputil"
	"github.com/qrisgate/server/internal/logger"
	"github.com/qrisgate/server/internal/metrics"
	"github.com/qrisgate/server/internal/storage"
)

// Delivery headers.
const (
	HeaderEventType = "X-Event-Type"
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderSignature = "X-Webhook-Signature"
)

// Terminal failure reasons that skip retry and alerting.
const (
	reasonDisabled           = "WebhookDisabled"
	reasonMissingCredentials = "MissingCredentials"
)

// snippetLimit bounds how much of a merchant's response body is stored.
const snippetLimit = 500

// backoffExponentCap bounds the retry delay at base * 2^10.
const backoffExponentCap = 10

// Worker drains the delivery queue one batch at a time.
type Worker struct {
	store       storage.Store
	client      *http.Client
	maxAttempts int
	baseBackoff time.Duration
	batchSize   int
	metrics     *metrics.Metrics
	now         func() time.Time
}

// SetMetrics enables attempt counters. Optional; nil-safe when unset.
func (w *Worker) SetMetrics(m *metrics.Metrics) { w.metrics = m }

func (w *Worker) countAttempt(outcome string) {
	if w.metrics != nil {
		w.metrics.WebhookAttempts.WithLabelValues(outcome).Inc()
	}
}

// NewWorker builds a delivery worker from configuration.
func NewWorker(store storage.Store, cfg config.WebhookConfig) *Worker {
	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &Worker{
		store:       store,
		client:      httputil.NewClient(timeout),
		maxAttempts: cfg.MaxAttempts,
		baseBackoff: cfg.BaseBackoff.Duration,
		batchSize:   cfg.BatchSize,
		now:         time.Now,
	}
}

// RunBatch claims one batch of due deliveries and processes them
// sequentially. Returns how many deliveries were attempted.
func (w *Worker) RunBatch(ctx context.Context) (int, error) {
	claimed, err := w.store.ClaimDueDeliveries(ctx, w.now().UTC(), w.batchSize)
	if err != nil {
		return 0, fmt.Errorf("claim deliveries: %w", err)
	}
	for _, delivery := range claimed {
		w.process(ctx, delivery)
	}
	return len(claimed), nil
}

func (w *Worker) process(ctx context.Context, d storage.WebhookDelivery) {
	log := logger.FromContext(ctx).With().
		Str("delivery_id", d.ID).
		Str("merchant_id", d.MerchantID).
		Str("event_type", d.EventType).
		Logger()

	merchant, err := w.store.GetMerchant(ctx, d.MerchantID)
	if err != nil {
		// A store error says nothing about the endpoint. Requeue without
		// consuming an attempt; terminal failure is reserved for exhausted
		// attempts and the documented no-retry reasons.
		w.requeue(ctx, d, "merchant lookup failed: "+err.Error())
		return
	}

	// Endpoint config is resolved at delivery time, so a merchant disabling
	// webhooks stops queued retries too.
	endpoint := merchant.WebhookFor(d.Env)
	if !endpoint.Enabled || endpoint.URL == "" {
		log.Info().Msg("webhook disabled, dropping delivery")
		w.fail(ctx, d, d.AttemptCount, 0, reasonDisabled, false)
		return
	}

	pair, err := w.store.GetKeyPair(ctx, d.MerchantID, d.Env)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		w.requeue(ctx, d, "key pair lookup failed: "+err.Error())
		return
	}
	if err != nil || pair.WebhookSecret == "" {
		log.Warn().Msg("no webhook secret, dropping delivery")
		w.fail(ctx, d, d.AttemptCount, 0, reasonMissingCredentials, false)
		return
	}

	attempt := d.AttemptCount + 1
	statusCode, snippet, sendErr := w.send(ctx, endpoint.URL, pair.WebhookSecret, d)
	if sendErr == nil {
		if err := w.store.MarkDeliveryDelivered(ctx, d.ID, statusCode, snippet); err != nil {
			log.Error().Err(err).Msg("mark delivered failed")
		}
		log.Info().Int("attempt", attempt).Int("status", statusCode).Msg("webhook delivered")
		w.countAttempt("delivered")
		return
	}

	reason := sendErr.Error()
	if attempt >= w.maxAttempts {
		log.Warn().Int("attempt", attempt).Str("reason", reason).Msg("webhook permanently failed")
		w.countAttempt("failed")
		w.fail(ctx, d, attempt, statusCode, reason, true)
		return
	}
	w.countAttempt("retry")

	next := w.now().UTC().Add(w.backoff(attempt))
	if err := w.store.MarkDeliveryRetry(ctx, d.ID, attempt, next, statusCode, reason); err != nil {
		log.Error().Err(err).Msg("mark retry failed")
		return
	}
	log.Info().Int("attempt", attempt).Time("next_retry_at", next).Str("reason", reason).Msg("webhook retry scheduled")
}

// requeue puts a claimed delivery back in the queue with its attempt count
// unchanged. Used when a store read failed before anything was sent.
func (w *Worker) requeue(ctx context.Context, d storage.WebhookDelivery, reason string) {
	log := logger.FromContext(ctx)
	log.Error().Str("delivery_id", d.ID).Str("reason", reason).Msg("delivery requeued")
	next := w.now().UTC().Add(w.baseBackoff)
	if err := w.store.MarkDeliveryRetry(ctx, d.ID, d.AttemptCount, next, 0, reason); err != nil {
		log.Error().Err(err).Str("delivery_id", d.ID).Msg("requeue failed")
	}
}

// backoff returns base * 2^(attempt-1) with the exponent capped.
func (w *Worker) backoff(attempt int) time.Duration {
	exp := attempt - 1
	if exp > backoffExponentCap {
		exp = backoffExponentCap
	}
	return w.baseBackoff * time.Duration(int64(1)<<exp)
}

func (w *Worker) fail(ctx context.Context, d storage.WebhookDelivery, attempt, statusCode int, reason string, alert bool) {
	log := logger.FromContext(ctx)
	if err := w.store.MarkDeliveryFailed(ctx, d.ID, attempt, statusCode, reason); err != nil {
		log.Error().Err(err).Str("delivery_id", d.ID).Msg("mark failed failed")
		return
	}
	if !alert {
		return
	}
	a := storage.Alert{
		ID:         uuid.NewString(),
		MerchantID: d.MerchantID,
		Type:       storage.AlertWebhookFailed,
		Message:    fmt.Sprintf("webhook %s for invoice %s failed after %d attempts: %s", d.EventType, d.InvoiceID, attempt, reason),
		CreatedAt:  w.now().UTC(),
	}
	if err := w.store.CreateAlert(ctx, a); err != nil {
		log.Error().Err(err).Msg("alert creation failed")
	}
}

// send posts the payload and returns the response status and a bounded body
// snippet. A non-2xx status is an error.
func (w *Worker) send(ctx context.Context, url, secret string, d storage.WebhookDelivery) (int, string, error) {
	ts := strconv.FormatInt(w.now().Unix(), 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(d.Payload))
	if err != nil {
		return 0, "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEventType, d.EventType)
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, SignPayload(secret, ts, d.Payload))

	resp, err := w.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, snippetLimit))
	snippet := string(body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, snippet, fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return resp.StatusCode, snippet, nil
}

// SignPayload computes the hex HMAC-SHA256 of "ts.payload" under the
// merchant's webhook secret. Receivers recompute it to authenticate events.
func SignPayload(secret, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
