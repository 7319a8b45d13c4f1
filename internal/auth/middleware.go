// Package auth implements the signed-request pipeline every gateway call
// passes through: API-key resolution, merchant status, IP allowlist,
// timestamp window, nonce replay protection, and HMAC signature
// verification, in that order. Cheap checks run first so replay and expiry
// failures never spend CPU on HMAC.
package auth

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/qrisgate/server/internal/credentials"
	gwerrors "github.com/qrisgate/server/internal/errors"
	"github.com/qrisgate/server/internal/logger"
	"github.com/qrisgate/server/internal/metrics"
	"github.com/qrisgate/server/internal/storage"
)

// Required request headers.
const (
	HeaderAPIKey    = "X-Api-Key"
	HeaderTimestamp = "X-Timestamp"
	HeaderNonce     = "X-Nonce"
	HeaderSignature = "X-Signature"
)

// maxBodyBytes bounds how much request body the verifier will buffer.
const maxBodyBytes = 1 << 20

// Middleware authenticates gateway requests.
type Middleware struct {
	store      storage.Store
	creds      *credentials.Service
	signWindow time.Duration
	nonceTTL   time.Duration
	metrics    *metrics.Metrics
	now        func() time.Time
}

// SetMetrics enables rejection counters. Optional; nil-safe when unset.
func (m *Middleware) SetMetrics(mx *metrics.Metrics) { m.metrics = mx }

// reject writes the failure envelope and counts the rejection.
func (m *Middleware) reject(w http.ResponseWriter, code gwerrors.Code, message string, details map[string]any) {
	if m.metrics != nil {
		m.metrics.AuthFailures.WithLabelValues(string(code)).Inc()
	}
	gwerrors.Write(w, code, message, details)
}

// NewMiddleware builds the pipeline. signWindow is the ±W timestamp
// tolerance; nonceTTL is how long a (merchant, nonce) pair stays burned.
func NewMiddleware(store storage.Store, creds *credentials.Service, signWindow, nonceTTL time.Duration) *Middleware {
	return &Middleware{
		store:      store,
		creds:      creds,
		signWindow: signWindow,
		nonceTTL:   nonceTTL,
		now:        time.Now,
	}
}

// Authenticate wraps next with the full ordered check chain. On success the
// request context carries the caller's Identity.
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		log := logger.FromContext(ctx)

		rawKey := r.Header.Get(HeaderAPIKey)
		if rawKey == "" {
			m.reject(w, gwerrors.CodeMissingAPIKey, "missing X-Api-Key header", nil)
			return
		}

		merchantID, env, pair, err := m.creds.Resolve(ctx, rawKey)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				m.reject(w, gwerrors.CodeInvalidAPIKey, "unknown API key", nil)
				return
			}
			log.Error().Err(err).Msg("credential lookup failed")
			m.reject(w, gwerrors.CodeInternal, "internal error", nil)
			return
		}

		merchant, err := m.store.GetMerchant(ctx, merchantID)
		if err != nil {
			log.Error().Err(err).Str("merchant_id", merchantID).Msg("merchant load failed")
			m.reject(w, gwerrors.CodeInternal, "internal error", nil)
			return
		}
		if merchant.Status != storage.MerchantActive {
			m.reject(w, gwerrors.CodeNotApproved, "merchant is not approved for API access",
				map[string]any{"status": merchant.Status})
			return
		}

		if merchant.IPAllowlistEnabled {
			addr, ok := clientIP(r)
			// Enabled with an empty list denies everything; that is the
			// merchant saying "nobody", not "anybody".
			if !ok || !ipAllowed(addr, merchant.IPAllowlist) {
				log.Warn().Str("merchant_id", merchantID).Msg("request from disallowed address")
				m.reject(w, gwerrors.CodeIPNotAllowed, "client address not in allowlist", nil)
				return
			}
		}

		tsHeader := r.Header.Get(HeaderTimestamp)
		nonce := r.Header.Get(HeaderNonce)
		signature := r.Header.Get(HeaderSignature)
		if tsHeader == "" || nonce == "" || signature == "" {
			m.reject(w, gwerrors.CodeMissingSignatureHeaders,
				"X-Timestamp, X-Nonce, and X-Signature headers are required", nil)
			return
		}

		ts, err := strconv.ParseInt(tsHeader, 10, 64)
		if err != nil {
			m.reject(w, gwerrors.CodeInvalidTimestamp, "X-Timestamp must be unix seconds", nil)
			return
		}
		now := m.now().Unix()
		window := int64(m.signWindow / time.Second)
		if ts < now-window || ts > now+window {
			m.reject(w, gwerrors.CodeRequestExpired, "request timestamp outside the signing window",
				map[string]any{"server_time": now})
			return
		}

		// Read and bound the body before the nonce is burned: a rejected
		// oversized request must not consume its nonce, or the corrected
		// retry would trip replay detection.
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
		if err != nil {
			log.Error().Err(err).Msg("request body read failed")
			m.reject(w, gwerrors.CodeInternal, "internal error", nil)
			return
		}
		r.Body.Close()
		if len(body) > maxBodyBytes {
			m.reject(w, gwerrors.CodeMissingParams, "request body too large", nil)
			return
		}
		// Handlers downstream still get to read the body.
		r.Body = io.NopCloser(bytes.NewReader(body))

		if err := m.store.CheckAndMarkNonce(ctx, merchantID, nonce, m.now().Add(m.nonceTTL)); err != nil {
			if errors.Is(err, storage.ErrNonceReplayed) {
				log.Warn().Str("merchant_id", merchantID).Msg("nonce replay detected")
				m.reject(w, gwerrors.CodeReplayDetected, "nonce already used", nil)
				return
			}
			log.Error().Err(err).Msg("nonce check failed")
			m.reject(w, gwerrors.CodeInternal, "internal error", nil)
			return
		}

		if pair.SigningSecret == "" {
			m.reject(w, gwerrors.CodeNoSigningSecret, "no signing secret configured for this key", nil)
			return
		}

		pathWithQuery := r.URL.Path
		if r.URL.RawQuery != "" {
			pathWithQuery += "?" + r.URL.RawQuery
		}
		canonical := CanonicalString(r.Method, pathWithQuery, tsHeader, nonce, body)
		if !VerifySignature(pair.SigningSecret, canonical, signature) {
			log.Warn().Str("merchant_id", merchantID).Msg("signature mismatch")
			m.reject(w, gwerrors.CodeInvalidSignature, "signature verification failed", nil)
			return
		}

		ctx = WithIdentity(ctx, Identity{Merchant: merchant, Env: env, KeyPair: pair})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
