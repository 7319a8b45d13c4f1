// Package credentials mints and resolves merchant API credentials. Raw key
// material is returned to the caller exactly once at mint time; only the
// SHA-256 fingerprint and a short display prefix are persisted.
package credentials

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/qrisgate/server/internal/storage"
)

const (
	// tokenBytes is the entropy per credential before encoding.
	tokenBytes = 24

	// displayPrefixLen is how much of the raw key is kept for display in
	// dashboards ("sk_live_AbCd...").
	displayPrefixLen = 12
)

// Prefixes per credential kind and environment.
const (
	prefixAPIProduction     = "sk_live_"
	prefixAPISandbox        = "sk_test_"
	prefixSigningProduction = "sksec_"
	prefixSigningSandbox    = "sksec_test_"
	prefixWebhookProduction = "whsec_"
	prefixWebhookSandbox    = "whsec_test_"
)

// Minted carries the raw credential material produced by Mint or Rotate.
// None of these values can be recovered later.
type Minted struct {
	APIKey        string `json:"api_key"`
	SigningSecret string `json:"signing_secret"`
	WebhookSecret string `json:"webhook_secret"`
}

// Service mints, rotates, and resolves credentials against the store.
type Service struct {
	store storage.Store
}

// NewService returns a credentials Service backed by store.
func NewService(store storage.Store) *Service {
	return &Service{store: store}
}

// HashKey returns the SHA-256 hex fingerprint of a raw API key. The same
// function serves mint-time persistence and request-time lookup.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func randomToken(prefix string) (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read entropy: %w", err)
	}
	return prefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

func displayPrefix(key string) string {
	if len(key) <= displayPrefixLen {
		return key
	}
	return key[:displayPrefixLen]
}

func envPrefixes(env storage.Env) (api, signing, webhook string) {
	if env == storage.EnvSandbox {
		return prefixAPISandbox, prefixSigningSandbox, prefixWebhookSandbox
	}
	return prefixAPIProduction, prefixSigningProduction, prefixWebhookProduction
}

// Mint generates a fresh credential set for (merchant, env) and persists the
// hashed pair, replacing any existing pair for that env.
func (s *Service) Mint(ctx context.Context, merchantID string, env storage.Env) (Minted, error) {
	return s.mint(ctx, merchantID, env, nil)
}

// Rotate mints a replacement credential set and records the rotation time.
// The previous API key stops resolving immediately.
func (s *Service) Rotate(ctx context.Context, merchantID string, env storage.Env) (Minted, error) {
	now := time.Now().UTC()
	return s.mint(ctx, merchantID, env, &now)
}

func (s *Service) mint(ctx context.Context, merchantID string, env storage.Env, rotatedAt *time.Time) (Minted, error) {
	apiPrefix, signingPrefix, webhookPrefix := envPrefixes(env)

	apiKey, err := randomToken(apiPrefix)
	if err != nil {
		return Minted{}, err
	}
	signingSecret, err := randomToken(signingPrefix)
	if err != nil {
		return Minted{}, err
	}
	webhookSecret, err := randomToken(webhookPrefix)
	if err != nil {
		return Minted{}, err
	}

	pair := storage.KeyPair{
		APIKeyHash:    HashKey(apiKey),
		APIKeyPrefix:  displayPrefix(apiKey),
		SigningSecret: signingSecret,
		WebhookSecret: webhookSecret,
		CreatedAt:     time.Now().UTC(),
		RotatedAt:     rotatedAt,
	}
	if err := s.store.UpsertKeyPair(ctx, merchantID, env, pair); err != nil {
		return Minted{}, err
	}
	return Minted{APIKey: apiKey, SigningSecret: signingSecret, WebhookSecret: webhookSecret}, nil
}

// Resolve maps a raw API key to its owning merchant, environment, and stored
// pair. Returns storage.ErrNotFound for unknown keys.
func (s *Service) Resolve(ctx context.Context, rawKey string) (string, storage.Env, storage.KeyPair, error) {
	merchantID, env, err := s.store.LookupByKeyHash(ctx, HashKey(rawKey))
	if err != nil {
		return "", "", storage.KeyPair{}, err
	}
	pair, err := s.store.GetKeyPair(ctx, merchantID, env)
	if err != nil {
		return "", "", storage.KeyPair{}, err
	}
	return merchantID, env, pair, nil
}

// Secrets returns the stored signing and webhook secrets for (merchant, env)
// without exposing the key hash. Returns storage.ErrNotFound when no pair
// has been minted.
func (s *Service) Secrets(ctx context.Context, merchantID string, env storage.Env) (signing, webhook string, err error) {
	pair, err := s.store.GetKeyPair(ctx, merchantID, env)
	if err != nil {
		return "", "", err
	}
	return pair.SigningSecret, pair.WebhookSecret, nil
}

// EnvForKey infers the environment from a raw key's prefix, without a store
// lookup. Unknown prefixes default to production.
func EnvForKey(rawKey string) storage.Env {
	if strings.HasPrefix(rawKey, prefixAPISandbox) {
		return storage.EnvSandbox
	}
	return storage.EnvProduction
}
