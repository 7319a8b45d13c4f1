package credentials

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/qrisgate/server/internal/storage"
)

func newTestService(t *testing.T) (*Service, storage.Store) {
	t.Helper()
	store := storage.NewMemoryStore()
	merchant := storage.Merchant{ID: "m1", Email: "m1@example.com", Status: storage.MerchantActive}
	if err := store.CreateMerchant(context.Background(), merchant); err != nil {
		t.Fatal(err)
	}
	return NewService(store), store
}

func TestMintPrefixes(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	prod, err := svc.Mint(ctx, "m1", storage.EnvProduction)
	if err != nil {
		t.Fatalf("Mint production: %v", err)
	}
	if !strings.HasPrefix(prod.APIKey, "sk_live_") {
		t.Errorf("production api key = %q, want sk_live_ prefix", prod.APIKey)
	}
	if !strings.HasPrefix(prod.SigningSecret, "sksec_") || strings.HasPrefix(prod.SigningSecret, "sksec_test_") {
		t.Errorf("production signing secret = %q, want sksec_ prefix", prod.SigningSecret)
	}
	if !strings.HasPrefix(prod.WebhookSecret, "whsec_") || strings.HasPrefix(prod.WebhookSecret, "whsec_test_") {
		t.Errorf("production webhook secret = %q, want whsec_ prefix", prod.WebhookSecret)
	}

	sand, err := svc.Mint(ctx, "m1", storage.EnvSandbox)
	if err != nil {
		t.Fatalf("Mint sandbox: %v", err)
	}
	if !strings.HasPrefix(sand.APIKey, "sk_test_") {
		t.Errorf("sandbox api key = %q, want sk_test_ prefix", sand.APIKey)
	}
	if !strings.HasPrefix(sand.SigningSecret, "sksec_test_") {
		t.Errorf("sandbox signing secret = %q, want sksec_test_ prefix", sand.SigningSecret)
	}
	if !strings.HasPrefix(sand.WebhookSecret, "whsec_test_") {
		t.Errorf("sandbox webhook secret = %q, want whsec_test_ prefix", sand.WebhookSecret)
	}
}

func TestRawKeyNeverPersisted(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	minted, err := svc.Mint(ctx, "m1", storage.EnvProduction)
	if err != nil {
		t.Fatal(err)
	}
	pair, err := store.GetKeyPair(ctx, "m1", storage.EnvProduction)
	if err != nil {
		t.Fatal(err)
	}
	if pair.APIKeyHash == minted.APIKey {
		t.Error("raw key stored as hash")
	}
	if pair.APIKeyHash != HashKey(minted.APIKey) {
		t.Error("stored hash does not match SHA-256 of raw key")
	}
	if len(pair.APIKeyPrefix) != 12 || !strings.HasPrefix(minted.APIKey, pair.APIKeyPrefix) {
		t.Errorf("display prefix = %q, want first 12 chars of key", pair.APIKeyPrefix)
	}
}

func TestResolveRoundTrip(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	minted, err := svc.Mint(ctx, "m1", storage.EnvSandbox)
	if err != nil {
		t.Fatal(err)
	}
	merchantID, env, pair, err := svc.Resolve(ctx, minted.APIKey)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if merchantID != "m1" || env != storage.EnvSandbox {
		t.Errorf("Resolve = (%s, %s), want (m1, sandbox)", merchantID, env)
	}
	if pair.SigningSecret != minted.SigningSecret {
		t.Error("resolved pair missing minted signing secret")
	}

	if _, _, _, err := svc.Resolve(ctx, "sk_live_unknown"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("unknown key error = %v, want ErrNotFound", err)
	}
}

func TestRotateInvalidatesOldKey(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	old, err := svc.Mint(ctx, "m1", storage.EnvProduction)
	if err != nil {
		t.Fatal(err)
	}
	fresh, err := svc.Rotate(ctx, "m1", storage.EnvProduction)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if fresh.APIKey == old.APIKey {
		t.Fatal("rotation reissued the same key")
	}

	if _, _, _, err := svc.Resolve(ctx, old.APIKey); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("old key still resolves after rotation: %v", err)
	}
	if _, _, pair, err := svc.Resolve(ctx, fresh.APIKey); err != nil || pair.RotatedAt == nil {
		t.Errorf("rotated pair = (%+v, %v), want RotatedAt set", pair, err)
	}
}

func TestSecrets(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	minted, err := svc.Mint(ctx, "m1", storage.EnvProduction)
	if err != nil {
		t.Fatal(err)
	}
	signing, webhook, err := svc.Secrets(ctx, "m1", storage.EnvProduction)
	if err != nil {
		t.Fatalf("Secrets: %v", err)
	}
	if signing != minted.SigningSecret || webhook != minted.WebhookSecret {
		t.Error("Secrets returned different values than minted")
	}

	if _, _, err := svc.Secrets(ctx, "m1", storage.EnvSandbox); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("unminted env error = %v, want ErrNotFound", err)
	}
}

func TestEnvForKey(t *testing.T) {
	if env := EnvForKey("sk_test_abc"); env != storage.EnvSandbox {
		t.Errorf("sk_test_ env = %s, want sandbox", env)
	}
	if env := EnvForKey("sk_live_abc"); env != storage.EnvProduction {
		t.Errorf("sk_live_ env = %s, want production", env)
	}
}
