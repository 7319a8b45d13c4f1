package auth

import (
	"context"

	"github.com/qrisgate/server/internal/storage"
)

type contextKey string

const (
	ctxKeyMerchant contextKey = "auth_merchant"
	ctxKeyEnv      contextKey = "auth_env"
	ctxKeyKeyPair  contextKey = "auth_keypair"
)

// Identity is the authenticated caller bound to a request.
type Identity struct {
	Merchant storage.Merchant
	Env      storage.Env
	KeyPair  storage.KeyPair
}

// WithIdentity returns ctx carrying the authenticated identity.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	ctx = context.WithValue(ctx, ctxKeyMerchant, id.Merchant)
	ctx = context.WithValue(ctx, ctxKeyEnv, id.Env)
	return context.WithValue(ctx, ctxKeyKeyPair, id.KeyPair)
}

// MerchantFrom returns the authenticated merchant, if any.
func MerchantFrom(ctx context.Context) (storage.Merchant, bool) {
	m, ok := ctx.Value(ctxKeyMerchant).(storage.Merchant)
	return m, ok
}

// EnvFrom returns the environment the caller's API key belongs to.
func EnvFrom(ctx context.Context) (storage.Env, bool) {
	env, ok := ctx.Value(ctxKeyEnv).(storage.Env)
	return env, ok
}

// KeyPairFrom returns the resolved credential pair for the request.
func KeyPairFrom(ctx context.Context) (storage.KeyPair, bool) {
	pair, ok := ctx.Value(ctxKeyKeyPair).(storage.KeyPair)
	return pair, ok
}
