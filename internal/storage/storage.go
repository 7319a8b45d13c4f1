// Package storage owns every persistent entity of the gateway: merchants,
// credentials, invoices, events, suffix claims, nonces, webhook deliveries,
// and alerts. Multi-row state transitions execute in a single transaction
// so a paid invoice can never lose its event or its webhook.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/qrisgate/server/internal/config"
)

// ErrNotFound is returned when a requested entity is missing from the store.
var ErrNotFound = errors.New("storage: not found")

// ErrConflict is returned when a guarded status update matched zero rows,
// meaning another writer won the transition race.
var ErrConflict = errors.New("storage: conflicting concurrent update")

// ErrDuplicateSuffix is returned when a pending insert loses the race for a
// (principal, suffix) claim. Callers retry allocation.
var ErrDuplicateSuffix = errors.New("storage: suffix already claimed")

// ErrNonceReplayed is returned when a (merchant, nonce) pair is reused
// within its TTL.
var ErrNonceReplayed = errors.New("storage: nonce already used")

// ErrDuplicateEmail is returned when a merchant email is already taken
// (case-insensitively).
var ErrDuplicateEmail = errors.New("storage: email already registered")

// Store captures the persistence requirements of the gateway core.
type Store interface {
	// Merchants.
	CreateMerchant(ctx context.Context, m Merchant) error
	GetMerchant(ctx context.Context, id string) (Merchant, error)
	GetMerchantByEmail(ctx context.Context, email string) (Merchant, error)
	UpdateMerchant(ctx context.Context, m Merchant) error
	UpdateMerchantStatus(ctx context.Context, id string, status MerchantStatus) error

	// Credentials. UpsertKeyPair overwrites the pair for one env only.
	// LookupByKeyHash checks production and sandbox hashes in one query.
	UpsertKeyPair(ctx context.Context, merchantID string, env Env, pair KeyPair) error
	GetKeyPair(ctx context.Context, merchantID string, env Env) (KeyPair, error)
	LookupByKeyHash(ctx context.Context, hash string) (merchantID string, env Env, err error)

	// Invoices. CreateInvoicePending inserts the suffix claim, the invoice,
	// the payment.created event, and the optional delivery atomically; a
	// lost suffix race surfaces ErrDuplicateSuffix with nothing persisted.
	CreateInvoicePending(ctx context.Context, inv Invoice, pending PendingTransaction, event InvoiceEvent, delivery *WebhookDelivery) error
	GetInvoice(ctx context.Context, id string) (Invoice, error)
	ListInvoices(ctx context.Context, merchantID string, env Env, limit, offset int) ([]Invoice, error)

	// Guarded transitions: the status update uses WHERE status = <expected>
	// and the whole mutation (pending delete, cache insert, event append,
	// delivery enqueue) is one transaction. Zero matched rows => ErrConflict.
	MarkInvoicePaid(ctx context.Context, invoiceID string, paidAt time.Time, cache *PaidTransaction, event InvoiceEvent, delivery *WebhookDelivery) error
	MarkInvoiceExpired(ctx context.Context, invoiceID string, event InvoiceEvent, delivery *WebhookDelivery) error
	MarkInvoiceRefunded(ctx context.Context, invoiceID string, event InvoiceEvent, delivery *WebhookDelivery) error

	// Event log.
	AppendEvent(ctx context.Context, event InvoiceEvent) error
	ListEvents(ctx context.Context, invoiceID string, limit int) ([]InvoiceEvent, error)

	// Suffix claims.
	GetPendingTransaction(ctx context.Context, invoiceID string) (PendingTransaction, error)
	ListClaimedSuffixes(ctx context.Context, principal string) ([]int, error)
	ListExpiredPending(ctx context.Context, principal string, now time.Time, limit int) ([]PendingTransaction, error)

	// Paid-transaction cache.
	SavePaidTransaction(ctx context.Context, tx PaidTransaction) error
	GetPaidTransaction(ctx context.Context, invoiceID string) (PaidTransaction, error)

	// CheckAndMarkNonce atomically records (merchantID, nonce) and returns
	// ErrNonceReplayed if an unexpired row already exists. Expired rows for
	// the merchant are deleted opportunistically.
	CheckAndMarkNonce(ctx context.Context, merchantID, nonce string, expiresAt time.Time) error

	// Webhook delivery queue.
	EnqueueDelivery(ctx context.Context, d WebhookDelivery) error
	// ClaimDueDeliveries atomically flips up to limit queued, due rows to
	// delivering and returns them ordered by next_retry_at ascending.
	ClaimDueDeliveries(ctx context.Context, now time.Time, limit int) ([]WebhookDelivery, error)
	MarkDeliveryDelivered(ctx context.Context, id string, statusCode int, snippet string) error
	MarkDeliveryRetry(ctx context.Context, id string, attempt int, nextRetryAt time.Time, statusCode int, lastErr string) error
	MarkDeliveryFailed(ctx context.Context, id string, attempt, statusCode int, lastErr string) error
	GetDelivery(ctx context.Context, id string) (WebhookDelivery, error)
	ListDeliveries(ctx context.Context, merchantID string, limit int) ([]WebhookDelivery, error)

	// Alerts.
	CreateAlert(ctx context.Context, a Alert) error
	ListAlerts(ctx context.Context, limit int, includeResolved bool) ([]Alert, error)
	ResolveAlert(ctx context.Context, id string) error

	// Scheduler GC.
	DeleteExpiredNonces(ctx context.Context, now time.Time) (int64, error)
	DeleteExpiredPaidTransactions(ctx context.Context, now time.Time) (int64, error)

	Close() error
}

// NewStore creates a Store from configuration. Empty backend auto-detects:
// postgres when a URL is configured, otherwise sqlite at the file path.
func NewStore(cfg config.StorageConfig) (Store, error) {
	backend := cfg.Backend
	if backend == "" {
		if cfg.PostgresURL != "" {
			backend = "postgres"
		} else {
			backend = "sqlite"
		}
	}

	switch backend {
	case "memory":
		// Loses all replay protection on restart; tests and dev only.
		return NewMemoryStore(), nil
	case "sqlite":
		path := cfg.FilePath
		if path == "" {
			path = "./data/qrisgate.db"
		}
		return NewSQLStore("sqlite", path)
	case "postgres":
		if cfg.PostgresURL == "" {
			return nil, fmt.Errorf("postgres backend requires postgres_url")
		}
		return NewSQLStore("postgres", cfg.PostgresURL)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", backend)
	}
}
