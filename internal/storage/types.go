package storage

import (
	"encoding/json"
	"time"
)

// Env selects which key pair and webhook endpoint apply to a request.
type Env string

const (
	EnvProduction Env = "production"
	EnvSandbox    Env = "sandbox"
)

// MerchantStatus is the onboarding state of a merchant account.
// Only active merchants may invoke gateway endpoints.
type MerchantStatus string

const (
	MerchantUnverified MerchantStatus = "unverified"
	MerchantSubmitted  MerchantStatus = "submitted"
	MerchantActive     MerchantStatus = "active"
	MerchantRejected   MerchantStatus = "rejected"
	MerchantSuspended  MerchantStatus = "suspended"
)

// WebhookEndpoint is a merchant-controlled notification target.
type WebhookEndpoint struct {
	URL     string `json:"url"`
	Enabled bool   `json:"enabled"`
}

// Merchant is a tenant of the gateway. Email is unique case-insensitively.
type Merchant struct {
	ID                 string          `json:"id"`
	Email              string          `json:"email"`
	Phone              string          `json:"phone,omitempty"`
	Status             MerchantStatus  `json:"status"`
	ProductionWebhook  WebhookEndpoint `json:"production_webhook"`
	SandboxWebhook     WebhookEndpoint `json:"sandbox_webhook"`
	FeeBps             int             `json:"fee_bps"`
	FeeFixed           int64           `json:"fee_fixed"`
	IPAllowlistEnabled bool            `json:"ip_allowlist_enabled"`
	IPAllowlist        []string        `json:"ip_allowlist,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// WebhookFor returns the endpoint for the given env.
func (m Merchant) WebhookFor(env Env) WebhookEndpoint {
	if env == EnvSandbox {
		return m.SandboxWebhook
	}
	return m.ProductionWebhook
}

// KeyPair holds the persisted credential material for one env.
// Raw API keys are never stored; only the SHA-256 fingerprint survives.
type KeyPair struct {
	APIKeyHash    string     `json:"api_key_hash"`
	APIKeyPrefix  string     `json:"api_key_prefix"`
	SigningSecret string     `json:"signing_secret"`
	WebhookSecret string     `json:"webhook_secret"`
	CreatedAt     time.Time  `json:"created_at"`
	RotatedAt     *time.Time `json:"rotated_at,omitempty"`
}

// InvoiceStatus is the lifecycle state of an invoice.
type InvoiceStatus string

const (
	InvoiceCreated  InvoiceStatus = "created"
	InvoicePending  InvoiceStatus = "pending"
	InvoicePaid     InvoiceStatus = "paid"
	InvoiceExpired  InvoiceStatus = "expired"
	InvoiceRefunded InvoiceStatus = "refunded"
)

// Terminal reports whether no further transition is possible except refund.
func (s InvoiceStatus) Terminal() bool {
	return s == InvoicePaid || s == InvoiceExpired || s == InvoiceRefunded
}

// Invoice is one payment request. FinalAmount = BaseAmount + UniqueSuffix;
// the suffix disambiguates concurrent invoices for the same principal.
type Invoice struct {
	ID           string          `json:"id"`
	MerchantID   string          `json:"merchant_id"`
	Env          Env             `json:"env"`
	Principal    string          `json:"principal"`
	ReferenceID  string          `json:"reference_id,omitempty"`
	BaseAmount   int64           `json:"base_amount"`
	UniqueSuffix int             `json:"unique_suffix"`
	FinalAmount  int64           `json:"final_amount"`
	Status       InvoiceStatus   `json:"status"`
	QrisString   string          `json:"qris_string"`
	CreatedAt    time.Time       `json:"created_at"`
	ExpiresAt    time.Time       `json:"expires_at"`
	PaidAt       *time.Time      `json:"paid_at,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
}

// PendingTransaction is the in-flight claim of a suffix for a principal.
// Rows are deleted on payment, expiry, or cancel; the unique index on
// (principal, unique_suffix) is what makes suffix allocation race-safe.
type PendingTransaction struct {
	InvoiceID    string    `json:"invoice_id"`
	MerchantID   string    `json:"merchant_id"`
	Principal    string    `json:"principal"`
	UniqueSuffix int       `json:"unique_suffix"`
	FinalAmount  int64     `json:"final_amount"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// PaidTransaction is a short-TTL success cache letting repeated check calls
// short-circuit without re-polling the upstream.
type PaidTransaction struct {
	InvoiceID   string    `json:"invoice_id"`
	Principal   string    `json:"principal"`
	FinalAmount int64     `json:"final_amount"`
	PaidAt      time.Time `json:"paid_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Invoice event types.
const (
	EventPaymentCreated  = "payment.created"
	EventPaymentPaid     = "payment.paid"
	EventPaymentExpired  = "payment.expired"
	EventRefundRequested = "refund.requested"
	EventRefundProcessed = "refund.processed"
)

// InvoiceEvent is one row of the append-only per-invoice audit log.
type InvoiceEvent struct {
	ID        string          `json:"id"`
	InvoiceID string          `json:"invoice_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// DeliveryStatus is the state of an outbound webhook delivery.
type DeliveryStatus string

const (
	DeliveryQueued     DeliveryStatus = "queued"
	DeliveryDelivering DeliveryStatus = "delivering"
	DeliveryDelivered  DeliveryStatus = "delivered"
	DeliveryFailed     DeliveryStatus = "failed"
)

// WebhookDelivery is one at-least-once notification to a merchant URL.
// Payload bytes are stable across retries.
type WebhookDelivery struct {
	ID              string          `json:"id"`
	MerchantID      string          `json:"merchant_id"`
	Env             Env             `json:"env"`
	InvoiceID       string          `json:"invoice_id,omitempty"`
	EventType       string          `json:"event_type"`
	Payload         json.RawMessage `json:"payload"`
	Status          DeliveryStatus  `json:"status"`
	AttemptCount    int             `json:"attempt_count"`
	NextRetryAt     time.Time       `json:"next_retry_at"`
	LastStatusCode  int             `json:"last_status_code,omitempty"`
	LastError       string          `json:"last_error,omitempty"`
	ResponseSnippet string          `json:"response_snippet,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// Alert types.
const (
	AlertWebhookFailed = "WebhookFailed"
)

// Alert is an operational event surfaced in the admin interface.
type Alert struct {
	ID         string     `json:"id"`
	MerchantID string     `json:"merchant_id,omitempty"`
	Type       string     `json:"type"`
	Message    string     `json:"message"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}
