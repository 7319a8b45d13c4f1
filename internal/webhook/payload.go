package webhook

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/qrisgate/server/internal/storage"
)

// eventPayload is the body POSTed to merchant webhook URLs. Marshalled once
// at enqueue time so the bytes stay stable across retries.
type eventPayload struct {
	EventType   string          `json:"event_type"`
	InvoiceID   string          `json:"invoice_id"`
	ReferenceID string          `json:"reference_id,omitempty"`
	BaseAmount  int64           `json:"base_amount"`
	FinalAmount int64           `json:"final_amount"`
	Status      string          `json:"status"`
	PaidAt      *time.Time      `json:"paid_at,omitempty"`
	ExpiresAt   time.Time       `json:"expires_at"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// BuildDelivery constructs a queued delivery for an invoice event, or nil
// when the merchant has no enabled webhook for the env.
func BuildDelivery(merchant storage.Merchant, env storage.Env, inv storage.Invoice, eventType string, now time.Time) *storage.WebhookDelivery {
	endpoint := merchant.WebhookFor(env)
	if !endpoint.Enabled || endpoint.URL == "" {
		return nil
	}

	payload, err := json.Marshal(eventPayload{
		EventType:   eventType,
		InvoiceID:   inv.ID,
		ReferenceID: inv.ReferenceID,
		BaseAmount:  inv.BaseAmount,
		FinalAmount: inv.FinalAmount,
		Status:      string(inv.Status),
		PaidAt:      inv.PaidAt,
		ExpiresAt:   inv.ExpiresAt,
		Metadata:    inv.Metadata,
	})
	if err != nil {
		return nil
	}

	return &storage.WebhookDelivery{
		ID:          uuid.NewString(),
		MerchantID:  merchant.ID,
		Env:         env,
		InvoiceID:   inv.ID,
		EventType:   eventType,
		Payload:     payload,
		Status:      storage.DeliveryQueued,
		NextRetryAt: now,
		CreatedAt:   now,
	}
}
