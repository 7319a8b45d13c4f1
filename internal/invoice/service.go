// Package invoice implements the invoice lifecycle: creation with unique
// amount-suffix allocation, payment detection against upstream credits,
// expiry, and refunds. Every state transition is atomic with its event
// append and webhook enqueue.
package invoice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	gwerrors "github.com/qrisgate/server/internal/errors"
	"github.com/qrisgate/server/internal/logger"
	"github.com/qrisgate/server/internal/metrics"
	"github.com/qrisgate/server/internal/qris"
	"github.com/qrisgate/server/internal/storage"
	"github.com/qrisgate/server/internal/upstream"
	"github.com/qrisgate/server/internal/webhook"
)

// Suffix allocation ranges. The primary band is scanned first; the overflow
// band only when the primary is exhausted.
const (
	suffixPrimaryLo  = 1
	suffixPrimaryHi  = 500
	suffixOverflowLo = 501
	suffixOverflowHi = 999
)

// maxAllocRetries bounds how often a lost suffix race is retried before the
// caller sees a conflict.
const maxAllocRetries = 3

// Service owns invoice semantics on top of the store and upstream adapter.
type Service struct {
	store        storage.Store
	upstream     upstream.Client
	pendingTTL   time.Duration
	paidCacheTTL time.Duration
	metrics      *metrics.Metrics
	now          func() time.Time
}

// SetMetrics enables counter recording. Optional; nil-safe when unset.
func (s *Service) SetMetrics(m *metrics.Metrics) { s.metrics = m }

// NewService builds the invoice service.
func NewService(store storage.Store, up upstream.Client, pendingTTL, paidCacheTTL time.Duration) *Service {
	return &Service{
		store:        store,
		upstream:     up,
		pendingTTL:   pendingTTL,
		paidCacheTTL: paidCacheTTL,
		now:          time.Now,
	}
}

// CreateParams is the input to Create. Token is the caller's upstream
// credential; it is used transiently and never persisted.
type CreateParams struct {
	Principal   string
	BaseAmount  int64
	QrisStatic  string
	ReferenceID string
	Metadata    json.RawMessage
}

// Create allocates a suffix, renders the dynamic QRIS payload, and persists
// the invoice as pending.
func (s *Service) Create(ctx context.Context, merchant storage.Merchant, env storage.Env, p CreateParams) (storage.Invoice, error) {
	if p.Principal == "" {
		return storage.Invoice{}, gwerrors.E(gwerrors.CodeMissingParams, "username is required")
	}
	if p.BaseAmount <= 0 {
		return storage.Invoice{}, gwerrors.E(gwerrors.CodeInvalidAmount, "amount must be a positive integer")
	}
	if err := qris.Validate(p.QrisStatic); err != nil {
		return storage.Invoice{}, gwerrors.E(gwerrors.CodeInvalidQris, "qris_static is not a valid QRIS payload")
	}

	log := logger.FromContext(ctx)

	// Release suffixes held by already-expired invoices before scanning, so
	// a busy principal does not exhaust the band on dead claims.
	if err := s.expirePendingFor(ctx, p.Principal); err != nil {
		log.Warn().Err(err).Str("principal", p.Principal).Msg("pending gc before allocation failed")
	}

	for attempt := 0; attempt < maxAllocRetries; attempt++ {
		suffix, err := s.pickSuffix(ctx, p.Principal)
		if err != nil {
			return storage.Invoice{}, err
		}

		finalAmount := p.BaseAmount + int64(suffix)
		payload, err := qris.InjectAmount(p.QrisStatic, finalAmount)
		if err != nil {
			return storage.Invoice{}, gwerrors.E(gwerrors.CodeInvalidQris, "qris_static is not a valid QRIS payload")
		}

		now := s.now().UTC()
		inv := storage.Invoice{
			ID:           uuid.NewString(),
			MerchantID:   merchant.ID,
			Env:          env,
			Principal:    p.Principal,
			ReferenceID:  p.ReferenceID,
			BaseAmount:   p.BaseAmount,
			UniqueSuffix: suffix,
			FinalAmount:  finalAmount,
			Status:       storage.InvoicePending,
			QrisString:   payload,
			CreatedAt:    now,
			ExpiresAt:    now.Add(s.pendingTTL),
			Metadata:     p.Metadata,
		}
		pending := storage.PendingTransaction{
			InvoiceID:    inv.ID,
			MerchantID:   merchant.ID,
			Principal:    p.Principal,
			UniqueSuffix: suffix,
			FinalAmount:  finalAmount,
			CreatedAt:    now,
			ExpiresAt:    inv.ExpiresAt,
		}
		event := newEvent(inv.ID, storage.EventPaymentCreated, map[string]any{
			"final_amount": finalAmount,
			"suffix":       suffix,
		}, now)
		delivery := webhook.BuildDelivery(merchant, env, inv, storage.EventPaymentCreated, now)

		err = s.store.CreateInvoicePending(ctx, inv, pending, event, delivery)
		if err == nil {
			log.Info().Str("invoice_id", inv.ID).Int("suffix", suffix).
				Int64("final_amount", finalAmount).Msg("invoice created")
			if s.metrics != nil {
				s.metrics.InvoicesCreated.Inc()
			}
			return inv, nil
		}
		if errors.Is(err, storage.ErrDuplicateSuffix) {
			continue
		}
		log.Error().Err(err).Msg("invoice insert failed")
		return storage.Invoice{}, gwerrors.E(gwerrors.CodeInternal, "failed to create invoice")
	}
	return storage.Invoice{}, gwerrors.E(gwerrors.CodeConflict, "suffix contention, retry the request")
}

// pickSuffix returns the smallest unclaimed suffix for the principal.
func (s *Service) pickSuffix(ctx context.Context, principal string) (int, error) {
	claimed, err := s.store.ListClaimedSuffixes(ctx, principal)
	if err != nil {
		return 0, gwerrors.E(gwerrors.CodeInternal, "failed to read claimed suffixes")
	}
	taken := make(map[int]struct{}, len(claimed))
	for _, suffix := range claimed {
		taken[suffix] = struct{}{}
	}
	for suffix := suffixPrimaryLo; suffix <= suffixPrimaryHi; suffix++ {
		if _, ok := taken[suffix]; !ok {
			return suffix, nil
		}
	}
	for suffix := suffixOverflowLo; suffix <= suffixOverflowHi; suffix++ {
		if _, ok := taken[suffix]; !ok {
			return suffix, nil
		}
	}
	return 0, gwerrors.E(gwerrors.CodeNoSuffixAvailable, "no unique amount suffix available for this principal")
}

// CheckResult is the outcome of a payment check.
type CheckResult struct {
	Invoice   storage.Invoice
	ExpiresIn int64
}

// Check resolves the current payment state of an invoice, polling the
// upstream when the cache and local state are inconclusive. token is the
// caller-supplied upstream credential.
func (s *Service) Check(ctx context.Context, merchant storage.Merchant, invoiceID, token string) (CheckResult, error) {
	inv, err := s.getOwned(ctx, merchant, invoiceID)
	if err != nil {
		return CheckResult{}, err
	}
	now := s.now().UTC()

	// Paid-cache fast path: a previous check already saw the credit.
	if cached, err := s.store.GetPaidTransaction(ctx, invoiceID); err == nil {
		if inv.Status == storage.InvoicePending {
			if err := s.markPaid(ctx, merchant, inv, cached.PaidAt, false); err != nil && !errors.Is(err, storage.ErrConflict) {
				return CheckResult{}, gwerrors.E(gwerrors.CodeInternal, "failed to record payment")
			}
			inv, _ = s.store.GetInvoice(ctx, invoiceID)
		}
		return CheckResult{Invoice: inv}, nil
	}

	pending, err := s.store.GetPendingTransaction(ctx, invoiceID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return CheckResult{}, gwerrors.E(gwerrors.CodeInternal, "failed to load pending transaction")
		}
		// No pending row: the invoice already reached a terminal state.
		if inv.Status.Terminal() {
			return CheckResult{Invoice: inv}, nil
		}
		return CheckResult{}, gwerrors.E(gwerrors.CodeNotFound, "invoice has no pending transaction")
	}

	if now.After(pending.ExpiresAt) {
		if err := s.expireInvoice(ctx, merchant, inv, now); err != nil && !errors.Is(err, storage.ErrConflict) {
			return CheckResult{}, gwerrors.E(gwerrors.CodeInternal, "failed to expire invoice")
		}
		inv, _ = s.store.GetInvoice(ctx, invoiceID)
		return CheckResult{Invoice: inv}, nil
	}

	credits, err := s.upstream.FetchCredits(ctx, pending.Principal, token)
	if err != nil {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Str("invoice_id", invoiceID).Msg("upstream poll failed")
		return CheckResult{}, gwerrors.E(gwerrors.CodeUpstreamUnavailable, "payment provider unavailable, retry later")
	}

	for _, credit := range credits {
		if credit.Status == upstream.CreditIn && credit.Amount == pending.FinalAmount {
			if err := s.markPaid(ctx, merchant, inv, now, true); err != nil && !errors.Is(err, storage.ErrConflict) {
				return CheckResult{}, gwerrors.E(gwerrors.CodeInternal, "failed to record payment")
			}
			inv, _ = s.store.GetInvoice(ctx, invoiceID)
			return CheckResult{Invoice: inv}, nil
		}
	}

	return CheckResult{
		Invoice:   inv,
		ExpiresIn: int64(pending.ExpiresAt.Sub(now) / time.Second),
	}, nil
}

// markPaid performs the pending -> paid transition with event, cache, and
// delivery in one transaction.
func (s *Service) markPaid(ctx context.Context, merchant storage.Merchant, inv storage.Invoice, paidAt time.Time, cache bool) error {
	now := s.now().UTC()
	paid := inv
	paid.Status = storage.InvoicePaid
	paid.PaidAt = &paidAt

	var cacheEntry *storage.PaidTransaction
	if cache {
		cacheEntry = &storage.PaidTransaction{
			InvoiceID:   inv.ID,
			Principal:   inv.Principal,
			FinalAmount: inv.FinalAmount,
			PaidAt:      paidAt,
			ExpiresAt:   now.Add(s.paidCacheTTL),
		}
	}
	event := newEvent(inv.ID, storage.EventPaymentPaid, map[string]any{
		"final_amount": inv.FinalAmount,
		"paid_at":      paidAt,
	}, now)
	delivery := webhook.BuildDelivery(merchant, inv.Env, paid, storage.EventPaymentPaid, now)

	err := s.store.MarkInvoicePaid(ctx, inv.ID, paidAt, cacheEntry, event, delivery)
	if err == nil {
		log := logger.FromContext(ctx)
		log.Info().Str("invoice_id", inv.ID).
			Int64("final_amount", inv.FinalAmount).Msg("invoice paid")
		if s.metrics != nil {
			s.metrics.InvoicesPaid.Inc()
		}
	}
	return err
}

// expireInvoice performs the pending -> expired transition.
func (s *Service) expireInvoice(ctx context.Context, merchant storage.Merchant, inv storage.Invoice, now time.Time) error {
	expired := inv
	expired.Status = storage.InvoiceExpired
	event := newEvent(inv.ID, storage.EventPaymentExpired, nil, now)
	delivery := webhook.BuildDelivery(merchant, inv.Env, expired, storage.EventPaymentExpired, now)
	return s.store.MarkInvoiceExpired(ctx, inv.ID, event, delivery)
}

// expirePendingFor expires this principal's overdue invoices so their
// suffixes return to the pool. A principal may span merchants, so the owner
// is resolved per invoice for the webhook enqueue.
func (s *Service) expirePendingFor(ctx context.Context, principal string) error {
	now := s.now().UTC()
	overdue, err := s.store.ListExpiredPending(ctx, principal, now, 0)
	if err != nil {
		return err
	}
	for _, pending := range overdue {
		inv, err := s.store.GetInvoice(ctx, pending.InvoiceID)
		if err != nil {
			continue
		}
		owner, err := s.store.GetMerchant(ctx, inv.MerchantID)
		if err != nil {
			continue
		}
		if err := s.expireInvoice(ctx, owner, inv, now); err != nil && !errors.Is(err, storage.ErrConflict) {
			return err
		}
	}
	return nil
}

// Get loads an invoice owned by the calling merchant.
func (s *Service) Get(ctx context.Context, merchant storage.Merchant, invoiceID string) (storage.Invoice, error) {
	return s.getOwned(ctx, merchant, invoiceID)
}

// List returns the merchant's invoices for the key's env, newest first.
func (s *Service) List(ctx context.Context, merchant storage.Merchant, env storage.Env, limit, offset int) ([]storage.Invoice, error) {
	if limit <= 0 || limit > 200 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}
	invoices, err := s.store.ListInvoices(ctx, merchant.ID, env, limit, offset)
	if err != nil {
		return nil, gwerrors.E(gwerrors.CodeInternal, "failed to list invoices")
	}
	return invoices, nil
}

// Events tails the invoice's event log.
func (s *Service) Events(ctx context.Context, merchant storage.Merchant, invoiceID string, limit int) ([]storage.InvoiceEvent, error) {
	if _, err := s.getOwned(ctx, merchant, invoiceID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	events, err := s.store.ListEvents(ctx, invoiceID, limit)
	if err != nil {
		return nil, gwerrors.E(gwerrors.CodeInternal, "failed to list events")
	}
	return events, nil
}

// RefundParams is the optional body of a refund request.
type RefundParams struct {
	Amount int64
	Reason string
}

// Refund requests and processes a refund on a paid invoice. There is no
// external refund rail, so the request is processed in the same call: the
// invoice transitions paid -> refunded with both events appended.
func (s *Service) Refund(ctx context.Context, merchant storage.Merchant, invoiceID string, p RefundParams) (storage.Invoice, error) {
	inv, err := s.getOwned(ctx, merchant, invoiceID)
	if err != nil {
		return storage.Invoice{}, err
	}
	if inv.Status != storage.InvoicePaid {
		return storage.Invoice{}, gwerrors.E(gwerrors.CodeConflict,
			fmt.Sprintf("invoice is %s, only paid invoices can be refunded", inv.Status))
	}
	if p.Amount < 0 || p.Amount > inv.FinalAmount {
		return storage.Invoice{}, gwerrors.E(gwerrors.CodeInvalidAmount, "refund amount exceeds invoice amount")
	}

	now := s.now().UTC()
	requested := newEvent(inv.ID, storage.EventRefundRequested, map[string]any{
		"amount": p.Amount,
		"reason": p.Reason,
	}, now)
	if err := s.store.AppendEvent(ctx, requested); err != nil {
		return storage.Invoice{}, gwerrors.E(gwerrors.CodeInternal, "failed to record refund request")
	}

	refunded := inv
	refunded.Status = storage.InvoiceRefunded
	processed := newEvent(inv.ID, storage.EventRefundProcessed, map[string]any{"amount": p.Amount}, now)
	delivery := webhook.BuildDelivery(merchant, inv.Env, refunded, storage.EventRefundProcessed, now)

	if err := s.store.MarkInvoiceRefunded(ctx, inv.ID, processed, delivery); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return storage.Invoice{}, gwerrors.E(gwerrors.CodeConflict, "invoice state changed, re-read and retry")
		}
		return storage.Invoice{}, gwerrors.E(gwerrors.CodeInternal, "failed to process refund")
	}
	log := logger.FromContext(ctx)
	log.Info().Str("invoice_id", inv.ID).Msg("invoice refunded")

	inv, _ = s.store.GetInvoice(ctx, inv.ID)
	return inv, nil
}

func (s *Service) getOwned(ctx context.Context, merchant storage.Merchant, invoiceID string) (storage.Invoice, error) {
	inv, err := s.store.GetInvoice(ctx, invoiceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Invoice{}, gwerrors.E(gwerrors.CodeNotFound, "invoice not found")
		}
		return storage.Invoice{}, gwerrors.E(gwerrors.CodeInternal, "failed to load invoice")
	}
	// Cross-tenant reads 404 rather than 403: existence is not disclosed.
	if inv.MerchantID != merchant.ID {
		return storage.Invoice{}, gwerrors.E(gwerrors.CodeNotFound, "invoice not found")
	}
	return inv, nil
}

func newEvent(invoiceID, eventType string, payload map[string]any, now time.Time) storage.InvoiceEvent {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	return storage.InvoiceEvent{
		ID:        uuid.NewString(),
		InvoiceID: invoiceID,
		EventType: eventType,
		Payload:   raw,
		CreatedAt: now,
	}
}
