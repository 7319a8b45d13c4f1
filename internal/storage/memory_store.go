package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store implementation suitable for tests and
// single-instance development. It mirrors the SQL store's uniqueness and
// guarded-transition semantics under one mutex.
type MemoryStore struct {
	mu          sync.RWMutex
	merchants   map[string]Merchant
	keyPairs    map[string]KeyPair // merchantID + "/" + env
	invoices    map[string]Invoice
	events      map[string][]InvoiceEvent // invoiceID -> ordered events
	pending     map[string]PendingTransaction
	suffixes    map[string]map[int]string // principal -> suffix -> invoiceID
	paid        map[string]PaidTransaction
	nonces      map[string]time.Time // merchantID + "\x00" + nonce -> expiry
	deliveries  map[string]WebhookDelivery
	alerts      map[string]Alert
	eventSeq    int64
	deliverySeq int64
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		merchants:  make(map[string]Merchant),
		keyPairs:   make(map[string]KeyPair),
		invoices:   make(map[string]Invoice),
		events:     make(map[string][]InvoiceEvent),
		pending:    make(map[string]PendingTransaction),
		suffixes:   make(map[string]map[int]string),
		paid:       make(map[string]PaidTransaction),
		nonces:     make(map[string]time.Time),
		deliveries: make(map[string]WebhookDelivery),
		alerts:     make(map[string]Alert),
	}
}

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }

func pairKey(merchantID string, env Env) string {
	return merchantID + "/" + string(env)
}

func nonceKey(merchantID, nonce string) string {
	return merchantID + "\x00" + nonce
}

// CreateMerchant inserts a merchant, enforcing case-insensitive email
// uniqueness.
func (m *MemoryStore) CreateMerchant(_ context.Context, merchant Merchant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	email := strings.ToLower(merchant.Email)
	for _, existing := range m.merchants {
		if strings.ToLower(existing.Email) == email {
			return ErrDuplicateEmail
		}
	}
	merchant.Email = email
	m.merchants[merchant.ID] = merchant
	return nil
}

func (m *MemoryStore) GetMerchant(_ context.Context, id string) (Merchant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	merchant, ok := m.merchants[id]
	if !ok {
		return Merchant{}, ErrNotFound
	}
	return merchant, nil
}

func (m *MemoryStore) GetMerchantByEmail(_ context.Context, email string) (Merchant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	email = strings.ToLower(email)
	for _, merchant := range m.merchants {
		if merchant.Email == email {
			return merchant, nil
		}
	}
	return Merchant{}, ErrNotFound
}

func (m *MemoryStore) UpdateMerchant(_ context.Context, merchant Merchant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.merchants[merchant.ID]; !ok {
		return ErrNotFound
	}
	merchant.Email = strings.ToLower(merchant.Email)
	merchant.UpdatedAt = time.Now().UTC()
	m.merchants[merchant.ID] = merchant
	return nil
}

func (m *MemoryStore) UpdateMerchantStatus(_ context.Context, id string, status MerchantStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	merchant, ok := m.merchants[id]
	if !ok {
		return ErrNotFound
	}
	merchant.Status = status
	merchant.UpdatedAt = time.Now().UTC()
	m.merchants[id] = merchant
	return nil
}

// UpsertKeyPair overwrites the credential pair for one env only.
func (m *MemoryStore) UpsertKeyPair(_ context.Context, merchantID string, env Env, pair KeyPair) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.merchants[merchantID]; !ok {
		return ErrNotFound
	}
	m.keyPairs[pairKey(merchantID, env)] = pair
	return nil
}

func (m *MemoryStore) GetKeyPair(_ context.Context, merchantID string, env Env) (KeyPair, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pair, ok := m.keyPairs[pairKey(merchantID, env)]
	if !ok {
		return KeyPair{}, ErrNotFound
	}
	return pair, nil
}

// LookupByKeyHash resolves a key fingerprint to (merchant, env) across both
// environments.
func (m *MemoryStore) LookupByKeyHash(_ context.Context, hash string) (string, Env, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for key, pair := range m.keyPairs {
		if pair.APIKeyHash != hash {
			continue
		}
		idx := strings.LastIndex(key, "/")
		return key[:idx], Env(key[idx+1:]), nil
	}
	return "", "", ErrNotFound
}

// CreateInvoicePending inserts the suffix claim, invoice, event, and
// optional delivery as one atomic unit.
func (m *MemoryStore) CreateInvoicePending(_ context.Context, inv Invoice, pending PendingTransaction, event InvoiceEvent, delivery *WebhookDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	claims := m.suffixes[pending.Principal]
	if claims == nil {
		claims = make(map[int]string)
		m.suffixes[pending.Principal] = claims
	}
	if _, taken := claims[pending.UniqueSuffix]; taken {
		return ErrDuplicateSuffix
	}

	claims[pending.UniqueSuffix] = inv.ID
	m.pending[inv.ID] = pending
	m.invoices[inv.ID] = inv
	m.appendEventLocked(event)
	if delivery != nil {
		m.enqueueLocked(*delivery)
	}
	return nil
}

func (m *MemoryStore) GetInvoice(_ context.Context, id string) (Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inv, ok := m.invoices[id]
	if !ok {
		return Invoice{}, ErrNotFound
	}
	return inv, nil
}

func (m *MemoryStore) ListInvoices(_ context.Context, merchantID string, env Env, limit, offset int) ([]Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []Invoice
	for _, inv := range m.invoices {
		if inv.MerchantID == merchantID && inv.Env == env {
			all = append(all, inv)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// MarkInvoicePaid performs the guarded pending -> paid transition.
func (m *MemoryStore) MarkInvoicePaid(_ context.Context, invoiceID string, paidAt time.Time, cache *PaidTransaction, event InvoiceEvent, delivery *WebhookDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inv, ok := m.invoices[invoiceID]
	if !ok {
		return ErrNotFound
	}
	if inv.Status != InvoicePending {
		return ErrConflict
	}

	inv.Status = InvoicePaid
	inv.PaidAt = &paidAt
	m.invoices[invoiceID] = inv
	m.deletePendingLocked(invoiceID)
	if cache != nil {
		m.paid[invoiceID] = *cache
	}
	m.appendEventLocked(event)
	if delivery != nil {
		m.enqueueLocked(*delivery)
	}
	return nil
}

// MarkInvoiceExpired performs the guarded pending -> expired transition.
func (m *MemoryStore) MarkInvoiceExpired(_ context.Context, invoiceID string, event InvoiceEvent, delivery *WebhookDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inv, ok := m.invoices[invoiceID]
	if !ok {
		return ErrNotFound
	}
	if inv.Status != InvoicePending {
		return ErrConflict
	}

	inv.Status = InvoiceExpired
	m.invoices[invoiceID] = inv
	m.deletePendingLocked(invoiceID)
	m.appendEventLocked(event)
	if delivery != nil {
		m.enqueueLocked(*delivery)
	}
	return nil
}

// MarkInvoiceRefunded performs the guarded paid -> refunded transition.
func (m *MemoryStore) MarkInvoiceRefunded(_ context.Context, invoiceID string, event InvoiceEvent, delivery *WebhookDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inv, ok := m.invoices[invoiceID]
	if !ok {
		return ErrNotFound
	}
	if inv.Status != InvoicePaid {
		return ErrConflict
	}

	inv.Status = InvoiceRefunded
	m.invoices[invoiceID] = inv
	m.appendEventLocked(event)
	if delivery != nil {
		m.enqueueLocked(*delivery)
	}
	return nil
}

func (m *MemoryStore) AppendEvent(_ context.Context, event InvoiceEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendEventLocked(event)
	return nil
}

func (m *MemoryStore) appendEventLocked(event InvoiceEvent) {
	m.eventSeq++
	m.events[event.InvoiceID] = append(m.events[event.InvoiceID], event)
}

func (m *MemoryStore) ListEvents(_ context.Context, invoiceID string, limit int) ([]InvoiceEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := m.events[invoiceID]
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	out := make([]InvoiceEvent, len(events))
	copy(out, events)
	return out, nil
}

func (m *MemoryStore) GetPendingTransaction(_ context.Context, invoiceID string) (PendingTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.pending[invoiceID]
	if !ok {
		return PendingTransaction{}, ErrNotFound
	}
	return p, nil
}

func (m *MemoryStore) deletePendingLocked(invoiceID string) {
	p, ok := m.pending[invoiceID]
	if !ok {
		return
	}
	delete(m.pending, invoiceID)
	if claims := m.suffixes[p.Principal]; claims != nil {
		delete(claims, p.UniqueSuffix)
	}
}

func (m *MemoryStore) ListClaimedSuffixes(_ context.Context, principal string) ([]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	claims := m.suffixes[principal]
	out := make([]int, 0, len(claims))
	for suffix := range claims {
		out = append(out, suffix)
	}
	sort.Ints(out)
	return out, nil
}

func (m *MemoryStore) ListExpiredPending(_ context.Context, principal string, now time.Time, limit int) ([]PendingTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []PendingTransaction
	for _, p := range m.pending {
		if principal != "" && p.Principal != principal {
			continue
		}
		if now.After(p.ExpiresAt) {
			out = append(out, p)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) SavePaidTransaction(_ context.Context, tx PaidTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paid[tx.InvoiceID] = tx
	return nil
}

func (m *MemoryStore) GetPaidTransaction(_ context.Context, invoiceID string) (PaidTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.paid[invoiceID]
	if !ok || time.Now().After(tx.ExpiresAt) {
		return PaidTransaction{}, ErrNotFound
	}
	return tx, nil
}

// CheckAndMarkNonce records the nonce, failing on unexpired reuse. Expired
// rows are collected while we hold the lock anyway.
func (m *MemoryStore) CheckAndMarkNonce(_ context.Context, merchantID, nonce string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	prefix := merchantID + "\x00"
	for key, expiry := range m.nonces {
		if strings.HasPrefix(key, prefix) && now.After(expiry) {
			delete(m.nonces, key)
		}
	}

	key := nonceKey(merchantID, nonce)
	if expiry, exists := m.nonces[key]; exists && now.Before(expiry) {
		return ErrNonceReplayed
	}
	m.nonces[key] = expiresAt
	return nil
}

func (m *MemoryStore) EnqueueDelivery(_ context.Context, d WebhookDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enqueueLocked(d)
	return nil
}

func (m *MemoryStore) enqueueLocked(d WebhookDelivery) {
	m.deliverySeq++
	m.deliveries[d.ID] = d
}

// ClaimDueDeliveries flips due queued rows to delivering and returns them
// ordered by next_retry_at.
func (m *MemoryStore) ClaimDueDeliveries(_ context.Context, now time.Time, limit int) ([]WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []WebhookDelivery
	for _, d := range m.deliveries {
		if d.Status == DeliveryQueued && !d.NextRetryAt.After(now) {
			due = append(due, d)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRetryAt.Before(due[j].NextRetryAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		due[i].Status = DeliveryDelivering
		m.deliveries[due[i].ID] = due[i]
	}
	return due, nil
}

func (m *MemoryStore) MarkDeliveryDelivered(_ context.Context, id string, statusCode int, snippet string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deliveries[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	d.Status = DeliveryDelivered
	d.AttemptCount++
	d.LastStatusCode = statusCode
	d.ResponseSnippet = snippet
	d.LastError = ""
	d.CompletedAt = &now
	m.deliveries[id] = d
	return nil
}

func (m *MemoryStore) MarkDeliveryRetry(_ context.Context, id string, attempt int, nextRetryAt time.Time, statusCode int, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deliveries[id]
	if !ok {
		return ErrNotFound
	}
	d.Status = DeliveryQueued
	d.AttemptCount = attempt
	d.NextRetryAt = nextRetryAt
	d.LastStatusCode = statusCode
	d.LastError = lastErr
	m.deliveries[id] = d
	return nil
}

func (m *MemoryStore) MarkDeliveryFailed(_ context.Context, id string, attempt, statusCode int, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deliveries[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	d.Status = DeliveryFailed
	d.AttemptCount = attempt
	d.LastStatusCode = statusCode
	d.LastError = lastErr
	d.CompletedAt = &now
	m.deliveries[id] = d
	return nil
}

func (m *MemoryStore) GetDelivery(_ context.Context, id string) (WebhookDelivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.deliveries[id]
	if !ok {
		return WebhookDelivery{}, ErrNotFound
	}
	return d, nil
}

func (m *MemoryStore) ListDeliveries(_ context.Context, merchantID string, limit int) ([]WebhookDelivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []WebhookDelivery
	for _, d := range m.deliveries {
		if merchantID == "" || d.MerchantID == merchantID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CreateAlert(_ context.Context, a Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts[a.ID] = a
	return nil
}

func (m *MemoryStore) ListAlerts(_ context.Context, limit int, includeResolved bool) ([]Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Alert, 0)
	for _, a := range m.alerts {
		if !includeResolved && a.ResolvedAt != nil {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ResolveAlert(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.alerts[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	a.ResolvedAt = &now
	m.alerts[id] = a
	return nil
}

func (m *MemoryStore) DeleteExpiredNonces(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for key, expiry := range m.nonces {
		if now.After(expiry) {
			delete(m.nonces, key)
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) DeleteExpiredPaidTransactions(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for id, tx := range m.paid {
		if now.After(tx.ExpiresAt) {
			delete(m.paid, id)
			count++
		}
	}
	return count, nil
}
