package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testMerchant(id string) Merchant {
	now := time.Now().UTC()
	return Merchant{
		ID:                id,
		Email:             id + "@example.com",
		Status:            MerchantActive,
		ProductionWebhook: WebhookEndpoint{URL: "https://example.com/hook", Enabled: true},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func testInvoice(id, merchantID string, suffix int) (Invoice, PendingTransaction, InvoiceEvent) {
	now := time.Now().UTC()
	inv := Invoice{
		ID:           id,
		MerchantID:   merchantID,
		Env:          EnvProduction,
		Principal:    "merchant-" + merchantID,
		BaseAmount:   10000,
		UniqueSuffix: suffix,
		FinalAmount:  10000 + int64(suffix),
		Status:       InvoicePending,
		QrisString:   "000201",
		CreatedAt:    now,
		ExpiresAt:    now.Add(10 * time.Minute),
	}
	pending := PendingTransaction{
		InvoiceID:    id,
		MerchantID:   merchantID,
		Principal:    inv.Principal,
		UniqueSuffix: suffix,
		FinalAmount:  inv.FinalAmount,
		CreatedAt:    now,
		ExpiresAt:    inv.ExpiresAt,
	}
	event := InvoiceEvent{
		ID:        "evt-" + id,
		InvoiceID: id,
		EventType: EventPaymentCreated,
		CreatedAt: now,
	}
	return inv, pending, event
}

func TestDuplicateEmailRejected(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.CreateMerchant(ctx, testMerchant("m1")); err != nil {
		t.Fatalf("first create: %v", err)
	}
	dup := testMerchant("m2")
	dup.Email = "M1@Example.COM"
	if err := store.CreateMerchant(ctx, dup); !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("duplicate email error = %v, want ErrDuplicateEmail", err)
	}
}

func TestSuffixClaimUniqueness(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	inv1, p1, e1 := testInvoice("inv1", "m1", 1)
	if err := store.CreateInvoicePending(ctx, inv1, p1, e1, nil); err != nil {
		t.Fatalf("first claim: %v", err)
	}

	inv2, p2, e2 := testInvoice("inv2", "m1", 1)
	if err := store.CreateInvoicePending(ctx, inv2, p2, e2, nil); !errors.Is(err, ErrDuplicateSuffix) {
		t.Fatalf("second claim error = %v, want ErrDuplicateSuffix", err)
	}
	// Nothing from the losing attempt may survive.
	if _, err := store.GetInvoice(ctx, "inv2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("losing invoice persisted: %v", err)
	}

	// A different principal is free to reuse the suffix.
	inv3, p3, e3 := testInvoice("inv3", "m2", 1)
	if err := store.CreateInvoicePending(ctx, inv3, p3, e3, nil); err != nil {
		t.Fatalf("cross-principal claim: %v", err)
	}
}

func TestMarkPaidReleasesSuffixAndEnqueues(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	inv, pending, event := testInvoice("inv1", "m1", 7)
	if err := store.CreateInvoicePending(ctx, inv, pending, event, nil); err != nil {
		t.Fatal(err)
	}

	paidAt := time.Now().UTC()
	cache := &PaidTransaction{
		InvoiceID:   "inv1",
		Principal:   pending.Principal,
		FinalAmount: pending.FinalAmount,
		PaidAt:      paidAt,
		ExpiresAt:   paidAt.Add(time.Hour),
	}
	delivery := &WebhookDelivery{
		ID:         "wd1",
		MerchantID: "m1",
		Env:        EnvProduction,
		InvoiceID:  "inv1",
		EventType:  EventPaymentPaid,
		Payload:    []byte(`{}`),
		Status:     DeliveryQueued,
		CreatedAt:  paidAt,
	}
	paidEvent := InvoiceEvent{ID: "evt-paid", InvoiceID: "inv1", EventType: EventPaymentPaid, CreatedAt: paidAt}

	if err := store.MarkInvoicePaid(ctx, "inv1", paidAt, cache, paidEvent, delivery); err != nil {
		t.Fatalf("MarkInvoicePaid: %v", err)
	}

	got, err := store.GetInvoice(ctx, "inv1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != InvoicePaid || got.PaidAt == nil {
		t.Errorf("invoice = %s paid_at=%v, want paid with timestamp", got.Status, got.PaidAt)
	}
	if suffixes, _ := store.ListClaimedSuffixes(ctx, pending.Principal); len(suffixes) != 0 {
		t.Errorf("suffix not released: %v", suffixes)
	}
	if _, err := store.GetPaidTransaction(ctx, "inv1"); err != nil {
		t.Errorf("paid cache missing: %v", err)
	}
	if _, err := store.GetDelivery(ctx, "wd1"); err != nil {
		t.Errorf("delivery not enqueued: %v", err)
	}
	events, _ := store.ListEvents(ctx, "inv1", 0)
	if len(events) != 2 {
		t.Errorf("event count = %d, want 2", len(events))
	}

	// A second transition must lose the guarded update.
	if err := store.MarkInvoicePaid(ctx, "inv1", paidAt, nil, paidEvent, nil); !errors.Is(err, ErrConflict) {
		t.Errorf("double paid error = %v, want ErrConflict", err)
	}
}

func TestMarkExpiredOnlyFromPending(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	inv, pending, event := testInvoice("inv1", "m1", 3)
	if err := store.CreateInvoicePending(ctx, inv, pending, event, nil); err != nil {
		t.Fatal(err)
	}

	exp := InvoiceEvent{ID: "evt-exp", InvoiceID: "inv1", EventType: EventPaymentExpired, CreatedAt: time.Now().UTC()}
	if err := store.MarkInvoiceExpired(ctx, "inv1", exp, nil); err != nil {
		t.Fatalf("MarkInvoiceExpired: %v", err)
	}
	if err := store.MarkInvoiceExpired(ctx, "inv1", exp, nil); !errors.Is(err, ErrConflict) {
		t.Errorf("double expire error = %v, want ErrConflict", err)
	}
	if err := store.MarkInvoiceExpired(ctx, "missing", exp, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing invoice error = %v, want ErrNotFound", err)
	}
}

func TestRefundRequiresPaid(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	inv, pending, event := testInvoice("inv1", "m1", 9)
	if err := store.CreateInvoicePending(ctx, inv, pending, event, nil); err != nil {
		t.Fatal(err)
	}

	refund := InvoiceEvent{ID: "evt-ref", InvoiceID: "inv1", EventType: EventRefundProcessed, CreatedAt: time.Now().UTC()}
	if err := store.MarkInvoiceRefunded(ctx, "inv1", refund, nil); !errors.Is(err, ErrConflict) {
		t.Fatalf("refund of pending error = %v, want ErrConflict", err)
	}

	paidAt := time.Now().UTC()
	paid := InvoiceEvent{ID: "evt-paid", InvoiceID: "inv1", EventType: EventPaymentPaid, CreatedAt: paidAt}
	if err := store.MarkInvoicePaid(ctx, "inv1", paidAt, nil, paid, nil); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkInvoiceRefunded(ctx, "inv1", refund, nil); err != nil {
		t.Fatalf("refund of paid: %v", err)
	}
	got, _ := store.GetInvoice(ctx, "inv1")
	if got.Status != InvoiceRefunded {
		t.Errorf("status = %s, want refunded", got.Status)
	}
}

func TestNonceReplayWithinTTL(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	expires := time.Now().Add(2 * time.Minute)

	if err := store.CheckAndMarkNonce(ctx, "m1", "abc", expires); err != nil {
		t.Fatalf("first use: %v", err)
	}
	if err := store.CheckAndMarkNonce(ctx, "m1", "abc", expires); !errors.Is(err, ErrNonceReplayed) {
		t.Fatalf("replay error = %v, want ErrNonceReplayed", err)
	}
	// Same nonce, different merchant: independent namespaces.
	if err := store.CheckAndMarkNonce(ctx, "m2", "abc", expires); err != nil {
		t.Fatalf("cross-merchant nonce: %v", err)
	}

	expired := time.Now().Add(-time.Second)
	if err := store.CheckAndMarkNonce(ctx, "m1", "old", expired); err != nil {
		t.Fatal(err)
	}
	if err := store.CheckAndMarkNonce(ctx, "m1", "old", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("expired nonce should be reusable: %v", err)
	}
}

func TestClaimDueDeliveries(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	for i, due := range []time.Time{now.Add(-time.Minute), now.Add(-2 * time.Minute), now.Add(time.Hour)} {
		d := WebhookDelivery{
			ID:          string(rune('a' + i)),
			MerchantID:  "m1",
			EventType:   EventPaymentPaid,
			Payload:     []byte(`{}`),
			Status:      DeliveryQueued,
			NextRetryAt: due,
			CreatedAt:   now,
		}
		if err := store.EnqueueDelivery(ctx, d); err != nil {
			t.Fatal(err)
		}
	}

	claimed, err := store.ClaimDueDeliveries(ctx, now, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 2 {
		t.Fatalf("claimed %d deliveries, want 2", len(claimed))
	}
	if claimed[0].NextRetryAt.After(claimed[1].NextRetryAt) {
		t.Error("claims not ordered by next_retry_at")
	}

	// Claimed rows flip to delivering; a second pass finds nothing.
	again, err := store.ClaimDueDeliveries(ctx, now, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 0 {
		t.Errorf("second claim returned %d rows, want 0", len(again))
	}
}

func TestExpiredPaidCacheInvisible(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	tx := PaidTransaction{
		InvoiceID:   "inv1",
		Principal:   "p1",
		FinalAmount: 10007,
		PaidAt:      time.Now().Add(-2 * time.Hour),
		ExpiresAt:   time.Now().Add(-time.Hour),
	}
	if err := store.SavePaidTransaction(ctx, tx); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetPaidTransaction(ctx, "inv1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired cache returned = %v, want ErrNotFound", err)
	}

	n, err := store.DeleteExpiredPaidTransactions(ctx, time.Now())
	if err != nil || n != 1 {
		t.Fatalf("gc = (%d, %v), want (1, nil)", n, err)
	}
}

func TestKeyPairLookup(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.CreateMerchant(ctx, testMerchant("m1")); err != nil {
		t.Fatal(err)
	}
	pair := KeyPair{
		APIKeyHash:    "hash-prod",
		APIKeyPrefix:  "sk_live_abcd",
		SigningSecret: "sec1",
		WebhookSecret: "whsec1",
		CreatedAt:     time.Now().UTC(),
	}
	if err := store.UpsertKeyPair(ctx, "m1", EnvProduction, pair); err != nil {
		t.Fatal(err)
	}

	merchantID, env, err := store.LookupByKeyHash(ctx, "hash-prod")
	if err != nil {
		t.Fatal(err)
	}
	if merchantID != "m1" || env != EnvProduction {
		t.Errorf("lookup = (%s, %s), want (m1, production)", merchantID, env)
	}

	// Rotation replaces the pair for one env only.
	rotated := pair
	rotated.APIKeyHash = "hash-prod-2"
	if err := store.UpsertKeyPair(ctx, "m1", EnvProduction, rotated); err != nil {
		t.Fatal(err)
	}
	if _, _, err := store.LookupByKeyHash(ctx, "hash-prod"); !errors.Is(err, ErrNotFound) {
		t.Errorf("old hash still resolves after rotation: %v", err)
	}
}
