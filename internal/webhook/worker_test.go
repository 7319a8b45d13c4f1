package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/qrisgate/server/internal/config"
	"github.com/qrisgate/server/internal/storage"
)

func workerConfig() config.WebhookConfig {
	return config.WebhookConfig{
		MaxAttempts: 8,
		BaseBackoff: config.Duration{Duration: 60 * time.Second},
		Timeout:     config.Duration{Duration: 2 * time.Second},
		BatchSize:   20,
	}
}

func seedMerchant(t *testing.T, store storage.Store, url string, enabled bool, secret string) {
	t.Helper()
	ctx := context.Background()
	merchant := storage.Merchant{
		ID:                "m1",
		Email:             "m1@example.com",
		Status:            storage.MerchantActive,
		ProductionWebhook: storage.WebhookEndpoint{URL: url, Enabled: enabled},
	}
	if err := store.CreateMerchant(ctx, merchant); err != nil {
		t.Fatal(err)
	}
	if secret != "" {
		pair := storage.KeyPair{APIKeyHash: "h", WebhookSecret: secret, CreatedAt: time.Now()}
		if err := store.UpsertKeyPair(ctx, "m1", storage.EnvProduction, pair); err != nil {
			t.Fatal(err)
		}
	}
}

func seedDelivery(t *testing.T, store storage.Store, id string) storage.WebhookDelivery {
	t.Helper()
	d := storage.WebhookDelivery{
		ID:          id,
		MerchantID:  "m1",
		Env:         storage.EnvProduction,
		InvoiceID:   "inv1",
		EventType:   storage.EventPaymentPaid,
		Payload:     []byte(`{"event_type":"payment.paid","invoice_id":"inv1"}`),
		Status:      storage.DeliveryQueued,
		NextRetryAt: time.Now().Add(-time.Second),
		CreatedAt:   time.Now(),
	}
	if err := store.EnqueueDelivery(context.Background(), d); err != nil {
		t.Fatal(err)
	}
	return d
}

func TestDeliverySuccess(t *testing.T) {
	var gotEvent, gotSig, gotTS atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEvent.Store(r.Header.Get(HeaderEventType))
		gotSig.Store(r.Header.Get(HeaderSignature))
		gotTS.Store(r.Header.Get(HeaderTimestamp))
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	store := storage.NewMemoryStore()
	seedMerchant(t, store, srv.URL, true, "whsec_topsecret")
	d := seedDelivery(t, store, "wd1")

	worker := NewWorker(store, workerConfig())
	n, err := worker.RunBatch(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("RunBatch = (%d, %v), want (1, nil)", n, err)
	}

	got, err := store.GetDelivery(context.Background(), "wd1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != storage.DeliveryDelivered {
		t.Fatalf("status = %s, want delivered", got.Status)
	}
	if got.AttemptCount != 1 || got.LastStatusCode != 200 || got.ResponseSnippet != "ok" {
		t.Errorf("delivery record = %+v", got)
	}

	if gotEvent.Load() != storage.EventPaymentPaid {
		t.Errorf("event header = %v", gotEvent.Load())
	}
	wantSig := SignPayload("whsec_topsecret", gotTS.Load().(string), d.Payload)
	if gotSig.Load() != wantSig {
		t.Error("signature header does not verify against payload")
	}
}

func TestRetryBackoffSchedule(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := storage.NewMemoryStore()
	seedMerchant(t, store, srv.URL, true, "whsec_s")
	seedDelivery(t, store, "wd1")

	worker := NewWorker(store, workerConfig())
	base := time.Now().UTC()

	// First four failures back off 60s, 120s, 240s, 480s.
	wantDelays := []time.Duration{60 * time.Second, 120 * time.Second, 240 * time.Second, 480 * time.Second}
	for i, want := range wantDelays {
		// Fast-forward past the scheduled retry so the claim picks it up.
		worker.now = func() time.Time { return base.Add(time.Duration(i) * time.Hour) }
		if n, err := worker.RunBatch(context.Background()); err != nil || n != 1 {
			t.Fatalf("attempt %d: RunBatch = (%d, %v)", i+1, n, err)
		}
		got, err := store.GetDelivery(context.Background(), "wd1")
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != storage.DeliveryQueued {
			t.Fatalf("attempt %d: status = %s, want queued", i+1, got.Status)
		}
		if got.AttemptCount != i+1 {
			t.Errorf("attempt count = %d, want %d", got.AttemptCount, i+1)
		}
		if delay := got.NextRetryAt.Sub(worker.now().UTC()); delay != want {
			t.Errorf("attempt %d: backoff = %s, want %s", i+1, delay, want)
		}
	}
}

func TestPermanentFailureRaisesAlert(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	store := storage.NewMemoryStore()
	seedMerchant(t, store, srv.URL, true, "whsec_s")
	seedDelivery(t, store, "wd1")

	cfg := workerConfig()
	cfg.MaxAttempts = 3
	worker := NewWorker(store, cfg)
	base := time.Now().UTC()

	for i := 0; i < 3; i++ {
		worker.now = func() time.Time { return base.Add(time.Duration(i) * time.Hour) }
		if _, err := worker.RunBatch(context.Background()); err != nil {
			t.Fatal(err)
		}
	}

	got, err := store.GetDelivery(context.Background(), "wd1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != storage.DeliveryFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.AttemptCount != 3 {
		t.Errorf("attempt count = %d, want 3", got.AttemptCount)
	}
	if got.CompletedAt == nil {
		t.Error("completed_at not set on permanent failure")
	}

	alerts, err := store.ListAlerts(context.Background(), 0, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(alerts))
	}
	if alerts[0].Type != storage.AlertWebhookFailed {
		t.Errorf("alert type = %s, want WebhookFailed", alerts[0].Type)
	}
	if !strings.Contains(alerts[0].Message, storage.EventPaymentPaid) {
		t.Errorf("alert message %q does not name the event type", alerts[0].Message)
	}
}

func TestDisabledWebhookDropsWithoutAlert(t *testing.T) {
	store := storage.NewMemoryStore()
	seedMerchant(t, store, "https://example.com/hook", false, "whsec_s")
	seedDelivery(t, store, "wd1")

	worker := NewWorker(store, workerConfig())
	if _, err := worker.RunBatch(context.Background()); err != nil {
		t.Fatal(err)
	}

	got, _ := store.GetDelivery(context.Background(), "wd1")
	if got.Status != storage.DeliveryFailed || got.LastError != "WebhookDisabled" {
		t.Errorf("delivery = %s/%q, want failed/WebhookDisabled", got.Status, got.LastError)
	}
	if alerts, _ := store.ListAlerts(context.Background(), 0, true); len(alerts) != 0 {
		t.Errorf("disabled webhook raised %d alerts", len(alerts))
	}
}

func TestMissingSecretDropsWithoutAlert(t *testing.T) {
	store := storage.NewMemoryStore()
	seedMerchant(t, store, "https://example.com/hook", true, "")
	seedDelivery(t, store, "wd1")

	worker := NewWorker(store, workerConfig())
	if _, err := worker.RunBatch(context.Background()); err != nil {
		t.Fatal(err)
	}

	got, _ := store.GetDelivery(context.Background(), "wd1")
	if got.Status != storage.DeliveryFailed || got.LastError != "MissingCredentials" {
		t.Errorf("delivery = %s/%q, want failed/MissingCredentials", got.Status, got.LastError)
	}
	if alerts, _ := store.ListAlerts(context.Background(), 0, true); len(alerts) != 0 {
		t.Errorf("missing secret raised %d alerts", len(alerts))
	}
}

// flakyMerchantStore fails a set number of GetMerchant calls before
// delegating, mimicking a transient store outage.
type flakyMerchantStore struct {
	storage.Store
	failures int
}

func (s *flakyMerchantStore) GetMerchant(ctx context.Context, id string) (storage.Merchant, error) {
	if s.failures > 0 {
		s.failures--
		return storage.Merchant{}, errors.New("store unavailable")
	}
	return s.Store.GetMerchant(ctx, id)
}

func TestStoreErrorRequeuesDelivery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	inner := storage.NewMemoryStore()
	seedMerchant(t, inner, srv.URL, true, "whsec_s")
	seedDelivery(t, inner, "wd1")

	store := &flakyMerchantStore{Store: inner, failures: 1}
	worker := NewWorker(store, workerConfig())
	base := time.Now().UTC()

	// The batch that hits the store error must not consume an attempt or
	// terminally fail the row.
	if n, err := worker.RunBatch(context.Background()); err != nil || n != 1 {
		t.Fatalf("RunBatch = (%d, %v), want (1, nil)", n, err)
	}
	got, err := inner.GetDelivery(context.Background(), "wd1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != storage.DeliveryQueued {
		t.Fatalf("status after store error = %s, want queued", got.Status)
	}
	if got.AttemptCount != 0 {
		t.Errorf("attempt count after store error = %d, want 0", got.AttemptCount)
	}
	if alerts, _ := inner.ListAlerts(context.Background(), 0, true); len(alerts) != 0 {
		t.Errorf("store error raised %d alerts", len(alerts))
	}

	// Once the store recovers, the requeued row is claimed and delivered.
	worker.now = func() time.Time { return base.Add(time.Hour) }
	if n, err := worker.RunBatch(context.Background()); err != nil || n != 1 {
		t.Fatalf("recovery RunBatch = (%d, %v), want (1, nil)", n, err)
	}
	got, _ = inner.GetDelivery(context.Background(), "wd1")
	if got.Status != storage.DeliveryDelivered || got.AttemptCount != 1 {
		t.Errorf("delivery after recovery = %s attempt %d, want delivered attempt 1", got.Status, got.AttemptCount)
	}
}

func TestBuildDeliveryStablePayload(t *testing.T) {
	merchant := storage.Merchant{
		ID:                "m1",
		ProductionWebhook: storage.WebhookEndpoint{URL: "https://example.com", Enabled: true},
	}
	inv := storage.Invoice{
		ID:          "inv1",
		ReferenceID: "ref-9",
		BaseAmount:  10000,
		FinalAmount: 10007,
		Status:      storage.InvoicePaid,
		ExpiresAt:   time.Now().UTC(),
	}
	now := time.Now().UTC()

	d := BuildDelivery(merchant, storage.EnvProduction, inv, storage.EventPaymentPaid, now)
	if d == nil {
		t.Fatal("BuildDelivery returned nil for enabled webhook")
	}
	var decoded map[string]any
	if err := json.Unmarshal(d.Payload, &decoded); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if decoded["event_type"] != "payment.paid" || decoded["invoice_id"] != "inv1" {
		t.Errorf("payload = %v", decoded)
	}
	if decoded["reference_id"] != "ref-9" {
		t.Errorf("reference_id = %v", decoded["reference_id"])
	}

	if d := BuildDelivery(merchant, storage.EnvSandbox, inv, storage.EventPaymentPaid, now); d != nil {
		t.Error("BuildDelivery returned a delivery for an unconfigured env")
	}
}
