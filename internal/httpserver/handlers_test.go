package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/qrisgate/server/internal/auth"
	"github.com/qrisgate/server/internal/config"
	"github.com/qrisgate/server/internal/credentials"
	"github.com/qrisgate/server/internal/invoice"
	"github.com/qrisgate/server/internal/metrics"
	"github.com/qrisgate/server/internal/storage"
	"github.com/qrisgate/server/internal/upstream"
)

type fakeUpstream struct {
	credits []upstream.Credit
	err     error
}

func (f *fakeUpstream) FetchCredits(context.Context, string, string) ([]upstream.Credit, error) {
	return f.credits, f.err
}

// crc16 builds fixtures carrying a checksum the codec accepts.
func crc16(data string) uint16 {
	crc := uint16(0xFFFF)
	for i := 0; i < len(data); i++ {
		crc ^= uint16(data[i])
		for bit := 0; bit < 8; bit++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0x8408
			} else {
				crc >>= 1
			}
		}
	}
	return crc ^ 0xFFFF
}

func staticQris() string {
	body := "000201" + "010211" + "26270012COM.EXAMPLE010812345678" + "52045812" +
		"5303360" + "5802ID" + "5912Contoh Resto" + "6007Jakarta" + "6304"
	return body + fmt.Sprintf("%04X", crc16(body))
}

type apiFixture struct {
	router   http.Handler
	store    storage.Store
	up       *fakeUpstream
	apiKey   string
	secret   string
	adminKey string
	nonceSeq int
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemoryStore()

	merchant := storage.Merchant{
		ID:                "m1",
		Email:             "m1@example.com",
		Status:            storage.MerchantActive,
		ProductionWebhook: storage.WebhookEndpoint{URL: "https://example.com/hook", Enabled: true},
	}
	if err := store.CreateMerchant(ctx, merchant); err != nil {
		t.Fatal(err)
	}

	creds := credentials.NewService(store)
	minted, err := creds.Mint(ctx, "m1", storage.EnvProduction)
	if err != nil {
		t.Fatal(err)
	}

	up := &fakeUpstream{}
	svc := invoice.NewService(store, up, 600*time.Second, 3600*time.Second)

	cfg := config.Config{}
	cfg.Server.AdminAPIKey = "admin-secret"
	cfg.RateLimit = config.RateLimitConfig{Enabled: true, Requests: 1000, Window: config.Duration{Duration: time.Minute}}

	router := NewRouter(RouterDeps{
		Handlers: NewHandlers(svc, store),
		Auth:     auth.NewMiddleware(store, creds, 60*time.Second, 120*time.Second),
		Metrics:  metrics.New(),
		Logger:   zerolog.Nop(),
		Config:   cfg,
	})

	return &apiFixture{
		router:   router,
		store:    store,
		up:       up,
		apiKey:   minted.APIKey,
		secret:   minted.SigningSecret,
		adminKey: "admin-secret",
	}
}

// do sends a correctly signed request through the router.
func (f *apiFixture) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
	}

	req := httptest.NewRequest(method, target, bytes.NewReader(raw))
	f.nonceSeq++
	nonce := fmt.Sprintf("nonce-%d", f.nonceSeq)
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	pathWithQuery := req.URL.Path
	if req.URL.RawQuery != "" {
		pathWithQuery += "?" + req.URL.RawQuery
	}
	canonical := auth.CanonicalString(method, pathWithQuery, ts, nonce, raw)

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.HeaderAPIKey, f.apiKey)
	req.Header.Set(auth.HeaderTimestamp, ts)
	req.Header.Set(auth.HeaderNonce, nonce)
	req.Header.Set(auth.HeaderSignature, auth.Sign(f.secret, canonical))

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var envelope struct {
		Success bool           `json:"success"`
		Data    map[string]any `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode envelope: %v (body %q)", err, rec.Body.String())
	}
	if !envelope.Success {
		t.Fatalf("success = false, body %q", rec.Body.String())
	}
	return envelope.Data
}

func createInvoiceBody() map[string]any {
	return map[string]any{
		"username":    "alice",
		"token":       "tok",
		"amount":      10000,
		"qris_static": staticQris(),
	}
}

func TestInvoiceLifecycleOverHTTP(t *testing.T) {
	f := newAPIFixture(t)

	// Create.
	rec := f.do(t, http.MethodPost, "/invoices", createInvoiceBody())
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", rec.Code, rec.Body.String())
	}
	created := decodeData(t, rec)
	id, _ := created["id"].(string)
	if id == "" {
		t.Fatal("create response missing id")
	}
	if created["final_amount"].(float64) != 10001 {
		t.Errorf("final_amount = %v, want 10001", created["final_amount"])
	}

	// Get.
	rec = f.do(t, http.MethodGet, "/invoices/"+id, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	// List.
	rec = f.do(t, http.MethodGet, "/invoices?limit=10", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	listed := decodeData(t, rec)
	if invoices, _ := listed["invoices"].([]any); len(invoices) != 1 {
		t.Errorf("listed %v invoices, want 1", listed["invoices"])
	}

	// Check while unpaid: pending with expires_in.
	rec = f.do(t, http.MethodPost, "/invoices/"+id+"/check", map[string]any{"username": "alice", "token": "tok"})
	if rec.Code != http.StatusOK {
		t.Fatalf("check status = %d, body = %s", rec.Code, rec.Body.String())
	}
	checked := decodeData(t, rec)
	if checked["status"] != "pending" {
		t.Fatalf("check status = %v, want pending", checked["status"])
	}
	if _, ok := checked["expires_in"]; !ok {
		t.Error("pending check missing expires_in")
	}

	// Pay upstream, check again: paid.
	f.up.credits = []upstream.Credit{{Amount: 10001, Status: upstream.CreditIn}}
	rec = f.do(t, http.MethodPost, "/invoices/"+id+"/check", map[string]any{"username": "alice", "token": "tok"})
	checked = decodeData(t, rec)
	if checked["status"] != "paid" {
		t.Fatalf("check status = %v, want paid", checked["status"])
	}

	// Events: created + paid.
	rec = f.do(t, http.MethodGet, "/invoices/"+id+"/events", nil)
	events := decodeData(t, rec)["events"].([]any)
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}

	// Refund.
	rec = f.do(t, http.MethodPost, "/invoices/"+id+"/refunds", map[string]any{"reason": "test"})
	if rec.Code != http.StatusOK {
		t.Fatalf("refund status = %d, body = %s", rec.Code, rec.Body.String())
	}
	refunded := decodeData(t, rec)
	if refunded["status"] != "refunded" {
		t.Errorf("refund status = %v, want refunded", refunded["status"])
	}
}

func TestHealthRequiresSignature(t *testing.T) {
	f := newAPIFixture(t)

	// Unsigned request is rejected.
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unsigned health status = %d, want 401", rec.Code)
	}

	// Signed request succeeds.
	if rec := f.do(t, http.MethodGet, "/health", nil); rec.Code != http.StatusOK {
		t.Fatalf("signed health status = %d", rec.Code)
	}
}

func TestValidationErrorsOverHTTP(t *testing.T) {
	f := newAPIFixture(t)

	tests := []struct {
		name     string
		body     map[string]any
		wantCode string
		wantHTTP int
	}{
		{
			name:     "zero amount",
			body:     map[string]any{"username": "alice", "token": "t", "amount": 0, "qris_static": staticQris()},
			wantCode: "InvalidAmount",
			wantHTTP: http.StatusBadRequest,
		},
		{
			name:     "missing username",
			body:     map[string]any{"token": "t", "amount": 100, "qris_static": staticQris()},
			wantCode: "MissingParams",
			wantHTTP: http.StatusBadRequest,
		},
		{
			name:     "invalid qris",
			body:     map[string]any{"username": "alice", "token": "t", "amount": 100, "qris_static": "garbage"},
			wantCode: "InvalidQris",
			wantHTTP: http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/invoices", tt.body)
			if rec.Code != tt.wantHTTP {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantHTTP)
			}
			var envelope struct {
				Error struct {
					Code string `json:"code"`
				} `json:"error"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
				t.Fatal(err)
			}
			if envelope.Error.Code != tt.wantCode {
				t.Errorf("code = %s, want %s", envelope.Error.Code, tt.wantCode)
			}
		})
	}
}

func TestUnknownInvoiceIs404(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/invoices/does-not-exist", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestAdminSurface(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	if err := f.store.CreateAlert(ctx, storage.Alert{
		ID: "a1", MerchantID: "m1", Type: storage.AlertWebhookFailed,
		Message: "delivery failed", CreatedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	// Without the admin key everything is denied.
	req := httptest.NewRequest(http.MethodGet, "/admin/alerts", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("no-key status = %d, want 403", rec.Code)
	}

	// With the key the alert is listed.
	req = httptest.NewRequest(http.MethodGet, "/admin/alerts", nil)
	req.Header.Set("X-Admin-Key", f.adminKey)
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("alerts status = %d", rec.Code)
	}
	alerts := decodeData(t, rec)["alerts"].([]any)
	if len(alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(alerts))
	}

	// Resolve, then the default listing is empty.
	req = httptest.NewRequest(http.MethodPost, "/admin/alerts/a1/resolve", nil)
	req.Header.Set("X-Admin-Key", f.adminKey)
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("resolve status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/admin/alerts", nil)
	req.Header.Set("X-Admin-Key", f.adminKey)
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	if alerts := decodeData(t, rec)["alerts"].([]any); len(alerts) != 0 {
		t.Errorf("resolved alert still listed: %v", alerts)
	}

	// Metrics share the same guard.
	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("unguarded metrics status = %d, want 403", rec.Code)
	}
	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("X-Admin-Key", f.adminKey)
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("metrics status = %d, want 200", rec.Code)
	}
}
