package httpserver

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/qrisgate/server/internal/auth"
	gwerrors "github.com/qrisgate/server/internal/errors"
	"github.com/qrisgate/server/internal/invoice"
	"github.com/qrisgate/server/internal/storage"
	"github.com/qrisgate/server/pkg/responders"
)

// Handlers exposes the gateway routes.
type Handlers struct {
	invoices *invoice.Service
	store    storage.Store
}

// NewHandlers builds the route handlers.
func NewHandlers(invoices *invoice.Service, store storage.Store) *Handlers {
	return &Handlers{invoices: invoices, store: store}
}

func writeServiceError(w http.ResponseWriter, err error) {
	apiErr := gwerrors.FromError(err)
	gwerrors.Write(w, apiErr.Code, apiErr.Message, apiErr.Details)
}

func identity(w http.ResponseWriter, r *http.Request) (storage.Merchant, storage.Env, bool) {
	merchant, ok := auth.MerchantFrom(r.Context())
	if !ok {
		gwerrors.WriteSimple(w, gwerrors.CodeInternal, "request missing identity")
		return storage.Merchant{}, "", false
	}
	env, _ := auth.EnvFrom(r.Context())
	return merchant, env, true
}

// Health reports liveness to authenticated callers.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	responders.Data(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

type createInvoiceRequest struct {
	Username    string          `json:"username"`
	Token       string          `json:"token"`
	Amount      int64           `json:"amount"`
	QrisStatic  string          `json:"qris_static"`
	ReferenceID string          `json:"reference_id"`
	Metadata    json.RawMessage `json:"metadata"`
}

// invoiceView is the client-facing invoice shape.
type invoiceView struct {
	ID           string                `json:"id"`
	Status       storage.InvoiceStatus `json:"status"`
	Principal    string                `json:"principal"`
	ReferenceID  string                `json:"reference_id,omitempty"`
	BaseAmount   int64                 `json:"base_amount"`
	UniqueSuffix int                   `json:"unique_suffix"`
	FinalAmount  int64                 `json:"final_amount"`
	QrisString   string                `json:"qris_string"`
	CreatedAt    time.Time             `json:"created_at"`
	ExpiresAt    time.Time             `json:"expires_at"`
	PaidAt       *time.Time            `json:"paid_at,omitempty"`
	Metadata     json.RawMessage       `json:"metadata,omitempty"`
}

func toView(inv storage.Invoice) invoiceView {
	return invoiceView{
		ID:           inv.ID,
		Status:       inv.Status,
		Principal:    inv.Principal,
		ReferenceID:  inv.ReferenceID,
		BaseAmount:   inv.BaseAmount,
		UniqueSuffix: inv.UniqueSuffix,
		FinalAmount:  inv.FinalAmount,
		QrisString:   inv.QrisString,
		CreatedAt:    inv.CreatedAt,
		ExpiresAt:    inv.ExpiresAt,
		PaidAt:       inv.PaidAt,
		Metadata:     inv.Metadata,
	}
}

// CreateInvoice handles POST /invoices.
func (h *Handlers) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	merchant, env, ok := identity(w, r)
	if !ok {
		return
	}

	var req createInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		gwerrors.WriteSimple(w, gwerrors.CodeMissingParams, "request body must be valid JSON")
		return
	}

	inv, err := h.invoices.Create(r.Context(), merchant, env, invoice.CreateParams{
		Principal:   req.Username,
		BaseAmount:  req.Amount,
		QrisStatic:  req.QrisStatic,
		ReferenceID: req.ReferenceID,
		Metadata:    req.Metadata,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	responders.Data(w, http.StatusCreated, toView(inv))
}

// ListInvoices handles GET /invoices.
func (h *Handlers) ListInvoices(w http.ResponseWriter, r *http.Request) {
	merchant, env, ok := identity(w, r)
	if !ok {
		return
	}
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	invoices, err := h.invoices.List(r.Context(), merchant, env, limit, offset)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	views := make([]invoiceView, 0, len(invoices))
	for _, inv := range invoices {
		views = append(views, toView(inv))
	}
	responders.Data(w, http.StatusOK, map[string]any{
		"invoices": views,
		"limit":    limit,
		"offset":   offset,
	})
}

// GetInvoice handles GET /invoices/{id}.
func (h *Handlers) GetInvoice(w http.ResponseWriter, r *http.Request) {
	merchant, _, ok := identity(w, r)
	if !ok {
		return
	}
	inv, err := h.invoices.Get(r.Context(), merchant, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	responders.Data(w, http.StatusOK, toView(inv))
}

type checkInvoiceRequest struct {
	Username string `json:"username"`
	Token    string `json:"token"`
}

// CheckInvoice handles POST /invoices/{id}/check.
func (h *Handlers) CheckInvoice(w http.ResponseWriter, r *http.Request) {
	merchant, _, ok := identity(w, r)
	if !ok {
		return
	}

	var req checkInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		gwerrors.WriteSimple(w, gwerrors.CodeMissingParams, "request body must be valid JSON")
		return
	}

	result, err := h.invoices.Check(r.Context(), merchant, chi.URLParam(r, "id"), req.Token)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	payload := map[string]any{
		"invoice": toView(result.Invoice),
		"status":  result.Invoice.Status,
	}
	if result.Invoice.Status == storage.InvoicePending {
		payload["expires_in"] = result.ExpiresIn
	}
	responders.Data(w, http.StatusOK, payload)
}

// ListEvents handles GET /invoices/{id}/events.
func (h *Handlers) ListEvents(w http.ResponseWriter, r *http.Request) {
	merchant, _, ok := identity(w, r)
	if !ok {
		return
	}
	limit := queryInt(r, "limit", 100)

	events, err := h.invoices.Events(r.Context(), merchant, chi.URLParam(r, "id"), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	responders.Data(w, http.StatusOK, map[string]any{"events": events})
}

type refundRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

// RefundInvoice handles POST /invoices/{id}/refunds.
func (h *Handlers) RefundInvoice(w http.ResponseWriter, r *http.Request) {
	merchant, _, ok := identity(w, r)
	if !ok {
		return
	}

	var req refundRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			gwerrors.WriteSimple(w, gwerrors.CodeMissingParams, "request body must be valid JSON")
			return
		}
	}

	inv, err := h.invoices.Refund(r.Context(), merchant, chi.URLParam(r, "id"), invoice.RefundParams{
		Amount: req.Amount,
		Reason: req.Reason,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	responders.Data(w, http.StatusOK, toView(inv))
}

// ListAlerts handles GET /admin/alerts.
func (h *Handlers) ListAlerts(w http.ResponseWriter, r *http.Request) {
	includeResolved := r.URL.Query().Get("include_resolved") == "true"
	alerts, err := h.store.ListAlerts(r.Context(), queryInt(r, "limit", 100), includeResolved)
	if err != nil {
		gwerrors.WriteSimple(w, gwerrors.CodeInternal, "failed to list alerts")
		return
	}
	responders.Data(w, http.StatusOK, map[string]any{"alerts": alerts})
}

// ResolveAlert handles POST /admin/alerts/{id}/resolve.
func (h *Handlers) ResolveAlert(w http.ResponseWriter, r *http.Request) {
	err := h.store.ResolveAlert(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if err == storage.ErrNotFound {
			gwerrors.WriteSimple(w, gwerrors.CodeNotFound, "alert not found")
			return
		}
		gwerrors.WriteSimple(w, gwerrors.CodeInternal, "failed to resolve alert")
		return
	}
	responders.Data(w, http.StatusOK, map[string]any{"resolved": true})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
