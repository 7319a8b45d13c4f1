package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// SQLStore implements Store on sqlite or postgres through sqlx. Queries are
// written with ? placeholders and rebound per driver.
type SQLStore struct {
	db     *sqlx.DB
	driver string
}

// NewSQLStore opens the database, applies migrations, and returns the store.
// driver is "sqlite" or "postgres"; dsn is a file path or a connection URL.
func NewSQLStore(driver, dsn string) (*SQLStore, error) {
	if driver == "sqlite" {
		if dir := filepath.Dir(dsn); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data directory: %w", err)
			}
		}
		dsn = "file:" + dsn + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	}

	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == "sqlite" {
		// modernc's driver serializes writes; a single connection avoids
		// SQLITE_BUSY churn under concurrent transactions.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLStore{db: db, driver: driver}, nil
}

// Close implements Store.
func (s *SQLStore) Close() error { return s.db.Close() }

// isUniqueViolation reports whether err is a unique-constraint failure on
// either backend.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint")
}

func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

type merchantRow struct {
	ID                       string    `db:"id"`
	Email                    string    `db:"email"`
	Phone                    string    `db:"phone"`
	Status                   string    `db:"status"`
	ProductionWebhookURL     string    `db:"production_webhook_url"`
	ProductionWebhookEnabled bool      `db:"production_webhook_enabled"`
	SandboxWebhookURL        string    `db:"sandbox_webhook_url"`
	SandboxWebhookEnabled    bool      `db:"sandbox_webhook_enabled"`
	FeeBps                   int       `db:"fee_bps"`
	FeeFixed                 int64     `db:"fee_fixed"`
	IPAllowlistEnabled       bool      `db:"ip_allowlist_enabled"`
	IPAllowlist              string    `db:"ip_allowlist"`
	CreatedAt                time.Time `db:"created_at"`
	UpdatedAt                time.Time `db:"updated_at"`
}

func (r merchantRow) toMerchant() (Merchant, error) {
	var allowlist []string
	if r.IPAllowlist != "" {
		if err := json.Unmarshal([]byte(r.IPAllowlist), &allowlist); err != nil {
			return Merchant{}, fmt.Errorf("decode ip_allowlist for %s: %w", r.ID, err)
		}
	}
	return Merchant{
		ID:                 r.ID,
		Email:              r.Email,
		Phone:              r.Phone,
		Status:             MerchantStatus(r.Status),
		ProductionWebhook:  WebhookEndpoint{URL: r.ProductionWebhookURL, Enabled: r.ProductionWebhookEnabled},
		SandboxWebhook:     WebhookEndpoint{URL: r.SandboxWebhookURL, Enabled: r.SandboxWebhookEnabled},
		FeeBps:             r.FeeBps,
		FeeFixed:           r.FeeFixed,
		IPAllowlistEnabled: r.IPAllowlistEnabled,
		IPAllowlist:        allowlist,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}, nil
}

func encodeAllowlist(list []string) (string, error) {
	if list == nil {
		return "[]", nil
	}
	b, err := json.Marshal(list)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CreateMerchant inserts a merchant, enforcing case-insensitive email
// uniqueness through the lowered email column.
func (s *SQLStore) CreateMerchant(ctx context.Context, m Merchant) error {
	allowlist, err := encodeAllowlist(m.IPAllowlist)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO merchants (id, email, phone, status,
			production_webhook_url, production_webhook_enabled,
			sandbox_webhook_url, sandbox_webhook_enabled,
			fee_bps, fee_fixed, ip_allowlist_enabled, ip_allowlist,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		m.ID, strings.ToLower(m.Email), m.Phone, string(m.Status),
		m.ProductionWebhook.URL, m.ProductionWebhook.Enabled,
		m.SandboxWebhook.URL, m.SandboxWebhook.Enabled,
		m.FeeBps, m.FeeFixed, m.IPAllowlistEnabled, allowlist,
		m.CreatedAt, m.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateEmail
	}
	return err
}

func (s *SQLStore) GetMerchant(ctx context.Context, id string) (Merchant, error) {
	var row merchantRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT * FROM merchants WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return Merchant{}, ErrNotFound
	}
	if err != nil {
		return Merchant{}, err
	}
	return row.toMerchant()
}

func (s *SQLStore) GetMerchantByEmail(ctx context.Context, email string) (Merchant, error) {
	var row merchantRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT * FROM merchants WHERE email = ?`), strings.ToLower(email))
	if errors.Is(err, sql.ErrNoRows) {
		return Merchant{}, ErrNotFound
	}
	if err != nil {
		return Merchant{}, err
	}
	return row.toMerchant()
}

func (s *SQLStore) UpdateMerchant(ctx context.Context, m Merchant) error {
	allowlist, err := encodeAllowlist(m.IPAllowlist)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE merchants SET email = ?, phone = ?, status = ?,
			production_webhook_url = ?, production_webhook_enabled = ?,
			sandbox_webhook_url = ?, sandbox_webhook_enabled = ?,
			fee_bps = ?, fee_fixed = ?, ip_allowlist_enabled = ?, ip_allowlist = ?,
			updated_at = ?
		WHERE id = ?`),
		strings.ToLower(m.Email), m.Phone, string(m.Status),
		m.ProductionWebhook.URL, m.ProductionWebhook.Enabled,
		m.SandboxWebhook.URL, m.SandboxWebhook.Enabled,
		m.FeeBps, m.FeeFixed, m.IPAllowlistEnabled, allowlist,
		time.Now().UTC(), m.ID)
	if isUniqueViolation(err) {
		return ErrDuplicateEmail
	}
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQLStore) UpdateMerchantStatus(ctx context.Context, id string, status MerchantStatus) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE merchants SET status = ?, updated_at = ? WHERE id = ?`),
		string(status), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type keyPairRow struct {
	MerchantID    string       `db:"merchant_id"`
	Env           string       `db:"env"`
	APIKeyHash    string       `db:"api_key_hash"`
	APIKeyPrefix  string       `db:"api_key_prefix"`
	SigningSecret string       `db:"signing_secret"`
	WebhookSecret string       `db:"webhook_secret"`
	CreatedAt     time.Time    `db:"created_at"`
	RotatedAt     sql.NullTime `db:"rotated_at"`
}

func (r keyPairRow) toKeyPair() KeyPair {
	pair := KeyPair{
		APIKeyHash:    r.APIKeyHash,
		APIKeyPrefix:  r.APIKeyPrefix,
		SigningSecret: r.SigningSecret,
		WebhookSecret: r.WebhookSecret,
		CreatedAt:     r.CreatedAt,
	}
	if r.RotatedAt.Valid {
		t := r.RotatedAt.Time
		pair.RotatedAt = &t
	}
	return pair
}

func (s *SQLStore) UpsertKeyPair(ctx context.Context, merchantID string, env Env, pair KeyPair) error {
	var rotatedAt any
	if pair.RotatedAt != nil {
		rotatedAt = *pair.RotatedAt
	}
	// ON CONFLICT upsert syntax is shared by sqlite and postgres.
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO key_pairs (merchant_id, env, api_key_hash, api_key_prefix,
			signing_secret, webhook_secret, created_at, rotated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (merchant_id, env) DO UPDATE SET
			api_key_hash = excluded.api_key_hash,
			api_key_prefix = excluded.api_key_prefix,
			signing_secret = excluded.signing_secret,
			webhook_secret = excluded.webhook_secret,
			rotated_at = excluded.rotated_at`),
		merchantID, string(env), pair.APIKeyHash, pair.APIKeyPrefix,
		pair.SigningSecret, pair.WebhookSecret, pair.CreatedAt, rotatedAt)
	return err
}

func (s *SQLStore) GetKeyPair(ctx context.Context, merchantID string, env Env) (KeyPair, error) {
	var row keyPairRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(
		`SELECT * FROM key_pairs WHERE merchant_id = ? AND env = ?`),
		merchantID, string(env))
	if errors.Is(err, sql.ErrNoRows) {
		return KeyPair{}, ErrNotFound
	}
	if err != nil {
		return KeyPair{}, err
	}
	return row.toKeyPair(), nil
}

func (s *SQLStore) LookupByKeyHash(ctx context.Context, hash string) (string, Env, error) {
	var row struct {
		MerchantID string `db:"merchant_id"`
		Env        string `db:"env"`
	}
	err := s.db.GetContext(ctx, &row, s.db.Rebind(
		`SELECT merchant_id, env FROM key_pairs WHERE api_key_hash = ?`), hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", ErrNotFound
	}
	if err != nil {
		return "", "", err
	}
	return row.MerchantID, Env(row.Env), nil
}

type invoiceRow struct {
	ID           string       `db:"id"`
	MerchantID   string       `db:"merchant_id"`
	Env          string       `db:"env"`
	Principal    string       `db:"principal"`
	ReferenceID  string       `db:"reference_id"`
	BaseAmount   int64        `db:"base_amount"`
	UniqueSuffix int          `db:"unique_suffix"`
	FinalAmount  int64        `db:"final_amount"`
	Status       string       `db:"status"`
	QrisString   string       `db:"qris_string"`
	CreatedAt    time.Time    `db:"created_at"`
	ExpiresAt    time.Time    `db:"expires_at"`
	PaidAt       sql.NullTime `db:"paid_at"`
	Metadata     string       `db:"metadata"`
}

func (r invoiceRow) toInvoice() Invoice {
	inv := Invoice{
		ID:           r.ID,
		MerchantID:   r.MerchantID,
		Env:          Env(r.Env),
		Principal:    r.Principal,
		ReferenceID:  r.ReferenceID,
		BaseAmount:   r.BaseAmount,
		UniqueSuffix: r.UniqueSuffix,
		FinalAmount:  r.FinalAmount,
		Status:       InvoiceStatus(r.Status),
		QrisString:   r.QrisString,
		CreatedAt:    r.CreatedAt,
		ExpiresAt:    r.ExpiresAt,
	}
	if r.PaidAt.Valid {
		t := r.PaidAt.Time
		inv.PaidAt = &t
	}
	if r.Metadata != "" {
		inv.Metadata = json.RawMessage(r.Metadata)
	}
	return inv
}

func insertInvoice(tx *sqlx.Tx, inv Invoice) error {
	var paidAt any
	if inv.PaidAt != nil {
		paidAt = *inv.PaidAt
	}
	_, err := tx.Exec(tx.Rebind(`
		INSERT INTO invoices (id, merchant_id, env, principal, reference_id,
			base_amount, unique_suffix, final_amount, status, qris_string,
			created_at, expires_at, paid_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		inv.ID, inv.MerchantID, string(inv.Env), inv.Principal, inv.ReferenceID,
		inv.BaseAmount, inv.UniqueSuffix, inv.FinalAmount, string(inv.Status),
		inv.QrisString, inv.CreatedAt, inv.ExpiresAt, paidAt, string(inv.Metadata))
	return err
}

func insertEvent(tx *sqlx.Tx, event InvoiceEvent) error {
	_, err := tx.Exec(tx.Rebind(`
		INSERT INTO invoice_events (id, invoice_id, event_type, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`),
		event.ID, event.InvoiceID, event.EventType, string(event.Payload), event.CreatedAt)
	return err
}

func insertDelivery(tx *sqlx.Tx, d WebhookDelivery) error {
	_, err := tx.Exec(tx.Rebind(`
		INSERT INTO webhook_deliveries (id, merchant_id, env, invoice_id,
			event_type, payload, status, attempt_count, next_retry_at,
			last_status_code, last_error, response_snippet, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		d.ID, d.MerchantID, string(d.Env), d.InvoiceID, d.EventType,
		string(d.Payload), string(d.Status), d.AttemptCount, d.NextRetryAt,
		d.LastStatusCode, d.LastError, d.ResponseSnippet, d.CreatedAt)
	return err
}

// CreateInvoicePending writes the suffix claim first so a lost race rolls
// the whole transaction back before anything else lands.
func (s *SQLStore) CreateInvoicePending(ctx context.Context, inv Invoice, pending PendingTransaction, event InvoiceEvent, delivery *WebhookDelivery) error {
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.Exec(tx.Rebind(`
			INSERT INTO pending_transactions (invoice_id, merchant_id, principal,
				unique_suffix, final_amount, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`),
			pending.InvoiceID, pending.MerchantID, pending.Principal,
			pending.UniqueSuffix, pending.FinalAmount, pending.CreatedAt, pending.ExpiresAt)
		if err != nil {
			return err
		}
		if err := insertInvoice(tx, inv); err != nil {
			return err
		}
		if err := insertEvent(tx, event); err != nil {
			return err
		}
		if delivery != nil {
			return insertDelivery(tx, *delivery)
		}
		return nil
	})
	if isUniqueViolation(err) {
		return ErrDuplicateSuffix
	}
	return err
}

func (s *SQLStore) GetInvoice(ctx context.Context, id string) (Invoice, error) {
	var row invoiceRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT * FROM invoices WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return Invoice{}, ErrNotFound
	}
	if err != nil {
		return Invoice{}, err
	}
	return row.toInvoice(), nil
}

func (s *SQLStore) ListInvoices(ctx context.Context, merchantID string, env Env, limit, offset int) ([]Invoice, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []invoiceRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT * FROM invoices WHERE merchant_id = ? AND env = ?
		ORDER BY created_at DESC LIMIT ? OFFSET ?`),
		merchantID, string(env), limit, offset)
	if err != nil {
		return nil, err
	}
	out := make([]Invoice, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toInvoice())
	}
	return out, nil
}

// transitionInvoice is the shared guarded-update core of the Mark* methods.
func transitionInvoice(tx *sqlx.Tx, invoiceID string, from, to InvoiceStatus, paidAt *time.Time) error {
	var res sql.Result
	var err error
	if paidAt != nil {
		res, err = tx.Exec(tx.Rebind(
			`UPDATE invoices SET status = ?, paid_at = ? WHERE id = ? AND status = ?`),
			string(to), *paidAt, invoiceID, string(from))
	} else {
		res, err = tx.Exec(tx.Rebind(
			`UPDATE invoices SET status = ? WHERE id = ? AND status = ?`),
			string(to), invoiceID, string(from))
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		if err := tx.Get(&exists, tx.Rebind(`SELECT COUNT(*) FROM invoices WHERE id = ?`), invoiceID); err != nil {
			return err
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

func (s *SQLStore) MarkInvoicePaid(ctx context.Context, invoiceID string, paidAt time.Time, cache *PaidTransaction, event InvoiceEvent, delivery *WebhookDelivery) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := transitionInvoice(tx, invoiceID, InvoicePending, InvoicePaid, &paidAt); err != nil {
			return err
		}
		if _, err := tx.Exec(tx.Rebind(`DELETE FROM pending_transactions WHERE invoice_id = ?`), invoiceID); err != nil {
			return err
		}
		if cache != nil {
			_, err := tx.Exec(tx.Rebind(`
				INSERT INTO paid_transactions (invoice_id, principal, final_amount, paid_at, expires_at)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT (invoice_id) DO UPDATE SET expires_at = excluded.expires_at`),
				cache.InvoiceID, cache.Principal, cache.FinalAmount, cache.PaidAt, cache.ExpiresAt)
			if err != nil {
				return err
			}
		}
		if err := insertEvent(tx, event); err != nil {
			return err
		}
		if delivery != nil {
			return insertDelivery(tx, *delivery)
		}
		return nil
	})
}

func (s *SQLStore) MarkInvoiceExpired(ctx context.Context, invoiceID string, event InvoiceEvent, delivery *WebhookDelivery) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := transitionInvoice(tx, invoiceID, InvoicePending, InvoiceExpired, nil); err != nil {
			return err
		}
		if _, err := tx.Exec(tx.Rebind(`DELETE FROM pending_transactions WHERE invoice_id = ?`), invoiceID); err != nil {
			return err
		}
		if err := insertEvent(tx, event); err != nil {
			return err
		}
		if delivery != nil {
			return insertDelivery(tx, *delivery)
		}
		return nil
	})
}

func (s *SQLStore) MarkInvoiceRefunded(ctx context.Context, invoiceID string, event InvoiceEvent, delivery *WebhookDelivery) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := transitionInvoice(tx, invoiceID, InvoicePaid, InvoiceRefunded, nil); err != nil {
			return err
		}
		if err := insertEvent(tx, event); err != nil {
			return err
		}
		if delivery != nil {
			return insertDelivery(tx, *delivery)
		}
		return nil
	})
}

func (s *SQLStore) AppendEvent(ctx context.Context, event InvoiceEvent) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO invoice_events (id, invoice_id, event_type, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`),
		event.ID, event.InvoiceID, event.EventType, string(event.Payload), event.CreatedAt)
	return err
}

type eventRow struct {
	ID        string    `db:"id"`
	InvoiceID string    `db:"invoice_id"`
	EventType string    `db:"event_type"`
	Payload   string    `db:"payload"`
	CreatedAt time.Time `db:"created_at"`
}

func (s *SQLStore) ListEvents(ctx context.Context, invoiceID string, limit int) ([]InvoiceEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []eventRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT * FROM invoice_events WHERE invoice_id = ?
		ORDER BY created_at ASC LIMIT ?`), invoiceID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]InvoiceEvent, 0, len(rows))
	for _, r := range rows {
		event := InvoiceEvent{
			ID:        r.ID,
			InvoiceID: r.InvoiceID,
			EventType: r.EventType,
			CreatedAt: r.CreatedAt,
		}
		if r.Payload != "" {
			event.Payload = json.RawMessage(r.Payload)
		}
		out = append(out, event)
	}
	return out, nil
}

type pendingRow struct {
	InvoiceID    string    `db:"invoice_id"`
	MerchantID   string    `db:"merchant_id"`
	Principal    string    `db:"principal"`
	UniqueSuffix int       `db:"unique_suffix"`
	FinalAmount  int64     `db:"final_amount"`
	CreatedAt    time.Time `db:"created_at"`
	ExpiresAt    time.Time `db:"expires_at"`
}

func (r pendingRow) toPending() PendingTransaction {
	return PendingTransaction(r)
}

func (s *SQLStore) GetPendingTransaction(ctx context.Context, invoiceID string) (PendingTransaction, error) {
	var row pendingRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(
		`SELECT * FROM pending_transactions WHERE invoice_id = ?`), invoiceID)
	if errors.Is(err, sql.ErrNoRows) {
		return PendingTransaction{}, ErrNotFound
	}
	if err != nil {
		return PendingTransaction{}, err
	}
	return row.toPending(), nil
}

func (s *SQLStore) ListClaimedSuffixes(ctx context.Context, principal string) ([]int, error) {
	var suffixes []int
	err := s.db.SelectContext(ctx, &suffixes, s.db.Rebind(`
		SELECT unique_suffix FROM pending_transactions
		WHERE principal = ? ORDER BY unique_suffix ASC`), principal)
	return suffixes, err
}

func (s *SQLStore) ListExpiredPending(ctx context.Context, principal string, now time.Time, limit int) ([]PendingTransaction, error) {
	if limit <= 0 {
		limit = 200
	}
	var rows []pendingRow
	var err error
	if principal == "" {
		err = s.db.SelectContext(ctx, &rows, s.db.Rebind(`
			SELECT * FROM pending_transactions WHERE expires_at < ?
			ORDER BY expires_at ASC LIMIT ?`), now, limit)
	} else {
		err = s.db.SelectContext(ctx, &rows, s.db.Rebind(`
			SELECT * FROM pending_transactions WHERE principal = ? AND expires_at < ?
			ORDER BY expires_at ASC LIMIT ?`), principal, now, limit)
	}
	if err != nil {
		return nil, err
	}
	out := make([]PendingTransaction, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toPending())
	}
	return out, nil
}

func (s *SQLStore) SavePaidTransaction(ctx context.Context, tx PaidTransaction) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO paid_transactions (invoice_id, principal, final_amount, paid_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (invoice_id) DO UPDATE SET expires_at = excluded.expires_at`),
		tx.InvoiceID, tx.Principal, tx.FinalAmount, tx.PaidAt, tx.ExpiresAt)
	return err
}

func (s *SQLStore) GetPaidTransaction(ctx context.Context, invoiceID string) (PaidTransaction, error) {
	var row struct {
		InvoiceID   string    `db:"invoice_id"`
		Principal   string    `db:"principal"`
		FinalAmount int64     `db:"final_amount"`
		PaidAt      time.Time `db:"paid_at"`
		ExpiresAt   time.Time `db:"expires_at"`
	}
	err := s.db.GetContext(ctx, &row, s.db.Rebind(
		`SELECT * FROM paid_transactions WHERE invoice_id = ? AND expires_at > ?`),
		invoiceID, time.Now().UTC())
	if errors.Is(err, sql.ErrNoRows) {
		return PaidTransaction{}, ErrNotFound
	}
	if err != nil {
		return PaidTransaction{}, err
	}
	return PaidTransaction(row), nil
}

// CheckAndMarkNonce relies on the (merchant_id, nonce) primary key: a second
// insert within the TTL violates it and surfaces ErrNonceReplayed.
func (s *SQLStore) CheckAndMarkNonce(ctx context.Context, merchantID, nonce string, expiresAt time.Time) error {
	now := time.Now().UTC()
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.Exec(tx.Rebind(
			`DELETE FROM nonces WHERE merchant_id = ? AND expires_at < ?`),
			merchantID, now); err != nil {
			return err
		}
		_, err := tx.Exec(tx.Rebind(
			`INSERT INTO nonces (merchant_id, nonce, expires_at) VALUES (?, ?, ?)`),
			merchantID, nonce, expiresAt)
		if isUniqueViolation(err) {
			return ErrNonceReplayed
		}
		return err
	})
}

func (s *SQLStore) EnqueueDelivery(ctx context.Context, d WebhookDelivery) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		return insertDelivery(tx, d)
	})
}

type deliveryRow struct {
	ID              string       `db:"id"`
	MerchantID      string       `db:"merchant_id"`
	Env             string       `db:"env"`
	InvoiceID       string       `db:"invoice_id"`
	EventType       string       `db:"event_type"`
	Payload         string       `db:"payload"`
	Status          string       `db:"status"`
	AttemptCount    int          `db:"attempt_count"`
	NextRetryAt     time.Time    `db:"next_retry_at"`
	LastStatusCode  int          `db:"last_status_code"`
	LastError       string       `db:"last_error"`
	ResponseSnippet string       `db:"response_snippet"`
	CreatedAt       time.Time    `db:"created_at"`
	CompletedAt     sql.NullTime `db:"completed_at"`
}

func (r deliveryRow) toDelivery() WebhookDelivery {
	d := WebhookDelivery{
		ID:              r.ID,
		MerchantID:      r.MerchantID,
		Env:             Env(r.Env),
		InvoiceID:       r.InvoiceID,
		EventType:       r.EventType,
		Payload:         json.RawMessage(r.Payload),
		Status:          DeliveryStatus(r.Status),
		AttemptCount:    r.AttemptCount,
		NextRetryAt:     r.NextRetryAt,
		LastStatusCode:  r.LastStatusCode,
		LastError:       r.LastError,
		ResponseSnippet: r.ResponseSnippet,
		CreatedAt:       r.CreatedAt,
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		d.CompletedAt = &t
	}
	return d
}

// ClaimDueDeliveries selects and flips due rows inside one transaction so
// two worker passes never claim the same delivery.
func (s *SQLStore) ClaimDueDeliveries(ctx context.Context, now time.Time, limit int) ([]WebhookDelivery, error) {
	if limit <= 0 {
		limit = 20
	}
	var claimed []WebhookDelivery
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var rows []deliveryRow
		err := tx.Select(&rows, tx.Rebind(`
			SELECT * FROM webhook_deliveries
			WHERE status = ? AND next_retry_at <= ?
			ORDER BY next_retry_at ASC LIMIT ?`),
			string(DeliveryQueued), now, limit)
		if err != nil {
			return err
		}
		for _, r := range rows {
			if _, err := tx.Exec(tx.Rebind(
				`UPDATE webhook_deliveries SET status = ? WHERE id = ?`),
				string(DeliveryDelivering), r.ID); err != nil {
				return err
			}
			d := r.toDelivery()
			d.Status = DeliveryDelivering
			claimed = append(claimed, d)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *SQLStore) MarkDeliveryDelivered(ctx context.Context, id string, statusCode int, snippet string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE webhook_deliveries
		SET status = ?, attempt_count = attempt_count + 1, last_status_code = ?,
			last_error = '', response_snippet = ?, completed_at = ?
		WHERE id = ?`),
		string(DeliveryDelivered), statusCode, snippet, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQLStore) MarkDeliveryRetry(ctx context.Context, id string, attempt int, nextRetryAt time.Time, statusCode int, lastErr string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE webhook_deliveries
		SET status = ?, attempt_count = ?, next_retry_at = ?, last_status_code = ?, last_error = ?
		WHERE id = ?`),
		string(DeliveryQueued), attempt, nextRetryAt, statusCode, lastErr, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQLStore) MarkDeliveryFailed(ctx context.Context, id string, attempt, statusCode int, lastErr string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE webhook_deliveries
		SET status = ?, attempt_count = ?, last_status_code = ?, last_error = ?, completed_at = ?
		WHERE id = ?`),
		string(DeliveryFailed), attempt, statusCode, lastErr, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQLStore) GetDelivery(ctx context.Context, id string) (WebhookDelivery, error) {
	var row deliveryRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(
		`SELECT * FROM webhook_deliveries WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return WebhookDelivery{}, ErrNotFound
	}
	if err != nil {
		return WebhookDelivery{}, err
	}
	return row.toDelivery(), nil
}

func (s *SQLStore) ListDeliveries(ctx context.Context, merchantID string, limit int) ([]WebhookDelivery, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []deliveryRow
	var err error
	if merchantID == "" {
		err = s.db.SelectContext(ctx, &rows, s.db.Rebind(`
			SELECT * FROM webhook_deliveries ORDER BY created_at DESC LIMIT ?`), limit)
	} else {
		err = s.db.SelectContext(ctx, &rows, s.db.Rebind(`
			SELECT * FROM webhook_deliveries WHERE merchant_id = ?
			ORDER BY created_at DESC LIMIT ?`), merchantID, limit)
	}
	if err != nil {
		return nil, err
	}
	out := make([]WebhookDelivery, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDelivery())
	}
	return out, nil
}

func (s *SQLStore) CreateAlert(ctx context.Context, a Alert) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO alerts (id, merchant_id, type, message, created_at)
		VALUES (?, ?, ?, ?, ?)`),
		a.ID, a.MerchantID, a.Type, a.Message, a.CreatedAt)
	return err
}

type alertRow struct {
	ID         string       `db:"id"`
	MerchantID string       `db:"merchant_id"`
	Type       string       `db:"type"`
	Message    string       `db:"message"`
	CreatedAt  time.Time    `db:"created_at"`
	ResolvedAt sql.NullTime `db:"resolved_at"`
}

func (s *SQLStore) ListAlerts(ctx context.Context, limit int, includeResolved bool) ([]Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT * FROM alerts WHERE resolved_at IS NULL ORDER BY created_at DESC LIMIT ?`
	if includeResolved {
		query = `SELECT * FROM alerts ORDER BY created_at DESC LIMIT ?`
	}
	var rows []alertRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), limit); err != nil {
		return nil, err
	}
	out := make([]Alert, 0, len(rows))
	for _, r := range rows {
		a := Alert{
			ID:         r.ID,
			MerchantID: r.MerchantID,
			Type:       r.Type,
			Message:    r.Message,
			CreatedAt:  r.CreatedAt,
		}
		if r.ResolvedAt.Valid {
			t := r.ResolvedAt.Time
			a.ResolvedAt = &t
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *SQLStore) ResolveAlert(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE alerts SET resolved_at = ? WHERE id = ? AND resolved_at IS NULL`),
		time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQLStore) DeleteExpiredNonces(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM nonces WHERE expires_at < ?`), now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLStore) DeleteExpiredPaidTransactions(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM paid_transactions WHERE expires_at < ?`), now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
