package storage

import (
	"fmt"

	"github.com/jmoiron/sqlx"
)

// migrations is the ordered schema history. Statements are appended, never
// edited, so an existing database replays only the tail it is missing. The
// DDL sticks to the dialect subset sqlite and postgres share.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS merchants (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL,
		phone TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		production_webhook_url TEXT NOT NULL DEFAULT '',
		production_webhook_enabled INTEGER NOT NULL DEFAULT 0,
		sandbox_webhook_url TEXT NOT NULL DEFAULT '',
		sandbox_webhook_enabled INTEGER NOT NULL DEFAULT 0,
		fee_bps INTEGER NOT NULL DEFAULT 0,
		fee_fixed BIGINT NOT NULL DEFAULT 0,
		ip_allowlist_enabled INTEGER NOT NULL DEFAULT 0,
		ip_allowlist TEXT NOT NULL DEFAULT '[]',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_merchants_email ON merchants (email)`,

	`CREATE TABLE IF NOT EXISTS key_pairs (
		merchant_id TEXT NOT NULL,
		env TEXT NOT NULL,
		api_key_hash TEXT NOT NULL,
		api_key_prefix TEXT NOT NULL,
		signing_secret TEXT NOT NULL,
		webhook_secret TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		rotated_at TIMESTAMP,
		PRIMARY KEY (merchant_id, env)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_key_pairs_hash ON key_pairs (api_key_hash)`,

	`CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		merchant_id TEXT NOT NULL,
		env TEXT NOT NULL,
		principal TEXT NOT NULL,
		reference_id TEXT NOT NULL DEFAULT '',
		base_amount BIGINT NOT NULL,
		unique_suffix INTEGER NOT NULL,
		final_amount BIGINT NOT NULL,
		status TEXT NOT NULL,
		qris_string TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		paid_at TIMESTAMP,
		metadata TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_invoices_merchant ON invoices (merchant_id, env, created_at)`,

	// The unique index on (principal, unique_suffix) is what makes suffix
	// allocation race-safe across concurrent creates.
	`CREATE TABLE IF NOT EXISTS pending_transactions (
		invoice_id TEXT PRIMARY KEY,
		merchant_id TEXT NOT NULL,
		principal TEXT NOT NULL,
		unique_suffix INTEGER NOT NULL,
		final_amount BIGINT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_pending_suffix ON pending_transactions (principal, unique_suffix)`,
	`CREATE INDEX IF NOT EXISTS idx_pending_expiry ON pending_transactions (expires_at)`,

	`CREATE TABLE IF NOT EXISTS paid_transactions (
		invoice_id TEXT PRIMARY KEY,
		principal TEXT NOT NULL,
		final_amount BIGINT NOT NULL,
		paid_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_paid_expiry ON paid_transactions (expires_at)`,

	`CREATE TABLE IF NOT EXISTS invoice_events (
		id TEXT PRIMARY KEY,
		invoice_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_invoice ON invoice_events (invoice_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS nonces (
		merchant_id TEXT NOT NULL,
		nonce TEXT NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		PRIMARY KEY (merchant_id, nonce)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_nonces_expiry ON nonces (expires_at)`,

	`CREATE TABLE IF NOT EXISTS webhook_deliveries (
		id TEXT PRIMARY KEY,
		merchant_id TEXT NOT NULL,
		env TEXT NOT NULL,
		invoice_id TEXT NOT NULL DEFAULT '',
		event_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		status TEXT NOT NULL,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		next_retry_at TIMESTAMP NOT NULL,
		last_status_code INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		response_snippet TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_deliveries_due ON webhook_deliveries (status, next_retry_at)`,
	`CREATE INDEX IF NOT EXISTS idx_deliveries_merchant ON webhook_deliveries (merchant_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS alerts (
		id TEXT PRIMARY KEY,
		merchant_id TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		message TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		resolved_at TIMESTAMP
	)`,
}

// migrate brings the schema to the current version, recording progress in
// schema_version so partially-applied histories resume where they stopped.
func migrate(db *sqlx.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var version int
	if err := db.Get(&version, `SELECT COALESCE(MAX(version), 0) FROM schema_version`); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i := version; i < len(migrations); i++ {
		tx, err := db.Beginx()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(tx.Rebind(`INSERT INTO schema_version (version) VALUES (?)`), i+1); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}
