package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// advisoryLockID serializes DDL across cluster boots on Postgres.
// Arbitrary but fixed; all instances must agree on it.
const advisoryLockID int64 = 0x53454e5643 // "SENVC"

// migration is one ordered, named, idempotent schema step. Names are
// append-only; never reorder or rename an applied migration.
type migration struct {
	name string
	ddl  string
}

var migrations = []migration{
	{"0001_users", `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	wallet_address TEXT NOT NULL UNIQUE,
	email_hash TEXT,
	email_masked TEXT NOT NULL DEFAULT '',
	phone_hash TEXT,
	phone_masked TEXT NOT NULL DEFAULT '',
	handle TEXT,
	discoverable BOOLEAN NOT NULL DEFAULT TRUE,
	balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
	handle_changed_at BIGINT NOT NULL DEFAULT 0,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_users_email_hash ON users(email_hash) WHERE email_hash IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS idx_users_phone_hash ON users(phone_hash) WHERE phone_hash IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS idx_users_handle ON users(handle) WHERE handle IS NOT NULL;
`},
	{"0002_pricing_profiles", `
CREATE TABLE IF NOT EXISTS pricing_profiles (
	user_id TEXT PRIMARY KEY,
	default_price BIGINT NOT NULL DEFAULT 0,
	first_contact_price BIGINT NOT NULL DEFAULT 0,
	return_discount_bps BIGINT NOT NULL DEFAULT 0 CHECK (return_discount_bps BETWEEN 0 AND 10000),
	accepts_all BOOLEAN NOT NULL DEFAULT TRUE
);
`},
	{"0003_messages", `
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	sender_id TEXT NOT NULL,
	recipient_id TEXT NOT NULL,
	ciphertext BYTEA,
	content_hash TEXT NOT NULL DEFAULT '',
	price BIGINT NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	tx_hash TEXT NOT NULL DEFAULT '',
	created_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_recipient_created ON messages(recipient_id, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_sender_recipient ON messages(sender_id, recipient_id);
`},
	{"0004_message_idempotency", `
CREATE TABLE IF NOT EXISTS message_idempotency (
	sender_id TEXT NOT NULL,
	idempotency_key TEXT NOT NULL,
	message_id TEXT NOT NULL,
	created_at BIGINT NOT NULL,
	PRIMARY KEY (sender_id, idempotency_key)
);
`},
	{"0005_delivery_jobs", `
CREATE TABLE IF NOT EXISTS delivery_jobs (
	id TEXT PRIMARY KEY,
	message_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	channel TEXT NOT NULL,
	destination TEXT NOT NULL,
	payload BYTEA,
	status TEXT NOT NULL DEFAULT 'pending',
	attempts BIGINT NOT NULL DEFAULT 0,
	max_attempts BIGINT NOT NULL DEFAULT 6,
	next_attempt_at BIGINT NOT NULL DEFAULT 0,
	locked_by TEXT NOT NULL DEFAULT '',
	locked_until BIGINT NOT NULL DEFAULT 0,
	error_text TEXT NOT NULL DEFAULT '',
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL,
	UNIQUE (message_id, channel, destination)
);
CREATE INDEX IF NOT EXISTS idx_delivery_jobs_due ON delivery_jobs(status, next_attempt_at, created_at);
`},
	{"0006_chain_events", `
CREATE TABLE IF NOT EXISTS chain_events (
	chain_key TEXT NOT NULL,
	tx_hash TEXT NOT NULL,
	log_index BIGINT NOT NULL,
	payer TEXT NOT NULL,
	recipient TEXT NOT NULL,
	amount TEXT NOT NULL,
	fee TEXT NOT NULL DEFAULT '',
	content_hash TEXT NOT NULL DEFAULT '',
	nonce TEXT NOT NULL DEFAULT '',
	channel TEXT NOT NULL DEFAULT '',
	block_number BIGINT NOT NULL,
	block_hash TEXT NOT NULL DEFAULT '',
	observed_at BIGINT NOT NULL,
	PRIMARY KEY (chain_key, tx_hash, log_index)
);
CREATE TABLE IF NOT EXISTS chain_event_checkpoints (
	chain_key TEXT PRIMARY KEY,
	last_processed_block BIGINT NOT NULL DEFAULT 0
);
`},
	{"0007_channel_connections", `
CREATE TABLE IF NOT EXISTS channel_connections (
	user_id TEXT NOT NULL,
	channel TEXT NOT NULL,
	external_handle TEXT NOT NULL DEFAULT '',
	secret_ref TEXT NOT NULL DEFAULT '',
	consent_version TEXT NOT NULL DEFAULT '',
	consent_accepted_at BIGINT NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'connected',
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL,
	PRIMARY KEY (user_id, channel)
);
`},
	{"0008_identity_bindings", `
CREATE TABLE IF NOT EXISTS identity_bindings (
	method TEXT NOT NULL,
	provider TEXT NOT NULL,
	subject TEXT NOT NULL,
	wallet_address TEXT NOT NULL,
	revoked BOOLEAN NOT NULL DEFAULT FALSE,
	created_at BIGINT NOT NULL,
	PRIMARY KEY (method, provider, subject)
);
CREATE INDEX IF NOT EXISTS idx_identity_wallet ON identity_bindings(wallet_address);
`},
	{"0009_abuse", `
CREATE TABLE IF NOT EXISTS abuse_counters (
	key_type TEXT NOT NULL,
	key_value TEXT NOT NULL,
	window_start BIGINT NOT NULL,
	count BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (key_type, key_value, window_start)
);
CREATE TABLE IF NOT EXISTS abuse_blocks (
	key_type TEXT NOT NULL,
	key_value TEXT NOT NULL,
	blocked_until BIGINT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (key_type, key_value)
);
CREATE TABLE IF NOT EXISTS abuse_events (
	id TEXT PRIMARY KEY,
	keys TEXT NOT NULL DEFAULT '[]',
	reason TEXT NOT NULL DEFAULT '',
	score BIGINT NOT NULL DEFAULT 0,
	metadata TEXT NOT NULL DEFAULT '{}',
	at BIGINT NOT NULL
);
`},
	{"0010_audit_log", `
CREATE TABLE IF NOT EXISTS audit_log (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL DEFAULT '',
	event_type TEXT NOT NULL,
	metadata TEXT NOT NULL DEFAULT '{}',
	at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_log_at ON audit_log(at);
`},
	{"0011_vault", `
CREATE TABLE IF NOT EXISTS vault_blobs (
	key TEXT PRIMARY KEY,
	value BYTEA,
	updated_at BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS vault_audit_log (
	id TEXT PRIMARY KEY,
	actor TEXT NOT NULL DEFAULT '',
	action TEXT NOT NULL DEFAULT '',
	detail TEXT NOT NULL DEFAULT '',
	at BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS custodial_wallets (
	user_id TEXT PRIMARY KEY,
	wallet_address TEXT NOT NULL,
	key_ref TEXT NOT NULL DEFAULT '',
	created_at BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS passkey_credentials (
	user_id TEXT NOT NULL,
	credential_id TEXT NOT NULL,
	public_key BYTEA,
	sign_count BIGINT NOT NULL DEFAULT 0,
	created_at BIGINT NOT NULL,
	PRIMARY KEY (user_id, credential_id)
);
`},
}

// Migrate applies all pending migrations in order. On Postgres the whole
// run holds a process-wide advisory lock so parallel boots serialize.
// Advisory locks are session-scoped, so the run is pinned to a single
// connection: lock, DDL bookkeeping and unlock must not hop across the
// pool or the unlock lands on the wrong session.
func (s *sqlStore) Migrate(ctx context.Context) error {
	logger := slog.Default().With("component", "store.migrate")

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("checkout migration conn: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if s.dialect.Name() == "postgres" {
		if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", advisoryLockID); err != nil {
			return fmt.Errorf("acquire advisory lock: %w", err)
		}
		defer func() {
			_, _ = conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", advisoryLockID)
		}()
	}

	if _, err := conn.ExecContext(ctx, s.dialect.Rebind(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			name TEXT PRIMARY KEY,
			applied_at BIGINT NOT NULL
		)`)); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	for _, m := range migrations {
		var applied int
		err := conn.QueryRowContext(ctx,
			s.dialect.Rebind("SELECT COUNT(1) FROM schema_migrations WHERE name = $1"), m.name,
		).Scan(&applied)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", m.name, err)
		}
		if applied > 0 {
			continue
		}

		ddl := m.ddl
		if s.dialect.Name() == "sqlite" {
			ddl = strings.ReplaceAll(ddl, "BYTEA", "BLOB")
		}
		if _, err := conn.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("apply migration %s: %w", m.name, err)
		}
		if _, err := conn.ExecContext(ctx,
			s.dialect.Rebind("INSERT INTO schema_migrations (name, applied_at) VALUES ($1, $2)"),
			m.name, s.nowMs(),
		); err != nil {
			return fmt.Errorf("record migration %s: %w", m.name, err)
		}
		logger.Info("applied migration", "name", m.name)
	}
	return nil
}
