package storage

import "context"

// schema is the idempotent bootstrap DDL. The teacher's cmd/migrate runs
// versioned .sql files from disk; the dispatch core instead self-bootstraps
// from Go so a fresh instance never depends on an external migration
// runner being invoked first (see DESIGN.md, Storage engine).
const schema = `
CREATE TABLE IF NOT EXISTS tenants (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	active BOOLEAN NOT NULL DEFAULT true,
	client_base_url TEXT NOT NULL DEFAULT '',
	client_sync_path TEXT NOT NULL DEFAULT '',
	client_attachment_path TEXT NOT NULL DEFAULT '',
	client_auth JSONB,
	rate_limits JSONB,
	large_file_config JSONB,
	suspended_batches TEXT,
	api_key_hash TEXT NOT NULL DEFAULT '',
	api_key_expires_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS accounts (
	pk TEXT PRIMARY KEY,
	id TEXT NOT NULL,
	tenant_id TEXT NOT NULL REFERENCES tenants(id),
	host TEXT NOT NULL,
	port INTEGER NOT NULL,
	"user" TEXT NOT NULL,
	password TEXT NOT NULL DEFAULT '',
	use_tls BOOLEAN NOT NULL DEFAULT true,
	batch_size INTEGER NOT NULL DEFAULT 0,
	ttl INTEGER NOT NULL DEFAULT 0,
	limit_per_minute INTEGER,
	limit_per_hour INTEGER,
	limit_per_day INTEGER,
	limit_behavior TEXT NOT NULL DEFAULT 'defer',
	is_pec_account BOOLEAN NOT NULL DEFAULT false,
	imap_host TEXT NOT NULL DEFAULT '',
	imap_port INTEGER NOT NULL DEFAULT 0,
	imap_user TEXT NOT NULL DEFAULT '',
	imap_password TEXT NOT NULL DEFAULT '',
	imap_folder TEXT NOT NULL DEFAULT '',
	imap_last_uid BIGINT NOT NULL DEFAULT 0,
	imap_uidvalidity BIGINT NOT NULL DEFAULT 0,
	UNIQUE (tenant_id, id)
);

CREATE TABLE IF NOT EXISTS messages (
	pk TEXT PRIMARY KEY,
	id TEXT NOT NULL,
	tenant_id TEXT NOT NULL REFERENCES tenants(id),
	account_id TEXT NOT NULL,
	account_pk TEXT NOT NULL DEFAULT '',
	priority SMALLINT NOT NULL DEFAULT 2,
	payload JSONB NOT NULL,
	batch_code TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	deferred_ts BIGINT,
	smtp_ts BIGINT,
	is_pec BOOLEAN NOT NULL DEFAULT false,
	UNIQUE (tenant_id, id)
);
CREATE INDEX IF NOT EXISTS idx_messages_ready ON messages (account_id, priority, created_at)
	WHERE smtp_ts IS NULL;
CREATE INDEX IF NOT EXISTS idx_messages_batch ON messages (tenant_id, batch_code);

CREATE TABLE IF NOT EXISTS message_events (
	id BIGSERIAL PRIMARY KEY,
	message_pk TEXT NOT NULL REFERENCES messages(pk),
	event_type TEXT NOT NULL,
	event_ts BIGINT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	metadata JSONB,
	reported_ts BIGINT
);
CREATE INDEX IF NOT EXISTS idx_events_unreported ON message_events (message_pk)
	WHERE reported_ts IS NULL;

CREATE TABLE IF NOT EXISTS account_send_log (
	id BIGSERIAL PRIMARY KEY,
	account_pk TEXT NOT NULL REFERENCES accounts(pk),
	sent_ts BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_send_log_account_ts ON account_send_log (account_pk, sent_ts);

CREATE TABLE IF NOT EXISTS command_log (
	id BIGSERIAL PRIMARY KEY,
	endpoint TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '',
	tenant_id TEXT NOT NULL DEFAULT '',
	response_status INTEGER NOT NULL DEFAULT 0,
	response_body TEXT NOT NULL DEFAULT '',
	command_ts BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS instance (
	id SMALLINT PRIMARY KEY DEFAULT 1,
	name TEXT NOT NULL DEFAULT '',
	api_token_hash TEXT NOT NULL DEFAULT '',
	edition TEXT NOT NULL DEFAULT 'ce',
	config_bag JSONB,
	CHECK (id = 1)
);
`

// Migrate applies the bootstrap schema. It is safe to call on every
// process start; every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// ListTables reports the core's own tables, for the migrate CLI's --list
// flag.
func (s *Store) ListTables(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tablename FROM pg_tables
		WHERE schemaname = 'public'
		  AND tablename IN ('tenants', 'accounts', 'messages', 'message_events', 'account_send_log', 'command_log', 'instance')
		ORDER BY tablename
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	return tables, rows.Err()
}
