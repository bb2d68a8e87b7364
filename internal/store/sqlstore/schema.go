package sqlstore

import (
	"context"
	"fmt"
)

// schema is valid for both Postgres and SQLite. Timestamps are stored as
// microseconds since the Unix epoch (UTC) so both engines order them identically.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS rules (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	expression  TEXT NOT NULL,
	severity    TEXT NOT NULL,
	action      TEXT NOT NULL,
	category    TEXT NOT NULL DEFAULT '',
	scope       TEXT NOT NULL DEFAULT '',
	priority    INTEGER NOT NULL DEFAULT 0,
	enabled     INTEGER NOT NULL DEFAULT 1,
	updated_at  BIGINT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS blocks (
	id             TEXT PRIMARY KEY,
	entity_type    TEXT NOT NULL,
	entity_id      TEXT NOT NULL,
	reason         TEXT NOT NULL,
	severity       TEXT NOT NULL,
	created_by     TEXT NOT NULL,
	created_at     BIGINT NOT NULL,
	expires_at     BIGINT,
	lifted_at      BIGINT,
	lifted_by      TEXT,
	correlation_id TEXT
)`,
	`CREATE INDEX IF NOT EXISTS blocks_entity_idx ON blocks (entity_type, entity_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS overrides (
	id            TEXT PRIMARY KEY,
	target_type   TEXT NOT NULL,
	target_id     TEXT NOT NULL,
	rule_id       TEXT NOT NULL,
	justification TEXT NOT NULL,
	evidence_url  TEXT,
	tier          INTEGER NOT NULL,
	created_by    TEXT NOT NULL,
	created_at    BIGINT NOT NULL,
	expires_at    BIGINT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS overrides_target_idx ON overrides (target_type, target_id, rule_id, expires_at)`,
	`CREATE TABLE IF NOT EXISTS audit_entries (
	id             TEXT PRIMARY KEY,
	entity_type    TEXT NOT NULL,
	entity_id      TEXT NOT NULL,
	action         TEXT NOT NULL,
	performed_by   TEXT NOT NULL DEFAULT '',
	metadata       TEXT,
	rule_id        TEXT,
	correlation_id TEXT,
	audit_hash     VARCHAR(64) NOT NULL,
	prev_hash      VARCHAR(64),
	signature      VARCHAR(128),
	ts             BIGINT NOT NULL
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS audit_entries_entity_ts_idx ON audit_entries (entity_type, entity_id, ts)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS audit_entries_prev_idx ON audit_entries (entity_type, entity_id, prev_hash)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS audit_entries_genesis_idx ON audit_entries (entity_type, entity_id) WHERE prev_hash IS NULL`,
	`CREATE INDEX IF NOT EXISTS audit_entries_rule_idx ON audit_entries (rule_id, ts)`,
	`CREATE INDEX IF NOT EXISTS audit_entries_correlation_idx ON audit_entries (correlation_id)`,
	`CREATE INDEX IF NOT EXISTS audit_entries_performer_idx ON audit_entries (performed_by, ts)`,
	`CREATE INDEX IF NOT EXISTS audit_entries_ts_idx ON audit_entries (ts)`,
}

// Migrate creates missing tables and indexes. It is idempotent.
func (d *DB) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlstore: migrate step %d: %w", i, err)
		}
	}
	return nil
}
