package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"freight-guard/internal/registry"
	"freight-guard/internal/rules"
	"freight-guard/internal/store"
)

// RegistryStore implements registry.Store.
type RegistryStore struct {
	db *DB
}

func NewRegistryStore(db *DB) *RegistryStore { return &RegistryStore{db: db} }

var _ registry.Store = (*RegistryStore)(nil)

const blockColumns = `id, entity_type, entity_id, reason, severity, created_by, created_at, expires_at, lifted_at, lifted_by, correlation_id`

const overrideColumns = `id, target_type, target_id, rule_id, justification, evidence_url, tier, created_by, created_at, expires_at`

func (s *RegistryStore) InsertBlock(ctx context.Context, b registry.Block) error {
	_, err := s.db.exec(ctx, `INSERT INTO blocks (`+blockColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID,
		string(b.EntityType),
		b.EntityID,
		b.Reason,
		string(b.Severity),
		b.CreatedBy,
		toMicros(b.CreatedAt),
		nullMicros(b.ExpiresAt),
		nullMicros(b.LiftedAt),
		nullString(b.LiftedBy),
		nullString(b.CorrelationID),
	)
	if isUniqueViolation(err) {
		return store.ErrConflict
	}
	return err
}

func (s *RegistryStore) GetBlock(ctx context.Context, id string) (registry.Block, error) {
	b, err := scanBlock(s.db.queryRow(ctx, `SELECT `+blockColumns+` FROM blocks WHERE id = ?`, id))
	return b, mapNotFound(err)
}

func (s *RegistryStore) ActiveBlock(ctx context.Context, t rules.EntityType, entityID string, now time.Time) (registry.Block, bool, error) {
	b, err := scanBlock(s.db.queryRow(ctx, `SELECT `+blockColumns+` FROM blocks
WHERE entity_type = ? AND entity_id = ? AND lifted_at IS NULL AND (expires_at IS NULL OR expires_at > ?)
ORDER BY created_at DESC, id DESC
LIMIT 1`, string(t), entityID, toMicros(now)))
	if errors.Is(err, sql.ErrNoRows) {
		return registry.Block{}, false, nil
	}
	if err != nil {
		return registry.Block{}, false, err
	}
	return b, true, nil
}

func (s *RegistryStore) ActiveBlocks(ctx context.Context, t rules.EntityType, entityID string, now time.Time) ([]registry.Block, error) {
	rows, err := s.db.query(ctx, `SELECT `+blockColumns+` FROM blocks
WHERE entity_type = ? AND entity_id = ? AND lifted_at IS NULL AND (expires_at IS NULL OR expires_at > ?)
ORDER BY created_at DESC, id DESC`, string(t), entityID, toMicros(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []registry.Block{}
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *RegistryStore) MarkLifted(ctx context.Context, id, liftedBy string, at time.Time) error {
	res, err := s.db.exec(ctx, `UPDATE blocks SET lifted_at = ?, lifted_by = ? WHERE id = ? AND lifted_at IS NULL`,
		toMicros(at), liftedBy, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := s.GetBlock(ctx, id); err != nil {
		return err
	}
	return store.ErrConflict
}

func (s *RegistryStore) InsertOverride(ctx context.Context, o registry.Override) error {
	_, err := s.db.exec(ctx, `INSERT INTO overrides (`+overrideColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID,
		string(o.TargetType),
		o.TargetID,
		o.RuleID,
		o.Justification,
		nullString(o.EvidenceURL),
		o.Tier,
		o.CreatedBy,
		toMicros(o.CreatedAt),
		toMicros(o.ExpiresAt),
	)
	if isUniqueViolation(err) {
		return store.ErrConflict
	}
	return err
}

func (s *RegistryStore) ActiveOverride(ctx context.Context, t rules.EntityType, targetID, ruleID string, now time.Time) (registry.Override, bool, error) {
	o, err := scanOverride(s.db.queryRow(ctx, `SELECT `+overrideColumns+` FROM overrides
WHERE target_type = ? AND target_id = ? AND rule_id = ? AND expires_at > ?
ORDER BY expires_at DESC, id DESC
LIMIT 1`, string(t), targetID, ruleID, toMicros(now)))
	if errors.Is(err, sql.ErrNoRows) {
		return registry.Override{}, false, nil
	}
	if err != nil {
		return registry.Override{}, false, err
	}
	return o, true, nil
}

func (s *RegistryStore) ActiveOverrides(ctx context.Context, t rules.EntityType, targetID string, now time.Time) ([]registry.Override, error) {
	rows, err := s.db.query(ctx, `SELECT `+overrideColumns+` FROM overrides
WHERE target_type = ? AND target_id = ? AND expires_at > ?
ORDER BY expires_at DESC, id DESC`, string(t), targetID, toMicros(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []registry.Override{}
	for rows.Next() {
		o, err := scanOverride(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanBlock(s scanner) (registry.Block, error) {
	var (
		b                     registry.Block
		entityType, severity  string
		createdAt             int64
		expiresAt, liftedAt   sql.NullInt64
		liftedBy, correlation sql.NullString
	)
	if err := s.Scan(
		&b.ID,
		&entityType,
		&b.EntityID,
		&b.Reason,
		&severity,
		&b.CreatedBy,
		&createdAt,
		&expiresAt,
		&liftedAt,
		&liftedBy,
		&correlation,
	); err != nil {
		return registry.Block{}, err
	}
	b.EntityType = rules.EntityType(entityType)
	b.Severity = rules.Severity(severity)
	b.CreatedAt = fromMicros(createdAt)
	b.ExpiresAt = timePtr(expiresAt)
	b.LiftedAt = timePtr(liftedAt)
	b.LiftedBy = liftedBy.String
	b.CorrelationID = correlation.String
	return b, nil
}

func scanOverride(s scanner) (registry.Override, error) {
	var (
		o                    registry.Override
		targetType           string
		evidence             sql.NullString
		createdAt, expiresAt int64
	)
	if err := s.Scan(
		&o.ID,
		&targetType,
		&o.TargetID,
		&o.RuleID,
		&o.Justification,
		&evidence,
		&o.Tier,
		&o.CreatedBy,
		&createdAt,
		&expiresAt,
	); err != nil {
		return registry.Override{}, err
	}
	o.TargetType = rules.EntityType(targetType)
	o.EvidenceURL = evidence.String
	o.CreatedAt = fromMicros(createdAt)
	o.ExpiresAt = fromMicros(expiresAt)
	return o, nil
}
