package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"freight-guard/internal/audit"
)

// AuditRepo implements audit.Repository. Rows are only ever inserted.
type AuditRepo struct {
	db *DB
}

func NewAuditRepo(db *DB) *AuditRepo { return &AuditRepo{db: db} }

var _ audit.Repository = (*AuditRepo)(nil)

const auditColumns = `id, entity_type, entity_id, action, performed_by, metadata, rule_id, correlation_id, audit_hash, prev_hash, signature, ts`

// Lock takes a transaction-scoped advisory lock on the entity's chain in
// Postgres. SQLite serializes writers on its single connection already.
func (r *AuditRepo) Lock(ctx context.Context, entityType, entityID string) error {
	if r.db.dialect != Postgres {
		return nil
	}
	_, err := r.db.exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended(?, 0))`, entityType+":"+entityID)
	return err
}

func (r *AuditRepo) Last(ctx context.Context, entityType, entityID string) (audit.Entry, bool, error) {
	row := r.db.queryRow(ctx, `SELECT `+auditColumns+` FROM audit_entries
WHERE entity_type = ? AND entity_id = ?
ORDER BY ts DESC
LIMIT 1`, entityType, entityID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return audit.Entry{}, false, nil
	}
	if err != nil {
		return audit.Entry{}, false, err
	}
	return e, true, nil
}

func (r *AuditRepo) Insert(ctx context.Context, e audit.Entry) error {
	var meta sql.NullString
	if len(e.Metadata) > 0 {
		raw, err := audit.Canonicalize(e.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		meta = sql.NullString{String: string(raw), Valid: true}
	}
	_, err := r.db.exec(ctx, `INSERT INTO audit_entries (`+auditColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		e.EntityType,
		e.EntityID,
		e.Action,
		e.PerformedBy,
		meta,
		nullString(e.RuleID),
		nullString(e.CorrelationID),
		e.AuditHash,
		nullString(e.PrevHash),
		nullString(e.Signature),
		toMicros(e.Timestamp),
	)
	if isUniqueViolation(err) {
		return audit.ErrChainConflict
	}
	return err
}

func (r *AuditRepo) ListByEntity(ctx context.Context, entityType, entityID string, limit int, newestFirst bool) ([]audit.Entry, error) {
	order := "ASC"
	if newestFirst {
		order = "DESC"
	}
	q := `SELECT ` + auditColumns + ` FROM audit_entries WHERE entity_type = ? AND entity_id = ? ORDER BY ts ` + order
	args := []any{entityType, entityID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	return r.list(ctx, q, args...)
}

func (r *AuditRepo) ListByPerformer(ctx context.Context, performedBy string, since time.Time, limit int) ([]audit.Entry, error) {
	q := `SELECT ` + auditColumns + ` FROM audit_entries WHERE performed_by = ? AND ts >= ? ORDER BY ts DESC`
	args := []any{performedBy, toMicros(since)}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	return r.list(ctx, q, args...)
}

func (r *AuditRepo) ListByCorrelation(ctx context.Context, correlationID string) ([]audit.Entry, error) {
	return r.list(ctx, `SELECT `+auditColumns+` FROM audit_entries WHERE correlation_id = ? ORDER BY ts ASC, entity_type, entity_id`, correlationID)
}

func (r *AuditRepo) ListByRule(ctx context.Context, ruleID string, limit int) ([]audit.Entry, error) {
	q := `SELECT ` + auditColumns + ` FROM audit_entries WHERE rule_id = ? ORDER BY ts DESC`
	args := []any{ruleID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	return r.list(ctx, q, args...)
}

func (r *AuditRepo) ActiveEntities(ctx context.Context, since time.Time, limit int) ([]audit.EntityRef, error) {
	q := `SELECT entity_type, entity_id FROM audit_entries WHERE ts >= ?
GROUP BY entity_type, entity_id
ORDER BY MAX(ts) DESC`
	args := []any{toMicros(since)}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.db.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.EntityRef
	for rows.Next() {
		var ref audit.EntityRef
		if err := rows.Scan(&ref.EntityType, &ref.EntityID); err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

func (r *AuditRepo) list(ctx context.Context, q string, args ...any) ([]audit.Entry, error) {
	rows, err := r.db.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []audit.Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (audit.Entry, error) {
	var (
		e                                 audit.Entry
		meta, ruleID, corr, prevHash, sig sql.NullString
		ts                                int64
	)
	if err := s.Scan(
		&e.ID,
		&e.EntityType,
		&e.EntityID,
		&e.Action,
		&e.PerformedBy,
		&meta,
		&ruleID,
		&corr,
		&e.AuditHash,
		&prevHash,
		&sig,
		&ts,
	); err != nil {
		return audit.Entry{}, err
	}
	if meta.Valid {
		m, err := audit.DecodeMetadata([]byte(meta.String))
		if err != nil {
			return audit.Entry{}, fmt.Errorf("decode metadata of %s: %w", e.ID, err)
		}
		e.Metadata = m
	}
	e.RuleID = ruleID.String
	e.CorrelationID = corr.String
	e.PrevHash = prevHash.String
	e.Signature = sig.String
	e.Timestamp = fromMicros(ts)
	return e, nil
}
