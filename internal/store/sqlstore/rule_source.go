package sqlstore

import (
	"context"
	"strings"
	"time"

	"freight-guard/internal/rules"
	"freight-guard/internal/store"
)

// RuleSource loads rules from the rules table. It satisfies rules.Source.
type RuleSource struct {
	db  *DB
	Now func() time.Time
}

func NewRuleSource(db *DB) *RuleSource { return &RuleSource{db: db, Now: time.Now} }

var _ rules.Source = (*RuleSource)(nil)

func (s *RuleSource) Load(ctx context.Context) ([]rules.Rule, error) {
	rows, err := s.db.query(ctx, `SELECT id, name, expression, severity, action, category, scope, priority, enabled
FROM rules ORDER BY priority ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []rules.Rule
	for rows.Next() {
		var (
			r                       rules.Rule
			severity, action, scope string
			enabled                 int
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.Expression, &severity, &action, &r.Category, &scope, &r.Priority, &enabled); err != nil {
			return nil, err
		}
		r.Severity = rules.Severity(severity)
		r.Action = rules.Action(action)
		r.Scope = splitScope(scope)
		r.Enabled = enabled != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// Upsert writes rs in one unit of work, replacing rows with the same id.
func (s *RuleSource) Upsert(ctx context.Context, tx store.TxManager, rs []rules.Rule) error {
	now := toMicros(s.Now())
	return tx.WithinTx(ctx, func(ctx context.Context) error {
		for _, r := range rs {
			if err := r.Validate(); err != nil {
				return err
			}
			enabled := 0
			if r.Enabled {
				enabled = 1
			}
			if _, err := s.db.exec(ctx, `INSERT INTO rules (id, name, expression, severity, action, category, scope, priority, enabled, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	name = excluded.name,
	expression = excluded.expression,
	severity = excluded.severity,
	action = excluded.action,
	category = excluded.category,
	scope = excluded.scope,
	priority = excluded.priority,
	enabled = excluded.enabled,
	updated_at = excluded.updated_at`,
				r.ID, r.Name, r.Expression, string(r.Severity), string(r.Action), r.Category,
				joinScope(r.Scope), r.Priority, enabled, now,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

func joinScope(ts []rules.EntityType) string {
	parts := make([]string, len(ts))
	for i, t := range ts {
		parts[i] = string(t)
	}
	return strings.Join(parts, ",")
}

func splitScope(s string) []rules.EntityType {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]rules.EntityType, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, rules.EntityType(p))
		}
	}
	return out
}
