package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"freight-guard/internal/audit"
	"freight-guard/internal/rules"
	"freight-guard/internal/store"

	"github.com/google/uuid"
)

const (
	DefaultOverrideTTL = 24 * time.Hour
	DefaultMaxBulk     = 1000
	defaultAttempts    = 5
	retryBackoff       = 5 * time.Millisecond
)

// Appender writes one audit entry inside the caller's unit of work. Lock
// takes the entity's chain lock until that unit of work ends.
type Appender interface {
	Lock(ctx context.Context, entityType, entityID string) error
	Append(ctx context.Context, e audit.Entry) (audit.Entry, error)
}

// RuleLookup resolves rule ids for override validation.
type RuleLookup interface {
	Get(id string) (rules.Rule, bool)
}

// Registry manages blocks and overrides. Every mutation and its audit entry
// commit in one unit of work.
type Registry struct {
	rows  Store
	chain Appender
	rules RuleLookup
	tx    store.TxManager
	log   *slog.Logger

	Now         func() time.Time
	OverrideTTL time.Duration
	MaxBulk     int
	Attempts    int
}

func New(rows Store, chain Appender, rl RuleLookup, tx store.TxManager, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		rows:        rows,
		chain:       chain,
		rules:       rl,
		tx:          tx,
		log:         log.With("component", "registry"),
		Now:         time.Now,
		OverrideTTL: DefaultOverrideTTL,
		MaxBulk:     DefaultMaxBulk,
		Attempts:    defaultAttempts,
	}
}

func (r *Registry) now() time.Time { return r.Now().UTC() }

// IsBlocked returns the entity's active block, or nil.
func (r *Registry) IsBlocked(ctx context.Context, t rules.EntityType, entityID string) (*Block, error) {
	b, ok, err := r.rows.ActiveBlock(ctx, t, entityID, r.now())
	if err != nil || !ok {
		return nil, err
	}
	return &b, nil
}

// IsOverridden returns the active override of ruleID for the target, or nil.
// Overrides of other rules on the same target are never considered.
func (r *Registry) IsOverridden(ctx context.Context, t rules.EntityType, targetID, ruleID string) (*Override, error) {
	o, ok, err := r.rows.ActiveOverride(ctx, t, targetID, ruleID, r.now())
	if err != nil || !ok {
		return nil, err
	}
	return &o, nil
}

func (r *Registry) ListActiveBlocks(ctx context.Context, t rules.EntityType, entityID string) ([]Block, error) {
	return r.rows.ActiveBlocks(ctx, t, entityID, r.now())
}

func (r *Registry) ListActiveOverrides(ctx context.Context, t rules.EntityType, targetID string) ([]Override, error) {
	return r.rows.ActiveOverrides(ctx, t, targetID, r.now())
}

// atomically runs fn in a unit of work, retrying when a concurrent append won
// the chain head.
func (r *Registry) atomically(ctx context.Context, fn func(ctx context.Context) error) error {
	return store.Retry(ctx, r.Attempts, retryBackoff, audit.IsRetryable, func(ctx context.Context) error {
		return r.tx.WithinTx(ctx, fn)
	})
}

func (r *Registry) validateBlock(req BlockRequest, now time.Time) []string {
	var problems []string
	if !contains(BlockableTypes, req.EntityType) {
		problems = append(problems, fmt.Sprintf("entity_type %q cannot be blocked", req.EntityType))
	}
	if strings.TrimSpace(req.EntityID) == "" {
		problems = append(problems, "entity_id is required")
	}
	if strings.TrimSpace(req.Reason) == "" {
		problems = append(problems, "reason is required")
	}
	if !req.Severity.Valid() {
		problems = append(problems, fmt.Sprintf("severity %q is not one of LOW, MEDIUM, HIGH, CRITICAL", req.Severity))
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		problems = append(problems, "expires_at must be in the future")
	}
	return problems
}

func (r *Registry) newBlock(req BlockRequest, now time.Time) Block {
	b := Block{
		ID:            uuid.NewString(),
		EntityType:    req.EntityType,
		EntityID:      strings.TrimSpace(req.EntityID),
		Reason:        strings.TrimSpace(req.Reason),
		Severity:      req.Severity,
		CreatedBy:     req.PerformedBy,
		CreatedAt:     now,
		CorrelationID: req.CorrelationID,
	}
	if req.ExpiresAt != nil {
		exp := req.ExpiresAt.UTC()
		b.ExpiresAt = &exp
	}
	return b
}

func (r *Registry) insertBlock(ctx context.Context, b Block) error {
	if err := r.chain.Lock(ctx, string(b.EntityType), b.EntityID); err != nil {
		return err
	}
	if err := r.rows.InsertBlock(ctx, b); err != nil {
		return fmt.Errorf("registry: insert block: %w", err)
	}
	meta := map[string]any{
		"blockId":  b.ID,
		"reason":   b.Reason,
		"severity": string(b.Severity),
	}
	if b.ExpiresAt != nil {
		meta["expiresAt"] = b.ExpiresAt.Format(time.RFC3339Nano)
	}
	_, err := r.chain.Append(ctx, audit.Entry{
		EntityType:    string(b.EntityType),
		EntityID:      b.EntityID,
		Action:        audit.ActionBlockCreated,
		PerformedBy:   b.CreatedBy,
		Metadata:      meta,
		CorrelationID: b.CorrelationID,
	})
	return err
}

// CreateBlock persists a block and its audit entry together.
func (r *Registry) CreateBlock(ctx context.Context, req BlockRequest) (Block, error) {
	now := r.now()
	problems := r.validateBlock(req, now)
	if strings.TrimSpace(req.PerformedBy) == "" {
		problems = append(problems, "performed_by is required")
	}
	if len(problems) > 0 {
		return Block{}, &ValidationError{Problems: problems}
	}

	b := r.newBlock(req, now)
	if err := r.atomically(ctx, func(ctx context.Context) error { return r.insertBlock(ctx, b) }); err != nil {
		return Block{}, err
	}
	r.log.InfoContext(ctx, "block created",
		"block_id", b.ID, "entity_type", b.EntityType, "entity_id", b.EntityID, "performed_by", b.CreatedBy)
	return b, nil
}

// CreateBlocks blocks many entities in one unit of work. Each entity gets its
// own audit entry; all entries share one correlation id. Duplicate targets in
// reqs are collapsed to the first occurrence.
func (r *Registry) CreateBlocks(ctx context.Context, reqs []BlockRequest, performedBy string) ([]Block, string, error) {
	if strings.TrimSpace(performedBy) == "" {
		return nil, "", &ValidationError{Problems: []string{"performed_by is required"}}
	}
	if len(reqs) == 0 {
		return nil, "", &ValidationError{Problems: []string{"at least one block is required"}}
	}
	if r.MaxBulk > 0 && len(reqs) > r.MaxBulk {
		return nil, "", fmt.Errorf("%w: %d blocks exceeds limit of %d", ErrBulkTooLarge, len(reqs), r.MaxBulk)
	}

	now := r.now()
	correlationID := uuid.NewString()
	seen := make(map[audit.EntityRef]struct{}, len(reqs))
	blocks := make([]Block, 0, len(reqs))
	var problems []string
	for i, req := range reqs {
		for _, p := range r.validateBlock(req, now) {
			problems = append(problems, fmt.Sprintf("blocks[%d]: %s", i, p))
		}
		ref := audit.EntityRef{EntityType: string(req.EntityType), EntityID: strings.TrimSpace(req.EntityID)}
		if _, dup := seen[ref]; dup {
			continue
		}
		seen[ref] = struct{}{}
		req.PerformedBy = performedBy
		req.CorrelationID = correlationID
		blocks = append(blocks, r.newBlock(req, now))
	}
	if len(problems) > 0 {
		return nil, "", &ValidationError{Problems: problems}
	}

	err := r.atomically(ctx, func(ctx context.Context) error {
		for _, b := range blocks {
			if err := r.insertBlock(ctx, b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	r.log.InfoContext(ctx, "bulk block created", "correlation_id", correlationID, "count", len(blocks), "performed_by", performedBy)
	return blocks, correlationID, nil
}

// LiftBlock deactivates a block before its expiry and audits the lift on the
// blocked entity's chain.
func (r *Registry) LiftBlock(ctx context.Context, blockID, performedBy, reason string) (Block, error) {
	var problems []string
	if strings.TrimSpace(blockID) == "" {
		problems = append(problems, "block id is required")
	}
	if strings.TrimSpace(performedBy) == "" {
		problems = append(problems, "performed_by is required")
	}
	if len(problems) > 0 {
		return Block{}, &ValidationError{Problems: problems}
	}

	var lifted Block
	err := r.atomically(ctx, func(ctx context.Context) error {
		now := r.now()
		b, err := r.rows.GetBlock(ctx, blockID)
		if err != nil {
			return err
		}
		if !b.ActiveAt(now) {
			return ErrBlockNotActive
		}
		if err := r.chain.Lock(ctx, string(b.EntityType), b.EntityID); err != nil {
			return err
		}
		if err := r.rows.MarkLifted(ctx, blockID, performedBy, now); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return ErrBlockNotActive
			}
			return fmt.Errorf("registry: lift block: %w", err)
		}
		meta := map[string]any{"blockId": b.ID}
		if s := strings.TrimSpace(reason); s != "" {
			meta["reason"] = s
		}
		if _, err := r.chain.Append(ctx, audit.Entry{
			EntityType:  string(b.EntityType),
			EntityID:    b.EntityID,
			Action:      audit.ActionBlockLifted,
			PerformedBy: performedBy,
			Metadata:    meta,
		}); err != nil {
			return err
		}
		b.LiftedAt = &now
		b.LiftedBy = performedBy
		lifted = b
		return nil
	})
	if err != nil {
		return Block{}, err
	}
	r.log.InfoContext(ctx, "block lifted", "block_id", blockID, "performed_by", performedBy)
	return lifted, nil
}

// CreateOverride records a tiered, time-boxed suppression of one rule for one
// target. The tier must cover the rule's severity; the caller is responsible
// for checking the actor may request that tier.
func (r *Registry) CreateOverride(ctx context.Context, req OverrideRequest) (Override, error) {
	now := r.now()
	var problems []string
	if !contains(OverridableTypes, req.TargetType) {
		problems = append(problems, fmt.Sprintf("target_type %q cannot be overridden", req.TargetType))
	}
	if strings.TrimSpace(req.TargetID) == "" {
		problems = append(problems, "target_id is required")
	}
	if strings.TrimSpace(req.RuleID) == "" {
		problems = append(problems, "rule_id is required")
	}
	if strings.TrimSpace(req.Justification) == "" {
		problems = append(problems, "justification is required")
	}
	if req.Tier < 1 || req.Tier > 3 {
		problems = append(problems, "tier must be 1, 2 or 3")
	}
	if strings.TrimSpace(req.PerformedBy) == "" {
		problems = append(problems, "performed_by is required")
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		problems = append(problems, "expires_at must be in the future")
	}
	if len(problems) > 0 {
		return Override{}, &ValidationError{Problems: problems}
	}

	rule, ok := r.rules.Get(req.RuleID)
	if !ok {
		return Override{}, fmt.Errorf("%w: %s", ErrUnknownRule, req.RuleID)
	}
	if !TierAllows(req.Tier, rule.Severity) {
		return Override{}, &OverrideAuthorizationError{
			RuleID:   rule.ID,
			Severity: rule.Severity,
			Tier:     req.Tier,
			Required: MinTier(rule.Severity),
		}
	}

	ttl := r.OverrideTTL
	if ttl <= 0 {
		ttl = DefaultOverrideTTL
	}
	expires := now.Add(ttl)
	if req.ExpiresAt != nil {
		expires = req.ExpiresAt.UTC()
	}
	o := Override{
		ID:            uuid.NewString(),
		TargetType:    req.TargetType,
		TargetID:      strings.TrimSpace(req.TargetID),
		RuleID:        rule.ID,
		Justification: strings.TrimSpace(req.Justification),
		EvidenceURL:   strings.TrimSpace(req.EvidenceURL),
		Tier:          req.Tier,
		CreatedBy:     req.PerformedBy,
		CreatedAt:     now,
		ExpiresAt:     expires,
	}

	err := r.atomically(ctx, func(ctx context.Context) error {
		if err := r.chain.Lock(ctx, string(o.TargetType), o.TargetID); err != nil {
			return err
		}
		if err := r.rows.InsertOverride(ctx, o); err != nil {
			return fmt.Errorf("registry: insert override: %w", err)
		}
		meta := map[string]any{
			"overrideId":    o.ID,
			"tier":          o.Tier,
			"ruleSeverity":  string(rule.Severity),
			"justification": o.Justification,
			"expiresAt":     o.ExpiresAt.Format(time.RFC3339Nano),
		}
		if o.EvidenceURL != "" {
			meta["evidenceUrl"] = o.EvidenceURL
		}
		_, err := r.chain.Append(ctx, audit.Entry{
			EntityType:    string(o.TargetType),
			EntityID:      o.TargetID,
			Action:        audit.ActionOverrideCreated,
			PerformedBy:   o.CreatedBy,
			RuleID:        o.RuleID,
			Metadata:      meta,
			CorrelationID: req.CorrelationID,
		})
		return err
	})
	if err != nil {
		return Override{}, err
	}
	r.log.InfoContext(ctx, "override created",
		"override_id", o.ID, "target_type", o.TargetType, "target_id", o.TargetID, "rule_id", o.RuleID, "tier", o.Tier)
	return o, nil
}
