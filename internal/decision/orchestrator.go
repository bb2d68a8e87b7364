package decision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"freight-guard/internal/audit"
	"freight-guard/internal/evaluation"
	"freight-guard/internal/metrics"
	"freight-guard/internal/registry"
	"freight-guard/internal/rules"
	"freight-guard/internal/store"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultTimeout  = 2 * time.Second
	defaultAttempts = 5
	retryBackoff    = 5 * time.Millisecond
)

// Registry is the read side of the block/override registry.
type Registry interface {
	IsBlocked(ctx context.Context, t rules.EntityType, entityID string) (*registry.Block, error)
	IsOverridden(ctx context.Context, t rules.EntityType, targetID, ruleID string) (*registry.Override, error)
}

type RuleSet interface {
	Applicable(t rules.EntityType) []rules.Rule
}

type Evaluator interface {
	Evaluate(ctx context.Context, ectx evaluation.Context, applicable []rules.Rule) evaluation.Result
}

// Orchestrator turns an action into exactly one Decision and exactly one
// audit entry, committed together.
type Orchestrator struct {
	rules    RuleSet
	eval     Evaluator
	registry Registry
	chain    registry.Appender
	tx       store.TxManager
	metrics  *metrics.Metrics
	log      *slog.Logger
	tracer   trace.Tracer

	Timeout     time.Duration
	Attempts    int
	ErrorPolicy ErrorPolicy
}

func NewOrchestrator(rs RuleSet, eval Evaluator, reg Registry, chain registry.Appender, tx store.TxManager, m *metrics.Metrics, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		rules:       rs,
		eval:        eval,
		registry:    reg,
		chain:       chain,
		tx:          tx,
		metrics:     m,
		log:         log.With("component", "decision"),
		tracer:      otel.Tracer("freight-guard/decision"),
		Timeout:     DefaultTimeout,
		Attempts:    defaultAttempts,
		ErrorPolicy: FailClosed,
	}
}

// Decide evaluates req and records the outcome. Either a Decision backed by a
// committed audit entry is returned, or an error; never a Decision without
// its entry. Audit and storage failures come back as *AuditWriteFailure.
func (o *Orchestrator) Decide(ctx context.Context, req Request) (Decision, error) {
	start := time.Now()
	if !req.EntityType.Valid() || strings.TrimSpace(req.EntityID) == "" {
		return Decision{}, fmt.Errorf("%w: entity type and id are required", ErrInvalidRequest)
	}
	if req.Context == nil {
		req.Context = evaluation.Context{}
	}

	ctx, span := o.tracer.Start(ctx, "decision.Decide", trace.WithAttributes(
		attribute.String("entity.type", string(req.EntityType)),
		attribute.String("entity.id", req.EntityID),
	))
	defer span.End()

	timeout := o.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Evaluation is pure, so it runs before the unit of work opens.
	result := o.eval.Evaluate(ctx, req.Context, o.rules.Applicable(req.EntityType))
	for _, rerr := range result.Errors() {
		o.metrics.RuleError(rerr.RuleID)
	}

	var d Decision
	attempt := 0
	err := store.Retry(ctx, o.Attempts, retryBackoff, audit.IsRetryable, func(ctx context.Context) error {
		if attempt > 0 {
			o.metrics.ChainRetry()
		}
		attempt++
		return o.tx.WithinTx(ctx, func(ctx context.Context) error {
			var err error
			d, err = o.decideTx(ctx, req, result)
			return err
		})
	})
	if err != nil {
		o.metrics.AuditWriteFailure()
		span.RecordError(err)
		span.SetStatus(codes.Error, "audit write failed")
		o.log.ErrorContext(ctx, "decision rejected: audit write failed",
			"entity_type", req.EntityType, "entity_id", req.EntityID, "attempts", attempt, "err", err)
		return Decision{}, &AuditWriteFailure{Err: err}
	}

	span.SetAttributes(attribute.String("decision.code", d.Code), attribute.Int("risk.score", d.RiskScore))
	o.metrics.ObserveDecision(d.Code, time.Since(start), d.RiskScore)
	o.log.DebugContext(ctx, "decision",
		"entity_type", req.EntityType, "entity_id", req.EntityID, "code", d.Code, "rule_id", d.RuleID, "audit_id", d.AuditID)
	return d, nil
}

// outcome is the resolved verdict before it is written to the chain.
type outcome struct {
	code      string
	decider   string
	blockID   string
	flags     []Flag
	riskScore int
}

// decideTx holds the entity's chain lock from the registry reads through the
// append, so a block committed concurrently is either seen here or recorded
// after this decision on the same chain.
func (o *Orchestrator) decideTx(ctx context.Context, req Request, result evaluation.Result) (Decision, error) {
	if err := o.chain.Lock(ctx, string(req.EntityType), req.EntityID); err != nil {
		return Decision{}, err
	}
	block, err := o.registry.IsBlocked(ctx, req.EntityType, req.EntityID)
	if err != nil {
		return Decision{}, fmt.Errorf("read blocks: %w", err)
	}

	var out outcome
	if block != nil {
		out = outcome{code: CodeEntityBlocked, blockID: block.ID}
	} else if out, err = o.resolve(ctx, req, result); err != nil {
		return Decision{}, err
	}

	entry, err := o.chain.Append(ctx, audit.Entry{
		EntityType:  string(req.EntityType),
		EntityID:    req.EntityID,
		Action:      auditActions[out.code],
		PerformedBy: req.PerformedBy,
		RuleID:      out.decider,
		Metadata:    o.auditMetadata(req, result, out),
	})
	if err != nil {
		return Decision{}, err
	}

	if out.flags == nil {
		out.flags = []Flag{}
	}
	status := statusFor(out.code)
	return Decision{
		Allow:     status == http.StatusOK,
		Status:    status,
		Code:      out.code,
		Message:   messages[out.code],
		AuditID:   entry.ID,
		RiskScore: out.riskScore,
		Flags:     out.flags,
		RuleID:    out.decider,
		BlockID:   out.blockID,
	}, nil
}

// resolve applies overrides to matched BLOCK rules in priority order. The
// first unsuppressed BLOCK match decides; everything else becomes a flag.
func (o *Orchestrator) resolve(ctx context.Context, req Request, result evaluation.Result) (outcome, error) {
	out := outcome{riskScore: result.RiskScore, flags: []Flag{}}
	var blocking *rules.Rule
	var reviewRule string

	for _, ev := range result.Evaluations {
		r := ev.Rule
		switch {
		case ev.Err != nil:
			if r.Action != rules.ActionBlock || blocking != nil {
				continue
			}
			ov, err := o.override(ctx, req, r.ID)
			if err != nil {
				return outcome{}, err
			}
			if ov == nil && reviewRule == "" {
				reviewRule = r.ID
			}
			if o.ErrorPolicy == FlagOnly || ov != nil {
				out.flags = append(out.flags, Flag{RuleID: r.ID, Severity: r.Severity, Kind: FlagError})
			}

		case !ev.Matched:

		case r.Action == rules.ActionBlock && blocking == nil:
			ov, err := o.override(ctx, req, r.ID)
			if err != nil {
				return outcome{}, err
			}
			if ov != nil {
				out.flags = append(out.flags, Flag{RuleID: r.ID, Severity: r.Severity, Kind: FlagOverridden, OverrideID: ov.ID})
				continue
			}
			rule := r
			blocking = &rule

		case r.Action == rules.ActionBlock, r.Action == rules.ActionFlag:
			out.flags = append(out.flags, Flag{RuleID: r.ID, Severity: r.Severity, Kind: FlagMatched})
		}
	}

	switch {
	case blocking != nil && blocking.RateLimited():
		out.code, out.decider = CodeRateLimited, blocking.ID
	case blocking != nil:
		out.code, out.decider = CodeRuleBlocked, blocking.ID
	case reviewRule != "" && o.ErrorPolicy != FlagOnly:
		out.code, out.decider = CodeReviewRequired, reviewRule
	case len(out.flags) > 0:
		out.code, out.decider = CodeAllowedWithFlags, out.flags[0].RuleID
	default:
		out.code = CodeAllowed
	}
	return out, nil
}

// override looks for an active override of ruleID on the decided entity, then
// on the acting user.
func (o *Orchestrator) override(ctx context.Context, req Request, ruleID string) (*registry.Override, error) {
	ov, err := o.registry.IsOverridden(ctx, req.EntityType, req.EntityID, ruleID)
	if err != nil {
		return nil, fmt.Errorf("read overrides: %w", err)
	}
	if ov != nil {
		return ov, nil
	}
	uid := req.Context.UserID()
	if uid == "" || (req.EntityType == rules.EntityUser && req.EntityID == uid) {
		return nil, nil
	}
	ov, err = o.registry.IsOverridden(ctx, rules.EntityUser, uid, ruleID)
	if err != nil {
		return nil, fmt.Errorf("read overrides: %w", err)
	}
	return ov, nil
}

func (o *Orchestrator) auditMetadata(req Request, result evaluation.Result, out outcome) map[string]any {
	status := statusFor(out.code)
	meta := map[string]any{
		"code":      out.code,
		"status":    status,
		"allow":     status == http.StatusOK,
		"riskScore": out.riskScore,
	}
	if out.blockID != "" {
		meta["blockId"] = out.blockID
	}
	if len(out.flags) > 0 {
		flags := make([]any, 0, len(out.flags))
		for _, f := range out.flags {
			m := map[string]any{"ruleId": f.RuleID, "severity": string(f.Severity), "kind": f.Kind}
			if f.OverrideID != "" {
				m["overrideId"] = f.OverrideID
			}
			flags = append(flags, m)
		}
		meta["flags"] = flags
	}
	if out.code != CodeEntityBlocked {
		var matched []any
		for _, ev := range result.Matched() {
			matched = append(matched, ev.Rule.ID)
		}
		if len(matched) > 0 {
			meta["matchedRules"] = matched
		}
		if errs := result.Errors(); len(errs) > 0 {
			list := make([]any, 0, len(errs))
			for _, e := range errs {
				list = append(list, map[string]any{"ruleId": e.RuleID, "error": e.Error()})
			}
			meta["evaluationErrors"] = list
		}
	}
	if s := req.Context.Summary(); s != nil {
		meta["subject"] = s
	}
	return meta
}

func statusFor(code string) int {
	switch code {
	case CodeEntityBlocked:
		return http.StatusLocked
	case CodeRuleBlocked, CodeReviewRequired:
		return http.StatusForbidden
	case CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusOK
	}
}

// IsAuditFailure reports whether err is an *AuditWriteFailure.
func IsAuditFailure(err error) bool {
	var af *AuditWriteFailure
	return errors.As(err, &af)
}
