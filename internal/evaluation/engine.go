package evaluation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"freight-guard/internal/rules"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrMissingField = errors.New("referenced field missing from context")
	ErrCompile      = errors.New("expression does not compile")
	ErrRuntime      = errors.New("expression failed at runtime")
	ErrNotBoolean   = errors.New("expression did not produce a boolean")
)

// RuleEvaluationError records a rule that could not be evaluated.
// The rule is treated as non-matching; it never turns into an allow on its own.
type RuleEvaluationError struct {
	RuleID string
	Field  string
	Err    error
}

func (e *RuleEvaluationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("rule %s: %v: %s", e.RuleID, e.Err, e.Field)
	}
	return fmt.Sprintf("rule %s: %v", e.RuleID, e.Err)
}

func (e *RuleEvaluationError) Unwrap() error { return e.Err }

// Evaluation is the outcome of one rule.
type Evaluation struct {
	Rule    rules.Rule
	Matched bool
	Err     *RuleEvaluationError
}

// Result is the raw verdict over the applicable rules, in evaluation order.
type Result struct {
	Evaluations []Evaluation
	// RiskScore sums severity weights over every matched rule.
	RiskScore int
}

func (r Result) Matched() []Evaluation {
	var out []Evaluation
	for _, ev := range r.Evaluations {
		if ev.Matched {
			out = append(out, ev)
		}
	}
	return out
}

func (r Result) Errors() []*RuleEvaluationError {
	var out []*RuleEvaluationError
	for _, ev := range r.Evaluations {
		if ev.Err != nil {
			out = append(out, ev.Err)
		}
	}
	return out
}

type compiled struct {
	program *vm.Program
	fields  [][]string
	err     error
}

// Engine evaluates rule expressions. Programs are compiled once per
// (rule id, expression) and reused; evaluation has no side effects and is
// safe for concurrent use.
type Engine struct {
	log    *slog.Logger
	tracer trace.Tracer
	opts   []expr.Option

	mu    sync.RWMutex
	cache map[string]*compiled
}

func NewEngine(log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		log:    log.With("component", "evaluation.engine"),
		tracer: otel.Tracer("freight-guard/evaluation"),
		opts:   functions(),
		cache:  map[string]*compiled{},
	}
}

// Prepare compiles rs ahead of use and drops programs for rules that no longer
// exist. Compile failures are logged and resurface on every evaluation.
func (e *Engine) Prepare(rs []rules.Rule) {
	keep := make(map[string]struct{}, len(rs))
	for _, r := range rs {
		k := cacheKey(r)
		keep[k] = struct{}{}
		if c := e.compile(r); c.err != nil {
			e.log.Warn("rule expression does not compile", "rule_id", r.ID, "err", c.err)
		}
	}
	e.mu.Lock()
	for k := range e.cache {
		if _, ok := keep[k]; !ok {
			delete(e.cache, k)
		}
	}
	e.mu.Unlock()
}

// Check compiles a single expression without caching it.
func (e *Engine) Check(expression string) error {
	if _, err := expr.Compile(expression, e.opts...); err != nil {
		return err
	}
	_, err := referencedFields(expression)
	return err
}

// Evaluate runs every rule in applicable, which the caller has already filtered
// and ordered (see rules.Applicable), against ectx.
func (e *Engine) Evaluate(ctx context.Context, ectx Context, applicable []rules.Rule) Result {
	_, span := e.tracer.Start(ctx, "evaluation.Evaluate", trace.WithAttributes(attribute.Int("rules.count", len(applicable))))
	defer span.End()

	res := Result{Evaluations: make([]Evaluation, 0, len(applicable))}
	env := map[string]any(ectx)
	for _, r := range applicable {
		ev := Evaluation{Rule: r}
		matched, err := e.evalOne(r, ectx, env)
		switch {
		case err != nil:
			ev.Err = err
			e.log.Debug("rule evaluation error", "rule_id", r.ID, "err", err)
		case matched:
			ev.Matched = true
			res.RiskScore += r.Severity.Weight()
		}
		res.Evaluations = append(res.Evaluations, ev)
	}
	span.SetAttributes(attribute.Int("risk.score", res.RiskScore), attribute.Int("rules.errors", len(res.Errors())))
	return res
}

func (e *Engine) evalOne(r rules.Rule, ectx Context, env map[string]any) (bool, *RuleEvaluationError) {
	c := e.compile(r)
	if c.err != nil {
		return false, &RuleEvaluationError{RuleID: r.ID, Err: fmt.Errorf("%w: %v", ErrCompile, c.err)}
	}
	for _, path := range c.fields {
		if !ectx.lookup(path) {
			return false, &RuleEvaluationError{RuleID: r.ID, Field: strings.Join(path, "."), Err: ErrMissingField}
		}
	}
	out, err := expr.Run(c.program, env)
	if err != nil {
		return false, &RuleEvaluationError{RuleID: r.ID, Err: fmt.Errorf("%w: %v", ErrRuntime, err)}
	}
	b, ok := out.(bool)
	if !ok {
		return false, &RuleEvaluationError{RuleID: r.ID, Err: fmt.Errorf("%w: got %T", ErrNotBoolean, out)}
	}
	return b, nil
}

func (e *Engine) compile(r rules.Rule) *compiled {
	k := cacheKey(r)
	e.mu.RLock()
	c, ok := e.cache[k]
	e.mu.RUnlock()
	if ok {
		return c
	}

	c = &compiled{}
	c.program, c.err = expr.Compile(r.Expression, e.opts...)
	if c.err == nil {
		c.fields, c.err = referencedFields(r.Expression)
	}

	e.mu.Lock()
	if existing, ok := e.cache[k]; ok {
		c = existing
	} else {
		e.cache[k] = c
	}
	e.mu.Unlock()
	return c
}

func cacheKey(r rules.Rule) string { return r.ID + "\x00" + r.Expression }
