package decision

import (
	"errors"
	"fmt"
	"net/http"

	"freight-guard/internal/evaluation"
	"freight-guard/internal/rules"
)

// Decision codes.
const (
	CodeAllowed          = "ALLOWED"
	CodeAllowedWithFlags = "ALLOWED_WITH_FLAGS"
	CodeEntityBlocked    = "ENTITY_BLOCKED"
	CodeRuleBlocked      = "RULE_BLOCKED"
	CodeRateLimited      = "RATE_LIMITED"
	CodeReviewRequired   = "REVIEW_REQUIRED"
)

// Audit actions written for decisions, one per code.
var auditActions = map[string]string{
	CodeAllowed:          "decision.allowed",
	CodeAllowedWithFlags: "decision.flagged",
	CodeEntityBlocked:    "decision.entity_blocked",
	CodeRuleBlocked:      "decision.blocked",
	CodeRateLimited:      "decision.rate_limited",
	CodeReviewRequired:   "decision.review_required",
}

var messages = map[string]string{
	CodeAllowed:          "action allowed",
	CodeAllowedWithFlags: "action allowed and flagged for review",
	CodeEntityBlocked:    "this account or asset is currently blocked",
	CodeRuleBlocked:      "action not permitted",
	CodeRateLimited:      "too many requests, retry later",
	CodeReviewRequired:   "action held for manual review",
}

// Flag kinds.
const (
	FlagMatched    = "matched"
	FlagOverridden = "overridden"
	FlagError      = "evaluation_error"
)

// Flag is a matched or suppressed rule surfaced on an allowed decision.
type Flag struct {
	RuleID     string         `json:"ruleId"`
	Severity   rules.Severity `json:"severity"`
	Kind       string         `json:"kind"`
	OverrideID string         `json:"overrideId,omitempty"`
}

// Decision is the verdict for one action. It is produced exactly once per
// Decide call and always references the audit entry that records it.
type Decision struct {
	Allow     bool   `json:"allow"`
	Status    int    `json:"status"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	AuditID   string `json:"auditId"`
	RiskScore int    `json:"riskScore"`
	Flags     []Flag `json:"flags"`

	RuleID  string `json:"ruleId,omitempty"`
	BlockID string `json:"-"`
}

// Err converts a denial into an error callers can branch on with errors.As.
// Allowed decisions return nil.
func (d Decision) Err() error {
	switch {
	case d.Allow:
		return nil
	case d.Code == CodeEntityBlocked:
		return &EntityBlockedError{BlockID: d.BlockID, AuditID: d.AuditID}
	default:
		return &DeniedError{Status: d.Status, Code: d.Code, RuleID: d.RuleID, AuditID: d.AuditID}
	}
}

// Request identifies the action being decided.
type Request struct {
	EntityType  rules.EntityType
	EntityID    string
	Context     evaluation.Context
	PerformedBy string
}

var ErrInvalidRequest = errors.New("decision: invalid request")

// EntityBlockedError reports a decision denied by a standing block (423).
type EntityBlockedError struct {
	BlockID string
	AuditID string
}

func (e *EntityBlockedError) Error() string {
	return fmt.Sprintf("decision: entity blocked (block %s)", e.BlockID)
}

func (e *EntityBlockedError) Status() int { return http.StatusLocked }

// DeniedError reports a decision denied by rule evaluation.
type DeniedError struct {
	Status  int
	Code    string
	RuleID  string
	AuditID string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("decision: %s (rule %s)", e.Code, e.RuleID)
}

// AuditWriteFailure means no decision was made because its audit entry could
// not be committed. It is fatal for the action.
type AuditWriteFailure struct {
	Err error
}

func (e *AuditWriteFailure) Error() string { return "decision: audit write failed: " + e.Err.Error() }

func (e *AuditWriteFailure) Unwrap() error { return e.Err }

// ErrorPolicy selects how BLOCK rules that failed to evaluate affect the outcome.
type ErrorPolicy string

const (
	// FailClosed denies with REVIEW_REQUIRED when a BLOCK rule errored and
	// nothing else decided the outcome.
	FailClosed ErrorPolicy = "fail_closed"
	// FlagOnly allows the action but flags the errored rule.
	FlagOnly ErrorPolicy = "flag_only"
)

func ParseErrorPolicy(s string) (ErrorPolicy, error) {
	switch ErrorPolicy(s) {
	case "", FailClosed:
		return FailClosed, nil
	case FlagOnly:
		return FlagOnly, nil
	default:
		return "", fmt.Errorf("unknown evaluation error policy %q", s)
	}
}
