package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Entry is one link in an entity's tamper-evident audit chain.
//
// Invariants:
//   - Entries are never updated or deleted.
//   - For each (EntityType, EntityID), PrevHash of entry n equals AuditHash of
//     entry n-1 in timestamp order; the first entry has an empty PrevHash.
//   - Timestamps are UTC, microsecond precision and strictly increasing per entity.
type Entry struct {
	ID         string `json:"id" db:"id"`
	EntityType string `json:"entityType" db:"entity_type"`
	EntityID   string `json:"entityId" db:"entity_id"`
	Action     string `json:"action" db:"action"`

	// PerformedBy is the acting admin or service; empty for automated decisions.
	PerformedBy string `json:"performedBy,omitempty" db:"performed_by"`

	Metadata map[string]any `json:"metadata,omitempty" db:"metadata"`
	RuleID   string         `json:"ruleId,omitempty" db:"rule_id"`

	// CorrelationID groups entries written by one bulk action.
	CorrelationID string `json:"correlationId,omitempty" db:"correlation_id"`

	AuditHash string    `json:"auditHash" db:"audit_hash"`
	PrevHash  string    `json:"prevHash,omitempty" db:"prev_hash"`
	Signature string    `json:"signature,omitempty" db:"signature"`
	Timestamp time.Time `json:"timestamp" db:"ts"`
}

// EntityRef names one audit chain.
type EntityRef struct {
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
}

func (r EntityRef) String() string { return r.EntityType + ":" + r.EntityID }

const timestampLayout = "2006-01-02T15:04:05.000000Z"

// Well-known action names written to the chain.
const (
	ActionBlockCreated     = "block.created"
	ActionBlockLifted      = "block.lifted"
	ActionOverrideCreated  = "override.created"
	ActionDecisionPrefix   = "decision."
	MetadataCorrelationKey = "correlationId"
)

// CanonicalPayload returns the exact value tree that AuditHash commits to.
func (e Entry) CanonicalPayload() map[string]any {
	p := map[string]any{
		"entityType": e.EntityType,
		"entityId":   e.EntityID,
		"action":     e.Action,
		"timestamp":  e.Timestamp.UTC().Format(timestampLayout),
	}
	if e.PerformedBy != "" {
		p["performedBy"] = e.PerformedBy
	}
	if len(e.Metadata) > 0 {
		p["metadata"] = e.Metadata
	}
	if e.RuleID != "" {
		p["ruleId"] = e.RuleID
	}
	if e.PrevHash != "" {
		p["prevHash"] = e.PrevHash
	}
	return p
}

// ComputeHash returns the hex SHA-256 digest of the canonical payload.
func (e Entry) ComputeHash() (string, error) {
	b, err := Canonicalize(e.CanonicalPayload())
	if err != nil {
		return "", fmt.Errorf("audit: canonicalize entry: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// MismatchKind says which check an entry failed during verification.
type MismatchKind string

const (
	MismatchLinkage   MismatchKind = "linkage"
	MismatchHash      MismatchKind = "hash"
	MismatchSignature MismatchKind = "signature"
)

// Mismatch reports one broken entry. Chains are never repaired automatically.
type Mismatch struct {
	EntryID  string       `json:"entryId"`
	Position int          `json:"position"`
	Kind     MismatchKind `json:"kind"`
	Expected string       `json:"expected"`
	Actual   string       `json:"actual"`
}

func (m Mismatch) Error() string {
	return fmt.Sprintf("audit: chain integrity violation at entry %s (#%d, %s): expected %q, got %q",
		m.EntryID, m.Position, m.Kind, m.Expected, m.Actual)
}
