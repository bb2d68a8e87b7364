package registry

import (
	"time"

	"freight-guard/internal/rules"
)

// Block is a standing restriction on one entity, independent of rule evaluation.
type Block struct {
	ID            string           `json:"id"`
	EntityType    rules.EntityType `json:"entity_type"`
	EntityID      string           `json:"entity_id"`
	Reason        string           `json:"reason"`
	Severity      rules.Severity   `json:"severity"`
	CreatedBy     string           `json:"created_by"`
	CreatedAt     time.Time        `json:"created_at"`
	ExpiresAt     *time.Time       `json:"expires_at,omitempty"`
	LiftedAt      *time.Time       `json:"lifted_at,omitempty"`
	LiftedBy      string           `json:"lifted_by,omitempty"`
	CorrelationID string           `json:"correlation_id,omitempty"`
}

// ActiveAt reports whether the block applies at now: not lifted and not expired.
func (b Block) ActiveAt(now time.Time) bool {
	if b.LiftedAt != nil {
		return false
	}
	return b.ExpiresAt == nil || b.ExpiresAt.After(now)
}

// Override suppresses exactly one rule for exactly one target until it expires.
type Override struct {
	ID            string           `json:"id"`
	TargetType    rules.EntityType `json:"target_type"`
	TargetID      string           `json:"target_id"`
	RuleID        string           `json:"rule_id"`
	Justification string           `json:"justification"`
	EvidenceURL   string           `json:"evidence_url,omitempty"`
	Tier          int              `json:"tier"`
	CreatedBy     string           `json:"created_by"`
	CreatedAt     time.Time        `json:"created_at"`
	ExpiresAt     time.Time        `json:"expires_at"`
}

func (o Override) ActiveAt(now time.Time) bool { return o.ExpiresAt.After(now) }

// BlockableTypes are the entity types a Block may target.
var BlockableTypes = []rules.EntityType{
	rules.EntityUser, rules.EntityDevice, rules.EntityTruck, rules.EntityIP, rules.EntityShipment,
}

// OverridableTypes are the entity types an Override may target.
var OverridableTypes = []rules.EntityType{
	rules.EntityShipment, rules.EntityTruck, rules.EntityDriver, rules.EntityUser,
}

func contains(ts []rules.EntityType, t rules.EntityType) bool {
	for _, x := range ts {
		if x == t {
			return true
		}
	}
	return false
}

// TierAllows reports whether an override of the given tier may suppress a rule of severity sev.
// Tier 1 covers LOW and MEDIUM, tier 2 adds HIGH, tier 3 adds CRITICAL.
func TierAllows(tier int, sev rules.Severity) bool {
	switch sev {
	case rules.SeverityLow, rules.SeverityMedium:
		return tier >= 1
	case rules.SeverityHigh:
		return tier >= 2
	case rules.SeverityCritical:
		return tier >= 3
	default:
		return false
	}
}

// MinTier is the lowest tier able to override sev, or 0 for an unknown severity.
func MinTier(sev rules.Severity) int {
	for tier := 1; tier <= 3; tier++ {
		if TierAllows(tier, sev) {
			return tier
		}
	}
	return 0
}

// BlockRequest is the input to CreateBlock.
type BlockRequest struct {
	EntityType    rules.EntityType `json:"entity_type"`
	EntityID      string           `json:"entity_id"`
	Reason        string           `json:"reason"`
	Severity      rules.Severity   `json:"severity"`
	ExpiresAt     *time.Time       `json:"expires_at,omitempty"`
	PerformedBy   string           `json:"-"`
	CorrelationID string           `json:"-"`
}

// OverrideRequest is the input to CreateOverride.
type OverrideRequest struct {
	TargetType    rules.EntityType `json:"target_type"`
	TargetID      string           `json:"target_id"`
	RuleID        string           `json:"rule_id"`
	Justification string           `json:"justification"`
	EvidenceURL   string           `json:"evidence_url,omitempty"`
	Tier          int              `json:"tier"`
	ExpiresAt     *time.Time       `json:"expires_at,omitempty"`
	PerformedBy   string           `json:"-"`
	CorrelationID string           `json:"-"`
}
