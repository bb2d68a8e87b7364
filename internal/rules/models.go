package rules

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// EntityType names the kind of subject a decision, block or override targets.
type EntityType string

const (
	EntityUser     EntityType = "user"
	EntityDevice   EntityType = "device"
	EntityTruck    EntityType = "truck"
	EntityIP       EntityType = "ip"
	EntityShipment EntityType = "shipment"
	EntityDriver   EntityType = "driver"
)

func (t EntityType) Valid() bool {
	switch t {
	case EntityUser, EntityDevice, EntityTruck, EntityIP, EntityShipment, EntityDriver:
		return true
	default:
		return false
	}
}

// ParseEntityType is case-insensitive.
func ParseEntityType(s string) (EntityType, error) {
	t := EntityType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown entity type %q", s)
	}
	return t, nil
}

type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Weight is the severity's contribution to a risk score.
func (s Severity) Weight() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 3
	case SeverityHigh:
		return 7
	case SeverityCritical:
		return 15
	default:
		return 0
	}
}

func (s Severity) Valid() bool { return s.Weight() > 0 }

type Action string

const (
	ActionAllow Action = "ALLOW"
	ActionFlag  Action = "FLAG"
	ActionBlock Action = "BLOCK"
)

func (a Action) Valid() bool {
	return a == ActionAllow || a == ActionFlag || a == ActionBlock
}

// CategoryRateLimit marks BLOCK rules whose denial is reported as 429.
const CategoryRateLimit = "rate_limit"

// Rule is a prioritized boolean policy check.
type Rule struct {
	ID         string       `json:"id" yaml:"id"`
	Name       string       `json:"name" yaml:"name"`
	Expression string       `json:"expression" yaml:"expression"`
	Severity   Severity     `json:"severity" yaml:"severity"`
	Action     Action       `json:"action" yaml:"action"`
	Category   string       `json:"category,omitempty" yaml:"category,omitempty"`
	Scope      []EntityType `json:"scope,omitempty" yaml:"scope,omitempty"`
	Priority   int          `json:"priority" yaml:"priority"`
	Enabled    bool         `json:"enabled" yaml:"enabled"`
}

var ErrInvalidRule = errors.New("rules: invalid rule")

func (r Rule) Validate() error {
	var problems []string
	if strings.TrimSpace(r.ID) == "" {
		problems = append(problems, "id is required")
	}
	if strings.TrimSpace(r.Expression) == "" {
		problems = append(problems, "expression is required")
	}
	if !r.Severity.Valid() {
		problems = append(problems, fmt.Sprintf("severity %q is not one of LOW, MEDIUM, HIGH, CRITICAL", r.Severity))
	}
	if !r.Action.Valid() {
		problems = append(problems, fmt.Sprintf("action %q is not one of ALLOW, FLAG, BLOCK", r.Action))
	}
	for _, t := range r.Scope {
		if !t.Valid() {
			problems = append(problems, fmt.Sprintf("scope entity %q is unknown", t))
		}
	}
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w %q: %s", ErrInvalidRule, r.ID, strings.Join(problems, "; "))
}

// AppliesTo reports whether the rule's scope covers t. An empty scope covers every type.
func (r Rule) AppliesTo(t EntityType) bool {
	if len(r.Scope) == 0 {
		return true
	}
	for _, s := range r.Scope {
		if s == t {
			return true
		}
	}
	return false
}

func (r Rule) RateLimited() bool { return r.Category == CategoryRateLimit }

// Applicable returns the enabled rules scoped to t, ascending by priority.
// Ties are broken by id so ordering is deterministic.
func Applicable(all []Rule, t EntityType) []Rule {
	out := make([]Rule, 0, len(all))
	for _, r := range all {
		if r.Enabled && r.AppliesTo(t) {
			out = append(out, r)
		}
	}
	sortByPriority(out)
	return out
}

func sortByPriority(rs []Rule) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].Priority != rs[j].Priority {
			return rs[i].Priority < rs[j].Priority
		}
		return rs[i].ID < rs[j].ID
	})
}
