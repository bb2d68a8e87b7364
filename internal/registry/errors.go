package registry

import (
	"errors"
	"fmt"
	"strings"

	"freight-guard/internal/rules"
)

var (
	ErrInvalidRequest = errors.New("registry: invalid request")
	ErrUnknownRule    = errors.New("registry: unknown rule")
	ErrBlockNotActive = errors.New("registry: block is not active")
	ErrBulkTooLarge   = errors.New("registry: bulk request too large")
)

// ValidationError lists every problem found in an admin request.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "registry: invalid request: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrInvalidRequest }

// OverrideAuthorizationError is returned when an override's tier is too low for
// the severity of the rule it targets. Nothing is persisted.
type OverrideAuthorizationError struct {
	RuleID   string
	Severity rules.Severity
	Tier     int
	Required int
}

func (e *OverrideAuthorizationError) Error() string {
	return fmt.Sprintf("registry: tier %d cannot override %s rule %s (requires tier %d)", e.Tier, e.Severity, e.RuleID, e.Required)
}
