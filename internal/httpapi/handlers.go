package httpapi

import (
	"context"
	"net/http"
	"strings"

	"freight-guard/internal/audit"
	"freight-guard/internal/auth"
	"freight-guard/internal/decision"
	"freight-guard/internal/evaluation"
	"freight-guard/internal/registry"
	"freight-guard/internal/rules"
	"freight-guard/internal/velocity"
	"freight-guard/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Decisions Decider
	Registry  *registry.Registry
	Audit     AuditReader
	Rules     RuleReloader

	// Velocity and BulkSlots are nil when Redis is not configured.
	Velocity  VelocityCounter
	BulkSlots SlotAcquirer
}

type Decider interface {
	Decide(ctx context.Context, req decision.Request) (decision.Decision, error)
}

type AuditReader interface {
	GetEntries(ctx context.Context, entityType, entityID string, limit int) ([]audit.Entry, error)
	GetResourceAudit(ctx context.Context, entityType, entityID string) (audit.ResourceAudit, error)
	VerifyChain(ctx context.Context, entityType, entityID string) ([]audit.Mismatch, error)
	GetAdminActivity(ctx context.Context, performedBy string, days int) ([]audit.Entry, error)
	GetByCorrelation(ctx context.Context, correlationID string) ([]audit.Entry, error)
	GetByRule(ctx context.Context, ruleID string, limit int) ([]audit.Entry, error)
}

type RuleReloader interface {
	Reload(ctx context.Context) (rules.Snapshot, error)
	Snapshot() rules.Snapshot
}

type VelocityCounter interface {
	Hit(ctx context.Context, t rules.EntityType, entityID string) (int64, error)
}

type SlotAcquirer interface {
	Acquire(ctx context.Context, name string) (func(context.Context) error, error)
}

// --- Decisions ---

type decideRequest struct {
	EntityType rules.EntityType `json:"entity_type"`
	EntityID   string           `json:"entity_id"`
	Context    map[string]any   `json:"context"`
}

// Decide evaluates one action. The response body is always a Decision and the
// HTTP status is the Decision's status.
func (h Handlers) Decide(c *gin.Context) {
	if h.Decisions == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "decisions not configured"})
		return
	}
	var body decideRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	actor, _ := auth.UserID(c.Request.Context())
	req := decision.Request{
		EntityType:  body.EntityType,
		EntityID:    strings.TrimSpace(body.EntityID),
		Context:     evaluation.Context(body.Context),
		PerformedBy: actor,
	}
	d, err := h.decide(c, req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(d.Status, d)
}

// decide adds server-side attributes to the context and runs the orchestrator.
func (h Handlers) decide(c *gin.Context, req decision.Request) (decision.Decision, error) {
	ctx := c.Request.Context()
	if req.Context == nil {
		req.Context = evaluation.Context{}
	}
	if h.Velocity != nil && req.EntityType.Valid() && req.EntityID != "" {
		n, err := h.Velocity.Hit(ctx, req.EntityType, req.EntityID)
		if err != nil {
			// Rules reading the counter will error and follow the error policy.
			logger.FromGin(c).Warn("velocity counter unavailable", "entity_type", req.EntityType, "entity_id", req.EntityID, "err", err)
		} else {
			req.Context = req.Context.With(velocity.ContextKey, n)
		}
	}
	return h.Decisions.Decide(ctx, req)
}
