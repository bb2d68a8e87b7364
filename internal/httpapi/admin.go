package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"freight-guard/internal/auth"
	"freight-guard/internal/rbac"
	"freight-guard/internal/registry"
	"freight-guard/internal/rules"
	"freight-guard/pkg/logger"

	"github.com/gin-gonic/gin"
)

const bulkSlotName = "bulk-blocks"

// --- Blocks ---

func (h Handlers) CreateBlock(c *gin.Context) {
	if h.Registry == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "registry not configured"})
		return
	}
	var req registry.BlockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	req.PerformedBy, _ = auth.UserID(c.Request.Context())

	b, err := h.Registry.CreateBlock(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, b)
}

type bulkBlockRequest struct {
	Blocks []registry.BlockRequest `json:"blocks"`
}

// CreateBlocks applies every block in one unit of work or none of them.
func (h Handlers) CreateBlocks(c *gin.Context) {
	if h.Registry == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "registry not configured"})
		return
	}
	var body bulkBlockRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	ctx := c.Request.Context()
	actor, _ := auth.UserID(ctx)

	if h.BulkSlots != nil {
		release, err := h.BulkSlots.Acquire(ctx, bulkSlotName)
		if err != nil {
			writeError(c, err)
			return
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				logger.FromGin(c).Warn("release bulk slot", "err", err)
			}
		}()
	}

	blocks, correlationID, err := h.Registry.CreateBlocks(ctx, body.Blocks, actor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"correlation_id": correlationID, "blocks": blocks})
}

type liftBlockRequest struct {
	Reason string `json:"reason"`
}

func (h Handlers) LiftBlock(c *gin.Context) {
	if h.Registry == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "registry not configured"})
		return
	}
	var body liftBlockRequest
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	actor, _ := auth.UserID(c.Request.Context())

	b, err := h.Registry.LiftBlock(c.Request.Context(), c.Param("id"), actor, body.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (h Handlers) ListBlocks(c *gin.Context) {
	if h.Registry == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "registry not configured"})
		return
	}
	t, id, ok := entityQuery(c, "entity_type", "entity_id")
	if !ok {
		return
	}
	blocks, err := h.Registry.ListActiveBlocks(c.Request.Context(), t, id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"blocks": blocks})
}

// --- Overrides ---

// CreateOverride records an override. The caller's role caps the tier it may
// request; the registry then checks the tier against the rule's severity.
func (h Handlers) CreateOverride(c *gin.Context) {
	if h.Registry == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "registry not configured"})
		return
	}
	var req registry.OverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	ctx := c.Request.Context()
	role, _ := auth.Role(ctx)
	if maxTier := rbac.MaxOverrideTier(role); req.Tier > maxTier {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "role cannot grant this tier", "max_tier": maxTier})
		return
	}
	req.PerformedBy, _ = auth.UserID(ctx)

	o, err := h.Registry.CreateOverride(ctx, req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, o)
}

func (h Handlers) ListOverrides(c *gin.Context) {
	if h.Registry == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "registry not configured"})
		return
	}
	t, id, ok := entityQuery(c, "target_type", "target_id")
	if !ok {
		return
	}
	overrides, err := h.Registry.ListActiveOverrides(c.Request.Context(), t, id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"overrides": overrides})
}

// --- Rules ---

func (h Handlers) ReloadRules(c *gin.Context) {
	if h.Rules == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "rules not configured"})
		return
	}
	snap, err := h.Rules.Reload(c.Request.Context())
	if err != nil {
		if errors.Is(err, rules.ErrInvalidRule) {
			c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "active": h.Rules.Snapshot()})
			return
		}
		writeError(c, err)
		return
	}
	actor, _ := auth.UserID(c.Request.Context())
	logger.FromGin(c).Info("rules reloaded", "performed_by", actor, "version", snap.Version, "count", snap.Count)
	c.JSON(http.StatusOK, snap)
}

func (h Handlers) RulesStatus(c *gin.Context) {
	if h.Rules == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "rules not configured"})
		return
	}
	c.JSON(http.StatusOK, h.Rules.Snapshot())
}

func entityQuery(c *gin.Context, typeKey, idKey string) (rules.EntityType, string, bool) {
	t, err := rules.ParseEntityType(c.Query(typeKey))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": typeKey + " is invalid"})
		return "", "", false
	}
	id := strings.TrimSpace(c.Query(idKey))
	if id == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": idKey + " is required"})
		return "", "", false
	}
	return t, id, true
}
