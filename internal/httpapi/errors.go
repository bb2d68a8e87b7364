package httpapi

import (
	"context"
	"errors"
	"net/http"

	"freight-guard/internal/audit"
	"freight-guard/internal/decision"
	"freight-guard/internal/registry"
	"freight-guard/internal/rules"
	"freight-guard/internal/store"
	"freight-guard/internal/velocity"
	"freight-guard/pkg/logger"

	"github.com/gin-gonic/gin"
)

// writeError maps service errors to status codes. Unknown errors are logged
// and reported without detail.
func writeError(c *gin.Context, err error) {
	var (
		verr  *registry.ValidationError
		oerr  *registry.OverrideAuthorizationError
		awerr *decision.AuditWriteFailure
	)
	switch {
	case errors.As(err, &verr):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid request", "problems": verr.Problems})
	case errors.As(err, &oerr):
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{
			"error":         "override tier too low for rule severity",
			"rule_id":       oerr.RuleID,
			"severity":      oerr.Severity,
			"tier":          oerr.Tier,
			"required_tier": oerr.Required,
		})
	case errors.As(err, &awerr):
		logger.FromGin(c).Error("audit write failed", "err", err)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "audit unavailable, action not performed"})
	case errors.Is(err, decision.ErrInvalidRequest),
		errors.Is(err, rules.ErrInvalidRule),
		errors.Is(err, audit.ErrInvalidEntry):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, registry.ErrUnknownRule):
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": "unknown rule"})
	case errors.Is(err, registry.ErrBulkTooLarge):
		c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, registry.ErrBlockNotActive):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "block is not active"})
	case errors.Is(err, velocity.ErrNoSlot):
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many concurrent bulk operations"})
	case errors.Is(err, context.DeadlineExceeded):
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "timed out"})
	default:
		logger.FromGin(c).Error("request failed", "err", err)
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
