package httpapi

import (
	"net/http"
	"strings"

	"freight-guard/internal/auth"
	"freight-guard/internal/decision"
	"freight-guard/internal/evaluation"
	"freight-guard/internal/rules"

	"github.com/gin-gonic/gin"
)

const (
	headerEntityType  = "X-Entity-Type"
	headerEntityID    = "X-Entity-Id"
	headerDeviceID    = "X-Device-Id"
	headerOriginalURI = "X-Original-URI"

	// DecisionKey is where RequireDecision stores the allowed Decision.
	DecisionKey = "decision"
)

// RequireDecision runs a decision for the caller before the wrapped route and
// aborts with the Decision's status when it is not allowed.
//
// How it builds the request:
// - entity from X-Entity-Type / X-Entity-Id, defaulting to the authenticated user
// - userId and userRole from the auth context
// - ip from the client address, deviceId from X-Device-Id
// - route from X-Original-URI (forward-auth proxies) or the matched route
func (h Handlers) RequireDecision() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.Decisions == nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "decisions not configured"})
			return
		}
		req, ok := gateRequest(c)
		if !ok {
			return
		}
		d, err := h.decide(c, req)
		if err != nil {
			writeError(c, err)
			return
		}
		if !d.Allow {
			c.AbortWithStatusJSON(d.Status, d)
			return
		}
		c.Set(DecisionKey, d)
		c.Next()
	}
}

func gateRequest(c *gin.Context) (decision.Request, bool) {
	ctx := c.Request.Context()
	userID, err := auth.UserID(ctx)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
		return decision.Request{}, false
	}
	role, _ := auth.Role(ctx)

	t := rules.EntityUser
	id := userID
	if raw := strings.TrimSpace(c.GetHeader(headerEntityType)); raw != "" {
		parsed, err := rules.ParseEntityType(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "entity type invalid"})
			return decision.Request{}, false
		}
		t = parsed
		id = strings.TrimSpace(c.GetHeader(headerEntityID))
		if id == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "entity id required"})
			return decision.Request{}, false
		}
	}

	route := strings.TrimSpace(c.GetHeader(headerOriginalURI))
	if route == "" {
		route = c.FullPath()
	}
	ectx := evaluation.Context{
		evaluation.KeyUserID:   userID,
		evaluation.KeyUserRole: role,
		evaluation.KeyIP:       c.ClientIP(),
		evaluation.KeyRoute:    route,
	}
	if dev := strings.TrimSpace(c.GetHeader(headerDeviceID)); dev != "" {
		ectx[evaluation.KeyDeviceID] = dev
	}
	return decision.Request{EntityType: t, EntityID: id, Context: ectx, PerformedBy: userID}, true
}

// ForwardAuth answers reverse-proxy auth subrequests after RequireDecision
// allowed them.
func ForwardAuth(c *gin.Context) {
	v, _ := c.Get(DecisionKey)
	d, _ := v.(decision.Decision)
	c.Header("X-Decision-Code", d.Code)
	c.Header("X-Audit-Id", d.AuditID)
	c.Status(http.StatusNoContent)
}
