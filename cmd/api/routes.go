package main

import (
	"context"
	"net/http"

	"freight-guard/internal/httpapi"
	"freight-guard/internal/metrics"
	"freight-guard/internal/rbac"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, authMW gin.HandlerFunc, m *metrics.Metrics, ready func(context.Context) error) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/readyz", func(c *gin.Context) {
		if ready != nil {
			if err := ready(c.Request.Context()); err != nil {
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(m.Handler()))

	v1 := r.Group("/v1")
	v1.Use(authMW)
	{
		// DECISIONS: called by marketplace services on behalf of a user.
		v1.POST("/decisions",
			rbac.RequireAnyRole(rbac.RoleSystem, rbac.RoleOpsAgent, rbac.RoleOpsLead, rbac.RoleComplianceOfficer),
			h.Decide)

		// Reverse-proxy subrequest: any authenticated caller is decided as itself.
		v1.GET("/forward-auth", h.RequireDecision(), httpapi.ForwardAuth)

		admin := v1.Group("/admin")
		admin.Use(rbac.RequireAnyRole(rbac.RoleOpsAgent, rbac.RoleOpsLead, rbac.RoleComplianceOfficer))
		{
			admin.GET("/blocks", h.ListBlocks)
			admin.POST("/blocks", h.CreateBlock)
			admin.POST("/blocks/bulk", rbac.RequireAnyRole(rbac.RoleOpsLead, rbac.RoleComplianceOfficer), h.CreateBlocks)
			admin.DELETE("/blocks/:id", h.LiftBlock)

			admin.GET("/overrides", h.ListOverrides)
			admin.POST("/overrides", rbac.RequireOverrideTier(), h.CreateOverride)

			admin.GET("/rules", h.RulesStatus)
			admin.POST("/rules/reload", rbac.RequireAnyRole(rbac.RoleComplianceOfficer), h.ReloadRules)
		}

		// AUDIT: read-only.
		trail := v1.Group("/audit")
		trail.Use(rbac.RequireAnyRole(rbac.RoleAuditor, rbac.RoleComplianceOfficer, rbac.RoleOpsLead))
		{
			trail.GET("/entities/:type/:id", h.GetEntityAudit)
			trail.GET("/entities/:type/:id/verify", h.VerifyEntityChain)
			trail.GET("/admins/:performedBy", h.GetAdminActivity)
			trail.GET("/correlations/:id", h.GetCorrelation)
			trail.GET("/rules/:ruleId", h.GetRuleAudit)
		}
	}
}
