package rbac

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"freight-guard/internal/auth"

	"github.com/gin-gonic/gin"
)

func serve(t *testing.T, role string, mw gin.HandlerFunc) int {
	t.Helper()
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.GET("/x", func(c *gin.Context) {
		if role != "" {
			c.Request = c.Request.WithContext(auth.WithIdentity(c.Request.Context(), "u", role))
		}
		c.Next()
	}, mw, func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	return w.Code
}

func TestRequireAnyRole_SuperAdminBypasses(t *testing.T) {
	if code := serve(t, RoleSuperAdmin, RequireAnyRole(RoleOpsAgent)); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireAnyRole_HiddenRoleDeniedUnlessAllowed(t *testing.T) {
	if code := serve(t, RoleSystem, RequireAnyRole(RoleOpsAgent)); code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", code)
	}
	if code := serve(t, RoleSystem, RequireAnyRole(RoleSystem)); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireAnyRole_RoleRequired(t *testing.T) {
	if code := serve(t, "", RequireAnyRole(RoleOpsAgent)); code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}
}

func TestRequireOverrideTier(t *testing.T) {
	if code := serve(t, RoleAuditor, RequireOverrideTier()); code != http.StatusForbidden {
		t.Fatalf("expected auditor to be rejected, got %d", code)
	}
	if code := serve(t, RoleOpsAgent, RequireOverrideTier()); code != http.StatusOK {
		t.Fatalf("expected ops agent to pass, got %d", code)
	}
}

func TestMaxOverrideTier(t *testing.T) {
	cases := map[string]int{
		RoleOpsAgent:          1,
		RoleOpsLead:           2,
		RoleComplianceOfficer: 3,
		RoleSuperAdmin:        3,
		RoleAuditor:           0,
		RoleSystem:            0,
		"stranger":            0,
	}
	for role, want := range cases {
		if got := MaxOverrideTier(role); got != want {
			t.Fatalf("%s: expected %d, got %d", role, want, got)
		}
	}
	if Known("stranger") || !Known(RoleAuditor) {
		t.Fatalf("unexpected Known result")
	}
}
