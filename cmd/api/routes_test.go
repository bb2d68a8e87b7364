package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"freight-guard/internal/audit"
	"freight-guard/internal/auth"
	"freight-guard/internal/config"
	"freight-guard/internal/decision"
	"freight-guard/internal/evaluation"
	"freight-guard/internal/httpapi"
	"freight-guard/internal/metrics"
	"freight-guard/internal/registry"
	"freight-guard/internal/rules"
	"freight-guard/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

func newRouter(t *testing.T) (*gin.Engine, *auth.Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	m := metrics.New(prometheus.NewRegistry())
	catalog := rules.NewCatalog(nil, nil)
	if _, err := catalog.Replace([]rules.Rule{{ID: "R1", Expression: "true", Severity: rules.SeverityLow,
		Action: rules.ActionFlag, Enabled: true}}); err != nil {
		t.Fatalf("replace rules: %v", err)
	}
	chain := audit.NewChain(audit.NewMemoryRepo())
	tx := store.NewMemoryTxManager()
	reg := registry.New(registry.NewMemoryStore(), chain, catalog, tx, nil)
	orch := decision.NewOrchestrator(catalog, evaluation.NewEngine(nil), reg, chain, tx, m, nil)

	am, err := auth.NewManager(config.AuthConfig{JWTSecret: "secret"})
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	r := gin.New()
	r.Use(httpapi.Instrument(m))
	h := httpapi.Handlers{Decisions: orch, Registry: reg, Audit: chain, Rules: catalog}
	registerRoutes(r, h, auth.RequireAccessToken(am), m, func(context.Context) error { return nil })
	return r, am
}

func call(t *testing.T, r *gin.Engine, am *auth.Manager, method, path, role, body string) int {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if role != "" {
		tok, err := am.Issue(time.Now(), "user-"+role, role, time.Minute)
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Code
}

func TestRoutes_RoleGates(t *testing.T) {
	r, am := newRouter(t)
	decide := `{"entity_type":"user","entity_id":"u-1"}`
	block := `{"entity_type":"ip","entity_id":"10.0.0.9","reason":"scraper","severity":"LOW"}`

	cases := []struct {
		name, method, path, role, body string
		want                           int
	}{
		{"health is public", http.MethodGet, "/healthz", "", "", http.StatusOK},
		{"ready is public", http.MethodGet, "/readyz", "", "", http.StatusOK},
		{"metrics is public", http.MethodGet, "/metrics", "", "", http.StatusOK},
		{"decisions need a token", http.MethodPost, "/v1/decisions", "", decide, http.StatusUnauthorized},
		{"system may decide", http.MethodPost, "/v1/decisions", "system", decide, http.StatusOK},
		{"auditor may not decide", http.MethodPost, "/v1/decisions", "auditor", decide, http.StatusForbidden},
		{"agent may block", http.MethodPost, "/v1/admin/blocks", "ops_agent", block, http.StatusCreated},
		{"auditor may not block", http.MethodPost, "/v1/admin/blocks", "auditor", block, http.StatusForbidden},
		{"system is not an admin", http.MethodGet, "/v1/admin/blocks?entity_type=ip&entity_id=10.0.0.9", "system", "", http.StatusForbidden},
		{"agent may not bulk block", http.MethodPost, "/v1/admin/blocks/bulk", "ops_agent", `{"blocks":[]}`, http.StatusForbidden},
		{"agent may not reload rules", http.MethodPost, "/v1/admin/rules/reload", "ops_agent", "", http.StatusForbidden},
		{"super admin bypasses role lists", http.MethodGet, "/v1/admin/rules", "super_admin", "", http.StatusOK},
		{"auditor reads the trail", http.MethodGet, "/v1/audit/entities/ip/10.0.0.9", "auditor", "", http.StatusOK},
		{"agent may not read the trail", http.MethodGet, "/v1/audit/entities/ip/10.0.0.9", "ops_agent", "", http.StatusForbidden},
		{"forward auth decides the caller", http.MethodGet, "/v1/forward-auth", "ops_agent", "", http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := call(t, r, am, tc.method, tc.path, tc.role, tc.body); got != tc.want {
				t.Fatalf("%s %s as %q: expected %d, got %d", tc.method, tc.path, tc.role, tc.want, got)
			}
		})
	}
}
