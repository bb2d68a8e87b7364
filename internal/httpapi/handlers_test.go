package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"freight-guard/internal/audit"
	"freight-guard/internal/auth"
	"freight-guard/internal/decision"
	"freight-guard/internal/evaluation"
	"freight-guard/internal/registry"
	"freight-guard/internal/rules"
	"freight-guard/internal/store"
	"freight-guard/internal/velocity"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testRules = []rules.Rule{
	{ID: "R1", Name: "large fleet", Expression: "(fleetSize ?? 0) > 10", Severity: rules.SeverityHigh,
		Action: rules.ActionBlock, Priority: 10, Enabled: true},
	{ID: "R3", Name: "velocity", Expression: "(actionsLastMinute ?? 0) > 3", Severity: rules.SeverityMedium,
		Action: rules.ActionBlock, Category: rules.CategoryRateLimit, Priority: 5, Enabled: true},
	{ID: "R9", Name: "critical value", Expression: "(shipmentValue ?? 0) > 1000000", Severity: rules.SeverityCritical,
		Action: rules.ActionBlock, Priority: 20, Enabled: true},
}

type fakeCounter struct{ n int64 }

func (f *fakeCounter) Hit(ctx context.Context, t rules.EntityType, id string) (int64, error) {
	f.n++
	return f.n, nil
}

type fakeSlots struct {
	full     bool
	released int
}

func (f *fakeSlots) Acquire(ctx context.Context, name string) (func(context.Context) error, error) {
	if f.full {
		return nil, velocity.ErrNoSlot
	}
	return func(context.Context) error { f.released++; return nil }, nil
}

type stubSource struct{ rs []rules.Rule }

func (s stubSource) Load(ctx context.Context) ([]rules.Rule, error) { return s.rs, nil }

type server struct {
	r       *gin.Engine
	h       Handlers
	chain   *audit.Chain
	catalog *rules.Catalog
}

func newServer(t *testing.T) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	catalog := rules.NewCatalog(stubSource{rs: testRules}, nil)
	engine := evaluation.NewEngine(nil)
	catalog.OnReload = engine.Prepare
	_, err := catalog.Reload(context.Background())
	require.NoError(t, err)

	chain := audit.NewChain(audit.NewMemoryRepo())
	tx := store.NewMemoryTxManager()
	reg := registry.New(registry.NewMemoryStore(), chain, catalog, tx, nil)
	orch := decision.NewOrchestrator(catalog, engine, reg, chain, tx, nil, nil)

	h := Handlers{Decisions: orch, Registry: reg, Audit: chain, Rules: catalog}
	s := &server{h: h, chain: chain, catalog: catalog}
	s.routes()
	return s
}

// routes mirrors the API layout with a header-driven identity in place of JWTs.
func (s *server) routes() {
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if u := c.GetHeader("X-Test-User"); u != "" {
			c.Request = c.Request.WithContext(auth.WithIdentity(c.Request.Context(), u, c.GetHeader("X-Test-Role")))
		}
		c.Next()
	})
	h := s.h
	r.POST("/v1/decisions", h.Decide)
	r.GET("/v1/forward-auth", h.RequireDecision(), ForwardAuth)
	r.POST("/v1/admin/blocks", h.CreateBlock)
	r.GET("/v1/admin/blocks", h.ListBlocks)
	r.POST("/v1/admin/blocks/bulk", h.CreateBlocks)
	r.DELETE("/v1/admin/blocks/:id", h.LiftBlock)
	r.POST("/v1/admin/overrides", h.CreateOverride)
	r.GET("/v1/admin/overrides", h.ListOverrides)
	r.POST("/v1/admin/rules/reload", h.ReloadRules)
	r.GET("/v1/audit/entities/:type/:id", h.GetEntityAudit)
	r.GET("/v1/audit/entities/:type/:id/verify", h.VerifyEntityChain)
	r.GET("/v1/audit/admins/:performedBy", h.GetAdminActivity)
	r.GET("/v1/audit/correlations/:id", h.GetCorrelation)
	r.GET("/v1/audit/rules/:ruleId", h.GetRuleAudit)
	s.r = r
}

func (s *server) do(t *testing.T, method, path, user, role string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-Test-User", user)
		req.Header.Set("X-Test-Role", role)
	}
	w := httptest.NewRecorder()
	s.r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestDecide_StatusFollowsDecision(t *testing.T) {
	s := newServer(t)

	w := s.do(t, http.MethodPost, "/v1/decisions", "svc", "system", gin.H{
		"entity_type": "user", "entity_id": "u-1", "context": gin.H{"userId": "u-1", "fleetSize": 11},
	})
	require.Equal(t, http.StatusForbidden, w.Code)
	d := decode[decision.Decision](t, w)
	assert.Equal(t, decision.CodeRuleBlocked, d.Code)
	assert.Equal(t, "R1", d.RuleID)
	assert.NotEmpty(t, d.AuditID)

	w = s.do(t, http.MethodPost, "/v1/decisions", "svc", "system", gin.H{
		"entity_type": "user", "entity_id": "u-2", "context": gin.H{"fleetSize": 2},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, decision.CodeAllowed, decode[decision.Decision](t, w).Code)
}

func TestDecide_InvalidRequest(t *testing.T) {
	s := newServer(t)
	w := s.do(t, http.MethodPost, "/v1/decisions", "svc", "system", gin.H{"entity_type": "planet", "entity_id": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDecide_VelocityFeedsRateLimit(t *testing.T) {
	s := newServer(t)
	s.h.Velocity = &fakeCounter{}
	s.routes()

	var last *httptest.ResponseRecorder
	for i := 0; i < 4; i++ {
		last = s.do(t, http.MethodPost, "/v1/decisions", "svc", "system", gin.H{
			"entity_type": "device", "entity_id": "d-1", "context": gin.H{"actionsLastMinute": 0},
		})
	}
	require.Equal(t, http.StatusTooManyRequests, last.Code, "server-side counter wins over the client value")
	assert.Equal(t, decision.CodeRateLimited, decode[decision.Decision](t, last).Code)
}

func TestBlockLifecycleOverHTTP(t *testing.T) {
	s := newServer(t)

	w := s.do(t, http.MethodPost, "/v1/admin/blocks", "ops-1", "ops_agent", gin.H{
		"entity_type": "truck", "entity_id": "MH12AB1234", "reason": "reported stolen", "severity": "HIGH",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	b := decode[registry.Block](t, w)
	assert.Equal(t, "ops-1", b.CreatedBy)

	w = s.do(t, http.MethodPost, "/v1/decisions", "svc", "system", gin.H{"entity_type": "truck", "entity_id": "MH12AB1234"})
	require.Equal(t, http.StatusLocked, w.Code)
	assert.Equal(t, decision.CodeEntityBlocked, decode[decision.Decision](t, w).Code)

	w = s.do(t, http.MethodGet, "/v1/admin/blocks?entity_type=truck&entity_id=MH12AB1234", "ops-1", "ops_agent", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[map[string][]registry.Block](t, w)["blocks"], 1)

	w = s.do(t, http.MethodDelete, "/v1/admin/blocks/"+b.ID, "ops-2", "ops_lead", gin.H{"reason": "recovered"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodDelete, "/v1/admin/blocks/"+b.ID, "ops-2", "ops_lead", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodDelete, "/v1/admin/blocks/missing", "ops-2", "ops_lead", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodGet, "/v1/audit/entities/truck/MH12AB1234", "aud-1", "auditor", nil)
	require.Equal(t, http.StatusOK, w.Code)
	res := decode[audit.ResourceAudit](t, w)
	assert.True(t, res.Intact)
	require.Len(t, res.Entries, 3)
	assert.Equal(t, audit.ActionBlockLifted, res.Entries[0].Action)

	w = s.do(t, http.MethodGet, "/v1/audit/entities/truck/MH12AB1234/verify", "aud-1", "auditor", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode[map[string]any](t, w)["intact"])

	w = s.do(t, http.MethodGet, "/v1/audit/admins/ops-2", "aud-1", "auditor", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[map[string][]audit.Entry](t, w)["entries"], 1)
}

func TestCreateBlock_ValidationProblems(t *testing.T) {
	s := newServer(t)
	w := s.do(t, http.MethodPost, "/v1/admin/blocks", "ops-1", "ops_agent", gin.H{"entity_type": "shipment"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	body := decode[map[string]any](t, w)
	assert.Len(t, body["problems"], 3)
}

func TestBulkBlocks(t *testing.T) {
	s := newServer(t)
	slots := &fakeSlots{}
	s.h.BulkSlots = slots
	s.routes()

	w := s.do(t, http.MethodPost, "/v1/admin/blocks/bulk", "ops-1", "ops_lead", gin.H{"blocks": []gin.H{
		{"entity_type": "ip", "entity_id": "10.0.0.1", "reason": "botnet", "severity": "MEDIUM"},
		{"entity_type": "ip", "entity_id": "10.0.0.2", "reason": "botnet", "severity": "MEDIUM"},
	}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	body := decode[struct {
		CorrelationID string           `json:"correlation_id"`
		Blocks        []registry.Block `json:"blocks"`
	}](t, w)
	require.Len(t, body.Blocks, 2)
	assert.Equal(t, 1, slots.released)

	w = s.do(t, http.MethodGet, "/v1/audit/correlations/"+body.CorrelationID, "aud-1", "auditor", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[map[string][]audit.Entry](t, w)["entries"], 2)

	slots.full = true
	w = s.do(t, http.MethodPost, "/v1/admin/blocks/bulk", "ops-1", "ops_lead", gin.H{"blocks": []gin.H{
		{"entity_type": "ip", "entity_id": "10.0.0.3", "reason": "botnet", "severity": "MEDIUM"},
	}})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestCreateOverride_TierGates(t *testing.T) {
	s := newServer(t)
	req := gin.H{"target_type": "user", "target_id": "u-1", "rule_id": "R9", "justification": "contract on file", "tier": 2}

	w := s.do(t, http.MethodPost, "/v1/admin/overrides", "agent-1", "ops_agent", req)
	assert.Equal(t, http.StatusForbidden, w.Code, "role caps the tier")

	w = s.do(t, http.MethodPost, "/v1/admin/overrides", "lead-1", "ops_lead", req)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, "tier 2 cannot cover a CRITICAL rule")
	assert.Equal(t, float64(3), decode[map[string]any](t, w)["required_tier"])

	req["tier"] = 3
	w = s.do(t, http.MethodPost, "/v1/admin/overrides", "cco-1", "compliance_officer", req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	req["rule_id"] = "NOPE"
	w = s.do(t, http.MethodPost, "/v1/admin/overrides", "cco-1", "compliance_officer", req)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = s.do(t, http.MethodGet, "/v1/admin/overrides?target_type=user&target_id=u-1", "cco-1", "compliance_officer", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[map[string][]registry.Override](t, w)["overrides"], 1)

	w = s.do(t, http.MethodGet, "/v1/audit/rules/R9?limit=10", "aud-1", "auditor", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[map[string][]audit.Entry](t, w)["entries"], 1)
}

func TestForwardAuthGate(t *testing.T) {
	s := newServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/forward-auth", nil)
	req.Header.Set("X-Test-User", "u-5")
	req.Header.Set("X-Test-Role", "system")
	req.Header.Set("X-Original-URI", "/shipments/42/book")
	w := httptest.NewRecorder()
	s.r.ServeHTTP(w, req)
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, decision.CodeAllowed, w.Header().Get("X-Decision-Code"))

	entries, err := s.chain.GetEntries(context.Background(), "user", "u-5", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "/shipments/42/book", entries[0].Metadata["subject"].(map[string]any)["route"])

	_, err = s.h.Registry.CreateBlock(context.Background(), registry.BlockRequest{
		EntityType: rules.EntityDevice, EntityID: "dev-9", Reason: "emulator farm", Severity: rules.SeverityHigh, PerformedBy: "ops-1",
	})
	require.NoError(t, err)

	req = httptest.NewRequest(http.MethodGet, "/v1/forward-auth", nil)
	req.Header.Set("X-Test-User", "u-5")
	req.Header.Set("X-Entity-Type", "device")
	req.Header.Set("X-Entity-Id", "dev-9")
	w = httptest.NewRecorder()
	s.r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusLocked, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/forward-auth", nil)
	w = httptest.NewRecorder()
	s.r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestReloadRules(t *testing.T) {
	s := newServer(t)
	before := s.catalog.Snapshot()

	w := s.do(t, http.MethodPost, "/v1/admin/rules/reload", "cco-1", "compliance_officer", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, before.Version+1, decode[rules.Snapshot](t, w).Version)
}

type failingDecider struct{}

func (failingDecider) Decide(ctx context.Context, req decision.Request) (decision.Decision, error) {
	return decision.Decision{}, &decision.AuditWriteFailure{Err: errors.New("db down")}
}

func TestDecide_AuditFailureIs503(t *testing.T) {
	s := newServer(t)
	s.h.Decisions = failingDecider{}
	s.routes()

	w := s.do(t, http.MethodPost, "/v1/decisions", "svc", "system", gin.H{"entity_type": "user", "entity_id": "u-1"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestLimitQuery_CapsPageSize(t *testing.T) {
	gin.SetMode(gin.TestMode)
	for raw, want := range map[string]int{"5": 5, "1000": 1000, "5000": maxPageLimit} {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest(http.MethodGet, "/?limit="+raw, nil)
		n, ok := limitQuery(c)
		require.True(t, ok, raw)
		assert.Equal(t, want, n, raw)
	}

	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/?limit=-1", nil)
	_, ok := limitQuery(c)
	assert.False(t, ok)
}
