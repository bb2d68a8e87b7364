package decision

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"freight-guard/internal/audit"
	"freight-guard/internal/evaluation"
	"freight-guard/internal/metrics"
	"freight-guard/internal/registry"
	"freight-guard/internal/rules"
	"freight-guard/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	ruleFleet = rules.Rule{ID: "R1", Name: "large fleet", Expression: "fleetSize > 10",
		Severity: rules.SeverityHigh, Action: rules.ActionBlock, Priority: 10, Enabled: true}
	ruleValue = rules.Rule{ID: "R2", Name: "high value", Expression: "shipmentValue > 100000",
		Severity: rules.SeverityCritical, Action: rules.ActionBlock, Priority: 20, Enabled: true}
	ruleVelocity = rules.Rule{ID: "R3", Name: "velocity", Expression: "actionsLastMinute > 30",
		Severity: rules.SeverityMedium, Action: rules.ActionBlock, Category: rules.CategoryRateLimit, Priority: 5, Enabled: true}
	ruleKYC = rules.Rule{ID: "R4", Name: "kyc pending", Expression: `userKycStatus == "pending"`,
		Severity: rules.SeverityLow, Action: rules.ActionFlag, Priority: 30, Enabled: true}
)

type fixture struct {
	orch    *Orchestrator
	reg     *registry.Registry
	chain   *audit.Chain
	repo    *audit.MemoryRepo
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, rs ...rules.Rule) *fixture {
	t.Helper()
	cat := rules.NewCatalog(nil, nil)
	_, err := cat.Replace(rs)
	require.NoError(t, err)

	f := &fixture{repo: audit.NewMemoryRepo(), metrics: metrics.New(prometheus.NewRegistry())}
	f.chain = audit.NewChain(f.repo)
	tx := store.NewMemoryTxManager()
	f.reg = registry.New(registry.NewMemoryStore(), f.chain, cat, tx, nil)
	f.orch = NewOrchestrator(cat, evaluation.NewEngine(nil), f.reg, f.chain, tx, f.metrics, nil)
	return f
}

func (f *fixture) entries(t *testing.T, typ, id string) []audit.Entry {
	t.Helper()
	es, err := f.chain.GetEntries(context.Background(), typ, id, 100)
	require.NoError(t, err)
	return es
}

func operatorContext() evaluation.Context {
	return evaluation.Context{"userId": "u-1", "userRole": "operator", "fleetSize": 11}
}

func TestDecide_RuleBlockDeniesWithOneAuditEntry(t *testing.T) {
	f := newFixture(t, ruleFleet)

	d, err := f.orch.Decide(context.Background(), Request{EntityType: rules.EntityUser, EntityID: "u-1", Context: operatorContext()})
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Equal(t, 403, d.Status)
	assert.Equal(t, CodeRuleBlocked, d.Code)
	assert.Equal(t, 7, d.RiskScore)
	assert.Equal(t, "R1", d.RuleID)

	es := f.entries(t, "user", "u-1")
	require.Len(t, es, 1)
	assert.Equal(t, d.AuditID, es[0].ID)
	assert.Equal(t, "R1", es[0].RuleID)
	assert.Equal(t, "decision.blocked", es[0].Action)

	var denied *DeniedError
	require.ErrorAs(t, d.Err(), &denied)
	assert.Equal(t, "R1", denied.RuleID)
}

func TestDecide_UserOverrideDemotesBlockToFlag(t *testing.T) {
	f := newFixture(t, ruleFleet)
	ov, err := f.reg.CreateOverride(context.Background(), registry.OverrideRequest{
		TargetType: rules.EntityUser, TargetID: "u-1", RuleID: "R1", Justification: "fleet verified", Tier: 2, PerformedBy: "lead-1",
	})
	require.NoError(t, err)

	d, err := f.orch.Decide(context.Background(), Request{EntityType: rules.EntityUser, EntityID: "u-1", Context: operatorContext()})
	require.NoError(t, err)
	assert.True(t, d.Allow)
	assert.Equal(t, 200, d.Status)
	assert.Equal(t, CodeAllowedWithFlags, d.Code)
	require.Len(t, d.Flags, 1)
	assert.Equal(t, FlagOverridden, d.Flags[0].Kind)
	assert.Equal(t, ov.ID, d.Flags[0].OverrideID)
	assert.NoError(t, d.Err())

	es := f.entries(t, "user", "u-1")
	require.Len(t, es, 2, "override creation plus the decision")
	assert.Equal(t, d.AuditID, es[0].ID)
	assert.Equal(t, "decision.flagged", es[0].Action)
	assert.Equal(t, "R1", es[0].RuleID, "suppressed match is recorded, not dropped")
}

func TestDecide_UserOverrideAppliesToOtherEntities(t *testing.T) {
	f := newFixture(t, ruleFleet)
	_, err := f.reg.CreateOverride(context.Background(), registry.OverrideRequest{
		TargetType: rules.EntityUser, TargetID: "u-1", RuleID: "R1", Justification: "ok", Tier: 2, PerformedBy: "lead-1",
	})
	require.NoError(t, err)

	d, err := f.orch.Decide(context.Background(), Request{EntityType: rules.EntityShipment, EntityID: "S-1", Context: operatorContext()})
	require.NoError(t, err)
	assert.True(t, d.Allow)
}

func TestDecide_OverrideOfOneRuleDoesNotSuppressAnother(t *testing.T) {
	f := newFixture(t, ruleFleet, ruleValue)
	_, err := f.reg.CreateOverride(context.Background(), registry.OverrideRequest{
		TargetType: rules.EntityUser, TargetID: "u-1", RuleID: "R1", Justification: "ok", Tier: 3, PerformedBy: "cco",
	})
	require.NoError(t, err)

	ectx := operatorContext().With("shipmentValue", 250000)
	d, err := f.orch.Decide(context.Background(), Request{EntityType: rules.EntityUser, EntityID: "u-1", Context: ectx})
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Equal(t, "R2", d.RuleID)
	assert.Equal(t, 7+15, d.RiskScore)
	require.Len(t, d.Flags, 1)
	assert.Equal(t, "R1", d.Flags[0].RuleID)
}

func TestDecide_ActiveBlockWinsOverRules(t *testing.T) {
	f := newFixture(t, ruleKYC)
	b, err := f.reg.CreateBlock(context.Background(), registry.BlockRequest{
		EntityType: rules.EntityTruck, EntityID: "DL01AB1234", Reason: "stolen", Severity: rules.SeverityCritical, PerformedBy: "ops-1",
	})
	require.NoError(t, err)

	d, err := f.orch.Decide(context.Background(), Request{
		EntityType: rules.EntityTruck, EntityID: "DL01AB1234", Context: evaluation.Context{"userKycStatus": "verified"},
	})
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Equal(t, 423, d.Status)
	assert.Equal(t, CodeEntityBlocked, d.Code)

	var blocked *EntityBlockedError
	require.ErrorAs(t, d.Err(), &blocked)
	assert.Equal(t, b.ID, blocked.BlockID)

	es := f.entries(t, "truck", "DL01AB1234")
	require.Len(t, es, 2)
	assert.Equal(t, "decision.entity_blocked", es[0].Action)
	assert.Equal(t, b.ID, es[0].Metadata["blockId"])
}

func TestDecide_RateLimitRuleReturns429(t *testing.T) {
	f := newFixture(t, ruleVelocity, ruleFleet)
	ectx := operatorContext().With("actionsLastMinute", 45)
	d, err := f.orch.Decide(context.Background(), Request{EntityType: rules.EntityUser, EntityID: "u-1", Context: ectx})
	require.NoError(t, err)
	assert.Equal(t, 429, d.Status)
	assert.Equal(t, CodeRateLimited, d.Code)
	assert.Equal(t, "R3", d.RuleID, "lower priority value decides first")
	assert.Equal(t, 3+7, d.RiskScore)
}

func TestDecide_FlagRulesAllow(t *testing.T) {
	f := newFixture(t, ruleKYC)
	d, err := f.orch.Decide(context.Background(), Request{
		EntityType: rules.EntityUser, EntityID: "u-2", Context: evaluation.Context{"userKycStatus": "pending"},
	})
	require.NoError(t, err)
	assert.True(t, d.Allow)
	assert.Equal(t, CodeAllowedWithFlags, d.Code)
	assert.Equal(t, 1, d.RiskScore)

	d, err = f.orch.Decide(context.Background(), Request{
		EntityType: rules.EntityUser, EntityID: "u-2", Context: evaluation.Context{"userKycStatus": "verified"},
	})
	require.NoError(t, err)
	assert.Equal(t, CodeAllowed, d.Code)
	assert.NotNil(t, d.Flags)
	assert.Empty(t, d.Flags)
}

func TestDecide_EvaluationErrorOnBlockRuleFailsClosed(t *testing.T) {
	f := newFixture(t, ruleValue)
	d, err := f.orch.Decide(context.Background(), Request{EntityType: rules.EntityShipment, EntityID: "S-1", Context: evaluation.Context{}})
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Equal(t, 403, d.Status)
	assert.Equal(t, CodeReviewRequired, d.Code)
	assert.Equal(t, "R2", d.RuleID)

	es := f.entries(t, "shipment", "S-1")
	require.Len(t, es, 1)
	assert.NotEmpty(t, es[0].Metadata["evaluationErrors"])
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RuleEvaluationErrors.WithLabelValues("R2")))

	f.orch.ErrorPolicy = FlagOnly
	d, err = f.orch.Decide(context.Background(), Request{EntityType: rules.EntityShipment, EntityID: "S-1", Context: evaluation.Context{}})
	require.NoError(t, err)
	assert.True(t, d.Allow)
	assert.Equal(t, CodeAllowedWithFlags, d.Code)
	require.Len(t, d.Flags, 1)
	assert.Equal(t, FlagError, d.Flags[0].Kind)
}

func TestDecide_EvaluationErrorOnFlagRuleIsNotFatal(t *testing.T) {
	f := newFixture(t, ruleKYC)
	d, err := f.orch.Decide(context.Background(), Request{EntityType: rules.EntityUser, EntityID: "u-3", Context: evaluation.Context{}})
	require.NoError(t, err)
	assert.Equal(t, CodeAllowed, d.Code)
}

func TestDecide_InvalidRequest(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Decide(context.Background(), Request{EntityType: "planet", EntityID: "x"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = f.orch.Decide(context.Background(), Request{EntityType: rules.EntityUser})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

type failingAppender struct{ err error }

func (failingAppender) Lock(ctx context.Context, entityType, entityID string) error { return nil }

func (a failingAppender) Append(ctx context.Context, e audit.Entry) (audit.Entry, error) {
	return audit.Entry{}, a.err
}

type stallingAppender struct{}

func (stallingAppender) Lock(ctx context.Context, entityType, entityID string) error { return nil }

func (stallingAppender) Append(ctx context.Context, e audit.Entry) (audit.Entry, error) {
	<-ctx.Done()
	return audit.Entry{}, ctx.Err()
}

func TestDecide_AuditFailureIsFatal(t *testing.T) {
	f := newFixture(t, ruleFleet)
	boom := errors.New("connection reset")
	f.orch.chain = failingAppender{err: boom}

	d, err := f.orch.Decide(context.Background(), Request{EntityType: rules.EntityUser, EntityID: "u-1", Context: operatorContext()})
	var awf *AuditWriteFailure
	require.ErrorAs(t, err, &awf)
	assert.ErrorIs(t, err, boom)
	assert.True(t, IsAuditFailure(err))
	assert.Equal(t, Decision{}, d)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.AuditWriteFailures))
}

func TestDecide_TimeoutFailsClosed(t *testing.T) {
	f := newFixture(t, ruleFleet)
	f.orch.chain = stallingAppender{}
	f.orch.Timeout = 20 * time.Millisecond

	_, err := f.orch.Decide(context.Background(), Request{EntityType: rules.EntityUser, EntityID: "u-1", Context: operatorContext()})
	require.Error(t, err)
	assert.True(t, IsAuditFailure(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, f.repo.Entries())
}

func TestDecide_ConcurrentSameEntityKeepsChainIntact(t *testing.T) {
	f := newFixture(t, ruleKYC)
	const n = 20
	var wg sync.WaitGroup
	ids := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := f.orch.Decide(context.Background(), Request{
				EntityType: rules.EntityTruck, EntityID: "MH12CD5678",
				Context: evaluation.Context{"userKycStatus": "pending", "attempt": fmt.Sprint(i)},
			})
			if assert.NoError(t, err) {
				ids <- d.AuditID
			}
		}(i)
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		seen[id] = true
	}
	assert.Len(t, seen, n, "one distinct audit entry per decision")

	mismatches, err := f.chain.VerifyChain(context.Background(), "truck", "MH12CD5678")
	require.NoError(t, err)
	assert.Empty(t, mismatches)
}

type recordingAppender struct {
	registry.Appender
	calls *[]string
}

func (a recordingAppender) Lock(ctx context.Context, entityType, entityID string) error {
	*a.calls = append(*a.calls, "lock "+entityType+":"+entityID)
	return a.Appender.Lock(ctx, entityType, entityID)
}

func (a recordingAppender) Append(ctx context.Context, e audit.Entry) (audit.Entry, error) {
	*a.calls = append(*a.calls, "append")
	return a.Appender.Append(ctx, e)
}

type recordingRegistry struct {
	Registry
	calls *[]string
}

func (r recordingRegistry) IsBlocked(ctx context.Context, t rules.EntityType, entityID string) (*registry.Block, error) {
	*r.calls = append(*r.calls, "isBlocked")
	return r.Registry.IsBlocked(ctx, t, entityID)
}

func (r recordingRegistry) IsOverridden(ctx context.Context, t rules.EntityType, targetID, ruleID string) (*registry.Override, error) {
	*r.calls = append(*r.calls, "isOverridden")
	return r.Registry.IsOverridden(ctx, t, targetID, ruleID)
}

func TestDecide_LocksChainBeforeRegistryReads(t *testing.T) {
	f := newFixture(t, ruleFleet)
	var calls []string
	f.orch.chain = recordingAppender{Appender: f.chain, calls: &calls}
	f.orch.registry = recordingRegistry{Registry: f.reg, calls: &calls}

	_, err := f.orch.Decide(context.Background(), Request{EntityType: rules.EntityUser, EntityID: "u-1", Context: operatorContext()})
	require.NoError(t, err)
	require.NotEmpty(t, calls)
	assert.Equal(t, "lock user:u-1", calls[0])
	assert.Equal(t, "isBlocked", calls[1])
	assert.Equal(t, "append", calls[len(calls)-1])
}

type failingLockAppender struct {
	registry.Appender
	err error
}

func (a failingLockAppender) Lock(ctx context.Context, entityType, entityID string) error { return a.err }

func TestDecide_LockFailureIsAuditFailure(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("lock timeout")
	f.orch.chain = failingLockAppender{Appender: f.chain, err: boom}

	_, err := f.orch.Decide(context.Background(), Request{EntityType: rules.EntityTruck, EntityID: "T1"})
	require.True(t, IsAuditFailure(err))
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, f.entries(t, "truck", "T1"))
}
