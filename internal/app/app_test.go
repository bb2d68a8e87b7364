package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"freight-guard/internal/config"
	"freight-guard/internal/decision"
	"freight-guard/internal/evaluation"
	"freight-guard/internal/registry"
	"freight-guard/internal/rules"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rulesYAML = `rules:
  - id: R1
    name: large fleet
    expression: fleetSize > 10
    severity: HIGH
    action: BLOCK
    priority: 10
    enabled: true
`

func sqliteConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(rulesYAML), 0o600))

	cfg := config.Config{
		App:   config.AppConfig{Env: "dev", Port: 8080},
		DB:    config.DBConfig{Driver: "sqlite", SQLitePath: filepath.Join(dir, "guard.db")},
		Auth:  config.AuthConfig{JWTSecret: "secret"},
		Audit: config.AuditConfig{SigningSecret: "0123456789abcdef0123456789abcdef", Signer: "ed25519"},
		Rules: config.RulesConfig{Path: path},
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestNew_SQLiteEndToEnd(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, sqliteConfig(t), nil, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close(context.Background()) })

	assert.Nil(t, a.Redis)
	assert.Nil(t, a.Publisher)
	require.NotNil(t, a.Signer)

	snap, err := a.LoadRules(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Count)

	d, err := a.Orchestrator.Decide(ctx, decision.Request{
		EntityType: rules.EntityUser, EntityID: "u-1",
		Context: evaluation.Context{"fleetSize": 12},
	})
	require.NoError(t, err)
	assert.Equal(t, decision.CodeRuleBlocked, d.Code)

	_, err = a.Registry.CreateBlock(ctx, registry.BlockRequest{
		EntityType: rules.EntityUser, EntityID: "u-1", Reason: "fraud ring", Severity: rules.SeverityHigh, PerformedBy: "ops-1",
	})
	require.NoError(t, err)

	res, err := a.Chain.GetResourceAudit(ctx, "user", "u-1")
	require.NoError(t, err)
	assert.True(t, res.Intact)
	assert.Len(t, res.Entries, 2)
	assert.NotEmpty(t, res.Entries[0].Signature)
}

func TestNew_RejectsUnknownSigner(t *testing.T) {
	cfg := sqliteConfig(t)
	cfg.Audit.Signer = "rsa"
	_, err := New(context.Background(), cfg, nil, Options{})
	assert.Error(t, err)
}
