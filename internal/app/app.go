// Package app assembles the decision engine from configuration. Both the API
// process and auditctl build their dependencies here.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"freight-guard/internal/audit"
	"freight-guard/internal/config"
	"freight-guard/internal/decision"
	"freight-guard/internal/evaluation"
	"freight-guard/internal/metrics"
	"freight-guard/internal/registry"
	"freight-guard/internal/rules"
	"freight-guard/internal/store"
	"freight-guard/internal/store/sqlstore"
	"freight-guard/internal/stream"
	"freight-guard/pkg/utils"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// App holds every long-lived dependency. Optional parts are nil when their
// backing service is not configured.
type App struct {
	Config  config.Config
	Log     *slog.Logger
	Metrics *metrics.Metrics

	SQL   *sql.DB
	DB    *sqlstore.DB
	Tx    *store.SQLTxManager
	Audit *sqlstore.AuditRepo

	Chain        *audit.Chain
	Signer       audit.Signer
	Rules        *rules.Catalog
	RuleSource   rules.Source
	DBRules      *sqlstore.RuleSource
	Engine       *evaluation.Engine
	Registry     *registry.Registry
	Orchestrator *decision.Orchestrator

	Redis     *redis.Client
	Publisher *stream.Publisher
}

type Options struct {
	// Registry receives the collectors. Nil uses a fresh registry.
	Registry *prometheus.Registry
	// SkipRedis and SkipKafka leave the optional backends unconnected, for
	// commands that only read the chain.
	SkipRedis bool
	SkipKafka bool
}

// New opens storage, migrates it and wires the services. Rules are not loaded;
// call LoadRules.
func New(ctx context.Context, cfg config.Config, log *slog.Logger, opts Options) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	a := &App{Config: cfg, Log: log, Metrics: metrics.New(reg)}

	if err := a.openStorage(ctx); err != nil {
		return nil, err
	}

	signer, err := audit.NewSigner(cfg.Audit.Signer, []byte(cfg.Audit.SigningSecret))
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.Signer = signer

	chainOpts := []audit.Option{audit.WithLogger(log)}
	if signer != nil {
		chainOpts = append(chainOpts, audit.WithSigner(signer))
	}
	if cfg.KafkaEnabled() && !opts.SkipKafka {
		pub, err := stream.NewKafkaPublisher(stream.Config{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.AuditTopic}, a.Metrics, log)
		if err != nil {
			a.Close(ctx)
			return nil, err
		}
		a.Publisher = pub
		chainOpts = append(chainOpts, audit.WithPublisher(pub))
	}
	a.Chain = audit.NewChain(a.Audit, chainOpts...)

	a.DBRules = sqlstore.NewRuleSource(a.DB)
	a.RuleSource = a.DBRules
	if cfg.Rules.Path != "" {
		a.RuleSource = rules.NewFileSource(cfg.Rules.Path)
	}
	a.Engine = evaluation.NewEngine(log)
	a.Rules = rules.NewCatalog(a.RuleSource, log)
	a.Rules.OnReload = func(rs []rules.Rule) {
		a.Engine.Prepare(rs)
		a.Metrics.SetRulesInstalled(len(rs))
	}

	a.Registry = registry.New(sqlstore.NewRegistryStore(a.DB), a.Chain, a.Rules, a.Tx, log)
	a.Registry.OverrideTTL = cfg.Decision.OverrideDefaultTTL
	a.Registry.MaxBulk = cfg.Decision.BulkBlockMax
	a.Registry.Attempts = cfg.Audit.ChainRetryAttempts

	policy, err := decision.ParseErrorPolicy(cfg.Decision.ErrorPolicy)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.Orchestrator = decision.NewOrchestrator(a.Rules, a.Engine, a.Registry, a.Chain, a.Tx, a.Metrics, log)
	a.Orchestrator.Timeout = cfg.Decision.Timeout
	a.Orchestrator.Attempts = cfg.Audit.ChainRetryAttempts
	a.Orchestrator.ErrorPolicy = policy

	if cfg.RedisEnabled() && !opts.SkipRedis {
		rdb, err := utils.OpenRedis(ctx, utils.RedisConfig{Addr: cfg.RedisAddr(), Password: cfg.Redis.Password})
		if err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("redis: %w", err)
		}
		a.Redis = rdb
	}
	return a, nil
}

func (a *App) openStorage(ctx context.Context) error {
	cfg := a.Config
	dialect, err := sqlstore.ParseDialect(cfg.DB.Driver)
	if err != nil {
		return err
	}
	switch dialect {
	case sqlstore.SQLite:
		a.SQL, err = utils.OpenSQLite(ctx, cfg.DB.SQLitePath, 5*time.Second)
	default:
		a.SQL, err = utils.OpenPostgres(ctx, cfg.PostgresDSN(), utils.PoolConfig{MaxOpenConns: cfg.DB.MaxOpenConns})
	}
	if err != nil {
		return fmt.Errorf("%s: %w", dialect, err)
	}
	a.DB = sqlstore.New(a.SQL, dialect)
	if err := a.DB.Migrate(ctx); err != nil {
		_ = a.SQL.Close()
		return fmt.Errorf("migrate: %w", err)
	}
	a.Tx = store.NewSQLTxManager(a.SQL, nil)
	a.Audit = sqlstore.NewAuditRepo(a.DB)
	return nil
}

// LoadRules installs the first rule snapshot. An empty rule set is allowed;
// every decision is then ALLOWED.
func (a *App) LoadRules(ctx context.Context) (rules.Snapshot, error) {
	return a.Rules.Reload(ctx)
}

// Close flushes the audit stream and closes connections.
func (a *App) Close(ctx context.Context) {
	var errs []error
	if a.Publisher != nil {
		errs = append(errs, a.Publisher.Close(ctx))
	}
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.SQL != nil {
		errs = append(errs, a.SQL.Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.Log.Warn("shutdown", "err", err)
	}
}
