package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"freight-guard/internal/app"
	"freight-guard/internal/auth"
	"freight-guard/internal/config"
	"freight-guard/internal/httpapi"
	"freight-guard/internal/integrity"
	"freight-guard/internal/rules"
	"freight-guard/internal/velocity"
	"freight-guard/pkg/logger"
	"freight-guard/pkg/utils"

	"github.com/gin-gonic/gin"
)

const bulkBlockConcurrency = 2

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	a, err := app.New(rootCtx, cfg, log, app.Options{})
	if err != nil {
		log.Error("engine init failed", "err", err)
		os.Exit(1)
	}

	if _, err := a.LoadRules(rootCtx); err != nil {
		log.Error("initial rule load failed", "err", err)
		a.Close(context.Background())
		os.Exit(1)
	}

	if cfg.Rules.Watch {
		w := rules.NewWatcher(cfg.Rules.Path, 0, log)
		go func() {
			err := w.Watch(rootCtx, func(ctx context.Context) { _, _ = a.Rules.Reload(ctx) })
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error("rules watcher stopped", "err", err)
			}
		}()
	}

	sweeper := integrity.NewSweeper(a.Chain, a.Metrics, log)
	sweeper.Lookback = cfg.Audit.IntegrityLookback
	scheduler := integrity.NewScheduler(sweeper)
	if err := scheduler.Start(rootCtx, cfg.Audit.IntegritySchedule); err != nil {
		log.Error("integrity scheduler failed", "err", err)
		a.Close(context.Background())
		os.Exit(1)
	}

	h := httpapi.Handlers{
		Decisions: a.Orchestrator,
		Registry:  a.Registry,
		Audit:     a.Chain,
		Rules:     a.Rules,
	}
	if a.Redis != nil {
		h.Velocity = velocity.NewCounter(a.Redis, time.Minute)
		h.BulkSlots = velocity.NewSlots(a.Redis, bulkBlockConcurrency, 0)
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	r.Use(httpapi.Instrument(a.Metrics))

	ready := func(ctx context.Context) error { return utils.HealthCheck(ctx, a.SQL, 2*time.Second) }
	registerRoutes(r, h, auth.RequireAccessToken(authManager), a.Metrics, ready)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "db", cfg.DB.Driver,
			"redis", a.Redis != nil, "kafka", a.Publisher != nil)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	scheduler.Stop()
	a.Close(shutdownCtx)
}
