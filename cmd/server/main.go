// server runs the multi-tier cache engine with its admin HTTP surface:
// an in-process tier backed by Redis and SQLite tiers, cascading reads,
// configurable write propagation, and a background sync cycle.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"tiercache/internal/api"
	"tiercache/internal/cache/memory"
	"tiercache/internal/cache/orchestrator"
	"tiercache/internal/cache/redisc"
	"tiercache/internal/cache/sqlitec"
	"tiercache/internal/cache/syncer"
	"tiercache/internal/cache/wrappers"
	"tiercache/internal/clock"
	"tiercache/internal/config"
	"tiercache/internal/logging"
	"tiercache/internal/telemetry"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to YAML config file (optional)")
		addr       = flag.String("addr", "", "Admin HTTP address (overrides config)")
	)
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	logger := logging.NewLogger(logging.ParseLogLevel(cfg.Logging.Level))
	clk := clock.New()

	tier1 := memory.New(cfg.Memory, clk, logger)

	tier3store, err := sqlitec.New(cfg.SQLite, clk, logger)
	if err != nil {
		log.Fatalf("Failed to open persistent tier: %v", err)
	}
	tier2 := wrappers.WithBreaker(redisc.New(cfg.Redis, logger), nil, logger)
	tier3 := wrappers.WithBreaker(tier3store, nil, logger)

	stream := telemetry.NewStream(0)
	orch, err := orchestrator.New(tier1, tier2, tier3, cfg.Orchestrator, stream, logger)
	if err != nil {
		log.Fatalf("Failed to build orchestrator: %v", err)
	}

	manager := syncer.New(orch, tier3store, cfg.Sync, clk, logger)
	manager.Start()

	events, unsubscribe := manager.Subscribe()
	go func() {
		l := logger.WithComponent("sync.events")
		for ev := range events {
			switch ev.Type {
			case syncer.EventError:
				l.Warn("sync error", "error", ev.Error)
			case syncer.EventCompleted:
				l.Debug("sync completed", "items_synced", ev.ItemsSynced, "duration", ev.Duration.String())
			case syncer.EventStarted:
			}
		}
	}()

	router := api.NewRouter(orch, manager, logger)
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		logger.Info("cache engine listening", "addr", cfg.Server.Addr, "strategy", string(orch.Strategy()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", "error", err)
	}

	unsubscribe()
	manager.Close()
	if err := orch.Close(); err != nil {
		logger.Warn("tier shutdown failed", "error", err)
	}
}
