// The scanner service fronts the fetch-orchestration core: it serves
// refresh requests, spawns isolated fetch workers against the
// brokerage gateway, and keeps the chain snapshot cache.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/cmazur/dealspread/internal/config"
	"github.com/cmazur/dealspread/internal/dispatch"
	"github.com/cmazur/dealspread/internal/gateway"
	"github.com/cmazur/dealspread/internal/identity"
	"github.com/cmazur/dealspread/internal/logging"
	"github.com/cmazur/dealspread/internal/server"
	"github.com/cmazur/dealspread/internal/snapshot"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Optional .env for local runs; config expansion picks the vars up.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		logrus.Fatalf("failed to load config: %v", err)
	}

	logger := logging.New(cfg.Logging)
	logger.Infof("starting dealspread scanner, gateway %s", cfg.Gateway.URL)

	pool := identity.NewPool(cfg.Identity)
	store := snapshot.NewStore()
	if cfg.Storage.Path != "" {
		if err := store.LoadFrom(cfg.Storage.Path); err != nil {
			logger.WithError(err).Warn("could not load persisted snapshots, starting cold")
		} else if n := len(store.Symbols()); n > 0 {
			logger.Infof("loaded %d persisted snapshots", n)
		}
	}

	gw := gateway.NewClient(cfg.Gateway.URL, cfg.GatewayTimeout())
	runner := &dispatch.ExecRunner{
		BinPath:    cfg.Fetch.WorkerBin,
		GatewayURL: cfg.Gateway.URL,
		Logger:     logger,
	}
	dispatcher := dispatch.NewDispatcher(pool, store, runner, logger, dispatch.Options{
		Deadline:    cfg.WorkerDeadline(),
		StaleWindow: cfg.StaleWindow(),
		Breaker:     dispatch.NewDispatchBreaker(logger),
	})
	coalescer := dispatch.NewCoalescer(store, dispatcher, cfg.DebounceWindow(), logger)

	srv := server.NewServer(cfg, coalescer, store, pool, gw, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutdown signal received")
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		logger.WithError(err).Error("API server stopped")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("server shutdown failed")
	}

	if cfg.Storage.Path != "" {
		if err := store.SaveTo(cfg.Storage.Path); err != nil {
			logger.WithError(err).Warn("failed to persist snapshots")
		}
	}
	logger.Info("scanner stopped")
}
