// Package main provides the reportq scheduling server.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/raphaelgruber/reportq/internal/config"
	"github.com/raphaelgruber/reportq/internal/db"
	"github.com/raphaelgruber/reportq/internal/executor"
	"github.com/raphaelgruber/reportq/internal/metrics"
	"github.com/raphaelgruber/reportq/internal/queue"
	"github.com/raphaelgruber/reportq/internal/resource"
	"github.com/raphaelgruber/reportq/internal/server"
	"github.com/raphaelgruber/reportq/internal/service"
)

var version = "0.1.0"

func main() {
	wipeDB := flag.Bool("wipe", false, "wipe all report records on startup (testing only)")
	engineFile := flag.String("engine-config", "", "engine tuning YAML (overrides REPORTQ_ENGINE_CONFIG)")
	flag.Parse()

	cfg := config.Load()
	if *engineFile != "" {
		cfg.EngineConfigFile = *engineFile
	}

	// Setup logger (dual output: stderr text + file JSON)
	logger, cleanup := config.SetupLogger(cfg.LogFile, cfg.LogLevel)
	defer func() { _ = cleanup() }()
	slog.SetDefault(logger)

	if err := run(cfg, *wipeDB, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(cfg config.Config, wipe bool, logger *slog.Logger) error {
	engineCfg, err := config.LoadEngine(cfg.EngineConfigFile)
	if err != nil {
		return err
	}

	logger.Info("reportq-server starting",
		"version", version,
		"addr", cfg.ServerAddr,
		"surrealdb_url", cfg.SurrealDBURL,
		"engine_config", cfg.EngineConfigFile,
		"concurrency", cfg.Concurrency,
		"simulate", cfg.Simulate)

	collector := metrics.NewCollector()
	prom := metrics.NewQueue()

	// Persistence is optional; without a URL the engine runs memory-only.
	var (
		persistence queue.Persistence
		history     server.ReportHistory
	)
	if cfg.SurrealDBURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		dbClient, err := connectDB(ctx, cfg, wipe, logger)
		cancel()
		if err != nil {
			return err
		}
		defer func() {
			logger.Info("closing database connection")
			_ = dbClient.Close(context.Background())
		}()
		store := db.NewReportStore(dbClient, logger)
		persistence, history = store, store
	} else {
		logger.Warn("no database configured, job state is memory-only")
	}

	monitor := resource.NewMonitor(engineCfg.Resource,
		resource.NewHostSampler(engineCfg.Resource.CPUMethod, engineCfg.Resource.CPUWindow),
		logger)

	engine, err := queue.NewEngine(engineCfg.Queue, queue.Options{
		Monitor:     monitor,
		Persistence: persistence,
		Collector:   collector,
		Metrics:     prom,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer engine.Close()

	var pool *executor.Pool
	if cfg.Simulate {
		pool = executor.NewPool(executor.Options{
			Runner: &executor.SimulatedRunner{
				Latency:     cfg.SimulatedLatency,
				Jitter:      cfg.SimulatedLatency / 2,
				FailureRate: cfg.SimulatedFailRate,
			},
			Lifecycle:   engine,
			Concurrency: cfg.Concurrency,
			Collector:   collector,
			Metrics:     prom,
			Logger:      logger,
		})
		engine.SetExecutor(pool)
	} else {
		logger.Info("no executor, dispatched jobs wait for complete/fail over the API")
	}

	srv := server.New(server.Options{
		Engine:    engine,
		Reports:   service.NewReportService(engine, logger),
		History:   history,
		Collector: collector,
		Metrics:   prom,
		Logger:    logger,
		Version:   version,
	})

	httpServer := &http.Server{
		Addr:        cfg.ServerAddr,
		Handler:     srv.Handler(),
		ReadTimeout: 5 * time.Second,
		// Snapshot streams hold the connection open; the stream sets its own write deadlines.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		_ = engine.Run(ctx)
	}()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("admin API listening", "addr", cfg.ServerAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-serverErr:
		stop()
		<-dispatcherDone
		return err
	}
	<-dispatcherDone

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	if pool != nil {
		logger.Info("waiting for running jobs")
		pool.Wait()
	}
	return nil
}

func connectDB(ctx context.Context, cfg config.Config, wipe bool, logger *slog.Logger) (*db.Client, error) {
	dbClient, err := db.NewClient(ctx, db.Config{
		URL:       cfg.SurrealDBURL,
		Namespace: cfg.SurrealDBNamespace,
		Database:  cfg.SurrealDBDatabase,
		Username:  cfg.SurrealDBUser,
		Password:  cfg.SurrealDBPass,
		AuthLevel: cfg.SurrealDBAuthLevel,
	}, logger)
	if err != nil {
		return nil, err
	}

	if err := dbClient.InitSchema(ctx); err != nil {
		_ = dbClient.Close(ctx)
		return nil, err
	}

	if wipe || os.Getenv("REPORTQ_WIPE_DB") == "true" {
		if err := dbClient.WipeData(ctx); err != nil {
			_ = dbClient.Close(ctx)
			return nil, err
		}
		logger.Warn("wiped report records")
	}
	return dbClient, nil
}
