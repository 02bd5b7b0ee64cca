// Package main provides the entry point for the control plane daemon.
// It serves the HTTP API and runs the case worker pool in one process:
// submitted env values are held in memory only, so the API and the
// pipeline must share an address space.
package main

import (
	"context"
	"log/slog"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/repobox/control-plane/internal/api"
	"github.com/repobox/control-plane/internal/cache"
	"github.com/repobox/control-plane/internal/cleanup"
	"github.com/repobox/control-plane/internal/fetch"
	"github.com/repobox/control-plane/internal/logs"
	"github.com/repobox/control-plane/internal/orchestrator"
	"github.com/repobox/control-plane/internal/ports"
	"github.com/repobox/control-plane/internal/preflight"
	pgqueue "github.com/repobox/control-plane/internal/queue/postgres"
	"github.com/repobox/control-plane/internal/runtime/docker"
	"github.com/repobox/control-plane/internal/shutdown"
	pgstore "github.com/repobox/control-plane/internal/store/postgres"
	"github.com/repobox/control-plane/pkg/config"
	"github.com/repobox/control-plane/pkg/logger"
)

func main() {
	log := logger.New(slog.LevelInfo, true)

	cfg, err := config.Load()
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	storeCfg := &pgstore.Config{
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	}
	store, err := pgstore.NewPostgresStore(storeCfg, log.Logger)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	queue := pgqueue.NewPostgresQueue(store.DB(), log.Logger)

	pool, err := ports.NewPool(cfg.Ports.Min, cfg.Ports.Max)
	if err != nil {
		log.Error("invalid port pool range", "error", err)
		os.Exit(1)
	}

	runtimeCfg := &docker.Config{
		Network:              cfg.Runtime.Network,
		DefaultContainerPort: cfg.Runtime.ContainerPort,
		AccessHost:           cfg.Runtime.AccessHost,
	}
	rt, err := docker.New(runtimeCfg, pool, log.Logger)
	if err != nil {
		log.Error("failed to connect to container runtime", "error", err)
		os.Exit(1)
	}

	broker := logs.NewBroker(log.Logger)
	recorder := logs.NewRecorder(broker, store.Logs(), cfg.Logs.MaxLines, log.Logger)

	preflightEngine := preflight.NewEngine(&preflight.Config{
		ScanDepth:    cfg.Preflight.ScanDepth,
		GeneratedDir: cfg.Preflight.GeneratedDir,
	})

	engineCfg := &orchestrator.Config{
		WorkDir:       cfg.Worker.WorkDir,
		ContainerPort: cfg.Runtime.ContainerPort,
		AccessHost:    cfg.Runtime.AccessHost,
		StopGrace:     cfg.Runtime.StopGrace,
		CloneTimeout:  cfg.Worker.CloneTimeout,
		BuildTimeout:  cfg.Worker.BuildTimeout,
		Readiness: orchestrator.ReadinessConfig{
			Mode:          cfg.Runtime.Readiness.Mode,
			GracePeriod:   cfg.Runtime.Readiness.GracePeriod,
			ProbeTimeout:  cfg.Runtime.Readiness.ProbeTimeout,
			ProbeInterval: cfg.Runtime.Readiness.ProbeInterval,
		},
	}
	engine := orchestrator.NewEngine(engineCfg, store, queue, recorder, rt, fetch.NewGitFetcher(), preflightEngine, log.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	recoveryResult, err := engine.RecoverOnStartup(ctx)
	if err != nil {
		log.Error("failed to perform startup recovery", "error", err)
		// Recovery errors affect cases already in a bad state; the daemon
		// can still serve new ones.
	} else {
		log.Info("startup recovery completed",
			"interrupted_cases", recoveryResult.Interrupted,
			"resumed_cases", recoveryResult.Resumed,
		)
	}

	worker := orchestrator.NewWorker(&orchestrator.WorkerConfig{
		Concurrency: cfg.Worker.Concurrency,
	}, engine, queue, log.Logger)
	if err := worker.Start(ctx); err != nil {
		log.Error("failed to start worker", "error", err)
		os.Exit(1)
	}

	janitor := cleanup.NewJanitor(&cleanup.Config{
		WorkDir:   cfg.Worker.WorkDir,
		Interval:  cfg.Cleanup.Interval,
		Retention: cfg.Cleanup.Retention,
	}, store, log.Logger)
	janitor.Start(ctx)

	artifactCache := cache.New(log.Logger)

	server := api.NewServer(cfg, engine, store, recorder, artifactCache, log.Logger)
	server.HealthChecker().Register("database", store)
	server.HealthChecker().Register("docker", rt)

	coordinator := shutdown.NewCoordinator(
		shutdown.WithTimeout(cfg.Server.ShutdownTimeout),
		shutdown.WithLogger(log.Logger),
	)
	coordinator.Register(shutdown.NewCloserComponent("database", store))
	coordinator.Register(shutdown.NewCloserComponent("docker-runtime", rt))
	coordinator.Register(shutdown.NewStopperComponent("workspace-janitor", janitor))
	coordinator.Register(shutdown.NewStopperComponent("case-worker", worker))
	coordinator.Register(shutdown.NewFuncComponent("http-server", server.Shutdown))

	go func() {
		log.Info("starting control plane",
			"host", cfg.Server.Host,
			"port", cfg.Server.Port,
			"concurrency", cfg.Worker.Concurrency,
		)
		if err := server.Start(ctx); err != nil {
			log.Error("server error", "error", err)
			coordinator.Shutdown()
		}
	}()

	coordinator.WaitForSignal()
	cancel()
	coordinator.Wait()

	log.Info("control plane stopped")
	os.Exit(coordinator.ExitCode())
}
