package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/taskmesh/taskmesh/internal/agents"
	"github.com/taskmesh/taskmesh/internal/api"
	"github.com/taskmesh/taskmesh/internal/broker"
	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/internal/domain"
	"github.com/taskmesh/taskmesh/internal/service"
	"github.com/taskmesh/taskmesh/internal/store"
	"go.uber.org/zap"
)

func main() {
	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()

	if err := config.Load(); err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	ctx := context.Background()

	var (
		agentStore domain.AgentStore
		taskStore  domain.TaskStore
		idemStore  domain.IdempotencyStore
		pool       *pgxpool.Pool
	)

	switch config.StoreBackend() {
	case "postgres":
		var err error
		pool, err = pgxpool.New(ctx, config.DatabaseURL())
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			logger.Fatal("failed to ping database", zap.Error(err))
		}
		logger.Info("connected to database")

		agentStore = store.NewAgentStore(pool)
		taskStore = store.NewTaskStore(pool)
		idemStore = store.NewIdempotencyStore(pool, config.IdempotencyTTL())
	default:
		agentStore = store.NewMemoryAgentStore()
		taskStore = store.NewMemoryTaskStore()
		idemStore = store.NewMemoryIdempotencyStore(config.IdempotencyCacheSize(), config.IdempotencyTTL())
		logger.Info("using in-memory stores")
	}

	if config.IdempotencyBackend() == "memory" && pool != nil {
		idemStore = store.NewMemoryIdempotencyStore(config.IdempotencyCacheSize(), config.IdempotencyTTL())
	}

	transport := broker.New(logger,
		broker.WithQueueBuffer(config.QueueBuffer()),
		broker.WithRedeliveryLimit(config.RedeliveryLimit()),
	)

	schemas := domain.NewSchemaRegistry(config.StrictSchemas())
	schemas.Register(agents.EchoType, domain.PayloadSchema{Version: 1})

	registry := service.NewRegistryService(agentStore, config.HeartbeatTTL(), logger)
	scheduler := service.NewSchedulerService(taskStore, registry, transport, schemas, service.SchedulerConfig{
		MaxAttempts:     config.MaxAttempts(),
		RoutingAttempts: config.RoutingAttempts(),
		BackoffBase:     config.BackoffBase(),
		BackoffCap:      config.BackoffCap(),
	}, logger)
	worker := service.NewWorkerService(taskStore, idemStore, registry, scheduler, transport, config.HandlerTimeout(), logger)
	orchestrator := service.NewOrchestrator(taskStore, scheduler, schemas, logger)
	sweeper := service.NewSweeperService(registry, taskStore, scheduler, idemStore, config.SweepSchedule(), config.RoutedTimeout(), logger)

	if config.DemoEchoAgent() {
		echo := agents.NewEcho()
		agent, err := registry.Register(ctx, echo.Descriptor("echo-1"))
		if err != nil {
			logger.Fatal("failed to register echo agent", zap.Error(err))
		}
		worker.RegisterHandler(agent, echo)
		logger.Info("registered echo agent", zap.String("agent_id", agent.ID))
	}

	if err := worker.Start(ctx); err != nil {
		logger.Fatal("failed to start worker", zap.Error(err))
	}
	if err := sweeper.Start(); err != nil {
		logger.Fatal("failed to start sweeper", zap.Error(err))
	}

	app := api.NewApp(api.Deps{
		Orchestrator: orchestrator,
		Registry:     registry,
		DB:           pinger(pool),
	}, logger)

	addr := config.ServerAddr()
	srv := &http.Server{
		Addr:    addr,
		Handler: app.Router,
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("server starting", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	// Stop intake first, then drain the pipeline.
	sweeper.Stop()
	scheduler.Stop()
	worker.Stop()
	if err := transport.Close(); err != nil {
		logger.Error("broker close", zap.Error(err))
	}

	logger.Info("server stopped")
}

// pinger avoids handing the router a typed-nil interface when the memory
// backend is active.
func pinger(pool *pgxpool.Pool) api.Pinger {
	if pool == nil {
		return nil
	}
	return pool
}
