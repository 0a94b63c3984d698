package api

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/taskmesh/taskmesh/internal/api/handlers"
	mw "github.com/taskmesh/taskmesh/internal/api/middleware"
	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/internal/domain"
	"github.com/taskmesh/taskmesh/internal/service"
	"github.com/taskmesh/taskmesh/internal/store"
	"go.uber.org/zap"
)

// Pinger reports backing-store health; nil means no external dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the already-constructed core components the router exposes.
type Deps struct {
	Orchestrator *service.Orchestrator
	Registry     *service.RegistryService
	DB           Pinger
}

// App holds the router and request counters for the metrics endpoint.
type App struct {
	Router       *chi.Mux
	startTime    time.Time
	requestCount atomic.Int64
	errorCount   atomic.Int64
}

func NewApp(deps Deps, logger *zap.Logger) *App {
	taskHandler := handlers.NewTaskHandler(deps.Orchestrator)
	agentHandler := handlers.NewAgentHandler(deps.Registry)

	r := chi.NewRouter()

	app := &App{
		Router:    r,
		startTime: time.Now(),
	}

	metricsCollector := mw.NewMetricsCollector(&app.requestCount, &app.errorCount)

	// Global middleware (order matters)
	r.Use(mw.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metricsCollector.Middleware)
	r.Use(mw.Logging(logger))
	r.Use(middleware.Recoverer)
	r.Use(mw.RateLimit(config.RateLimitRPS(), config.RateLimitBurst()))

	r.Get("/health", healthHandler(deps.DB))
	r.Get("/metrics", app.metricsHandler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", taskHandler.Submit)
			r.Get("/", taskHandler.List)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", taskHandler.GetByID)
				r.Post("/cancel", taskHandler.Cancel)
			})
		})

		r.Route("/agents", func(r chi.Router) {
			r.Post("/", agentHandler.Register)
			r.Get("/", agentHandler.List)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", agentHandler.GetByID)
				r.Post("/heartbeat", agentHandler.Heartbeat)
				r.Post("/drain", agentHandler.Drain)
				r.Delete("/", agentHandler.Deregister)
			})
		})
	})

	return app
}

func healthHandler(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if db != nil {
			if err := db.Ping(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(w).Encode(map[string]string{"status": "error", "error": err.Error()})
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}

func (app *App) metricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)

		uptime := time.Since(app.startTime)

		response := map[string]any{
			"uptime_seconds": uptime.Seconds(),
			"uptime_human":   uptime.Round(time.Second).String(),
			"request_count":  app.requestCount.Load(),
			"error_count":    app.errorCount.Load(),
			"goroutines":     runtime.NumGoroutine(),
			"memory": map[string]any{
				"alloc_mb":       float64(memStats.Alloc) / 1024 / 1024,
				"total_alloc_mb": float64(memStats.TotalAlloc) / 1024 / 1024,
				"sys_mb":         float64(memStats.Sys) / 1024 / 1024,
				"num_gc":         memStats.NumGC,
			},
			"go_version": runtime.Version(),
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(response)
	}
}

// Ensure stores satisfy the domain interfaces at compile time.
var (
	_ domain.AgentStore       = (*store.AgentStore)(nil)
	_ domain.AgentStore       = (*store.MemoryAgentStore)(nil)
	_ domain.TaskStore        = (*store.TaskStore)(nil)
	_ domain.TaskStore        = (*store.MemoryTaskStore)(nil)
	_ domain.IdempotencyStore = (*store.IdempotencyStore)(nil)
	_ domain.IdempotencyStore = (*store.MemoryIdempotencyStore)(nil)
)
