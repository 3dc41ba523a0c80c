// Package api provides the read-only HTTP API for the agromet platform.
package api

import (
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/agromet/agromet/internal/api/handler"
	"github.com/agromet/agromet/internal/api/middleware"
	"github.com/agromet/agromet/internal/metrics"
	"github.com/agromet/agromet/internal/obs"
	"github.com/agromet/agromet/internal/scheduler"
	"github.com/agromet/agromet/internal/store"
)

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	Logger      zerolog.Logger
	ServiceName string
	Store       store.Store
	Scheduler   *scheduler.Scheduler
	Stations    []obs.Station
}

// NewRouter creates a new chi router with all API routes configured.
// Every route is read-only.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "agromet-api"
	}

	// Global middleware - order matters
	r.Use(middleware.RequestID)            // Generate/propagate request ID first
	r.Use(middleware.Tracing(serviceName)) // Distributed tracing
	r.Use(middleware.Metrics)              // HTTP metrics
	r.Use(middleware.Logger(cfg.Logger))   // Structured logging
	r.Use(middleware.Recovery(cfg.Logger)) // Panic recovery
	r.Use(chimiddleware.RealIP)            // Real IP extraction
	r.Use(middleware.SecurityHeaders)      // Security headers (HSTS, CSP, etc.)

	opsHandler := handler.NewOpsHandler(cfg.Store, cfg.Scheduler)
	observationHandler := handler.NewObservationHandler(cfg.Store, cfg.Stations)
	alertHandler := handler.NewAlertHandler(cfg.Store)

	rangeRateLimit := middleware.RateLimitByIP(middleware.RangeRateLimit)       // 30 req/min
	standardRateLimit := middleware.RateLimitByIP(middleware.StandardRateLimit) // 100 req/min

	r.Get("/healthz", opsHandler.HealthCheck)
	r.Method("GET", "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/stations/{station}", func(r chi.Router) {
			r.With(rangeRateLimit).Get("/observations", observationHandler.GetObservations)
			r.With(standardRateLimit).Get("/latest", observationHandler.GetLatest)
		})

		r.With(standardRateLimit).Get("/alerts", alertHandler.ListActive)
	})

	return r
}
