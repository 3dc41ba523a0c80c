// Package main provides the entrypoint for the agromet monitoring daemon:
// ingestion scheduler, evaluation tick loop and read-only API in one process.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/agromet/agromet/internal/alert"
	"github.com/agromet/agromet/internal/api"
	"github.com/agromet/agromet/internal/config"
	"github.com/agromet/agromet/internal/database"
	"github.com/agromet/agromet/internal/engine"
	"github.com/agromet/agromet/internal/indicator"
	"github.com/agromet/agromet/internal/provider"
	"github.com/agromet/agromet/internal/provider/openmeteo"
	"github.com/agromet/agromet/internal/provider/openweathermap"
	"github.com/agromet/agromet/internal/provider/resilience"
	"github.com/agromet/agromet/internal/scheduler"
	"github.com/agromet/agromet/internal/store"
	"github.com/agromet/agromet/internal/telemetry"
	"github.com/agromet/agromet/internal/validate"
)

// Version and BuildTime are set at compile time via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	const serviceName = "agrometd"

	// Local development convenience; absence of a .env file is fine.
	_ = godotenv.Load()

	log := zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", serviceName).
		Str("version", Version).
		Logger()

	log.Info().
		Str("build_time", BuildTime).
		Msg("starting agromet daemon")

	cfg, err := config.Load(os.Getenv("AGROMET_CONFIG"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "development"
	}
	otlpEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otlpEndpoint == "" {
		otlpEndpoint = "localhost:4317"
	}

	ctx := context.Background()

	tp, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: Version,
		Environment:    env,
		OTLPEndpoint:   otlpEndpoint,
		Enabled:        os.Getenv("OTEL_ENABLED") == "true",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := tp.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Error().Err(shutdownErr).Msg("failed to shutdown telemetry")
		}
	}()

	st, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer closeStore()

	validator := validate.NewValidator(validate.Config{
		SlewGuard: cfg.SlewGuardEnabled(),
		Source:    st,
		Logger:    log,
	})

	sched := scheduler.New(scheduler.Config{
		Parallelism:      cfg.Ingest.Parallelism,
		GracefulShutdown: time.Duration(cfg.Ingest.GracefulShutdownS) * time.Second,
		ForecastHorizon:  time.Duration(cfg.Ingest.ForecastHorizonH) * time.Hour,
		Validator:        validator,
		Store:            st,
		Logger:           log,
	})

	adapters := buildAdapters(cfg, log)
	if len(adapters) == 0 {
		log.Fatal().Msg("no usable providers configured")
	}
	for _, station := range cfg.Stations {
		for _, adapter := range adapters {
			sched.Register(station, adapter)
		}
	}
	log.Info().
		Int("stations", len(cfg.Stations)).
		Int("providers", len(adapters)).
		Msg("ingestion pairs registered")

	var feed *alert.Feed
	if cfg.Feed.ProjectID != "" && cfg.Feed.Topic != "" {
		feed, err = alert.NewFeed(ctx, alert.FeedConfig{
			ProjectID: cfg.Feed.ProjectID,
			TopicName: cfg.Feed.Topic,
			Logger:    log,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize alert feed")
		}
		defer func() {
			if closeErr := feed.Close(); closeErr != nil {
				log.Error().Err(closeErr).Msg("failed to close alert feed")
			}
		}()
		log.Info().Str("topic", cfg.Feed.Topic).Msg("alert feed initialized")
	}

	tickEvery := time.Duration(cfg.Indicators.TickS) * time.Second

	alertCfg := alert.EngineConfig{
		Sink:       st,
		Debounce:   debounceOverrides(cfg),
		TickPeriod: tickEvery,
		Logger:     log,
	}
	if feed != nil {
		alertCfg.Feed = feed
	}
	alerts := alert.NewEngine(alertCfg)

	pollingInterval := time.Duration(0)
	for _, p := range cfg.Providers {
		if iv := p.MinInterval.Std(); iv > 0 && (pollingInterval == 0 || iv < pollingInterval) {
			pollingInterval = iv
		}
	}

	ticker := engine.New(engine.Config{
		Stations:        cfg.Stations,
		Store:           st,
		Indicators:      indicator.NewEngine(),
		Alerts:          alerts,
		TickEvery:       tickEvery,
		PollingInterval: pollingInterval,
		Logger:          log,
	})

	router := api.NewRouter(api.RouterConfig{
		Logger:      log,
		ServiceName: serviceName,
		Store:       st,
		Scheduler:   sched,
		Stations:    cfg.Stations,
	})

	server := &http.Server{
		Addr:              cfg.API.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Run(runCtx)
	}()

	if err := ticker.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start evaluation loop")
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Str("addr", cfg.API.ListenAddr).Msg("api listening")
		if serveErr := server.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			log.Error().Err(serveErr).Msg("api server failed")
			cancel()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		log.Info().Str("signal", s.String()).Msg("shutting down")
	case <-runCtx.Done():
	}

	cancel()
	ticker.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("api shutdown failed")
	}

	wg.Wait()
	log.Info().Msg("stopped")
}

// openStore selects PostgreSQL when a DSN is configured, otherwise the
// in-memory store for development runs.
func openStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (store.Store, func(), error) {
	if cfg.Store.DSN == "" {
		log.Warn().Msg("no store DSN configured, using in-memory store")
		return store.NewInMemoryStore(), func() {}, nil
	}

	pool, err := database.Connect(ctx, database.ConfigFor(cfg.Store.DSN))
	if err != nil {
		return nil, nil, err
	}

	pg, err := store.NewPostgresStore(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}

	log.Info().Msg("database connected")
	return pg, pool.Close, nil
}

// buildAdapters constructs one adapter per configured provider. Providers
// whose API key cannot be resolved are skipped with a warning so a missing
// key never takes down keyless ingestion.
func buildAdapters(cfg *config.Config, log zerolog.Logger) []provider.Adapter {
	var adapters []provider.Adapter

	for _, p := range cfg.Providers {
		pc := p.ProviderConfig()

		clientCfg := resilience.DefaultClientConfig(pc.ID)
		clientCfg.RequestsPerHour = pc.HourlyQuota
		if pc.Timeout > 0 {
			clientCfg.Timeout = pc.Timeout
		}
		httpClient := resilience.NewClient(clientCfg)

		switch p.ID {
		case "openmeteo":
			adapters = append(adapters, openmeteo.NewClient(openmeteo.ClientConfig{
				BaseURL:     pc.BaseURL,
				MinInterval: pc.MinInterval,
				HTTPClient:  httpClient,
				Logger:      log,
			}))

		case "openweathermap":
			key, err := p.ResolveAPIKey()
			if err != nil {
				log.Warn().Err(err).Str("provider", p.ID).Msg("skipping provider")
				continue
			}
			adapters = append(adapters, openweathermap.NewClient(openweathermap.ClientConfig{
				APIKey:      key,
				BaseURL:     pc.BaseURL,
				MinInterval: pc.MinInterval,
				HTTPClient:  httpClient,
				Logger:      log,
			}))

		default:
			log.Warn().Str("provider", p.ID).Msg("unknown provider id, skipping")
		}
	}

	return adapters
}

// debounceOverrides converts the per-kind minute settings to engine form.
func debounceOverrides(cfg *config.Config) map[alert.Kind]alert.Debounce {
	if len(cfg.Alerts) == 0 {
		return nil
	}
	overrides := make(map[alert.Kind]alert.Debounce, len(cfg.Alerts))
	for kind, d := range cfg.Alerts {
		overrides[alert.Kind(kind)] = alert.Debounce{
			Open:  time.Duration(d.OpenDebounceMin) * time.Minute,
			Close: time.Duration(d.CloseDebounceMin) * time.Minute,
		}
	}
	return overrides
}
