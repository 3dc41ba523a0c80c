// Package engine hosts the evaluation tick loop: every tick it pulls
// observation windows from the store, computes indicators, and feeds the
// alert engine. The loop is single-threaded so store reads are consistent
// snapshots and alert transitions stay serialised per station.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"

	"github.com/agromet/agromet/internal/alert"
	"github.com/agromet/agromet/internal/indicator"
	"github.com/agromet/agromet/internal/metrics"
	"github.com/agromet/agromet/internal/obs"
	"github.com/agromet/agromet/internal/store"
)

// windowVariables are pulled from the store every tick.
var windowVariables = []obs.Variable{
	obs.VarTempC, obs.VarTempMinC, obs.VarTempMaxC,
	obs.VarHumidityPct, obs.VarPrecipMm, obs.VarWindSpeedKmh,
	obs.VarDewPointC,
}

// defaultRequiredVariables feed the stale sensor check.
var defaultRequiredVariables = []obs.Variable{
	obs.VarTempC, obs.VarHumidityPct, obs.VarWindSpeedKmh,
}

// Config holds configuration for the tick loop.
type Config struct {
	Stations   []obs.Station
	Store      store.Store
	Indicators *indicator.Engine
	Alerts     *alert.Engine

	// TickEvery is the evaluation period. Default: 60 seconds.
	TickEvery time.Duration

	// PollingInterval is the nominal provider polling interval used as
	// the reference for the stale sensor check. Default: 10 minutes.
	PollingInterval time.Duration

	// RequiredVariables overrides the variables whose freshness the
	// stale sensor check inspects.
	RequiredVariables []obs.Variable

	Logger zerolog.Logger

	// Now injects the clock for tests. Defaults to time.Now.
	Now func() time.Time
}

// Engine runs the evaluation loop.
type Engine struct {
	cfg      Config
	logger   zerolog.Logger
	now      func() time.Time
	required []obs.Variable

	scheduler *gocron.Scheduler
	ticks     sync.WaitGroup
}

// New creates the tick loop.
func New(cfg Config) *Engine {
	if cfg.TickEvery <= 0 {
		cfg.TickEvery = time.Minute
	}
	if cfg.PollingInterval <= 0 {
		cfg.PollingInterval = 10 * time.Minute
	}
	required := cfg.RequiredVariables
	if len(required) == 0 {
		required = defaultRequiredVariables
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Engine{
		cfg:       cfg,
		logger:    cfg.Logger.With().Str("component", "tick_loop").Logger(),
		now:       cfg.Now,
		required:  required,
		scheduler: gocron.NewScheduler(time.UTC),
	}
}

// Start schedules the periodic tick and returns immediately.
func (e *Engine) Start() error {
	seconds := int(e.cfg.TickEvery.Seconds())
	if seconds <= 0 {
		seconds = 60
	}

	_, err := e.scheduler.Every(seconds).Seconds().SingletonMode().Do(func() {
		e.ticks.Add(1)
		defer e.ticks.Done()

		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.TickEvery)
		defer cancel()
		e.Tick(ctx)
	})
	if err != nil {
		return err
	}

	e.scheduler.StartAsync()
	e.logger.Info().
		Dur("tick_every", e.cfg.TickEvery).
		Int("stations", len(e.cfg.Stations)).
		Msg("tick loop started")
	return nil
}

// Stop cancels future ticks and waits for the current one to finish.
func (e *Engine) Stop() {
	e.scheduler.Stop()
	e.ticks.Wait()
	e.logger.Info().Msg("tick loop stopped")
}

// Tick evaluates every station once.
func (e *Engine) Tick(ctx context.Context) {
	start := time.Now()
	now := e.now().UTC()

	for _, station := range e.cfg.Stations {
		if ctx.Err() != nil {
			return
		}
		e.evaluateStation(ctx, station, now)
	}

	metrics.TickDuration.Observe(time.Since(start).Seconds())
}

func (e *Engine) evaluateStation(ctx context.Context, station obs.Station, now time.Time) {
	window, err := e.buildWindow(ctx, station, now)
	if err != nil {
		e.logger.Error().
			Err(err).
			Str("station", station.ID).
			Msg("building evaluation window")
		return
	}

	samples := e.cfg.Indicators.Compute(window)
	for _, sample := range samples {
		outcome := "ok"
		if sample.Unknown {
			outcome = "unknown"
		}
		metrics.IndicatorSamplesTotal.WithLabelValues(string(sample.IndicatorID), outcome).Inc()
	}

	e.cfg.Alerts.Evaluate(ctx, alert.Input{
		StationID:        station.ID,
		At:               now,
		Samples:          samples,
		PrecipMmLastHour: precipLastHour(window, now),
		HumidityLow:      humidityHeld(window, now, func(v float64) bool { return v < 25 }),
		HumidityHigh:     humidityHeld(window, now, func(v float64) bool { return v > 90 }),
	})
}

// buildWindow reads 72 hours of history and 24 hours of forecast for every
// window variable, plus per-variable freshness for the stale check.
func (e *Engine) buildWindow(ctx context.Context, station obs.Station, now time.Time) (indicator.Window, error) {
	from := now.Add(-72 * time.Hour)
	to := now.Add(24 * time.Hour)

	series := make(map[obs.Variable][]obs.Observation, len(windowVariables))
	for _, variable := range windowVariables {
		observations, err := e.cfg.Store.ReadObservations(ctx, station.ID, variable, from, to)
		if err != nil {
			return indicator.Window{}, err
		}
		if len(observations) > 0 {
			series[variable] = observations
		}
	}

	freshness := make(map[obs.Variable]*time.Duration, len(e.required))
	for _, variable := range e.required {
		d, err := e.cfg.Store.Freshness(ctx, station.ID, variable)
		if err != nil {
			return indicator.Window{}, err
		}
		freshness[variable] = d
	}

	return indicator.Window{
		Station:         station,
		At:              now,
		Series:          series,
		Freshness:       freshness,
		PollingInterval: e.cfg.PollingInterval,
	}, nil
}

// precipLastHour sums precipitation over the trailing hour, or nil when no
// reading covers it.
func precipLastHour(w indicator.Window, now time.Time) *float64 {
	var total float64
	var seen bool
	for _, o := range w.Series[obs.VarPrecipMm] {
		if o.Value == nil {
			continue
		}
		if !o.ObservedAt.After(now.Add(-time.Hour)) || o.ObservedAt.After(now) {
			continue
		}
		total += *o.Value
		seen = true
	}
	if !seen {
		return nil
	}
	return &total
}

// humidityHeld reports whether every humidity reading in the trailing hour
// satisfies the condition. Nil when there are no readings, or when the
// readings do not reach back to the start of the hour: one fresh sample
// says nothing about the rest of the window.
func humidityHeld(w indicator.Window, now time.Time, cond func(float64) bool) *bool {
	windowStart := now.Add(-time.Hour)

	var oldest time.Time
	var seen, held bool
	held = true
	for _, o := range w.Series[obs.VarHumidityPct] {
		if o.Value == nil {
			continue
		}
		if !o.ObservedAt.After(windowStart) || o.ObservedAt.After(now) {
			continue
		}
		seen = true
		if oldest.IsZero() || o.ObservedAt.Before(oldest) {
			oldest = o.ObservedAt
		}
		if !cond(*o.Value) {
			held = false
		}
	}
	if !seen {
		return nil
	}

	// The oldest reading must sit within one polling slot of the window
	// start, otherwise the hour is not covered.
	slack := w.PollingInterval
	if slack <= 0 {
		slack = 10 * time.Minute
	}
	if oldest.After(windowStart.Add(slack)) {
		return nil
	}
	return &held
}
