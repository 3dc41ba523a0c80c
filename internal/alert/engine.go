package alert

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agromet/agromet/internal/indicator"
	"github.com/agromet/agromet/internal/metrics"
)

// Sink persists alert state changes. The store satisfies this.
type Sink interface {
	UpsertAlert(ctx context.Context, a Alert) (Transition, error)
}

// Publisher receives every persisted transition, typically to fan alerts
// out to an external channel. Optional.
type Publisher interface {
	PublishTransition(ctx context.Context, a Alert, transition Transition)
}

// Debounce holds the open and close windows for one alert kind.
type Debounce struct {
	Open  time.Duration
	Close time.Duration
}

// DefaultDebounce is applied to every kind without explicit configuration.
var DefaultDebounce = Debounce{Open: 10 * time.Minute, Close: 30 * time.Minute}

// EngineConfig holds configuration for the alert engine.
type EngineConfig struct {
	Sink Sink

	// Debounce overrides per kind; kinds not present use DefaultDebounce.
	Debounce map[Kind]Debounce

	// TickPeriod is the spacing between evaluation ticks. Debounce
	// windows are measured in whole ticks: with one-minute ticks and a
	// ten-minute open window, the tenth consecutive qualifying tick
	// opens. Default: 1 minute.
	TickPeriod time.Duration

	// UpsertRetryBudget bounds how long a failed upsert is retried before
	// the transition is dropped and counted. Default: 5 minutes.
	UpsertRetryBudget time.Duration

	// Feed, when set, receives every persisted transition.
	Feed Publisher

	Logger zerolog.Logger
}

// Input is one evaluation tick's worth of conditions for a station. Class
// fields carry the indicator sample classes; nil pointer fields mean the
// underlying data was insufficient to evaluate.
type Input struct {
	StationID string
	At        time.Time

	Samples []indicator.Sample

	// PrecipMmLastHour is the precipitation sum over the trailing hour.
	PrecipMmLastHour *float64

	// HumidityLow reports humidity_pct < 25 held continuously for the
	// trailing hour; HumidityHigh the same for > 90.
	HumidityLow  *bool
	HumidityHigh *bool
}

// Engine converts indicator conditions into debounced alert transitions.
// It is single-writer: exactly one goroutine (the tick loop) calls Evaluate.
type Engine struct {
	sink       Sink
	debounce   map[Kind]Debounce
	tickPeriod time.Duration
	budget     time.Duration
	feed       Publisher
	logger     zerolog.Logger

	states map[stateKey]*kindState

	missedTransitions atomic.Int64
}

type stateKey struct {
	stationID string
	kind      Kind
}

// kindState is the debounce bookkeeping for one (station, kind).
type kindState struct {
	trueSince  *time.Time
	falseSince *time.Time
	active     *Alert
}

// NewEngine creates an alert engine.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.UpsertRetryBudget <= 0 {
		cfg.UpsertRetryBudget = 5 * time.Minute
	}
	if cfg.TickPeriod <= 0 {
		cfg.TickPeriod = time.Minute
	}

	return &Engine{
		sink:       cfg.Sink,
		debounce:   cfg.Debounce,
		tickPeriod: cfg.TickPeriod,
		budget:     cfg.UpsertRetryBudget,
		feed:       cfg.Feed,
		logger:     cfg.Logger.With().Str("component", "alert_engine").Logger(),
		states:     make(map[stateKey]*kindState),
	}
}

// MissedTransitions reports how many transitions were dropped because the
// store kept rejecting them past the retry budget.
func (e *Engine) MissedTransitions() int64 {
	return e.missedTransitions.Load()
}

// Evaluate runs one debounce tick for a station. Unknown predicate results
// break both the open and the close streak: an alert neither opens nor
// closes on data we do not have.
func (e *Engine) Evaluate(ctx context.Context, in Input) {
	for _, kind := range AllKinds {
		predicate := evalPredicate(kind, in)
		e.step(ctx, in, kind, predicate)
	}
}

func (e *Engine) step(ctx context.Context, in Input, kind Kind, predicate *bool) {
	key := stateKey{stationID: in.StationID, kind: kind}
	state, ok := e.states[key]
	if !ok {
		state = &kindState{}
		e.states[key] = state
	}

	now := in.At
	debounce := e.debounceFor(kind)

	if predicate == nil {
		state.trueSince = nil
		state.falseSince = nil
		return
	}

	if *predicate {
		state.falseSince = nil
		if state.trueSince == nil {
			since := now
			state.trueSince = &since
		}

		// The streak's first tick counts as one full tick, so a
		// window of N tick periods is satisfied on its Nth tick.
		held := now.Sub(*state.trueSince) + e.tickPeriod
		switch {
		case state.active == nil && held >= debounce.Open:
			e.open(ctx, in, kind, state)
		case state.active != nil:
			e.refresh(ctx, in, state)
		}
		return
	}

	state.trueSince = nil
	if state.active == nil {
		state.falseSince = nil
		return
	}
	if state.falseSince == nil {
		since := now
		state.falseSince = &since
	}
	if now.Sub(*state.falseSince)+e.tickPeriod >= debounce.Close {
		e.close(ctx, in, state)
	}
}

func (e *Engine) debounceFor(kind Kind) Debounce {
	if d, ok := e.debounce[kind]; ok {
		return d
	}
	return DefaultDebounce
}

func (e *Engine) open(ctx context.Context, in Input, kind Kind, state *kindState) {
	a := Alert{
		ID:              uuid.NewString(),
		StationID:       in.StationID,
		Kind:            kind,
		Severity:        SeverityFor(kind),
		OpenedAt:        in.At,
		LastEvaluatedAt: in.At,
		CauseSummary:    causeSummary(kind, in),
	}

	transition, err := e.upsert(ctx, a)
	if err != nil {
		return
	}

	state.active = &a
	e.logger.Info().
		Str("station", a.StationID).
		Str("kind", string(a.Kind)).
		Str("severity", string(a.Severity)).
		Str("cause", a.CauseSummary).
		Msg("alert opened")
	e.publish(ctx, a, transition)
}

func (e *Engine) refresh(ctx context.Context, in Input, state *kindState) {
	a := *state.active
	a.LastEvaluatedAt = in.At
	a.CauseSummary = causeSummary(a.Kind, in)

	transition, err := e.upsert(ctx, a)
	if err != nil {
		return
	}

	state.active = &a
	if transition != TransitionUnchanged {
		e.publish(ctx, a, transition)
	}
}

func (e *Engine) close(ctx context.Context, in Input, state *kindState) {
	a := *state.active
	closedAt := in.At
	a.ClosedAt = &closedAt
	a.LastEvaluatedAt = in.At

	transition, err := e.upsert(ctx, a)
	if err != nil {
		return
	}

	e.logger.Info().
		Str("station", a.StationID).
		Str("kind", string(a.Kind)).
		Dur("duration", in.At.Sub(a.OpenedAt)).
		Msg("alert closed")
	state.active = nil
	state.falseSince = nil
	e.publish(ctx, a, transition)
}

// upsert persists a transition, retrying with exponential backoff within
// the budget. Past the budget the transition is dropped; observations and
// indicators continue regardless.
func (e *Engine) upsert(ctx context.Context, a Alert) (Transition, error) {
	var transition Transition

	retry := backoff.NewExponentialBackOff()
	retry.MaxElapsedTime = e.budget

	err := backoff.Retry(func() error {
		var err error
		transition, err = e.sink.UpsertAlert(ctx, a)
		return err
	}, backoff.WithContext(retry, ctx))

	if err != nil {
		e.missedTransitions.Add(1)
		metrics.MissedTransitionsTotal.Inc()
		e.logger.Error().
			Err(err).
			Str("station", a.StationID).
			Str("kind", string(a.Kind)).
			Msg("alert transition dropped after retry budget")
		return transition, err
	}

	if transition != TransitionUnchanged {
		metrics.AlertTransitionsTotal.WithLabelValues(string(a.Kind), string(transition)).Inc()
	}
	return transition, nil
}

func (e *Engine) publish(ctx context.Context, a Alert, transition Transition) {
	if e.feed == nil {
		return
	}
	e.feed.PublishTransition(ctx, a, transition)
}

// evalPredicate returns the trigger predicate for a kind, or nil when the
// inputs were insufficient to decide.
func evalPredicate(kind Kind, in Input) *bool {
	switch kind {
	case KindFrostSevere:
		return classPredicate(in, indicator.FrostRiskClass, indicator.FrostSevere)
	case KindFrostModerate:
		return classPredicate(in, indicator.FrostRiskClass, indicator.FrostSevere, indicator.FrostModerate)
	case KindHeatExtreme:
		return classPredicate(in, indicator.HeatStressClass, indicator.HeatExtreme)
	case KindWindStrong:
		return classPredicate(in, indicator.WindHazardClass, indicator.WindHigh)
	case KindPrecipIntense:
		if in.PrecipMmLastHour == nil {
			return nil
		}
		v := *in.PrecipMmLastHour >= 20
		return &v
	case KindHumidityVeryLow:
		return in.HumidityLow
	case KindHumidityVeryHigh:
		return in.HumidityHigh
	case KindSensorStale:
		sample := sampleFor(in, indicator.SensorStaleFlag)
		if sample == nil || sample.Unknown || sample.Flag == nil {
			return nil
		}
		return sample.Flag
	}
	return nil
}

func classPredicate(in Input, id indicator.ID, matching ...string) *bool {
	sample := sampleFor(in, id)
	if sample == nil || sample.Unknown {
		return nil
	}
	for _, class := range matching {
		if sample.Class == class {
			v := true
			return &v
		}
	}
	v := false
	return &v
}

func sampleFor(in Input, id indicator.ID) *indicator.Sample {
	for i := range in.Samples {
		if in.Samples[i].IndicatorID == id {
			return &in.Samples[i]
		}
	}
	return nil
}

// causeSummary renders the condition that holds the alert open.
func causeSummary(kind Kind, in Input) string {
	switch kind {
	case KindFrostSevere, KindFrostModerate:
		return indicatorCause(in, indicator.FrostRiskClass)
	case KindHeatExtreme:
		return indicatorCause(in, indicator.HeatStressClass)
	case KindWindStrong:
		return indicatorCause(in, indicator.WindHazardClass)
	case KindPrecipIntense:
		if in.PrecipMmLastHour != nil {
			return fmt.Sprintf("precip_mm %.1f over last hour", *in.PrecipMmLastHour)
		}
	case KindHumidityVeryLow:
		return "humidity_pct below 25 for over an hour"
	case KindHumidityVeryHigh:
		return "humidity_pct above 90 for over an hour"
	case KindSensorStale:
		return "observations staler than twice the polling interval"
	}
	return string(kind)
}

func indicatorCause(in Input, id indicator.ID) string {
	if sample := sampleFor(in, id); sample != nil && !sample.Unknown {
		return fmt.Sprintf("%s=%s", id, sample.Class)
	}
	return string(id)
}
