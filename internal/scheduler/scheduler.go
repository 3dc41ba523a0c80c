// Package scheduler drives periodic polling of every (station, provider)
// pair. It owns retry and backoff policy, per-pair state, the global fetch
// worker cap and its backpressure, and delivers validated records to the
// store.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/agromet/agromet/internal/metrics"
	"github.com/agromet/agromet/internal/obs"
	"github.com/agromet/agromet/internal/provider"
	"github.com/agromet/agromet/internal/store"
	"github.com/agromet/agromet/internal/validate"
)

// State is the lifecycle state of one (station, provider) pair.
type State string

const (
	StateIdle       State = "idle"
	StateDue        State = "due"
	StateFetching   State = "fetching"
	StateValidating State = "validating"
	StatePersisting State = "persisting"
	StateCooldown   State = "cooldown"
	StateBroken     State = "broken"
	StateDegraded   State = "degraded"
)

const (
	// degradeThreshold is the consecutive transient failure count at
	// which a pair's polling interval starts doubling.
	degradeThreshold = 3

	// maxDegradedInterval caps the doubled polling interval.
	maxDegradedInterval = time.Hour
)

// ErrUnknownPair is returned by Reset for a pair that was never registered.
var ErrUnknownPair = errors.New("unknown station/provider pair")

// BatchValidator is the slice of the validator the scheduler needs.
type BatchValidator interface {
	ValidateBatch(ctx context.Context, batch []obs.Observation) []validate.Outcome
}

// Config holds configuration for the scheduler.
type Config struct {
	// Parallelism caps concurrent fetches across all pairs. Default: 8.
	Parallelism int

	// GracefulShutdown bounds the wait for in-flight fetches to finish
	// persisting after Run's context is cancelled. Default: 15 seconds.
	GracefulShutdown time.Duration

	// PollEvery is how often the dispatch loop scans for due pairs.
	// Default: 1 second.
	PollEvery time.Duration

	// PutLatencyThreshold triggers backpressure: while the store's p95
	// put latency over the last minute exceeds it, the worker cap is
	// halved. Default: 2 seconds.
	PutLatencyThreshold time.Duration

	// ForecastHorizon extends each fetch with a range request reaching
	// this far into the future, so forecast-driven indicators have
	// inputs. Zero disables range fetches. Default: 24 hours.
	ForecastHorizon time.Duration

	Validator BatchValidator
	Store     store.Store
	Logger    zerolog.Logger

	// Now injects the clock for tests. Defaults to time.Now.
	Now func() time.Time
}

// PairStatus is a point-in-time snapshot of one pair for the health surface.
type PairStatus struct {
	StationID            string        `json:"station_id"`
	ProviderID           string        `json:"provider_id"`
	State                State         `json:"state"`
	NextDueAt            time.Time     `json:"next_due_at"`
	Interval             time.Duration `json:"interval"`
	ConsecutiveTransient int           `json:"consecutive_transient"`
	LastError            string        `json:"last_error,omitempty"`
	LastSuccessAt        time.Time     `json:"last_success_at,omitempty"`
}

type pair struct {
	station obs.Station
	adapter provider.Adapter

	state                State
	nextDueAt            time.Time
	cooldownUntil        time.Time
	interval             time.Duration // current effective interval
	consecutiveTransient int
	lastError            string
	lastSuccessAt        time.Time
	retry                *backoff.ExponentialBackOff
}

func (p *pair) key() string {
	return p.station.ID + "/" + p.adapter.Name()
}

type putSample struct {
	at      time.Time
	latency time.Duration
}

// Scheduler multiplexes fetches for all registered pairs over a bounded
// worker pool.
type Scheduler struct {
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time

	mu         sync.Mutex
	pairs      map[string]*pair
	inFlight   int
	currentCap int
	putSamples []putSample

	wg sync.WaitGroup
}

// New creates a scheduler with no pairs registered.
func New(cfg Config) *Scheduler {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 8
	}
	if cfg.GracefulShutdown <= 0 {
		cfg.GracefulShutdown = 15 * time.Second
	}
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = time.Second
	}
	if cfg.PutLatencyThreshold <= 0 {
		cfg.PutLatencyThreshold = 2 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Scheduler{
		cfg:        cfg,
		logger:     cfg.Logger.With().Str("component", "scheduler").Logger(),
		now:        cfg.Now,
		pairs:      make(map[string]*pair),
		currentCap: cfg.Parallelism,
	}
}

// Register adds a (station, provider) pair. The first fetch is due
// immediately.
func (s *Scheduler) Register(station obs.Station, adapter provider.Adapter) {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 30 * time.Second
	retry.MaxInterval = maxDegradedInterval
	retry.MaxElapsedTime = 0 // the pair retries until broken or reset

	p := &pair{
		station:   station,
		adapter:   adapter,
		state:     StateIdle,
		nextDueAt: s.now(),
		interval:  adapter.MinInterval(),
		retry:     retry,
	}

	s.mu.Lock()
	s.pairs[p.key()] = p
	s.mu.Unlock()
}

// Reset returns a broken pair to service. It is the only way out of the
// broken state.
func (s *Scheduler) Reset(stationID, providerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pairs[stationID+"/"+providerID]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrUnknownPair, stationID, providerID)
	}

	p.state = StateIdle
	p.nextDueAt = s.now()
	p.interval = p.adapter.MinInterval()
	p.consecutiveTransient = 0
	p.lastError = ""
	p.retry.Reset()

	s.logger.Info().
		Str("station", stationID).
		Str("provider", providerID).
		Msg("pair reset")

	return nil
}

// Snapshot returns the state of every pair, sorted by key, for the health
// surface.
func (s *Scheduler) Snapshot() []PairStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]PairStatus, 0, len(s.pairs))
	for _, p := range s.pairs {
		out = append(out, PairStatus{
			StationID:            p.station.ID,
			ProviderID:           p.adapter.Name(),
			State:                p.state,
			NextDueAt:            p.nextDueAt,
			Interval:             p.interval,
			ConsecutiveTransient: p.consecutiveTransient,
			LastError:            p.lastError,
			LastSuccessAt:        p.lastSuccessAt,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].StationID != out[j].StationID {
			return out[i].StationID < out[j].StationID
		}
		return out[i].ProviderID < out[j].ProviderID
	})

	return out
}

// recordPutLatency feeds the backpressure window. Samples older than a
// minute are dropped.
func (s *Scheduler) recordPutLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.putSamples = append(s.putSamples, putSample{at: now, latency: d})
	cutoff := now.Add(-time.Minute)
	trimmed := s.putSamples[:0]
	for _, sample := range s.putSamples {
		if sample.at.After(cutoff) {
			trimmed = append(trimmed, sample)
		}
	}
	s.putSamples = trimmed
}

// putLatencyP95 returns the p95 over the retained samples, or zero when
// there are none. Caller holds s.mu.
func (s *Scheduler) putLatencyP95() time.Duration {
	if len(s.putSamples) == 0 {
		return 0
	}

	latencies := make([]time.Duration, len(s.putSamples))
	for i, sample := range s.putSamples {
		latencies[i] = sample.latency
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	idx := (len(latencies) * 95) / 100
	if idx >= len(latencies) {
		idx = len(latencies) - 1
	}
	return latencies[idx]
}

// adjustCap applies backpressure: halve while the store is slow, recover by
// doubling once it is not. Caller holds s.mu.
func (s *Scheduler) adjustCap() {
	p95 := s.putLatencyP95()
	switch {
	case p95 > s.cfg.PutLatencyThreshold:
		if s.currentCap > 1 {
			s.currentCap /= 2
			s.logger.Warn().
				Dur("put_p95", p95).
				Int("cap", s.currentCap).
				Msg("store put latency high, halving fetch cap")
		}
	case s.currentCap < s.cfg.Parallelism:
		s.currentCap *= 2
		if s.currentCap > s.cfg.Parallelism {
			s.currentCap = s.cfg.Parallelism
		}
	}
}

func (s *Scheduler) publishStateGauges() {
	counts := make(map[State]int, 8)
	for _, p := range s.pairs {
		counts[p.state]++
	}
	for _, st := range []State{StateIdle, StateDue, StateFetching, StateValidating,
		StatePersisting, StateCooldown, StateBroken, StateDegraded} {
		metrics.PairState.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}
