package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agromet/agromet/internal/obs"
	"github.com/agromet/agromet/internal/provider"
	"github.com/agromet/agromet/internal/store"
	"github.com/agromet/agromet/internal/validate"
)

var quillota = obs.Station{
	ID:          "quillota_centro",
	DisplayName: "Quillota Centro",
	Latitude:    -32.8833,
	Longitude:   -71.25,
	ElevationM:  130,
	Timezone:    "America/Santiago",
}

// fakeAdapter scripts fetch outcomes. Once the script is exhausted the last
// entry repeats.
type fakeAdapter struct {
	name     string
	interval time.Duration

	mu            sync.Mutex
	calls         int
	script        []fetchResult
	inFlight      int
	maxInFlight   int
	blockUntilCtx bool
	fetchDelay    time.Duration
	gauge         *concurrencyGauge
}

// concurrencyGauge tracks the high-water mark of concurrent fetches across
// a set of adapters.
type concurrencyGauge struct {
	mu  sync.Mutex
	cur int
	max int
}

func (g *concurrencyGauge) enter() {
	g.mu.Lock()
	g.cur++
	if g.cur > g.max {
		g.max = g.cur
	}
	g.mu.Unlock()
}

func (g *concurrencyGauge) leave() {
	g.mu.Lock()
	g.cur--
	g.mu.Unlock()
}

func (g *concurrencyGauge) highWater() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.max
}

type fetchResult struct {
	observations []obs.Observation
	err          error
}

func (f *fakeAdapter) step(ctx context.Context) ([]obs.Observation, error) {
	f.mu.Lock()
	f.calls++
	idx := f.calls - 1
	if idx >= len(f.script) {
		idx = len(f.script) - 1
	}
	result := f.script[idx]
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.mu.Unlock()

	if f.gauge != nil {
		f.gauge.enter()
	}
	defer func() {
		if f.gauge != nil {
			f.gauge.leave()
		}
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if f.blockUntilCtx {
		<-ctx.Done()
		return nil, provider.Transient(ctx.Err())
	}
	if f.fetchDelay > 0 {
		select {
		case <-time.After(f.fetchDelay):
		case <-ctx.Done():
			return nil, provider.Transient(ctx.Err())
		}
	}

	return result.observations, result.err
}

func (f *fakeAdapter) FetchCurrent(ctx context.Context, _ obs.Station) ([]obs.Observation, error) {
	return f.step(ctx)
}

func (f *fakeAdapter) FetchRange(ctx context.Context, _ obs.Station, _, _ time.Time) ([]obs.Observation, error) {
	return f.step(ctx)
}

func (f *fakeAdapter) Name() string               { return f.name }
func (f *fakeAdapter) MinInterval() time.Duration { return f.interval }
func (f *fakeAdapter) Variables() []obs.Variable  { return []obs.Variable{obs.VarTempC} }

func (f *fakeAdapter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func tempObs(value float64, providerID string, observedAt time.Time) obs.Observation {
	return obs.Observation{
		StationID:        "quillota_centro",
		ObservedAt:       observedAt,
		Variable:         obs.VarTempC,
		Value:            &value,
		SourceProviderID: providerID,
		Quality:          obs.QualityRaw,
	}
}

func newTestScheduler(t *testing.T, st store.Store, overrides func(*Config)) *Scheduler {
	t.Helper()

	cfg := Config{
		Parallelism:      4,
		GracefulShutdown: 500 * time.Millisecond,
		PollEvery:        5 * time.Millisecond,
		Validator:        validate.NewValidator(validate.Config{Logger: zerolog.Nop()}),
		Store:            st,
		Logger:           zerolog.Nop(),
	}
	if overrides != nil {
		overrides(&cfg)
	}
	return New(cfg)
}

func runFor(s *Scheduler, d time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	s.Run(ctx)
}

func TestScheduler_SuccessfulCycle(t *testing.T) {
	st := store.NewInMemoryStore()
	observedAt := time.Now().UTC().Truncate(time.Hour)

	adapter := &fakeAdapter{
		name:     "openmeteo",
		interval: time.Hour,
		script: []fetchResult{
			{observations: []obs.Observation{tempObs(17.5, "openmeteo", observedAt)}},
		},
	}

	s := newTestScheduler(t, st, nil)
	s.Register(quillota, adapter)
	runFor(s, 100*time.Millisecond)

	latest, err := st.Latest(context.Background(), "quillota_centro", obs.VarTempC)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 17.5, *latest.Value)

	snapshot := s.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, StateIdle, snapshot[0].State)
	assert.False(t, snapshot[0].LastSuccessAt.IsZero())
	assert.Equal(t, 0, snapshot[0].ConsecutiveTransient)
}

func TestScheduler_RespectsPollingInterval(t *testing.T) {
	st := store.NewInMemoryStore()
	observedAt := time.Now().UTC().Truncate(time.Hour)

	adapter := &fakeAdapter{
		name:     "openmeteo",
		interval: time.Hour,
		script: []fetchResult{
			{observations: []obs.Observation{tempObs(17.5, "openmeteo", observedAt)}},
		},
	}

	s := newTestScheduler(t, st, nil)
	s.Register(quillota, adapter)
	runFor(s, 150*time.Millisecond)

	// With an hour-long interval the pair fetches exactly once.
	assert.Equal(t, 1, adapter.callCount())
}

func TestScheduler_QuotaCooldownSuspendsOnlyThatPair(t *testing.T) {
	st := store.NewInMemoryStore()
	observedAt := time.Now().UTC().Truncate(time.Hour)

	throttled := &fakeAdapter{
		name:     "openweathermap",
		interval: 10 * time.Millisecond,
		script: []fetchResult{
			{err: provider.Quota(80*time.Millisecond, errors.New("429"))},
			{observations: []obs.Observation{tempObs(16.0, "openweathermap", observedAt)}},
		},
	}
	healthy := &fakeAdapter{
		name:     "openmeteo",
		interval: 10 * time.Millisecond,
		script: []fetchResult{
			{observations: []obs.Observation{tempObs(17.5, "openmeteo", observedAt)}},
		},
	}

	s := newTestScheduler(t, st, nil)
	s.Register(quillota, throttled)
	s.Register(quillota, healthy)

	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		s.Run(ctx)
		close(done)
	}()

	// During the cooldown the throttled pair stays parked while the
	// healthy pair keeps polling.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, throttled.callCount())
	assert.GreaterOrEqual(t, healthy.callCount(), 2)

	var cooldownSeen bool
	for _, status := range s.Snapshot() {
		if status.ProviderID == "openweathermap" {
			cooldownSeen = status.State == StateCooldown
		}
	}
	assert.True(t, cooldownSeen, "throttled pair should be cooling down")

	// After retry_after elapses the pair resumes and its data lands.
	require.Eventually(t, func() bool {
		latest, err := st.Latest(context.Background(), "quillota_centro", obs.VarTempC)
		if err != nil || latest == nil {
			return false
		}
		got, err := st.ReadObservations(context.Background(), "quillota_centro", obs.VarTempC,
			observedAt, observedAt)
		return err == nil && len(got) == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestScheduler_PermanentFailureBreaksPairUntilReset(t *testing.T) {
	st := store.NewInMemoryStore()
	observedAt := time.Now().UTC().Truncate(time.Hour)

	adapter := &fakeAdapter{
		name:     "openmeteo",
		interval: 5 * time.Millisecond,
		script: []fetchResult{
			{err: provider.Permanent(401, errors.New("bad key"))},
			{observations: []obs.Observation{tempObs(12.0, "openmeteo", observedAt)}},
		},
	}

	s := newTestScheduler(t, st, nil)
	s.Register(quillota, adapter)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		snapshot := s.Snapshot()
		return len(snapshot) == 1 && snapshot[0].State == StateBroken
	}, time.Second, 5*time.Millisecond)

	// Broken means no more polling, however long we wait.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, adapter.callCount())

	require.NoError(t, s.Reset("quillota_centro", "openmeteo"))

	require.Eventually(t, func() bool {
		latest, err := st.Latest(context.Background(), "quillota_centro", obs.VarTempC)
		return err == nil && latest != nil
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestScheduler_ResetUnknownPair(t *testing.T) {
	s := newTestScheduler(t, store.NewInMemoryStore(), nil)
	err := s.Reset("nowhere", "nobody")
	assert.ErrorIs(t, err, ErrUnknownPair)
}

func TestScheduler_TransientFailuresDegradePair(t *testing.T) {
	st := store.NewInMemoryStore()

	adapter := &fakeAdapter{
		name:     "openmeteo",
		interval: time.Millisecond,
		script: []fetchResult{
			{err: provider.Transient(errors.New("connection reset"))},
		},
	}

	s := newTestScheduler(t, st, nil)
	s.Register(quillota, adapter)

	// Drive failures directly through the transition table rather than
	// waiting out real backoff delays.
	s.mu.Lock()
	p := s.pairs["quillota_centro/openmeteo"]
	s.mu.Unlock()
	baseInterval := p.interval

	for i := 0; i < 3; i++ {
		s.handleFailure(p, provider.Transient(errors.New("connection reset")), zerolog.Nop())
	}

	snapshot := s.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, StateDegraded, snapshot[0].State)
	assert.Equal(t, 3, snapshot[0].ConsecutiveTransient)
	assert.Equal(t, 2*baseInterval, snapshot[0].Interval)

	// Keep failing: the interval doubles but never beyond the cap.
	for i := 0; i < 20; i++ {
		s.handleFailure(p, provider.Transient(errors.New("connection reset")), zerolog.Nop())
	}
	snapshot = s.Snapshot()
	assert.Equal(t, maxDegradedInterval, snapshot[0].Interval)
}

func TestScheduler_GlobalCapBoundsConcurrency(t *testing.T) {
	st := store.NewInMemoryStore()
	observedAt := time.Now().UTC().Truncate(time.Hour)

	gauge := &concurrencyGauge{}
	adapters := make([]*fakeAdapter, 6)
	s := newTestScheduler(t, st, func(cfg *Config) {
		cfg.Parallelism = 2
	})
	for i := range adapters {
		adapters[i] = &fakeAdapter{
			name:       "openmeteo",
			interval:   time.Hour,
			fetchDelay: 20 * time.Millisecond,
			gauge:      gauge,
			script: []fetchResult{
				{observations: []obs.Observation{tempObs(10, "openmeteo", observedAt)}},
			},
		}
		station := quillota
		station.ID = quillota.ID + "_" + string(rune('a'+i))
		s.Register(station, adapters[i])
	}

	runFor(s, 300*time.Millisecond)

	assert.LessOrEqual(t, gauge.highWater(), 2, "global cap must bound concurrent fetches")
	for i, adapter := range adapters {
		// At most one in-flight fetch per pair.
		assert.LessOrEqual(t, adapter.maxInFlight, 1, "adapter %d", i)
	}
}

func TestScheduler_GracefulShutdownAbortsStuckFetch(t *testing.T) {
	st := store.NewInMemoryStore()

	adapter := &fakeAdapter{
		name:          "openmeteo",
		interval:      time.Hour,
		blockUntilCtx: true,
		script:        []fetchResult{{}},
	}

	s := newTestScheduler(t, st, func(cfg *Config) {
		cfg.GracefulShutdown = 50 * time.Millisecond
	})
	s.Register(quillota, adapter)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return adapter.callCount() == 1 },
		time.Second, 5*time.Millisecond)

	start := time.Now()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not shut down")
	}
	assert.Less(t, time.Since(start), time.Second)

	// The aborted fetch left nothing behind.
	latest, err := st.Latest(context.Background(), "quillota_centro", obs.VarTempC)
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestScheduler_BackpressureHalvesCap(t *testing.T) {
	s := newTestScheduler(t, store.NewInMemoryStore(), func(cfg *Config) {
		cfg.Parallelism = 8
	})

	for i := 0; i < 20; i++ {
		s.recordPutLatency(3 * time.Second)
	}

	s.mu.Lock()
	s.adjustCap()
	capAfterOne := s.currentCap
	s.adjustCap()
	capAfterTwo := s.currentCap
	s.mu.Unlock()

	assert.Equal(t, 4, capAfterOne)
	assert.Equal(t, 2, capAfterTwo)

	// Flush the window with fast puts and the cap recovers.
	s.mu.Lock()
	s.putSamples = nil
	s.mu.Unlock()
	for i := 0; i < 20; i++ {
		s.recordPutLatency(10 * time.Millisecond)
	}

	s.mu.Lock()
	s.adjustCap()
	s.adjustCap()
	recovered := s.currentCap
	s.mu.Unlock()

	assert.Equal(t, 8, recovered)
}
