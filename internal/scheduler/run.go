package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/agromet/agromet/internal/metrics"
	"github.com/agromet/agromet/internal/obs"
	"github.com/agromet/agromet/internal/provider"
	"github.com/agromet/agromet/internal/validate"
)

// Run drives the dispatch loop until ctx is cancelled, then stops issuing
// new fetches, waits up to GracefulShutdown for in-flight fetches to finish
// persisting, and aborts the rest. Aborted fetches never reach the store,
// so they are pure no-ops.
func (s *Scheduler) Run(ctx context.Context) {
	// Fetches get their own context so shutdown can let them drain
	// before aborting them.
	fetchCtx, abortFetches := context.WithCancel(context.Background())
	defer abortFetches()

	ticker := time.NewTicker(s.cfg.PollEvery)
	defer ticker.Stop()

	s.logger.Info().
		Int("pairs", len(s.pairs)).
		Int("parallelism", s.cfg.Parallelism).
		Msg("scheduler started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().
				Dur("graceful_shutdown", s.cfg.GracefulShutdown).
				Msg("scheduler draining")

			done := make(chan struct{})
			go func() {
				s.wg.Wait()
				close(done)
			}()

			select {
			case <-done:
			case <-time.After(s.cfg.GracefulShutdown):
				s.logger.Warn().Msg("graceful shutdown window elapsed, aborting in-flight fetches")
				abortFetches()
				<-done
			}

			s.logger.Info().Msg("scheduler stopped")
			return
		case <-ticker.C:
			s.dispatch(fetchCtx)
		}
	}
}

// dispatch promotes pairs through idle/cooldown into due and hands due
// pairs to workers while the cap allows.
func (s *Scheduler) dispatch(fetchCtx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.adjustCap()
	now := s.now()

	for _, p := range s.pairs {
		switch p.state {
		case StateCooldown:
			if !now.Before(p.cooldownUntil) {
				p.state = StateDue
			}
		case StateIdle, StateDegraded:
			if !now.Before(p.nextDueAt) {
				p.state = StateDue
			}
		}
	}

	for _, p := range s.pairs {
		if p.state != StateDue {
			continue
		}
		if s.inFlight >= s.currentCap {
			break
		}

		// Advance the due time before the fetch starts so a slow fetch
		// does not delay the next cycle.
		p.state = StateFetching
		p.nextDueAt = now.Add(p.interval)
		s.inFlight++
		s.wg.Add(1)
		go s.runFetch(fetchCtx, p)
	}

	s.publishStateGauges()
}

// runFetch executes one fetch-validate-persist cycle for a pair.
func (s *Scheduler) runFetch(ctx context.Context, p *pair) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()

	logger := s.logger.With().
		Str("station", p.station.ID).
		Str("provider", p.adapter.Name()).
		Logger()

	fetchStart := time.Now()
	batch, err := s.fetch(ctx, p)
	metrics.FetchDuration.WithLabelValues(p.adapter.Name()).Observe(time.Since(fetchStart).Seconds())

	if err != nil {
		s.handleFailure(p, err, logger)
		return
	}
	metrics.FetchesTotal.WithLabelValues(p.adapter.Name(), "ok").Inc()

	s.setState(p, StateValidating)
	accepted := s.validateBatch(ctx, batch)

	s.setState(p, StatePersisting)
	if len(accepted) > 0 {
		putStart := time.Now()
		result, err := s.cfg.Store.PutObservations(ctx, accepted)
		putLatency := time.Since(putStart)
		s.recordPutLatency(putLatency)
		metrics.PutDuration.Observe(putLatency.Seconds())

		if err != nil {
			// A failed put is indistinguishable from an aborted fetch:
			// nothing was written, the next cycle retries the window.
			logger.Error().Err(err).Msg("store put failed")
			s.handleFailure(p, provider.Transient(err), logger)
			return
		}

		metrics.PutsTotal.WithLabelValues("inserted").Add(float64(result.Inserted))
		metrics.PutsTotal.WithLabelValues("replaced").Add(float64(result.Replaced))
		metrics.PutsTotal.WithLabelValues("conflicted").Add(float64(result.Conflicted))
		metrics.PutsTotal.WithLabelValues("rejected_duplicate").Add(float64(result.RejectedDuplicate))

		logger.Debug().
			Int("fetched", len(batch)).
			Int("accepted", len(accepted)).
			Int("inserted", result.Inserted).
			Int("replaced", result.Replaced).
			Int("conflicted", result.Conflicted).
			Msg("cycle complete")
	}

	s.mu.Lock()
	p.state = StateIdle
	p.consecutiveTransient = 0
	p.interval = p.adapter.MinInterval()
	p.lastError = ""
	p.lastSuccessAt = s.now()
	p.retry.Reset()
	s.mu.Unlock()
}

// fetch performs the adapter calls for one cycle: current conditions, plus
// a forward range when a forecast horizon is configured.
func (s *Scheduler) fetch(ctx context.Context, p *pair) ([]obs.Observation, error) {
	batch, err := p.adapter.FetchCurrent(ctx, p.station)
	if err != nil {
		return nil, err
	}

	if s.cfg.ForecastHorizon > 0 {
		now := s.now()
		ranged, err := p.adapter.FetchRange(ctx, p.station, now, now.Add(s.cfg.ForecastHorizon))
		if err != nil {
			return nil, err
		}
		batch = append(batch, ranged...)
	}

	return batch, nil
}

func (s *Scheduler) validateBatch(ctx context.Context, batch []obs.Observation) []obs.Observation {
	outcomes := s.cfg.Validator.ValidateBatch(ctx, batch)

	accepted := make([]obs.Observation, 0, len(outcomes))
	for _, outcome := range outcomes {
		metrics.ValidationsTotal.
			WithLabelValues(string(outcome.Observation.Variable), string(outcome.Decision)).
			Inc()
		if outcome.Decision != validate.DecisionRejected {
			accepted = append(accepted, outcome.Observation)
		}
	}

	return accepted
}

// handleFailure applies the failure-kind transition table to a pair.
func (s *Scheduler) handleFailure(p *pair, err error, logger zerolog.Logger) {
	failure := provider.AsFailure(err)
	metrics.FetchesTotal.WithLabelValues(p.adapter.Name(), string(failure.Kind)).Inc()

	s.mu.Lock()
	defer s.mu.Unlock()

	p.lastError = failure.Error()
	now := s.now()

	switch failure.Kind {
	case provider.FailureQuota:
		p.state = StateCooldown
		p.cooldownUntil = now.Add(failure.RetryAfter)
		logger.Warn().
			Dur("retry_after", failure.RetryAfter).
			Msg("quota exhausted, pair cooling down")

	case provider.FailureTransient:
		p.consecutiveTransient++
		delay := p.retry.NextBackOff()
		p.nextDueAt = now.Add(delay)
		if p.consecutiveTransient >= degradeThreshold {
			p.state = StateDegraded
			p.interval = minDuration(p.interval*2, maxDegradedInterval)
			logger.Warn().
				Int("consecutive_transient", p.consecutiveTransient).
				Dur("interval", p.interval).
				Msg("pair degraded, polling interval doubled")
		} else {
			p.state = StateIdle
			logger.Warn().
				Err(failure.Err).
				Dur("retry_in", delay).
				Msg("transient failure, will retry")
		}

	case provider.FailurePermanent, provider.FailureSchema:
		p.state = StateBroken
		logger.Error().
			Err(failure.Err).
			Str("kind", string(failure.Kind)).
			Msg("pair broken, manual reset required")
	}
}

func (s *Scheduler) setState(p *pair, state State) {
	s.mu.Lock()
	p.state = state
	s.mu.Unlock()
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
