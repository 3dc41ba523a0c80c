// Package validate decides whether candidate observations are accepted,
// repaired or rejected before they reach the store.
package validate

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agromet/agromet/internal/obs"
)

// Decision classifies a validation outcome.
type Decision string

const (
	DecisionAccepted Decision = "accepted"
	DecisionRepaired Decision = "repaired"
	DecisionRejected Decision = "rejected"
)

// Reject reasons.
const (
	ReasonUnknownVariable = "unknown_variable"
	ReasonNonFinite       = "non_finite_value"
	ReasonOutOfWindow     = "out_of_window"
	ReasonOutOfRange      = "out_of_range"
)

// Outcome is the validator's verdict on one candidate observation. For
// accepted and repaired outcomes Observation carries the normalised record;
// for rejected outcomes Reason says why.
type Outcome struct {
	Decision    Decision
	Observation obs.Observation
	Reason      string
}

// LatestSource supplies the most recent accepted value for a (station,
// variable), used by the slew check. Typically backed by the store.
type LatestSource interface {
	Latest(ctx context.Context, stationID string, variable obs.Variable) (*obs.Observation, error)
}

// Config holds configuration for the validator.
type Config struct {
	// SlewGuard enables the temporal jump check. Default: true via
	// NewValidator when left zero-valued in config loading.
	SlewGuard bool

	// Source primes the last-accepted cache from persisted data.
	// Optional; without it the slew check only sees values validated
	// during this process lifetime.
	Source LatestSource

	// Now injects the clock for tests. Defaults to time.Now.
	Now func() time.Time

	// Logger for validation events.
	Logger zerolog.Logger
}

// Validator applies the acceptance pipeline: structural checks, hard and
// plausible ranges, cross-field consistency, temporal slew and null policy.
// It is stateless apart from a read-through cache of the last accepted value
// per (station, variable).
type Validator struct {
	slewGuard bool
	source    LatestSource
	now       func() time.Time
	logger    zerolog.Logger

	mu   sync.Mutex
	last map[lastKey]lastValue
}

type lastKey struct {
	stationID string
	variable  obs.Variable
}

type lastValue struct {
	value      float64
	observedAt time.Time
}

// slewLookback bounds how far back the temporal jump check compares.
const slewLookback = 3 * time.Hour

// NewValidator creates a validator.
func NewValidator(cfg Config) *Validator {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Validator{
		slewGuard: cfg.SlewGuard,
		source:    cfg.Source,
		now:       now,
		logger:    cfg.Logger,
		last:      make(map[lastKey]lastValue),
	}
}

// ValidateBatch validates a batch of candidate observations fetched
// together. Cross-field checks (temp_min <= temp_max) apply within the
// batch; each record otherwise stands alone. The returned slice is parallel
// to the input.
func (v *Validator) ValidateBatch(ctx context.Context, batch []obs.Observation) []Outcome {
	outcomes := make([]Outcome, len(batch))
	for i, candidate := range batch {
		outcomes[i] = v.validateOne(ctx, candidate)
	}

	v.repairMinMax(batch, outcomes)

	// The slew cache only learns values that survived the pipeline.
	for _, out := range outcomes {
		if out.Decision == DecisionRejected || out.Observation.Value == nil {
			continue
		}
		v.remember(out.Observation)
	}

	return outcomes
}

func (v *Validator) validateOne(ctx context.Context, candidate obs.Observation) Outcome {
	spec, ok := obs.Spec(candidate.Variable)
	if !ok {
		return reject(candidate, ReasonUnknownVariable)
	}

	if !obs.InIngestWindow(candidate.ObservedAt, v.now()) {
		return reject(candidate, ReasonOutOfWindow)
	}

	candidate.ObservedAt = candidate.ObservedAt.UTC()
	if candidate.Quality == "" {
		candidate.Quality = obs.QualityRaw
	}

	// Null policy: adapters surface parse failures as schema errors, so a
	// nil value reaching this point means the provider explicitly
	// reported the measurement as missing.
	if candidate.Value == nil {
		return Outcome{Decision: DecisionAccepted, Observation: candidate}
	}

	value := *candidate.Value
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return reject(candidate, ReasonNonFinite)
	}

	if !spec.InHardRange(value) {
		return reject(candidate, ReasonOutOfRange)
	}

	if !spec.InPlausibleRange(value) {
		clamped := spec.ClampPlausible(value)
		candidate.Value = &clamped
		candidate.Quality = obs.QualityRepaired
		candidate.RepairNote = fmt.Sprintf("clamped to plausible range, original %g", value)
		return Outcome{Decision: DecisionRepaired, Observation: candidate}
	}

	if v.slewGuard && spec.MaxSlewPerHour > 0 {
		if out, repaired := v.checkSlew(ctx, candidate, spec, value); repaired {
			return out
		}
	}

	return Outcome{Decision: DecisionAccepted, Observation: candidate}
}

// checkSlew compares the candidate against the most recent accepted value
// within the lookback window. A jump beyond max_slew_per_hour x elapsed
// hours keeps the value but downgrades its quality.
func (v *Validator) checkSlew(ctx context.Context, candidate obs.Observation, spec obs.VariableSpec, value float64) (Outcome, bool) {
	prev, ok := v.lookupLast(ctx, candidate.StationID, candidate.Variable)
	if !ok {
		return Outcome{}, false
	}

	elapsed := candidate.ObservedAt.Sub(prev.observedAt)
	if elapsed <= 0 || elapsed > slewLookback {
		return Outcome{}, false
	}

	allowed := spec.MaxSlewPerHour * elapsed.Hours()
	if math.Abs(value-prev.value) <= allowed {
		return Outcome{}, false
	}

	candidate.Quality = obs.QualityRepaired
	candidate.RepairNote = "slew_exceeded"
	v.logger.Debug().
		Str("station", candidate.StationID).
		Str("variable", string(candidate.Variable)).
		Float64("value", value).
		Float64("previous", prev.value).
		Float64("allowed_delta", allowed).
		Msg("slew exceeded, quality downgraded")

	return Outcome{Decision: DecisionRepaired, Observation: candidate}, true
}

// repairMinMax enforces temp_min <= temp_max when a batch carries both for
// the same (station, observed_at): on violation the values are swapped and
// both records marked repaired.
func (v *Validator) repairMinMax(batch []obs.Observation, outcomes []Outcome) {
	type cell struct {
		station string
		at      time.Time
	}

	mins := make(map[cell]int)
	maxes := make(map[cell]int)

	for i := range outcomes {
		if outcomes[i].Decision == DecisionRejected || outcomes[i].Observation.Value == nil {
			continue
		}
		o := outcomes[i].Observation
		c := cell{station: o.StationID, at: o.ObservedAt}
		switch o.Variable {
		case obs.VarTempMinC:
			mins[c] = i
		case obs.VarTempMaxC:
			maxes[c] = i
		}
	}

	for c, minIdx := range mins {
		maxIdx, ok := maxes[c]
		if !ok {
			continue
		}

		minOut := &outcomes[minIdx]
		maxOut := &outcomes[maxIdx]
		minVal := *minOut.Observation.Value
		maxVal := *maxOut.Observation.Value
		if minVal <= maxVal {
			continue
		}

		minOut.Observation.Value = &maxVal
		maxOut.Observation.Value = &minVal
		note := fmt.Sprintf("min/max swapped, reported min %g max %g", minVal, maxVal)
		for _, out := range []*Outcome{minOut, maxOut} {
			out.Decision = DecisionRepaired
			out.Observation.Quality = obs.QualityRepaired
			out.Observation.RepairNote = note
		}
	}
}

// lookupLast returns the last accepted value, reading through to the
// configured source on a cache miss.
func (v *Validator) lookupLast(ctx context.Context, stationID string, variable obs.Variable) (lastValue, bool) {
	key := lastKey{stationID: stationID, variable: variable}

	v.mu.Lock()
	prev, ok := v.last[key]
	v.mu.Unlock()
	if ok {
		return prev, true
	}

	if v.source == nil {
		return lastValue{}, false
	}

	stored, err := v.source.Latest(ctx, stationID, variable)
	if err != nil || stored == nil || stored.Value == nil {
		return lastValue{}, false
	}

	prev = lastValue{value: *stored.Value, observedAt: stored.ObservedAt}
	v.mu.Lock()
	v.last[key] = prev
	v.mu.Unlock()

	return prev, true
}

func (v *Validator) remember(o obs.Observation) {
	key := lastKey{stationID: o.StationID, variable: o.Variable}

	v.mu.Lock()
	defer v.mu.Unlock()

	if prev, ok := v.last[key]; ok && prev.observedAt.After(o.ObservedAt) {
		return
	}
	v.last[key] = lastValue{value: *o.Value, observedAt: o.ObservedAt}
}

func reject(candidate obs.Observation, reason string) Outcome {
	return Outcome{Decision: DecisionRejected, Observation: candidate, Reason: reason}
}
