package validate_test

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agromet/agromet/internal/obs"
	"github.com/agromet/agromet/internal/validate"
)

var testNow = time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)

func newValidator() *validate.Validator {
	return validate.NewValidator(validate.Config{
		SlewGuard: true,
		Now:       func() time.Time { return testNow },
	})
}

func candidate(variable obs.Variable, value float64, observedAt time.Time) obs.Observation {
	return obs.Observation{
		StationID:        "quillota_centro",
		ObservedAt:       observedAt,
		Variable:         variable,
		Value:            &value,
		SourceProviderID: "openmeteo",
		Quality:          obs.QualityRaw,
	}
}

func TestHardRangeBoundaries(t *testing.T) {
	v := newValidator()

	tests := []struct {
		name     string
		value    float64
		decision validate.Decision
		want     float64
	}{
		{"inside plausible", 22.4, validate.DecisionAccepted, 22.4},
		{"at plausible max stays raw", 50, validate.DecisionAccepted, 50},
		{"above plausible clamps", 55, validate.DecisionRepaired, 50},
		{"at hard max clamps", 60, validate.DecisionRepaired, 50},
		{"below plausible clamps", -40, validate.DecisionRepaired, -15},
		{"at hard min clamps", -50, validate.DecisionRepaired, -15},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcomes := v.ValidateBatch(context.Background(),
				[]obs.Observation{candidate(obs.VarTempC, tt.value, testNow)})
			require.Len(t, outcomes, 1)
			out := outcomes[0]
			assert.Equal(t, tt.decision, out.Decision)
			require.NotNil(t, out.Observation.Value)
			assert.Equal(t, tt.want, *out.Observation.Value)
			if tt.decision == validate.DecisionRepaired {
				assert.Equal(t, obs.QualityRepaired, out.Observation.Quality)
				assert.Contains(t, out.Observation.RepairNote, "clamped")
			}
		})
	}
}

func TestOutOfHardRangeRejected(t *testing.T) {
	v := newValidator()

	outcomes := v.ValidateBatch(context.Background(),
		[]obs.Observation{candidate(obs.VarTempC, 75, testNow)})
	require.Len(t, outcomes, 1)
	assert.Equal(t, validate.DecisionRejected, outcomes[0].Decision)
	assert.Equal(t, validate.ReasonOutOfRange, outcomes[0].Reason)
}

func TestRepairNoteCitesOriginal(t *testing.T) {
	v := newValidator()

	outcomes := v.ValidateBatch(context.Background(),
		[]obs.Observation{candidate(obs.VarTempC, 55, testNow)})
	require.Len(t, outcomes, 1)
	assert.Equal(t, validate.DecisionRepaired, outcomes[0].Decision)
	assert.Equal(t, 50.0, *outcomes[0].Observation.Value)
	assert.Contains(t, outcomes[0].Observation.RepairNote, "55")
}

func TestStructuralRejections(t *testing.T) {
	v := newValidator()

	t.Run("unknown variable", func(t *testing.T) {
		outcomes := v.ValidateBatch(context.Background(),
			[]obs.Observation{candidate(obs.Variable("leaf_wetness"), 1, testNow)})
		assert.Equal(t, validate.DecisionRejected, outcomes[0].Decision)
		assert.Equal(t, validate.ReasonUnknownVariable, outcomes[0].Reason)
	})

	t.Run("non-finite value", func(t *testing.T) {
		outcomes := v.ValidateBatch(context.Background(),
			[]obs.Observation{candidate(obs.VarTempC, math.NaN(), testNow)})
		assert.Equal(t, validate.DecisionRejected, outcomes[0].Decision)
		assert.Equal(t, validate.ReasonNonFinite, outcomes[0].Reason)
	})

	t.Run("too old", func(t *testing.T) {
		old := testNow.Add(-14*24*time.Hour - time.Second)
		outcomes := v.ValidateBatch(context.Background(),
			[]obs.Observation{candidate(obs.VarTempC, 20, old)})
		assert.Equal(t, validate.DecisionRejected, outcomes[0].Decision)
		assert.Equal(t, validate.ReasonOutOfWindow, outcomes[0].Reason)
	})

	t.Run("window edge accepted", func(t *testing.T) {
		edge := testNow.Add(-14 * 24 * time.Hour)
		outcomes := v.ValidateBatch(context.Background(),
			[]obs.Observation{candidate(obs.VarTempC, 20, edge)})
		assert.Equal(t, validate.DecisionAccepted, outcomes[0].Decision)
	})
}

func TestExplicitNullAccepted(t *testing.T) {
	v := newValidator()

	o := obs.Observation{
		StationID:        "quillota_centro",
		ObservedAt:       testNow,
		Variable:         obs.VarHumidityPct,
		Value:            nil,
		SourceProviderID: "openmeteo",
		Quality:          obs.QualityRaw,
	}

	outcomes := v.ValidateBatch(context.Background(), []obs.Observation{o})
	require.Len(t, outcomes, 1)
	assert.Equal(t, validate.DecisionAccepted, outcomes[0].Decision)
	assert.Nil(t, outcomes[0].Observation.Value)
}

func TestMinMaxSwapRepair(t *testing.T) {
	v := newValidator()

	batch := []obs.Observation{
		candidate(obs.VarTempMinC, 28.0, testNow),
		candidate(obs.VarTempMaxC, 9.5, testNow),
	}

	outcomes := v.ValidateBatch(context.Background(), batch)
	require.Len(t, outcomes, 2)

	assert.Equal(t, validate.DecisionRepaired, outcomes[0].Decision)
	assert.Equal(t, validate.DecisionRepaired, outcomes[1].Decision)
	assert.Equal(t, 9.5, *outcomes[0].Observation.Value)
	assert.Equal(t, 28.0, *outcomes[1].Observation.Value)
	assert.Equal(t, obs.QualityRepaired, outcomes[0].Observation.Quality)
	assert.Contains(t, outcomes[0].Observation.RepairNote, "swapped")
}

func TestMinMaxConsistentPairUntouched(t *testing.T) {
	v := newValidator()

	batch := []obs.Observation{
		candidate(obs.VarTempMinC, 9.5, testNow),
		candidate(obs.VarTempMaxC, 28.0, testNow),
	}

	outcomes := v.ValidateBatch(context.Background(), batch)
	assert.Equal(t, validate.DecisionAccepted, outcomes[0].Decision)
	assert.Equal(t, validate.DecisionAccepted, outcomes[1].Decision)
}

func TestSlewGuard(t *testing.T) {
	v := newValidator()

	// Seed the cache with an accepted value.
	first := v.ValidateBatch(context.Background(),
		[]obs.Observation{candidate(obs.VarTempC, 20, testNow.Add(-time.Hour))})
	require.Equal(t, validate.DecisionAccepted, first[0].Decision)

	// temp_c allows 15 degC/h; a 25 degree jump in one hour is repaired.
	outcomes := v.ValidateBatch(context.Background(),
		[]obs.Observation{candidate(obs.VarTempC, 45, testNow)})
	require.Len(t, outcomes, 1)
	assert.Equal(t, validate.DecisionRepaired, outcomes[0].Decision)
	assert.Equal(t, "slew_exceeded", outcomes[0].Observation.RepairNote)
	assert.Equal(t, 45.0, *outcomes[0].Observation.Value, "value is kept, only quality downgrades")
}

func TestSlewGuardRespectsElapsedTime(t *testing.T) {
	v := newValidator()

	v.ValidateBatch(context.Background(),
		[]obs.Observation{candidate(obs.VarTempC, 20, testNow.Add(-2*time.Hour))})

	// 25 degrees over two hours is within 15 degC/h.
	outcomes := v.ValidateBatch(context.Background(),
		[]obs.Observation{candidate(obs.VarTempC, 45, testNow)})
	assert.Equal(t, validate.DecisionAccepted, outcomes[0].Decision)
}

func TestSlewGuardDisabled(t *testing.T) {
	v := validate.NewValidator(validate.Config{
		SlewGuard: false,
		Now:       func() time.Time { return testNow },
	})

	v.ValidateBatch(context.Background(),
		[]obs.Observation{candidate(obs.VarTempC, 20, testNow.Add(-time.Hour))})
	outcomes := v.ValidateBatch(context.Background(),
		[]obs.Observation{candidate(obs.VarTempC, 45, testNow)})
	assert.Equal(t, validate.DecisionAccepted, outcomes[0].Decision)
}

type fakeLatest struct {
	observation *obs.Observation
}

func (f *fakeLatest) Latest(_ context.Context, _ string, _ obs.Variable) (*obs.Observation, error) {
	return f.observation, nil
}

func TestSlewReadsThroughToSource(t *testing.T) {
	prev := 20.0
	source := &fakeLatest{observation: &obs.Observation{
		StationID:  "quillota_centro",
		ObservedAt: testNow.Add(-time.Hour),
		Variable:   obs.VarTempC,
		Value:      &prev,
	}}

	v := validate.NewValidator(validate.Config{
		SlewGuard: true,
		Source:    source,
		Now:       func() time.Time { return testNow },
	})

	outcomes := v.ValidateBatch(context.Background(),
		[]obs.Observation{candidate(obs.VarTempC, 45, testNow)})
	assert.Equal(t, validate.DecisionRepaired, outcomes[0].Decision)
	assert.Equal(t, "slew_exceeded", outcomes[0].Observation.RepairNote)
}
