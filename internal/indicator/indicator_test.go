package indicator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agromet/agromet/internal/obs"
)

var station = obs.Station{
	ID:          "quillota_centro",
	DisplayName: "Quillota Centro",
	Latitude:    -32.8833,
	Longitude:   -71.25,
	Timezone:    "America/Santiago",
}

var at = time.Date(2026, 7, 14, 12, 0, 0, 0, time.UTC)

func series(variable obs.Variable, start time.Time, step time.Duration, values ...float64) []obs.Observation {
	out := make([]obs.Observation, len(values))
	for i, v := range values {
		value := v
		out[i] = obs.Observation{
			StationID:        station.ID,
			ObservedAt:       start.Add(time.Duration(i) * step),
			Variable:         variable,
			Value:            &value,
			SourceProviderID: "openmeteo",
			Quality:          obs.QualityRaw,
		}
	}
	return out
}

func window(seriesByVar map[obs.Variable][]obs.Observation) Window {
	return Window{
		Station: station,
		At:      at,
		Series:  seriesByVar,
	}
}

func sampleByID(t *testing.T, samples []Sample, id ID) Sample {
	t.Helper()
	for _, s := range samples {
		if s.IndicatorID == id {
			return s
		}
	}
	t.Fatalf("no sample for %s", id)
	return Sample{}
}

func TestFrostRiskClassBoundaries(t *testing.T) {
	tests := []struct {
		name    string
		minTemp float64
		want    string
	}{
		{"severe at -2", -2, FrostSevere},
		{"severe below -2", -4.5, FrostSevere},
		{"moderate just above -2", -1.9, FrostModerate},
		{"moderate at 0", 0, FrostModerate},
		{"marginal above 0", 0.1, FrostMarginal},
		{"marginal at 2", 2, FrostMarginal},
		{"none above 2", 2.1, ClassNone},
	}

	engine := NewEngine()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := window(map[obs.Variable][]obs.Observation{
				obs.VarTempMinC: series(obs.VarTempMinC, at.Add(6*time.Hour), time.Hour, tt.minTemp),
			})
			got := sampleByID(t, engine.Compute(w), FrostRiskClass)
			assert.False(t, got.Unknown)
			assert.Equal(t, tt.want, got.Class)
		})
	}
}

func TestFrostRiskFallsBackToObservedTemp(t *testing.T) {
	engine := NewEngine()

	// No forecast minimum: the last observed temperature decides.
	w := window(map[obs.Variable][]obs.Observation{
		obs.VarTempC: series(obs.VarTempC, at.Add(-2*time.Hour), time.Hour, 5.0, 1.5),
	})
	got := sampleByID(t, engine.Compute(w), FrostRiskClass)
	require.False(t, got.Unknown)
	assert.Equal(t, FrostMarginal, got.Class)

	// Nothing at all: unknown.
	got = sampleByID(t, engine.Compute(window(nil)), FrostRiskClass)
	assert.True(t, got.Unknown)
	assert.Empty(t, got.Class)
}

func TestHeatStressClass(t *testing.T) {
	engine := NewEngine()

	tests := []struct {
		name string
		max  float64
		want string
	}{
		{"extreme at 35", 35, HeatExtreme},
		{"high at 30", 30, HeatHigh},
		{"high below extreme", 34.9, HeatHigh},
		{"none below 30", 29.9, ClassNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := window(map[obs.Variable][]obs.Observation{
				obs.VarTempMaxC: series(obs.VarTempMaxC, at.Add(-12*time.Hour), time.Hour, 25, tt.max),
			})
			got := sampleByID(t, engine.Compute(w), HeatStressClass)
			assert.False(t, got.Unknown)
			assert.Equal(t, tt.want, got.Class)
		})
	}
}

func fullIrrigationWindow(humidity, temp float64, precipPerHour float64) map[obs.Variable][]obs.Observation {
	humidityValues := make([]float64, 24)
	tempValues := make([]float64, 24)
	precipValues := make([]float64, 72)
	for i := range humidityValues {
		humidityValues[i] = humidity
		tempValues[i] = temp
	}
	for i := range precipValues {
		precipValues[i] = precipPerHour
	}
	return map[obs.Variable][]obs.Observation{
		obs.VarHumidityPct: series(obs.VarHumidityPct, at.Add(-24*time.Hour), time.Hour, humidityValues...),
		obs.VarTempC:       series(obs.VarTempC, at.Add(-24*time.Hour), time.Hour, tempValues...),
		obs.VarPrecipMm:    series(obs.VarPrecipMm, at.Add(-72*time.Hour), time.Hour, precipValues...),
	}
}

func TestIrrigationRecommendation(t *testing.T) {
	engine := NewEngine()

	tests := []struct {
		name          string
		humidity      float64
		temp          float64
		precipPerHour float64
		want          string
	}{
		{"hot and dry increases", 35, 24, 0, IrrigationIncrease},
		{"humid decreases", 85, 24, 0, IrrigationDecrease},
		{"heavy rain decreases", 50, 24, 0.5, IrrigationDecrease},
		{"mild holds", 60, 18, 0, IrrigationHold},
		{"dry but cool holds", 35, 15, 0, IrrigationHold},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := window(fullIrrigationWindow(tt.humidity, tt.temp, tt.precipPerHour))
			got := sampleByID(t, engine.Compute(w), IrrigationRecommendation)
			require.False(t, got.Unknown)
			assert.Equal(t, tt.want, got.Class)
		})
	}
}

func TestIrrigationUnknownWhenWindowTooSparse(t *testing.T) {
	engine := NewEngine()

	// 6 of 24 expected hourly humidity samples is under the halfway mark.
	w := window(map[obs.Variable][]obs.Observation{
		obs.VarHumidityPct: series(obs.VarHumidityPct, at.Add(-6*time.Hour), time.Hour, 30, 30, 30, 30, 30, 30),
		obs.VarTempC:       fullIrrigationWindow(50, 22, 0)[obs.VarTempC],
		obs.VarPrecipMm:    fullIrrigationWindow(50, 22, 0)[obs.VarPrecipMm],
	})
	got := sampleByID(t, engine.Compute(w), IrrigationRecommendation)
	assert.True(t, got.Unknown)
}

func TestWindHazardClass(t *testing.T) {
	engine := NewEngine()

	tests := []struct {
		name  string
		gusts []float64
		want  string
	}{
		{"high at 35", []float64{12, 35}, WindHigh},
		{"moderate at 20", []float64{12, 20}, WindModerate},
		{"none below 20", []float64{12, 19.9}, ClassNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := window(map[obs.Variable][]obs.Observation{
				obs.VarWindSpeedKmh: series(obs.VarWindSpeedKmh, at.Add(-2*time.Hour), time.Hour, tt.gusts...),
			})
			got := sampleByID(t, engine.Compute(w), WindHazardClass)
			require.False(t, got.Unknown)
			assert.Equal(t, tt.want, got.Class)
		})
	}
}

func TestSensorStaleFlag(t *testing.T) {
	engine := NewEngine()
	fresh := 15 * time.Minute
	stale := 45 * time.Minute

	w := window(nil)
	w.PollingInterval = 10 * time.Minute
	w.Freshness = map[obs.Variable]*time.Duration{
		obs.VarTempC:       &fresh,
		obs.VarHumidityPct: &fresh,
	}
	got := sampleByID(t, engine.Compute(w), SensorStaleFlag)
	require.NotNil(t, got.Flag)
	assert.False(t, *got.Flag)

	// One variable beyond twice the polling interval trips the flag.
	w.Freshness[obs.VarHumidityPct] = &stale
	got = sampleByID(t, engine.Compute(w), SensorStaleFlag)
	require.NotNil(t, got.Flag)
	assert.True(t, *got.Flag)

	// A never-observed variable counts as stale.
	w.Freshness[obs.VarHumidityPct] = nil
	got = sampleByID(t, engine.Compute(w), SensorStaleFlag)
	require.NotNil(t, got.Flag)
	assert.True(t, *got.Flag)

	// Without a polling interval there is nothing to compare against.
	w.PollingInterval = 0
	got = sampleByID(t, engine.Compute(w), SensorStaleFlag)
	assert.True(t, got.Unknown)
}

func TestGrowingDegreeDays(t *testing.T) {
	engine := NewEngine()
	dayStart := at.Truncate(24 * time.Hour)

	w := window(map[obs.Variable][]obs.Observation{
		obs.VarTempMinC: series(obs.VarTempMinC, dayStart.Add(6*time.Hour), time.Hour, 8),
		obs.VarTempMaxC: series(obs.VarTempMaxC, dayStart.Add(15*time.Hour), time.Hour, 26),
	})
	got := sampleByID(t, engine.Compute(w), GrowingDegreeDays)
	require.False(t, got.Unknown)
	require.NotNil(t, got.Number)
	assert.InDelta(t, 7.0, *got.Number, 1e-9) // (8+26)/2 - 10
	assert.Equal(t, dayStart, got.ComputedFor)

	// Cold days clamp to zero rather than going negative.
	w = window(map[obs.Variable][]obs.Observation{
		obs.VarTempMinC: series(obs.VarTempMinC, dayStart.Add(6*time.Hour), time.Hour, 2),
		obs.VarTempMaxC: series(obs.VarTempMaxC, dayStart.Add(15*time.Hour), time.Hour, 12),
	})
	got = sampleByID(t, engine.Compute(w), GrowingDegreeDays)
	require.NotNil(t, got.Number)
	assert.Zero(t, *got.Number)
}

func TestDewPointSpread(t *testing.T) {
	engine := NewEngine()

	w := window(map[obs.Variable][]obs.Observation{
		obs.VarTempC:     series(obs.VarTempC, at.Add(-time.Hour), time.Hour, 14.2),
		obs.VarDewPointC: series(obs.VarDewPointC, at.Add(-time.Hour), time.Hour, 11.7),
	})
	got := sampleByID(t, engine.Compute(w), DewPointSpreadC)
	require.False(t, got.Unknown)
	require.NotNil(t, got.Number)
	assert.InDelta(t, 2.5, *got.Number, 1e-9)

	// Missing dew point: unknown.
	w = window(map[obs.Variable][]obs.Observation{
		obs.VarTempC: series(obs.VarTempC, at.Add(-time.Hour), time.Hour, 14.2),
	})
	got = sampleByID(t, engine.Compute(w), DewPointSpreadC)
	assert.True(t, got.Unknown)
}

func TestNullValuesAreExcludedFromComputation(t *testing.T) {
	engine := NewEngine()

	withNull := series(obs.VarTempMinC, at.Add(6*time.Hour), time.Hour, -5, 3)
	withNull[0].Value = nil // the severe reading was an explicit missing

	w := window(map[obs.Variable][]obs.Observation{obs.VarTempMinC: withNull})
	got := sampleByID(t, engine.Compute(w), FrostRiskClass)
	require.False(t, got.Unknown)
	assert.Equal(t, ClassNone, got.Class)
}

func TestComputeIsDeterministic(t *testing.T) {
	engine := NewEngine()

	build := func() Window {
		seriesByVar := fullIrrigationWindow(35, 24, 0)
		seriesByVar[obs.VarTempMinC] = series(obs.VarTempMinC, at.Add(6*time.Hour), time.Hour, -1)
		seriesByVar[obs.VarWindSpeedKmh] = series(obs.VarWindSpeedKmh, at.Add(-2*time.Hour), time.Hour, 18, 22)
		return window(seriesByVar)
	}

	first := engine.Compute(build())
	second := engine.Compute(build())
	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i], second[i])
		assert.NotEmpty(t, first[i].InputsDigest)
	}
}

func TestDigestTracksInputSet(t *testing.T) {
	engine := NewEngine()

	base := window(map[obs.Variable][]obs.Observation{
		obs.VarTempMinC: series(obs.VarTempMinC, at.Add(6*time.Hour), time.Hour, -1),
	})
	more := window(map[obs.Variable][]obs.Observation{
		obs.VarTempMinC: series(obs.VarTempMinC, at.Add(6*time.Hour), time.Hour, -1, -1),
	})

	a := sampleByID(t, engine.Compute(base), FrostRiskClass)
	b := sampleByID(t, engine.Compute(more), FrostRiskClass)
	assert.NotEqual(t, a.InputsDigest, b.InputsDigest)
}
