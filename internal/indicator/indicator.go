// Package indicator computes derived agronomic indicators from bounded
// windows of observations. The engine is a pure function of its inputs: it
// never reads the clock or the store, so two computations over identical
// windows produce identical samples, digest included.
package indicator

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"

	"github.com/agromet/agromet/internal/obs"
)

// ID identifies an indicator.
type ID string

const (
	FrostRiskClass           ID = "frost_risk_class"
	HeatStressClass          ID = "heat_stress_class"
	IrrigationRecommendation ID = "irrigation_recommendation"
	WindHazardClass          ID = "wind_hazard_class"
	SensorStaleFlag          ID = "sensor_stale_flag"
	GrowingDegreeDays        ID = "growing_degree_days"
	DewPointSpreadC          ID = "dew_point_spread_c"
)

// AllIndicators lists every indicator the engine computes.
var AllIndicators = []ID{
	FrostRiskClass, HeatStressClass, IrrigationRecommendation,
	WindHazardClass, SensorStaleFlag, GrowingDegreeDays, DewPointSpreadC,
}

// Class values for the enumerated indicators.
const (
	FrostSevere   = "severe"
	FrostModerate = "moderate"
	FrostMarginal = "marginal"
	ClassNone     = "none"

	HeatExtreme = "extreme"
	HeatHigh    = "high"

	IrrigationIncrease = "increase"
	IrrigationDecrease = "decrease"
	IrrigationHold     = "hold"

	WindHigh     = "high"
	WindModerate = "moderate"
)

// gddBaseC is the base temperature for growing degree days, the standard
// base for the fruit crops grown in the Quillota valley.
const gddBaseC = 10.0

// Sample is one computed indicator value. Exactly one of Class, Number and
// Flag is set unless Unknown is true, in which case none is.
type Sample struct {
	StationID    string
	IndicatorID  ID
	ComputedFor  time.Time
	Class        string
	Number       *float64
	Flag         *bool
	Unknown      bool
	InputsDigest string
}

// Window is the bounded input an engine computation runs over. Series maps
// each variable to its observations sorted by observed_at ascending; At is
// the evaluation instant every relative range is anchored to.
type Window struct {
	Station obs.Station
	At      time.Time

	Series map[obs.Variable][]obs.Observation

	// Freshness is the staleness per variable as reported by the store;
	// nil entries mean the variable has never been observed.
	Freshness map[obs.Variable]*time.Duration

	// PollingInterval is the effective provider polling interval, the
	// reference for the stale sensor check.
	PollingInterval time.Duration
}

// Engine computes indicator samples.
type Engine struct{}

// NewEngine creates an engine.
func NewEngine() *Engine { return &Engine{} }

// Compute evaluates every indicator over the window.
func (e *Engine) Compute(w Window) []Sample {
	return []Sample{
		e.frostRisk(w),
		e.heatStress(w),
		e.irrigation(w),
		e.windHazard(w),
		e.sensorStale(w),
		e.growingDegreeDays(w),
		e.dewPointSpread(w),
	}
}

// frostRisk classifies frost risk from forecast minimum temperatures over
// the next 24 hours, falling back to the last observed temperature when no
// forecast is available.
func (e *Engine) frostRisk(w Window) Sample {
	forecast := seriesBetween(w, obs.VarTempMinC, w.At, w.At.Add(24*time.Hour))

	var inputs []obs.Observation
	var v float64
	switch {
	case len(forecast) > 0:
		inputs = forecast
		v = minValue(forecast)
	default:
		if last := lastBefore(w, obs.VarTempC, w.At); last != nil {
			inputs = []obs.Observation{*last}
			v = *last.Value
		}
	}

	sample := newSample(w, FrostRiskClass, w.At, inputs)
	if len(inputs) == 0 {
		sample.Unknown = true
		return sample
	}

	switch {
	case v <= -2:
		sample.Class = FrostSevere
	case v <= 0:
		sample.Class = FrostModerate
	case v <= 2:
		sample.Class = FrostMarginal
	default:
		sample.Class = ClassNone
	}
	return sample
}

// heatStress classifies heat stress from maximum temperatures over the last
// 24 hours.
func (e *Engine) heatStress(w Window) Sample {
	inputs := seriesBetween(w, obs.VarTempMaxC, w.At.Add(-24*time.Hour), w.At)

	sample := newSample(w, HeatStressClass, w.At, inputs)
	if !enoughInputs(inputs, 1) {
		sample.Unknown = true
		return sample
	}

	v := maxValue(inputs)
	switch {
	case v >= 35:
		sample.Class = HeatExtreme
	case v >= 30:
		sample.Class = HeatHigh
	default:
		sample.Class = ClassNone
	}
	return sample
}

// irrigation recommends an irrigation adjustment from recent humidity,
// precipitation and temperature.
func (e *Engine) irrigation(w Window) Sample {
	humidity := seriesBetween(w, obs.VarHumidityPct, w.At.Add(-24*time.Hour), w.At)
	precip := seriesBetween(w, obs.VarPrecipMm, w.At.Add(-72*time.Hour), w.At)
	temp := seriesBetween(w, obs.VarTempC, w.At.Add(-24*time.Hour), w.At)

	inputs := append(append(append([]obs.Observation{}, humidity...), precip...), temp...)
	sample := newSample(w, IrrigationRecommendation, w.At, inputs)

	// Hourly series over 24h/72h: half of the expected samples per input.
	if !enoughInputs(humidity, 12) || !enoughInputs(precip, 36) || !enoughInputs(temp, 12) {
		sample.Unknown = true
		return sample
	}

	meanHumidity := meanValue(humidity)
	precip72 := sumValue(precip)
	meanTemp := meanValue(temp)

	switch {
	case meanHumidity < 40 && precip72 < 2 && meanTemp >= 20:
		sample.Class = IrrigationIncrease
	case meanHumidity > 80 || precip72 > 20:
		sample.Class = IrrigationDecrease
	default:
		sample.Class = IrrigationHold
	}
	return sample
}

// windHazard classifies wind hazard from the gust maximum over the last
// 3 hours.
func (e *Engine) windHazard(w Window) Sample {
	inputs := seriesBetween(w, obs.VarWindSpeedKmh, w.At.Add(-3*time.Hour), w.At)

	sample := newSample(w, WindHazardClass, w.At, inputs)
	if !enoughInputs(inputs, 2) {
		sample.Unknown = true
		return sample
	}

	v := maxValue(inputs)
	switch {
	case v >= 35:
		sample.Class = WindHigh
	case v >= 20:
		sample.Class = WindModerate
	default:
		sample.Class = ClassNone
	}
	return sample
}

// sensorStale reports whether any required variable is staler than twice
// the polling interval.
func (e *Engine) sensorStale(w Window) Sample {
	sample := newSample(w, SensorStaleFlag, w.At, nil)
	if w.PollingInterval <= 0 || len(w.Freshness) == 0 {
		sample.Unknown = true
		return sample
	}

	stale := false
	threshold := 2 * w.PollingInterval
	for _, freshness := range w.Freshness {
		if freshness == nil || *freshness > threshold {
			stale = true
			break
		}
	}

	sample.Flag = &stale
	return sample
}

// growingDegreeDays computes the day's heat accumulation above the base
// temperature from the daily temperature extremes.
func (e *Engine) growingDegreeDays(w Window) Sample {
	dayStart := w.At.UTC().Truncate(24 * time.Hour)
	dayEnd := dayStart.Add(24 * time.Hour)

	mins := seriesBetween(w, obs.VarTempMinC, dayStart, dayEnd)
	maxs := seriesBetween(w, obs.VarTempMaxC, dayStart, dayEnd)

	inputs := append(append([]obs.Observation{}, mins...), maxs...)
	sample := newSample(w, GrowingDegreeDays, dayStart, inputs)
	if len(mins) == 0 || len(maxs) == 0 {
		sample.Unknown = true
		return sample
	}

	gdd := (minValue(mins)+maxValue(maxs))/2 - gddBaseC
	if gdd < 0 {
		gdd = 0
	}
	sample.Number = &gdd
	return sample
}

// dewPointSpread is the gap between the latest temperature and dew point, a
// condensation proxy used for fungal disease pressure.
func (e *Engine) dewPointSpread(w Window) Sample {
	temp := lastBefore(w, obs.VarTempC, w.At)
	dew := lastBefore(w, obs.VarDewPointC, w.At)

	var inputs []obs.Observation
	if temp != nil {
		inputs = append(inputs, *temp)
	}
	if dew != nil {
		inputs = append(inputs, *dew)
	}

	sample := newSample(w, DewPointSpreadC, w.At, inputs)
	if temp == nil || dew == nil {
		sample.Unknown = true
		return sample
	}

	spread := *temp.Value - *dew.Value
	sample.Number = &spread
	return sample
}

func newSample(w Window, id ID, computedFor time.Time, inputs []obs.Observation) Sample {
	return Sample{
		StationID:    w.Station.ID,
		IndicatorID:  id,
		ComputedFor:  computedFor.UTC(),
		InputsDigest: digest(inputs),
	}
}

// digest hashes the sorted keys of the observations that fed a computation,
// so downstream caches can detect byte-identical inputs.
func digest(inputs []obs.Observation) string {
	keys := make([]string, len(inputs))
	for i, o := range inputs {
		keys[i] = o.Key().String()
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, key := range keys {
		h.Write([]byte(key))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// seriesBetween selects non-null observations with observed_at in (from, to].
func seriesBetween(w Window, variable obs.Variable, from, to time.Time) []obs.Observation {
	var out []obs.Observation
	for _, o := range w.Series[variable] {
		if o.Value == nil {
			continue
		}
		if !o.ObservedAt.After(from) || o.ObservedAt.After(to) {
			continue
		}
		out = append(out, o)
	}
	return out
}

// lastBefore returns the most recent non-null observation at or before t.
func lastBefore(w Window, variable obs.Variable, t time.Time) *obs.Observation {
	series := w.Series[variable]
	for i := len(series) - 1; i >= 0; i-- {
		if series[i].Value == nil || series[i].ObservedAt.After(t) {
			continue
		}
		return &series[i]
	}
	return nil
}

// enoughInputs applies the missing-input policy: an indicator needs at
// least half of its expected window samples, expressed here as the already
// halved minimum.
func enoughInputs(inputs []obs.Observation, minimum int) bool {
	return len(inputs) >= minimum
}

func minValue(series []obs.Observation) float64 {
	v := *series[0].Value
	for _, o := range series[1:] {
		if *o.Value < v {
			v = *o.Value
		}
	}
	return v
}

func maxValue(series []obs.Observation) float64 {
	v := *series[0].Value
	for _, o := range series[1:] {
		if *o.Value > v {
			v = *o.Value
		}
	}
	return v
}

func sumValue(series []obs.Observation) float64 {
	var total float64
	for _, o := range series {
		total += *o.Value
	}
	return total
}

func meanValue(series []obs.Observation) float64 {
	return sumValue(series) / float64(len(series))
}
