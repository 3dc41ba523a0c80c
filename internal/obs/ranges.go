package obs

import "math"

// VariableSpec holds per-variable validation parameters.
type VariableSpec struct {
	// HardMin/HardMax bound physically representable values. A value
	// outside the hard range is rejected outright.
	HardMin float64
	HardMax float64

	// PlausibleMin/PlausibleMax bound values a healthy sensor can report
	// for the Quillota valley. A value inside the hard range but outside
	// the plausible range is clamped and marked repaired.
	PlausibleMin float64
	PlausibleMax float64

	// SensorNoise is the magnitude below which two readings of the same
	// cell are considered the same measurement.
	SensorNoise float64

	// MaxSlewPerHour bounds the credible rate of change between
	// consecutive readings. Zero disables the slew check.
	MaxSlewPerHour float64
}

var variableSpecs = map[Variable]VariableSpec{
	VarTempC:        {HardMin: -50, HardMax: 60, PlausibleMin: -15, PlausibleMax: 50, SensorNoise: 0.1, MaxSlewPerHour: 15},
	VarTempMinC:     {HardMin: -50, HardMax: 60, PlausibleMin: -15, PlausibleMax: 50, SensorNoise: 0.1, MaxSlewPerHour: 15},
	VarTempMaxC:     {HardMin: -50, HardMax: 60, PlausibleMin: -15, PlausibleMax: 50, SensorNoise: 0.1, MaxSlewPerHour: 15},
	VarHumidityPct:  {HardMin: 0, HardMax: 100, PlausibleMin: 5, PlausibleMax: 100, SensorNoise: 1, MaxSlewPerHour: 60},
	VarPressureHPa:  {HardMin: 800, HardMax: 1100, PlausibleMin: 950, PlausibleMax: 1050, SensorNoise: 0.5, MaxSlewPerHour: 10},
	VarWindSpeedKmh: {HardMin: 0, HardMax: 300, PlausibleMin: 0, PlausibleMax: 120, SensorNoise: 0.5, MaxSlewPerHour: 60},
	VarWindDirDeg:   {HardMin: 0, HardMax: 360, PlausibleMin: 0, PlausibleMax: 360, SensorNoise: 5},
	VarPrecipMm:     {HardMin: 0, HardMax: 500, PlausibleMin: 0, PlausibleMax: 100, SensorNoise: 0.1},
	VarSolarRadWm2:  {HardMin: 0, HardMax: 1500, PlausibleMin: 0, PlausibleMax: 1200, SensorNoise: 5},
	VarCloudPct:     {HardMin: 0, HardMax: 100, PlausibleMin: 0, PlausibleMax: 100, SensorNoise: 1},
	VarUVIndex:      {HardMin: 0, HardMax: 20, PlausibleMin: 0, PlausibleMax: 14, SensorNoise: 0.1},
	VarDewPointC:    {HardMin: -60, HardMax: 50, PlausibleMin: -25, PlausibleMax: 35, SensorNoise: 0.1},
	VarVisibilityKm: {HardMin: 0, HardMax: 100, PlausibleMin: 0, PlausibleMax: 50, SensorNoise: 0.1},
}

// Spec returns the validation parameters for v. The second return is false
// for unknown variables.
func Spec(v Variable) (VariableSpec, bool) {
	s, ok := variableSpecs[v]
	return s, ok
}

// InHardRange reports whether value is inside the inclusive hard range.
func (s VariableSpec) InHardRange(value float64) bool {
	return value >= s.HardMin && value <= s.HardMax
}

// InPlausibleRange reports whether value is inside the inclusive plausible range.
func (s VariableSpec) InPlausibleRange(value float64) bool {
	return value >= s.PlausibleMin && value <= s.PlausibleMax
}

// ClampPlausible clamps value to the plausible range.
func (s VariableSpec) ClampPlausible(value float64) float64 {
	return math.Min(math.Max(value, s.PlausibleMin), s.PlausibleMax)
}

// WithinNoise reports whether a and b differ by less than the sensor noise,
// meaning they describe the same physical reading.
func (s VariableSpec) WithinNoise(a, b float64) bool {
	return math.Abs(a-b) < s.SensorNoise
}
