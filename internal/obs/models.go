// Package obs defines the canonical observation model shared by the
// ingestion pipeline, the store and the derived-indicator layer.
package obs

import (
	"errors"
	"fmt"
	"time"
)

// Observation errors.
var (
	ErrUnknownVariable = errors.New("unknown variable")
	ErrUnknownQuality  = errors.New("unknown quality")
)

// Variable identifies a canonical measurement variable.
// Units are fixed per variable: temperatures in degC, precipitation in mm,
// wind speed in km/h, wind direction in degrees clockwise from north,
// pressure in hPa, humidity and cloud cover in percent, solar radiation
// in W/m2, visibility in km, UV index dimensionless.
type Variable string

const (
	VarTempC        Variable = "temp_c"
	VarTempMinC     Variable = "temp_min_c"
	VarTempMaxC     Variable = "temp_max_c"
	VarHumidityPct  Variable = "humidity_pct"
	VarPressureHPa  Variable = "pressure_hpa"
	VarWindSpeedKmh Variable = "wind_speed_kmh"
	VarWindDirDeg   Variable = "wind_dir_deg"
	VarPrecipMm     Variable = "precip_mm"
	VarSolarRadWm2  Variable = "solar_rad_wm2"
	VarCloudPct     Variable = "cloud_cover_pct"
	VarUVIndex      Variable = "uv_index"
	VarDewPointC    Variable = "dew_point_c"
	VarVisibilityKm Variable = "visibility_km"
)

// AllVariables lists every canonical variable.
var AllVariables = []Variable{
	VarTempC, VarTempMinC, VarTempMaxC, VarHumidityPct, VarPressureHPa,
	VarWindSpeedKmh, VarWindDirDeg, VarPrecipMm, VarSolarRadWm2,
	VarCloudPct, VarUVIndex, VarDewPointC, VarVisibilityKm,
}

// IsValid reports whether v is a known canonical variable.
func (v Variable) IsValid() bool {
	_, ok := variableSpecs[v]
	return ok
}

// Quality tags how an observation value was obtained.
type Quality string

const (
	QualityRaw          Quality = "raw"
	QualityRepaired     Quality = "repaired"
	QualityInterpolated Quality = "interpolated"
	QualitySynthetic    Quality = "synthetic"
)

// Rank returns the overwrite rank of the quality tag. A stored row is only
// replaced by a row of strictly higher rank, so raw data is never clobbered
// by repaired, interpolated or synthetic data.
func (q Quality) Rank() int {
	switch q {
	case QualityRaw:
		return 3
	case QualityRepaired:
		return 2
	case QualityInterpolated:
		return 1
	case QualitySynthetic:
		return 0
	default:
		return -1
	}
}

// IsValid reports whether q is a known quality tag.
func (q Quality) IsValid() bool {
	return q.Rank() >= 0
}

// Observation is a single canonical measurement tuple: one variable at one
// station at one instant, attributed to the provider that supplied it.
type Observation struct {
	StationID string

	// ObservedAt is the UTC instant the measurement refers to, not the
	// instant it was fetched.
	ObservedAt time.Time

	Variable Variable

	// Value is nil only when the provider explicitly reported the
	// measurement as missing.
	Value *float64

	SourceProviderID string

	// IngestAt is the UTC instant the record was written to the store.
	IngestAt time.Time

	Quality Quality

	// RepairNote describes what was changed when Quality != raw.
	RepairNote string
}

// Key returns the deduplication key for the observation. Two observations
// with equal keys describe the same measurement cell in the store.
func (o Observation) Key() Key {
	return Key{
		StationID:  o.StationID,
		ObservedAt: o.ObservedAt.UTC(),
		Variable:   o.Variable,
		ProviderID: o.SourceProviderID,
	}
}

// Key uniquely identifies an observation cell.
type Key struct {
	StationID  string
	ObservedAt time.Time
	Variable   Variable
	ProviderID string
}

// String renders the key in a stable, sortable form. It feeds the indicator
// engine's inputs digest, so the format must not change casually.
func (k Key) String() string {
	return fmt.Sprintf("%s|%s|%s|%s",
		k.StationID, k.ObservedAt.UTC().Format(time.RFC3339), k.Variable, k.ProviderID)
}

// Station is a configured geographic measurement location.
type Station struct {
	ID          string  `yaml:"id" validate:"required"`
	DisplayName string  `yaml:"display_name" validate:"required"`
	Latitude    float64 `yaml:"latitude" validate:"gte=-90,lte=90"`
	Longitude   float64 `yaml:"longitude" validate:"gte=-180,lte=180"`
	ElevationM  float64 `yaml:"elevation_m"`
	Timezone    string  `yaml:"timezone" validate:"required"`
}

// Ingestion window bounds relative to now. Providers supply at most two
// weeks of history and sixteen days of forecast; anything outside is noise.
const (
	MaxObservationAge  = 14 * 24 * time.Hour
	MaxForecastHorizon = 16 * 24 * time.Hour
)

// InIngestWindow reports whether ts is acceptable for ingestion at the
// reference instant now. Both window edges are inclusive.
func InIngestWindow(ts, now time.Time) bool {
	return !ts.Before(now.Add(-MaxObservationAge)) && !ts.After(now.Add(MaxForecastHorizon))
}
