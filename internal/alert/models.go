// Package alert turns indicator series into typed, debounced alert events.
package alert

import (
	"time"
)

// Kind enumerates the alert kinds the engine can raise.
type Kind string

const (
	KindFrostSevere      Kind = "frost_severe"
	KindFrostModerate    Kind = "frost_moderate"
	KindHeatExtreme      Kind = "heat_extreme"
	KindWindStrong       Kind = "wind_strong"
	KindPrecipIntense    Kind = "precip_intense"
	KindHumidityVeryLow  Kind = "humidity_very_low"
	KindHumidityVeryHigh Kind = "humidity_very_high"
	KindSensorStale      Kind = "sensor_stale"
)

// AllKinds lists every alert kind.
var AllKinds = []Kind{
	KindFrostSevere, KindFrostModerate, KindHeatExtreme, KindWindStrong,
	KindPrecipIntense, KindHumidityVeryLow, KindHumidityVeryHigh, KindSensorStale,
}

// Transition describes what persisting an alert state change actually did.
type Transition string

const (
	TransitionOpened    Transition = "opened"
	TransitionUpdated   Transition = "updated"
	TransitionClosed    Transition = "closed"
	TransitionUnchanged Transition = "unchanged"
)

// Severity grades an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// SeverityFor returns the fixed severity of an alert kind.
func SeverityFor(kind Kind) Severity {
	switch kind {
	case KindFrostSevere, KindHeatExtreme, KindPrecipIntense:
		return SeverityCritical
	case KindFrostModerate, KindWindStrong, KindHumidityVeryLow, KindHumidityVeryHigh:
		return SeverityWarning
	case KindSensorStale:
		return SeverityInfo
	default:
		return SeverityInfo
	}
}

// Alert is one alert episode for a (station, kind). A reopened condition is
// a new row with a new ID; closed rows are never reused.
type Alert struct {
	ID              string
	StationID       string
	Kind            Kind
	Severity        Severity
	OpenedAt        time.Time
	ClosedAt        *time.Time // nil while active
	LastEvaluatedAt time.Time
	CauseSummary    string
}

// Active reports whether the alert episode is still open.
func (a Alert) Active() bool { return a.ClosedAt == nil }
