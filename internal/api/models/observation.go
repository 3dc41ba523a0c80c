package models

import (
	"github.com/agromet/agromet/internal/obs"
)

// Observation is the wire form of a stored observation.
type Observation struct {
	StationID  string    `json:"stationId"`
	ObservedAt Timestamp `json:"observedAt"`
	Variable   string    `json:"variable"`
	Value      *float64  `json:"value"`
	Provider   string    `json:"provider"`
	Quality    string    `json:"quality"`
	RepairNote string    `json:"repairNote,omitempty"`
}

// ObservationFromDomain converts a stored observation to its wire form.
func ObservationFromDomain(o obs.Observation) Observation {
	return Observation{
		StationID:  o.StationID,
		ObservedAt: Timestamp(o.ObservedAt),
		Variable:   string(o.Variable),
		Value:      o.Value,
		Provider:   o.SourceProviderID,
		Quality:    string(o.Quality),
		RepairNote: o.RepairNote,
	}
}

// ObservationList is the response body for a range query.
type ObservationList struct {
	StationID    string        `json:"stationId"`
	Variable     string        `json:"variable"`
	From         Timestamp     `json:"from"`
	To           Timestamp     `json:"to"`
	Observations []Observation `json:"observations"`
}

// LatestEntry is one variable's most recent reading, with its staleness.
type LatestEntry struct {
	Observation Observation `json:"observation"`
	AgeSeconds  float64     `json:"ageSeconds"`
}

// Latest is the response body for the latest-readings endpoint.
type Latest struct {
	StationID string                 `json:"stationId"`
	Readings  map[string]LatestEntry `json:"readings"`
}
