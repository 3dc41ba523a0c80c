package models

import (
	"github.com/agromet/agromet/internal/alert"
)

// Alert is the wire form of an alert episode.
type Alert struct {
	ID              string     `json:"id"`
	StationID       string     `json:"stationId"`
	Kind            string     `json:"kind"`
	Severity        string     `json:"severity"`
	OpenedAt        Timestamp  `json:"openedAt"`
	ClosedAt        *Timestamp `json:"closedAt,omitempty"`
	LastEvaluatedAt Timestamp  `json:"lastEvaluatedAt"`
	CauseSummary    string     `json:"causeSummary"`
}

// AlertFromDomain converts an alert episode to its wire form.
func AlertFromDomain(a alert.Alert) Alert {
	return Alert{
		ID:              a.ID,
		StationID:       a.StationID,
		Kind:            string(a.Kind),
		Severity:        string(a.Severity),
		OpenedAt:        Timestamp(a.OpenedAt),
		ClosedAt:        TimestampPtr(a.ClosedAt),
		LastEvaluatedAt: Timestamp(a.LastEvaluatedAt),
		CauseSummary:    a.CauseSummary,
	}
}

// AlertList is the response body for the active-alerts endpoint.
type AlertList struct {
	Alerts []Alert `json:"alerts"`
}
