package models

import (
	"github.com/agromet/agromet/internal/scheduler"
	"github.com/agromet/agromet/internal/store"
)

// HealthStatus is the coarse service state.
type HealthStatus string

const (
	HealthStatusOK       HealthStatus = "OK"
	HealthStatusDegraded HealthStatus = "DEGRADED"
)

// Health is the response body for GET /healthz.
type Health struct {
	Status HealthStatus `json:"status"`
	Time   Timestamp    `json:"time"`

	Store StoreHealth            `json:"store"`
	Pairs []scheduler.PairStatus `json:"pairs,omitempty"`
}

// StoreHealth mirrors the store's cumulative counters.
type StoreHealth struct {
	SchemaVersion     int       `json:"schemaVersion"`
	Inserted          int64     `json:"inserted"`
	Replaced          int64     `json:"replaced"`
	Conflicted        int64     `json:"conflicted"`
	RejectedDuplicate int64     `json:"rejectedDuplicate"`
	LastMaintenanceAt Timestamp `json:"lastMaintenanceAt"`
}

// StoreHealthFromDomain converts a health snapshot to its wire form.
func StoreHealthFromDomain(s store.HealthSnapshot) StoreHealth {
	return StoreHealth{
		SchemaVersion:     s.SchemaVersion,
		Inserted:          s.Inserted,
		Replaced:          s.Replaced,
		Conflicted:        s.Conflicted,
		RejectedDuplicate: s.RejectedDuplicate,
		LastMaintenanceAt: Timestamp(s.LastMaintenanceAt),
	}
}
