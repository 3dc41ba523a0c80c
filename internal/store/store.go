// Package store provides durable, idempotent persistence for observations
// and alerts. The store is the only shared mutable resource in the system:
// it serialises writers, exposes snapshot-consistent range reads, and owns
// the on-disk schema.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/agromet/agromet/internal/alert"
	"github.com/agromet/agromet/internal/obs"
)

// SchemaVersion is the on-disk schema generation this code understands.
// Opening a store recorded with a different version fails with
// ErrSchemaVersion; there is no in-place migration.
const SchemaVersion = 1

// Store errors.
var (
	// ErrSchemaVersion means the persisted schema version is not the one
	// this binary understands. Fatal at open time.
	ErrSchemaVersion = errors.New("unrecognised store schema version")

	// ErrInvalidObservation means a record in a put batch failed basic
	// shape checks (unknown variable or quality, missing station). The
	// whole batch is rejected to preserve atomicity.
	ErrInvalidObservation = errors.New("invalid observation in batch")
)

// PutResult counts the fate of each record in a put batch.
type PutResult struct {
	// Inserted counts records written to previously empty cells.
	Inserted int

	// Replaced counts records that overwrote a weaker-quality row.
	Replaced int

	// Conflicted counts records of equal quality rank whose value
	// disagreed with the stored row beyond sensor noise. The stored row
	// is kept.
	Conflicted int

	// RejectedDuplicate counts records identical (within sensor noise)
	// to the stored row, or of weaker quality rank. No-ops.
	RejectedDuplicate int
}

// AlertTransition describes what an alert upsert did. It is the alert
// package's transition type so the alert engine can depend on the store
// through a narrow interface.
type AlertTransition = alert.Transition

const (
	AlertOpened    = alert.TransitionOpened
	AlertUpdated   = alert.TransitionUpdated
	AlertClosed    = alert.TransitionClosed
	AlertUnchanged = alert.TransitionUnchanged
)

// HealthSnapshot exposes the store's cumulative counters for the health
// surface. Counters survive for the life of the store handle, not the
// process that happened to increment them.
type HealthSnapshot struct {
	SchemaVersion     int
	Inserted          int64
	Replaced          int64
	Conflicted        int64
	RejectedDuplicate int64
	LastMaintenanceAt time.Time
}

// Store is the persistence contract shared by the ingestion scheduler, the
// tick loop and the read-only API.
//
// PutObservations is atomic per call: either every record in the batch is
// applied or none is. Within a batch the idempotence rule applies per row:
// a new row overwrites the stored row iff its quality rank is strictly
// higher; equal rank with a value inside sensor noise is a no-op counted as
// a rejected duplicate; equal rank with a diverging value keeps the stored
// row and counts a conflict.
type Store interface {
	PutObservations(ctx context.Context, batch []obs.Observation) (PutResult, error)

	// ReadObservations returns observations for one (station, variable)
	// with observed_at in [from, to], ordered by observed_at ascending.
	// The result is a consistent snapshot.
	ReadObservations(ctx context.Context, stationID string, variable obs.Variable, from, to time.Time) ([]obs.Observation, error)

	// Latest returns the most recent observation for (station, variable),
	// or nil when the cell has never been written.
	Latest(ctx context.Context, stationID string, variable obs.Variable) (*obs.Observation, error)

	// Freshness returns the elapsed time since the most recent
	// observed_at for (station, variable), or nil when none exists.
	Freshness(ctx context.Context, stationID string, variable obs.Variable) (*time.Duration, error)

	// OpenAlerts lists active alerts, optionally filtered by station
	// (empty string means all stations).
	OpenAlerts(ctx context.Context, stationID string) ([]alert.Alert, error)

	// UpsertAlert applies an alert state change and reports the
	// transition that actually happened.
	UpsertAlert(ctx context.Context, a alert.Alert) (AlertTransition, error)

	// Health returns the store's counter snapshot.
	Health(ctx context.Context) (HealthSnapshot, error)
}

// validateBatch rejects malformed records before any write is attempted so
// a put either applies completely or not at all.
func validateBatch(batch []obs.Observation) error {
	for i := range batch {
		o := &batch[i]
		if o.StationID == "" || o.SourceProviderID == "" {
			return ErrInvalidObservation
		}
		if !o.Variable.IsValid() {
			return ErrInvalidObservation
		}
		if !o.Quality.IsValid() {
			return ErrInvalidObservation
		}
	}
	return nil
}

// resolvePut decides the fate of a candidate against the stored row for the
// same cell. existing is nil for an empty cell.
func resolvePut(existing *obs.Observation, candidate obs.Observation) putDecision {
	if existing == nil {
		return putInsert
	}

	newRank := candidate.Quality.Rank()
	oldRank := existing.Quality.Rank()

	switch {
	case newRank > oldRank:
		return putReplace
	case newRank < oldRank:
		return putRejectDuplicate
	}

	// Equal rank: same value within sensor noise is a duplicate,
	// anything else is a conflict and the first writer wins.
	spec, _ := obs.Spec(candidate.Variable)
	switch {
	case existing.Value == nil && candidate.Value == nil:
		return putRejectDuplicate
	case existing.Value == nil || candidate.Value == nil:
		return putConflict
	case spec.WithinNoise(*existing.Value, *candidate.Value):
		return putRejectDuplicate
	default:
		return putConflict
	}
}

type putDecision int

const (
	putInsert putDecision = iota
	putReplace
	putConflict
	putRejectDuplicate
)
