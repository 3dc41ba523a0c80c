package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agromet/agromet/internal/alert"
	"github.com/agromet/agromet/internal/obs"
)

// InMemoryStore is a mutex-guarded implementation of Store. It is intended
// for tests and ephemeral runs; production uses PostgresStore. Both apply
// the same put-resolution rules.
type InMemoryStore struct {
	mu           sync.RWMutex
	observations map[obs.Key]obs.Observation
	alerts       []alert.Alert
	activeIdx    map[activeKey]int // index into alerts

	inserted          int64
	replaced          int64
	conflicted        int64
	rejectedDuplicate int64
	openedAt          time.Time

	// failAfter injects a mid-batch fault for crash-safety tests: the
	// put fails once after staging this many records. Zero disables.
	failAfter int
	failErr   error
}

type activeKey struct {
	stationID string
	kind      alert.Kind
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		observations: make(map[obs.Key]obs.Observation),
		activeIdx:    make(map[activeKey]int),
		openedAt:     time.Now().UTC(),
	}
}

// PutObservations applies a batch atomically.
func (s *InMemoryStore) PutObservations(_ context.Context, batch []obs.Observation) (PutResult, error) {
	if err := validateBatch(batch); err != nil {
		return PutResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Stage the whole batch before touching the live map so a fault
	// leaves no partial write behind.
	staged := make(map[obs.Key]obs.Observation, len(batch))
	var result PutResult

	for i, candidate := range batch {
		if s.failAfter > 0 && i >= s.failAfter {
			err := s.failErr
			s.failAfter = 0
			s.failErr = nil
			return PutResult{}, err
		}

		candidate.ObservedAt = candidate.ObservedAt.UTC()
		if candidate.IngestAt.IsZero() {
			candidate.IngestAt = time.Now().UTC()
		}

		key := candidate.Key()

		existing, ok := staged[key]
		if !ok {
			existing, ok = s.observations[key]
		}
		var existingPtr *obs.Observation
		if ok {
			existingPtr = &existing
		}

		switch resolvePut(existingPtr, candidate) {
		case putInsert:
			staged[key] = candidate
			result.Inserted++
		case putReplace:
			staged[key] = candidate
			result.Replaced++
		case putConflict:
			result.Conflicted++
		case putRejectDuplicate:
			result.RejectedDuplicate++
		}
	}

	for key, o := range staged {
		s.observations[key] = o
	}

	s.inserted += int64(result.Inserted)
	s.replaced += int64(result.Replaced)
	s.conflicted += int64(result.Conflicted)
	s.rejectedDuplicate += int64(result.RejectedDuplicate)

	return result, nil
}

// ReadObservations returns observations ordered by observed_at ascending.
func (s *InMemoryStore) ReadObservations(_ context.Context, stationID string, variable obs.Variable, from, to time.Time) ([]obs.Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []obs.Observation
	for key, o := range s.observations {
		if key.StationID != stationID || key.Variable != variable {
			continue
		}
		if key.ObservedAt.Before(from) || key.ObservedAt.After(to) {
			continue
		}
		out = append(out, o)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].ObservedAt.Equal(out[j].ObservedAt) {
			return out[i].ObservedAt.Before(out[j].ObservedAt)
		}
		return out[i].SourceProviderID < out[j].SourceProviderID
	})

	return out, nil
}

// Latest returns the most recent observation for (station, variable).
func (s *InMemoryStore) Latest(_ context.Context, stationID string, variable obs.Variable) (*obs.Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *obs.Observation
	for key := range s.observations {
		if key.StationID != stationID || key.Variable != variable {
			continue
		}
		o := s.observations[key]
		if latest == nil || o.ObservedAt.After(latest.ObservedAt) {
			cpy := o
			latest = &cpy
		}
	}

	return latest, nil
}

// Freshness returns the elapsed time since the newest observed_at.
func (s *InMemoryStore) Freshness(ctx context.Context, stationID string, variable obs.Variable) (*time.Duration, error) {
	latest, err := s.Latest(ctx, stationID, variable)
	if err != nil || latest == nil {
		return nil, err
	}
	d := time.Since(latest.ObservedAt)
	return &d, nil
}

// OpenAlerts lists active alerts, newest first.
func (s *InMemoryStore) OpenAlerts(_ context.Context, stationID string) ([]alert.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []alert.Alert
	for _, idx := range s.activeIdx {
		a := s.alerts[idx]
		if stationID != "" && a.StationID != stationID {
			continue
		}
		out = append(out, a)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.After(out[j].OpenedAt) })

	return out, nil
}

// UpsertAlert applies an alert state change. At most one active alert per
// (station, kind) can exist; closing an episode retires its row for good.
func (s *InMemoryStore) UpsertAlert(_ context.Context, a alert.Alert) (AlertTransition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := activeKey{stationID: a.StationID, kind: a.Kind}
	idx, active := s.activeIdx[key]

	if a.ClosedAt != nil {
		if !active {
			return AlertUnchanged, nil
		}
		existing := s.alerts[idx]
		existing.ClosedAt = a.ClosedAt
		existing.LastEvaluatedAt = a.LastEvaluatedAt
		s.alerts[idx] = existing
		delete(s.activeIdx, key)
		return AlertClosed, nil
	}

	if active {
		existing := s.alerts[idx]
		if existing.LastEvaluatedAt.Equal(a.LastEvaluatedAt) && existing.CauseSummary == a.CauseSummary {
			return AlertUnchanged, nil
		}
		existing.LastEvaluatedAt = a.LastEvaluatedAt
		existing.CauseSummary = a.CauseSummary
		s.alerts[idx] = existing
		return AlertUpdated, nil
	}

	s.alerts = append(s.alerts, a)
	s.activeIdx[key] = len(s.alerts) - 1
	return AlertOpened, nil
}

// Health returns the counter snapshot.
func (s *InMemoryStore) Health(_ context.Context) (HealthSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return HealthSnapshot{
		SchemaVersion:     SchemaVersion,
		Inserted:          s.inserted,
		Replaced:          s.replaced,
		Conflicted:        s.conflicted,
		RejectedDuplicate: s.rejectedDuplicate,
		LastMaintenanceAt: s.openedAt,
	}, nil
}

// AllAlerts returns every alert row, open and closed, newest first. Used by
// the read API and by tests; not part of the Store interface.
func (s *InMemoryStore) AllAlerts() []alert.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]alert.Alert, len(s.alerts))
	copy(out, s.alerts)
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.After(out[j].OpenedAt) })
	return out
}
