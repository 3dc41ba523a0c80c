package store

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agromet/agromet/internal/alert"
	"github.com/agromet/agromet/internal/obs"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS observations (
	station_id         text NOT NULL,
	observed_at        timestamptz NOT NULL,
	variable           text NOT NULL,
	value              double precision,
	source_provider_id text NOT NULL,
	ingest_at          timestamptz NOT NULL,
	quality            text NOT NULL,
	repair_note        text NOT NULL DEFAULT '',
	PRIMARY KEY (station_id, observed_at, variable, source_provider_id)
);

CREATE INDEX IF NOT EXISTS idx_observations_range_read
	ON observations (station_id, variable, observed_at);

CREATE TABLE IF NOT EXISTS alerts (
	id                uuid PRIMARY KEY,
	station_id        text NOT NULL,
	alert_kind        text NOT NULL,
	severity          text NOT NULL,
	opened_at         timestamptz NOT NULL,
	closed_at         timestamptz,
	last_evaluated_at timestamptz NOT NULL,
	cause_summary     text NOT NULL DEFAULT ''
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_one_active
	ON alerts (station_id, alert_kind) WHERE closed_at IS NULL;

CREATE TABLE IF NOT EXISTS store_metadata (
	id                  smallint PRIMARY KEY DEFAULT 1 CHECK (id = 1),
	schema_version      integer NOT NULL,
	last_maintenance_at timestamptz NOT NULL
);
`

// PostgresStore is the durable implementation of Store. Every put batch
// runs inside one transaction, so a crash between any two operations never
// exposes a partial batch and acknowledged writes survive restarts.
type PostgresStore struct {
	pool *pgxpool.Pool

	inserted          atomic.Int64
	replaced          atomic.Int64
	conflicted        atomic.Int64
	rejectedDuplicate atomic.Int64
}

// NewPostgresStore opens the store on pool, bootstrapping the schema on
// first use and refusing to proceed when the recorded schema version is not
// the one this binary understands.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return nil, fmt.Errorf("bootstrapping schema: %w", err)
	}

	var version int
	err := pool.QueryRow(ctx, `SELECT schema_version FROM store_metadata WHERE id = 1`).Scan(&version)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		_, err = pool.Exec(ctx,
			`INSERT INTO store_metadata (id, schema_version, last_maintenance_at) VALUES (1, $1, now())`,
			SchemaVersion)
		if err != nil {
			return nil, fmt.Errorf("recording schema version: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("reading schema version: %w", err)
	case version != SchemaVersion:
		return nil, fmt.Errorf("%w: found %d, want %d", ErrSchemaVersion, version, SchemaVersion)
	}

	return &PostgresStore{pool: pool}, nil
}

// PutObservations applies a batch atomically inside one transaction.
func (s *PostgresStore) PutObservations(ctx context.Context, batch []obs.Observation) (PutResult, error) {
	if err := validateBatch(batch); err != nil {
		return PutResult{}, err
	}

	var result PutResult

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return PutResult{}, fmt.Errorf("beginning put transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	for i := range batch {
		candidate := batch[i]
		candidate.ObservedAt = candidate.ObservedAt.UTC()
		if candidate.IngestAt.IsZero() {
			candidate.IngestAt = time.Now().UTC()
		}

		existing, err := lockCell(ctx, tx, candidate.Key())
		if err != nil {
			return PutResult{}, err
		}

		switch resolvePut(existing, candidate) {
		case putInsert:
			if err := insertCell(ctx, tx, candidate); err != nil {
				return PutResult{}, err
			}
			result.Inserted++
		case putReplace:
			if err := updateCell(ctx, tx, candidate); err != nil {
				return PutResult{}, err
			}
			result.Replaced++
		case putConflict:
			result.Conflicted++
		case putRejectDuplicate:
			result.RejectedDuplicate++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return PutResult{}, fmt.Errorf("committing put transaction: %w", err)
	}

	s.inserted.Add(int64(result.Inserted))
	s.replaced.Add(int64(result.Replaced))
	s.conflicted.Add(int64(result.Conflicted))
	s.rejectedDuplicate.Add(int64(result.RejectedDuplicate))

	return result, nil
}

func lockCell(ctx context.Context, tx pgx.Tx, key obs.Key) (*obs.Observation, error) {
	row := tx.QueryRow(ctx, `
		SELECT value, quality
		FROM observations
		WHERE station_id = $1 AND observed_at = $2 AND variable = $3 AND source_provider_id = $4
		FOR UPDATE`,
		key.StationID, key.ObservedAt, string(key.Variable), key.ProviderID)

	var existing obs.Observation
	existing.StationID = key.StationID
	existing.ObservedAt = key.ObservedAt
	existing.Variable = key.Variable
	existing.SourceProviderID = key.ProviderID

	err := row.Scan(&existing.Value, &existing.Quality)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading cell %s: %w", key, err)
	}

	return &existing, nil
}

func insertCell(ctx context.Context, tx pgx.Tx, o obs.Observation) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO observations
			(station_id, observed_at, variable, value, source_provider_id, ingest_at, quality, repair_note)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		o.StationID, o.ObservedAt, string(o.Variable), o.Value,
		o.SourceProviderID, o.IngestAt, string(o.Quality), o.RepairNote)
	if err != nil {
		return fmt.Errorf("inserting cell %s: %w", o.Key(), err)
	}
	return nil
}

func updateCell(ctx context.Context, tx pgx.Tx, o obs.Observation) error {
	_, err := tx.Exec(ctx, `
		UPDATE observations
		SET value = $5, ingest_at = $6, quality = $7, repair_note = $8
		WHERE station_id = $1 AND observed_at = $2 AND variable = $3 AND source_provider_id = $4`,
		o.StationID, o.ObservedAt, string(o.Variable), o.SourceProviderID,
		o.Value, o.IngestAt, string(o.Quality), o.RepairNote)
	if err != nil {
		return fmt.Errorf("updating cell %s: %w", o.Key(), err)
	}
	return nil
}

// ReadObservations returns observations ordered by observed_at ascending.
func (s *PostgresStore) ReadObservations(ctx context.Context, stationID string, variable obs.Variable, from, to time.Time) ([]obs.Observation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT station_id, observed_at, variable, value, source_provider_id, ingest_at, quality, repair_note
		FROM observations
		WHERE station_id = $1 AND variable = $2 AND observed_at BETWEEN $3 AND $4
		ORDER BY observed_at ASC, source_provider_id ASC`,
		stationID, string(variable), from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []obs.Observation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}

	return out, rows.Err()
}

// Latest returns the most recent observation for (station, variable).
func (s *PostgresStore) Latest(ctx context.Context, stationID string, variable obs.Variable) (*obs.Observation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT station_id, observed_at, variable, value, source_provider_id, ingest_at, quality, repair_note
		FROM observations
		WHERE station_id = $1 AND variable = $2
		ORDER BY observed_at DESC
		LIMIT 1`,
		stationID, string(variable))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}

	o, err := scanObservation(rows)
	if err != nil {
		return nil, err
	}

	return &o, rows.Err()
}

// Freshness returns the elapsed time since the most recent observed_at.
func (s *PostgresStore) Freshness(ctx context.Context, stationID string, variable obs.Variable) (*time.Duration, error) {
	latest, err := s.Latest(ctx, stationID, variable)
	if err != nil || latest == nil {
		return nil, err
	}
	d := time.Since(latest.ObservedAt)
	return &d, nil
}

func scanObservation(rows pgx.Rows) (obs.Observation, error) {
	var o obs.Observation
	var variable, quality string
	err := rows.Scan(&o.StationID, &o.ObservedAt, &variable, &o.Value,
		&o.SourceProviderID, &o.IngestAt, &quality, &o.RepairNote)
	if err != nil {
		return obs.Observation{}, err
	}
	o.ObservedAt = o.ObservedAt.UTC()
	o.IngestAt = o.IngestAt.UTC()
	o.Variable = obs.Variable(variable)
	o.Quality = obs.Quality(quality)
	return o, nil
}

// OpenAlerts lists active alerts, newest first.
func (s *PostgresStore) OpenAlerts(ctx context.Context, stationID string) ([]alert.Alert, error) {
	query := `
		SELECT id, station_id, alert_kind, severity, opened_at, closed_at, last_evaluated_at, cause_summary
		FROM alerts
		WHERE closed_at IS NULL`
	args := []any{}
	if stationID != "" {
		query += ` AND station_id = $1`
		args = append(args, stationID)
	}
	query += ` ORDER BY opened_at DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []alert.Alert
	for rows.Next() {
		var a alert.Alert
		var kind, severity string
		err := rows.Scan(&a.ID, &a.StationID, &kind, &severity,
			&a.OpenedAt, &a.ClosedAt, &a.LastEvaluatedAt, &a.CauseSummary)
		if err != nil {
			return nil, err
		}
		a.Kind = alert.Kind(kind)
		a.Severity = alert.Severity(severity)
		out = append(out, a)
	}

	return out, rows.Err()
}

// UpsertAlert applies an alert state change inside one transaction so a
// crash never leaves an alert half-transitioned.
func (s *PostgresStore) UpsertAlert(ctx context.Context, a alert.Alert) (AlertTransition, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return AlertUnchanged, fmt.Errorf("beginning alert transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	var activeID string
	var lastEvaluatedAt time.Time
	var causeSummary string
	err = tx.QueryRow(ctx, `
		SELECT id, last_evaluated_at, cause_summary
		FROM alerts
		WHERE station_id = $1 AND alert_kind = $2 AND closed_at IS NULL
		FOR UPDATE`,
		a.StationID, string(a.Kind)).Scan(&activeID, &lastEvaluatedAt, &causeSummary)

	hasActive := true
	if errors.Is(err, pgx.ErrNoRows) {
		hasActive = false
	} else if err != nil {
		return AlertUnchanged, fmt.Errorf("reading active alert: %w", err)
	}

	transition := AlertUnchanged
	switch {
	case a.ClosedAt != nil && hasActive:
		_, err = tx.Exec(ctx,
			`UPDATE alerts SET closed_at = $2, last_evaluated_at = $3 WHERE id = $1`,
			activeID, a.ClosedAt, a.LastEvaluatedAt)
		transition = AlertClosed
	case a.ClosedAt != nil:
		// Closing a kind with no active episode is a no-op.
	case hasActive:
		if lastEvaluatedAt.Equal(a.LastEvaluatedAt) && causeSummary == a.CauseSummary {
			break
		}
		_, err = tx.Exec(ctx,
			`UPDATE alerts SET last_evaluated_at = $2, cause_summary = $3 WHERE id = $1`,
			activeID, a.LastEvaluatedAt, a.CauseSummary)
		transition = AlertUpdated
	default:
		_, err = tx.Exec(ctx, `
			INSERT INTO alerts (id, station_id, alert_kind, severity, opened_at, closed_at, last_evaluated_at, cause_summary)
			VALUES ($1, $2, $3, $4, $5, NULL, $6, $7)`,
			a.ID, a.StationID, string(a.Kind), string(a.Severity),
			a.OpenedAt, a.LastEvaluatedAt, a.CauseSummary)
		transition = AlertOpened
	}
	if err != nil {
		return AlertUnchanged, fmt.Errorf("applying alert transition: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return AlertUnchanged, fmt.Errorf("committing alert transaction: %w", err)
	}

	return transition, nil
}

// Health returns the counter snapshot for this handle plus the persisted
// metadata row.
func (s *PostgresStore) Health(ctx context.Context) (HealthSnapshot, error) {
	snapshot := HealthSnapshot{
		SchemaVersion:     SchemaVersion,
		Inserted:          s.inserted.Load(),
		Replaced:          s.replaced.Load(),
		Conflicted:        s.conflicted.Load(),
		RejectedDuplicate: s.rejectedDuplicate.Load(),
	}

	err := s.pool.QueryRow(ctx,
		`SELECT last_maintenance_at FROM store_metadata WHERE id = 1`).
		Scan(&snapshot.LastMaintenanceAt)
	if err != nil {
		return snapshot, fmt.Errorf("reading store metadata: %w", err)
	}

	return snapshot, nil
}
