package persist

import (
	"context"
	"database/sql"
	_ "embed"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"transitbd/tracker/internal/geo"
	"transitbd/tracker/internal/state"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

// SQLite stores vehicle state in an embedded database file.
type SQLite struct {
	db      *sql.DB
	writeMu sync.Mutex
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite path must be provided")
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite database")
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping sqlite database")
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "apply sqlite schema")
	}
	return &SQLite{db: db}, nil
}

// SaveVehicleState upserts the row unless the stored row is newer.
func (s *SQLite) SaveVehicleState(ctx context.Context, v state.VehicleState) error {
	const query = `
		INSERT INTO vehicle_states (vehicle_id, route_id, latitude, longitude, heading, speed_kmh,
			occupancy, delay_minutes, status, last_updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(vehicle_id) DO UPDATE SET
			route_id = excluded.route_id,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			heading = excluded.heading,
			speed_kmh = excluded.speed_kmh,
			occupancy = excluded.occupancy,
			delay_minutes = excluded.delay_minutes,
			status = excluded.status,
			last_updated_at = excluded.last_updated_at
		WHERE excluded.last_updated_at >= vehicle_states.last_updated_at`

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, query,
		v.VehicleID, v.RouteID, v.Location.Lat, v.Location.Lng, v.Heading, v.SpeedKmh,
		string(v.Occupancy), v.DelayMinutes, string(v.Status), v.LastUpdatedAt.UnixNano())
	if err != nil {
		return errors.Wrapf(markFailure(err), "save vehicle %s", v.VehicleID)
	}
	return nil
}

// LoadVehicleState reads the stored row for the vehicle.
func (s *SQLite) LoadVehicleState(ctx context.Context, vehicleID string) (state.VehicleState, error) {
	const query = `
		SELECT vehicle_id, route_id, latitude, longitude, heading, speed_kmh,
			occupancy, delay_minutes, status, last_updated_at
		FROM vehicle_states WHERE vehicle_id = ?`

	var (
		v         state.VehicleState
		occupancy string
		status    string
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, query, vehicleID).Scan(
		&v.VehicleID, &v.RouteID, &v.Location.Lat, &v.Location.Lng, &v.Heading, &v.SpeedKmh,
		&occupancy, &v.DelayMinutes, &status, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return state.VehicleState{}, ErrNotFound
	}
	if err != nil {
		return state.VehicleState{}, errors.Wrapf(markFailure(err), "load vehicle %s", vehicleID)
	}
	return hydrate(v, occupancy, status, time.Unix(0, updatedAt)), nil
}

// Close releases the database handle.
func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func hydrate(v state.VehicleState, occupancy, status string, updatedAt time.Time) state.VehicleState {
	v.Occupancy, _ = state.ParseOccupancy(occupancy)
	if parsed, ok := state.ParseStatus(status); ok {
		v.Status = parsed
	} else {
		v.Status = state.StatusOffline
	}
	v.LastUpdatedAt = updatedAt.UTC()
	v.Heading = geo.NormalizeHeading(v.Heading)
	return v
}

type failure struct{ cause error }

func (f failure) Error() string { return ErrPersistence.Error() + ": " + f.cause.Error() }

func (f failure) Unwrap() []error { return []error{ErrPersistence, f.cause} }

func markFailure(err error) error { return failure{cause: err} }
