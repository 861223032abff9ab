package persist

import (
	"context"
	_ "embed"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"transitbd/tracker/internal/state"
)

//go:embed schema_postgres.sql
var postgresSchema string

// Postgres stores vehicle state in a PostgreSQL table through a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to the database URL, verifies it and applies the schema.
func OpenPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, errors.New("postgres database URL must be provided")
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "create postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "apply postgres schema")
	}
	return &Postgres{pool: pool}, nil
}

// SaveVehicleState upserts the row unless the stored row is newer.
func (p *Postgres) SaveVehicleState(ctx context.Context, v state.VehicleState) error {
	const query = `
		INSERT INTO vehicle_states (vehicle_id, route_id, latitude, longitude, heading, speed_kmh,
			occupancy, delay_minutes, status, last_updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (vehicle_id) DO UPDATE SET
			route_id = EXCLUDED.route_id,
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			heading = EXCLUDED.heading,
			speed_kmh = EXCLUDED.speed_kmh,
			occupancy = EXCLUDED.occupancy,
			delay_minutes = EXCLUDED.delay_minutes,
			status = EXCLUDED.status,
			last_updated_at = EXCLUDED.last_updated_at
		WHERE EXCLUDED.last_updated_at >= vehicle_states.last_updated_at`

	_, err := p.pool.Exec(ctx, query,
		v.VehicleID, v.RouteID, v.Location.Lat, v.Location.Lng, v.Heading, v.SpeedKmh,
		string(v.Occupancy), v.DelayMinutes, string(v.Status), v.LastUpdatedAt.UTC())
	if err != nil {
		return errors.Wrapf(markFailure(err), "save vehicle %s", v.VehicleID)
	}
	return nil
}

// LoadVehicleState reads the stored row for the vehicle.
func (p *Postgres) LoadVehicleState(ctx context.Context, vehicleID string) (state.VehicleState, error) {
	const query = `
		SELECT vehicle_id, route_id, latitude, longitude, heading, speed_kmh,
			occupancy, delay_minutes, status, last_updated_at
		FROM vehicle_states WHERE vehicle_id = $1`

	var (
		v         state.VehicleState
		occupancy string
		status    string
		updatedAt time.Time
	)
	err := p.pool.QueryRow(ctx, query, vehicleID).Scan(
		&v.VehicleID, &v.RouteID, &v.Location.Lat, &v.Location.Lng, &v.Heading, &v.SpeedKmh,
		&occupancy, &v.DelayMinutes, &status, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return state.VehicleState{}, ErrNotFound
	}
	if err != nil {
		return state.VehicleState{}, errors.Wrapf(markFailure(err), "load vehicle %s", vehicleID)
	}
	return hydrate(v, occupancy, status, updatedAt), nil
}

// Close releases the pool.
func (p *Postgres) Close() error {
	if p == nil || p.pool == nil {
		return nil
	}
	p.pool.Close()
	return nil
}
