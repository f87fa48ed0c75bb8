package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bus-tracker/internal/fleet"
)

// VehicleStore persists vehicles in Postgres. Writes are full replacements of
// the tracked columns guarded by an optimistic version check.
type VehicleStore struct {
	db *sql.DB
}

func NewVehicleStore(db *sql.DB) *VehicleStore {
	return &VehicleStore{db: db}
}

const vehicleColumns = `id, device_id, plate_number, lat, lng, status, route, current_station_id,
       speed, heading, tracking_updated_at, last_update_time, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVehicle(row rowScanner) (*fleet.Vehicle, error) {
	var (
		v               fleet.Vehicle
		deviceID        sql.NullString
		status          string
		route           []byte
		currentStation  sql.NullString
		trackingUpdated sql.NullTime
		lastUpdateTime  sql.NullTime
	)
	err := row.Scan(&v.ID, &deviceID, &v.PlateNumber, &v.CurrentLocation.Lat, &v.CurrentLocation.Lng,
		&status, &route, &currentStation, &v.TrackingData.Speed, &v.TrackingData.Heading,
		&trackingUpdated, &lastUpdateTime, &v.Version)
	if err != nil {
		return nil, err
	}
	v.DeviceID = deviceID.String
	v.Status = fleet.Status(status)
	v.CurrentStationID = currentStation.String
	if trackingUpdated.Valid {
		v.TrackingData.LastUpdate = trackingUpdated.Time
	}
	if lastUpdateTime.Valid {
		v.LastUpdateTime = lastUpdateTime.Time
	}
	if len(route) > 0 && string(route) != "null" {
		var r fleet.Route
		if err := json.Unmarshal(route, &r); err != nil {
			return nil, fmt.Errorf("decode route for vehicle %s: %w", v.ID, err)
		}
		v.Route = &r
	}
	return &v, nil
}

func (s *VehicleStore) findOne(ctx context.Context, where string, arg string) (*fleet.Vehicle, error) {
	q := `SELECT ` + vehicleColumns + ` FROM vehicles WHERE ` + where
	v, err := scanVehicle(s.db.QueryRowContext(ctx, q, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fleet.ErrVehicleNotFound
		}
		return nil, fmt.Errorf("query vehicle: %w", err)
	}
	return v, nil
}

// FindByID returns fleet.ErrVehicleNotFound when no row matches.
func (s *VehicleStore) FindByID(ctx context.Context, id string) (*fleet.Vehicle, error) {
	return s.findOne(ctx, `id = $1`, id)
}

// FindByDeviceID returns fleet.ErrVehicleNotFound when no row matches.
func (s *VehicleStore) FindByDeviceID(ctx context.Context, deviceID string) (*fleet.Vehicle, error) {
	return s.findOne(ctx, `device_id = $1`, deviceID)
}

// List returns every registered vehicle ordered by id.
func (s *VehicleStore) List(ctx context.Context) ([]*fleet.Vehicle, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+vehicleColumns+` FROM vehicles ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query vehicles: %w", err)
	}
	defer rows.Close()

	var out []*fleet.Vehicle
	for rows.Next() {
		v, err := scanVehicle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Save replaces the tracked fields of v. It fails with fleet.ErrConflict when
// the row was modified after v was read, and bumps v.Version on success.
func (s *VehicleStore) Save(ctx context.Context, v *fleet.Vehicle) error {
	route, err := encodeRoute(v.Route)
	if err != nil {
		return err
	}
	q := `
UPDATE vehicles
SET lat = $2, lng = $3, status = $4, route = $5, current_station_id = $6,
    speed = $7, heading = $8, tracking_updated_at = $9, last_update_time = $10,
    version = version + 1
WHERE id = $1 AND version = $11
RETURNING version`
	var version int64
	err = s.db.QueryRowContext(ctx, q, v.ID, v.CurrentLocation.Lat, v.CurrentLocation.Lng, string(v.Status),
		route, nullString(v.CurrentStationID), v.TrackingData.Speed, v.TrackingData.Heading,
		nullTime(v.TrackingData.LastUpdate), nullTime(v.LastUpdateTime), v.Version).Scan(&version)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("update vehicle %s: %w", v.ID, err)
		}
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM vehicles WHERE id = $1)`, v.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check vehicle %s: %w", v.ID, err)
		}
		if !exists {
			return fleet.ErrVehicleNotFound
		}
		return fmt.Errorf("vehicle %s at version %d: %w", v.ID, v.Version, fleet.ErrConflict)
	}
	v.Version = version
	return nil
}

// Create registers a vehicle with no reported position.
func (s *VehicleStore) Create(ctx context.Context, v *fleet.Vehicle) error {
	route, err := encodeRoute(v.Route)
	if err != nil {
		return err
	}
	status := v.Status
	if status == "" {
		status = fleet.StatusInactive
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO vehicles (id, device_id, plate_number, lat, lng, status, route, current_station_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		v.ID, nullString(v.DeviceID), v.PlateNumber, v.CurrentLocation.Lat, v.CurrentLocation.Lng,
		string(status), route, nullString(v.CurrentStationID))
	if err != nil {
		return fmt.Errorf("insert vehicle %s: %w", v.ID, err)
	}
	v.Status = status
	v.Version = 0
	return nil
}

func encodeRoute(r *fleet.Route) (any, error) {
	if r == nil {
		return nil, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode route: %w", err)
	}
	return string(b), nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
