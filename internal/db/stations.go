package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"bus-tracker/internal/fleet"
)

type StationStore struct {
	db *sql.DB
}

func NewStationStore(db *sql.DB) *StationStore {
	return &StationStore{db: db}
}

// FindByID returns fleet.ErrWaypointNotFound when the station is unknown.
func (s *StationStore) FindByID(ctx context.Context, id string) (*fleet.Station, error) {
	var st fleet.Station
	err := s.db.QueryRowContext(ctx, `SELECT id, name, lat, lng FROM stations WHERE id = $1`, id).
		Scan(&st.ID, &st.Name, &st.Location.Lat, &st.Location.Lng)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fleet.ErrWaypointNotFound
		}
		return nil, fmt.Errorf("query station: %w", err)
	}
	return &st, nil
}

// Upsert inserts or replaces a station. Used for fixtures.
func (s *StationStore) Upsert(ctx context.Context, st fleet.Station) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO stations (id, name, lat, lng) VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, lat = EXCLUDED.lat, lng = EXCLUDED.lng`,
		st.ID, st.Name, st.Location.Lat, st.Location.Lng)
	if err != nil {
		return fmt.Errorf("upsert station %s: %w", st.ID, err)
	}
	return nil
}
