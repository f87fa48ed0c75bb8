package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

const schema = `
CREATE TABLE IF NOT EXISTS stations (
  id   TEXT PRIMARY KEY,
  name TEXT NOT NULL DEFAULT '',
  lat  DOUBLE PRECISION NOT NULL CHECK (lat BETWEEN -90 AND 90),
  lng  DOUBLE PRECISION NOT NULL CHECK (lng BETWEEN -180 AND 180)
);

CREATE TABLE IF NOT EXISTS vehicles (
  id                  TEXT PRIMARY KEY,
  device_id           TEXT UNIQUE,
  plate_number        TEXT NOT NULL DEFAULT '',
  lat                 DOUBLE PRECISION NOT NULL DEFAULT 0 CHECK (lat BETWEEN -90 AND 90),
  lng                 DOUBLE PRECISION NOT NULL DEFAULT 0 CHECK (lng BETWEEN -180 AND 180),
  status              TEXT NOT NULL DEFAULT 'INACTIVE',
  route               JSONB,
  current_station_id  TEXT,
  speed               DOUBLE PRECISION NOT NULL DEFAULT 0,
  heading             DOUBLE PRECISION NOT NULL DEFAULT 0,
  tracking_updated_at TIMESTAMPTZ,
  last_update_time    TIMESTAMPTZ,
  version             BIGINT NOT NULL DEFAULT 0
);
`

// EnsureSchema creates the tracking tables when they do not exist yet.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
