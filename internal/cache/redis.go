// Package cache keeps the last broadcast snapshot of each vehicle in Redis so
// that snapshot reads can return the next-station projection, which is not
// persisted with the vehicle row.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"bus-tracker/internal/fleet"
)

const DefaultTTL = 5 * time.Minute

// Client is the subset of *redis.Client used here.
type Client interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

type SnapshotCache struct {
	rdb Client
	ttl time.Duration
}

func NewSnapshotCache(rdb Client, ttl time.Duration) *SnapshotCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &SnapshotCache{rdb: rdb, ttl: ttl}
}

func snapshotKey(vehicleID string) string {
	return fmt.Sprintf("vehicle:%s:snapshot", vehicleID)
}

func (c *SnapshotCache) Put(ctx context.Context, snap fleet.Snapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, snapshotKey(snap.VehicleID), b, c.ttl).Err()
}

// Get returns nil without error when nothing is cached.
func (c *SnapshotCache) Get(ctx context.Context, vehicleID string) (*fleet.Snapshot, error) {
	raw, err := c.rdb.Get(ctx, snapshotKey(vehicleID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap fleet.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode cached snapshot %s: %w", vehicleID, err)
	}
	return &snap, nil
}

// Broadcast stores snap. Failures are logged; the cache is best effort.
func (c *SnapshotCache) Broadcast(ctx context.Context, snap fleet.Snapshot) {
	if err := c.Put(ctx, snap); err != nil {
		slog.Warn("redis set error", "vehicle", snap.VehicleID, "err", err)
	}
}
