// Package hub is the in-memory room registry that fans tracking snapshots out
// to live subscribers.
//
// A room is keyed by vehicle id (or "device:<id>" for device-scoped
// listeners). Publishing to a room delivers to every member in publish order
// and remembers the snapshot so that late joiners receive it first.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"bus-tracker/internal/fleet"
)

const devicePrefix = "device:"

// VehicleRoom returns the room name for a vehicle.
func VehicleRoom(vehicleID string) string { return vehicleID }

// DeviceRoom returns the room name for device-scoped listeners.
func DeviceRoom(deviceID string) string { return devicePrefix + deviceID }

// DeviceFromRoom reports the device id of a device room.
func DeviceFromRoom(name string) (string, bool) {
	if !strings.HasPrefix(name, devicePrefix) {
		return "", false
	}
	return strings.TrimPrefix(name, devicePrefix), true
}

// Subscriber is one live connection. Send must not block: implementations
// queue the snapshot and report an error when they cannot.
type Subscriber interface {
	ID() string
	Send(snap fleet.Snapshot) error
}

// Seeder supplies the persisted state of a room for joiners when the hub has
// not seen a publish yet (or has an older one). A fleet.ErrVehicleNotFound
// result rejects the join; other errors only skip seeding.
type Seeder interface {
	CurrentSnapshot(ctx context.Context, room string) (*fleet.Snapshot, error)
}

// SeederFunc adapts a function to Seeder.
type SeederFunc func(ctx context.Context, room string) (*fleet.Snapshot, error)

func (f SeederFunc) CurrentSnapshot(ctx context.Context, room string) (*fleet.Snapshot, error) {
	return f(ctx, room)
}

// Metrics receives hub telemetry. May be nil.
type Metrics interface {
	HubDelivered(n int)
	HubDropped()
	HubMembership(rooms, subscribers int)
}

type Option func(*Hub)

func WithSeeder(s Seeder) Option { return func(h *Hub) { h.seeder = s } }

func WithMetrics(m Metrics) Option { return func(h *Hub) { h.metrics = m } }

type room struct {
	mu      sync.Mutex
	members map[string]Subscriber
	last    *fleet.Snapshot
	removed bool // dropped from Hub.rooms; publishers must look it up again
}

// Hub is safe for concurrent use. Lock order is Hub.mu before room.mu.
type Hub struct {
	mu          sync.RWMutex
	rooms       map[string]*room
	memberships map[string]map[string]struct{} // subscriber id -> room names

	seeder  Seeder
	metrics Metrics
}

func New(opts ...Option) *Hub {
	h := &Hub{
		rooms:       make(map[string]*room),
		memberships: make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// roomLocked returns the named room, creating it. h.mu must be held for writing.
func (h *Hub) roomLocked(name string) *room {
	r, ok := h.rooms[name]
	if !ok {
		r = &room{members: make(map[string]Subscriber)}
		h.rooms[name] = r
	}
	return r
}

// lockedRoom returns the named room with r.mu held, creating it if needed.
func (h *Hub) lockedRoom(name string) *room {
	for {
		r := h.room(name)
		r.mu.Lock()
		if !r.removed {
			return r
		}
		r.mu.Unlock()
	}
}

func (h *Hub) room(name string) *room {
	h.mu.RLock()
	r, ok := h.rooms[name]
	h.mu.RUnlock()
	if ok {
		return r
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.roomLocked(name)
}

// Join adds sub to the room and, if a snapshot is known, sends it to sub
// alone before any later publish can reach it. The seeder is consulted before
// any lock is taken. Joining a room whose vehicle does not exist fails with
// fleet.ErrVehicleNotFound and leaves no trace in the hub.
func (h *Hub) Join(ctx context.Context, sub Subscriber, name string) error {
	var seed *fleet.Snapshot
	if h.seeder != nil {
		s, err := h.seeder.CurrentSnapshot(ctx, name)
		switch {
		case errors.Is(err, fleet.ErrVehicleNotFound):
			slog.Debug("join rejected", "subscriber", sub.ID(), "room", name)
			return fmt.Errorf("join %s: %w", name, err)
		case err != nil:
			slog.Warn("hub seed lookup failed", "room", name, "err", err)
		default:
			seed = s
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	r := h.roomLocked(name)
	rooms, ok := h.memberships[sub.ID()]
	if !ok {
		rooms = make(map[string]struct{})
		h.memberships[sub.ID()] = rooms
	}
	rooms[name] = struct{}{}

	r.mu.Lock()
	if newer(seed, r.last) {
		r.last = seed
	}
	if r.last != nil {
		h.deliver(sub, *r.last)
	}
	r.members[sub.ID()] = sub
	r.mu.Unlock()

	h.observeMembershipLocked()
	slog.Debug("subscriber joined", "subscriber", sub.ID(), "room", name)
	return nil
}

// Leave removes the subscriber from one room. Unknown rooms are ignored.
func (h *Hub) Leave(subID, name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(subID, name)
	h.observeMembershipLocked()
}

// LeaveAll removes the subscriber from every room it joined.
func (h *Hub) LeaveAll(subID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for name := range h.memberships[subID] {
		h.leaveLocked(subID, name)
	}
	delete(h.memberships, subID)
	h.observeMembershipLocked()
}

func (h *Hub) leaveLocked(subID, name string) {
	if rooms, ok := h.memberships[subID]; ok {
		delete(rooms, name)
		if len(rooms) == 0 {
			delete(h.memberships, subID)
		}
	}
	r, ok := h.rooms[name]
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, subID)
	// Rooms that hold a snapshot stay for late joiners.
	if len(r.members) == 0 && r.last == nil {
		r.removed = true
		delete(h.rooms, name)
	}
}

// Publish stores snap as the room's latest snapshot and delivers it to every
// current member. Publishes to one room are serialized, so members observe
// them in publish order. Returns the number of successful deliveries.
func (h *Hub) Publish(name string, snap fleet.Snapshot) int {
	r := h.lockedRoom(name)
	defer r.mu.Unlock()
	s := snap
	r.last = &s
	delivered := 0
	for _, sub := range r.members {
		if h.deliver(sub, snap) {
			delivered++
		}
	}
	if h.metrics != nil {
		h.metrics.HubDelivered(delivered)
	}
	return delivered
}

// Broadcast publishes to the vehicle room and, when the snapshot carries a
// device id, to the device room.
func (h *Hub) Broadcast(_ context.Context, snap fleet.Snapshot) {
	h.Publish(VehicleRoom(snap.VehicleID), snap)
	if snap.DeviceID != "" {
		h.Publish(DeviceRoom(snap.DeviceID), snap)
	}
}

// Last returns the most recent snapshot published to the room.
func (h *Hub) Last(name string) (fleet.Snapshot, bool) {
	h.mu.RLock()
	r, ok := h.rooms[name]
	h.mu.RUnlock()
	if !ok {
		return fleet.Snapshot{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return fleet.Snapshot{}, false
	}
	return *r.last, true
}

// Members returns the number of subscribers in a room.
func (h *Hub) Members(name string) int {
	h.mu.RLock()
	r, ok := h.rooms[name]
	h.mu.RUnlock()
	if !ok {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

type Stats struct {
	Rooms       int `json:"rooms"`
	Subscribers int `json:"subscribers"`
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{Rooms: len(h.rooms), Subscribers: len(h.memberships)}
}

func (h *Hub) deliver(sub Subscriber, snap fleet.Snapshot) bool {
	if err := sub.Send(snap); err != nil {
		if h.metrics != nil {
			h.metrics.HubDropped()
		}
		slog.Debug("snapshot delivery dropped", "subscriber", sub.ID(), "vehicle", snap.VehicleID, "err", err)
		return false
	}
	return true
}

func (h *Hub) observeMembershipLocked() {
	if h.metrics != nil {
		h.metrics.HubMembership(len(h.rooms), len(h.memberships))
	}
}

// newer reports whether a should replace b.
func newer(a, b *fleet.Snapshot) bool {
	if a == nil {
		return false
	}
	if b == nil {
		return true
	}
	return a.Timestamp.After(b.Timestamp)
}
