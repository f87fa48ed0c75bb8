// Package tracking turns raw position reports into persisted vehicle state
// and tracking snapshots.
//
// Every write to a vehicle happens under a per-vehicle lock as a single
// read-modify-write against the store. Routing calls run before the lock is
// taken; their result is dropped if the vehicle's next station changed in the
// meantime.
//
// Broadcast sinks run while the vehicle lock is still held, so every sink sees
// one vehicle's snapshots in commit order. Network sinks (Redis, NATS) are
// therefore inside the critical section: a slow sink delays the next report
// for that vehicle, not for other vehicles.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"bus-tracker/internal/fleet"
	"bus-tracker/internal/hub"
)

type VehicleStore interface {
	FindByID(ctx context.Context, id string) (*fleet.Vehicle, error)
	FindByDeviceID(ctx context.Context, deviceID string) (*fleet.Vehicle, error)
	Save(ctx context.Context, v *fleet.Vehicle) error
}

type StationStore interface {
	FindByID(ctx context.Context, id string) (*fleet.Station, error)
}

// Router computes driving distance (meters) and duration (seconds).
type Router interface {
	Distance(ctx context.Context, start, end fleet.Point) (float64, error)
	ETA(ctx context.Context, start, end fleet.Point) (float64, error)
}

// Broadcaster receives every snapshot produced by the service.
type Broadcaster interface {
	Broadcast(ctx context.Context, snap fleet.Snapshot)
}

// Broadcasters fans a snapshot out to each element in order.
type Broadcasters []Broadcaster

func (b Broadcasters) Broadcast(ctx context.Context, snap fleet.Snapshot) {
	for _, x := range b {
		x.Broadcast(ctx, snap)
	}
}

// SnapshotCache returns the last broadcast snapshot of a vehicle, if any.
type SnapshotCache interface {
	Get(ctx context.Context, vehicleID string) (*fleet.Snapshot, error)
}

// Metrics receives ingestion telemetry. May be nil.
type Metrics interface {
	ReportAccepted(source string)
	ReportRejected(reason string)
	ProjectionDegraded()
	IngestObserve(d time.Duration)
}

const (
	SourceDevice   = "device"
	SourceOperator = "operator"
)

type Option func(*Service)

func WithCache(c SnapshotCache) Option { return func(s *Service) { s.cache = c } }

func WithMetrics(m Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithClock overrides the clock. Times are stored at microsecond precision.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

type Service struct {
	vehicles    VehicleStore
	stations    StationStore
	router      Router
	broadcaster Broadcaster
	registry    *Registry
	locks       *keyedMutex

	cache   SnapshotCache
	metrics Metrics
	now     func() time.Time
}

func NewService(vehicles VehicleStore, stations StationStore, router Router, b Broadcaster, opts ...Option) *Service {
	s := &Service{
		vehicles:    vehicles,
		stations:    stations,
		router:      router,
		broadcaster: b,
		registry:    NewRegistry(vehicles),
		locks:       newKeyedMutex(),
		now:         func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ingest validates a device report, projects the next station, persists the
// new state and broadcasts the resulting snapshot.
func (s *Service) Ingest(ctx context.Context, r fleet.Report) (fleet.Snapshot, error) {
	start := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.IngestObserve(time.Since(start))
		}
	}()

	if !fleet.ValidCoordinates(r.Latitude, r.Longitude) {
		s.reject("invalid_coordinates")
		return fleet.Snapshot{}, fmt.Errorf("%w: lat=%v lng=%v", fleet.ErrInvalidCoordinates, r.Latitude, r.Longitude)
	}

	current, err := s.load(ctx, r)
	if err != nil {
		return fleet.Snapshot{}, s.lookupFailed(err)
	}
	vehicleID := current.ID
	pos := fleet.NewPoint(r.Longitude, r.Latitude)
	next := s.project(ctx, current, pos)

	unlock := s.locks.Lock(vehicleID)
	defer unlock()

	v, err := s.vehicles.FindByID(ctx, vehicleID)
	if err != nil {
		return fleet.Snapshot{}, s.lookupFailed(err)
	}
	if next != nil {
		if id, ok := v.Route.NextStation(v.CurrentStationID); !ok || id != next.StationID {
			slog.Info("discarding stale projection", "vehicle", vehicleID, "projected", next.StationID, "current_next", id)
			next = nil
		}
	}

	now := s.now()
	speed := r.SpeedOrZero()
	v.CurrentLocation = pos
	v.LastUpdateTime = now
	v.TrackingData = fleet.TrackingData{Speed: speed, Heading: r.Heading, LastUpdate: now}
	v.Status = fleet.DeriveStatus(v.Status, speed)
	if next != nil && v.Route != nil {
		eta := next.ETAMinutes
		v.Route.EstimatedTime = &eta
	}
	if err := s.save(ctx, v); err != nil {
		return fleet.Snapshot{}, err
	}

	snap := fleet.SnapshotOf(v, next)
	s.broadcast(ctx, snap)
	if s.metrics != nil {
		s.metrics.ReportAccepted(SourceDevice)
	}
	slog.Debug("report ingested", "vehicle", v.ID, "device", r.DeviceID, "status", v.Status, "has_next", next != nil)
	return snap, nil
}

// UpdateLocation is the operator correction path: it writes the location
// without ETA projection and broadcasts on the same rooms as device reports.
func (s *Service) UpdateLocation(ctx context.Context, u fleet.DirectUpdate) (fleet.Snapshot, error) {
	if !fleet.ValidCoordinates(u.Lat, u.Lng) {
		s.reject("invalid_coordinates")
		return fleet.Snapshot{}, fmt.Errorf("%w: lat=%v lng=%v", fleet.ErrInvalidCoordinates, u.Lat, u.Lng)
	}
	if u.VehicleID == "" {
		return fleet.Snapshot{}, s.lookupFailed(fleet.ErrVehicleNotFound)
	}

	unlock := s.locks.Lock(u.VehicleID)
	defer unlock()

	v, err := s.vehicles.FindByID(ctx, u.VehicleID)
	if err != nil {
		return fleet.Snapshot{}, s.lookupFailed(err)
	}
	now := s.now()
	v.CurrentLocation = fleet.NewPoint(u.Lng, u.Lat)
	v.LastUpdateTime = now
	if u.Speed != nil || u.Heading != nil {
		td := fleet.TrackingData{LastUpdate: now}
		if u.Speed != nil {
			td.Speed = *u.Speed
		}
		if u.Heading != nil {
			td.Heading = *u.Heading
		}
		v.TrackingData = td
	}
	if err := s.save(ctx, v); err != nil {
		return fleet.Snapshot{}, err
	}

	snap := fleet.SnapshotOf(v, nil)
	s.broadcast(ctx, snap)
	if s.metrics != nil {
		s.metrics.ReportAccepted(SourceOperator)
	}
	return snap, nil
}

// SetStatus is the operator status edit. MAINTENANCE set here survives
// subsequent device reports until an operator sets another status.
func (s *Service) SetStatus(ctx context.Context, vehicleID string, status fleet.Status) (*fleet.Vehicle, error) {
	unlock := s.locks.Lock(vehicleID)
	defer unlock()

	v, err := s.vehicles.FindByID(ctx, vehicleID)
	if err != nil {
		return nil, err
	}
	v.Status = status
	if err := s.save(ctx, v); err != nil {
		return nil, err
	}
	slog.Info("vehicle status set", "vehicle", vehicleID, "status", status)
	return v, nil
}

// AssignRoute replaces the vehicle's route and current station. Every station
// must exist and the current station, when given, must be on the route.
func (s *Service) AssignRoute(ctx context.Context, vehicleID string, route fleet.Route, currentStationID string) (*fleet.Vehicle, error) {
	for _, id := range route.Stations {
		if _, err := s.stations.FindByID(ctx, id); err != nil {
			return nil, fmt.Errorf("station %s: %w", id, err)
		}
	}
	if currentStationID != "" && route.StationIndex(currentStationID) < 0 {
		return nil, fmt.Errorf("station %s is not on route %s: %w", currentStationID, route.ID, fleet.ErrWaypointNotFound)
	}

	unlock := s.locks.Lock(vehicleID)
	defer unlock()

	v, err := s.vehicles.FindByID(ctx, vehicleID)
	if err != nil {
		return nil, err
	}
	r := route
	r.Stations = append([]string(nil), route.Stations...)
	r.EstimatedTime = nil
	v.Route = &r
	v.CurrentStationID = currentStationID
	if err := s.save(ctx, v); err != nil {
		return nil, err
	}
	slog.Info("vehicle route assigned", "vehicle", vehicleID, "route", route.ID, "stations", len(route.Stations), "current", currentStationID)
	return v, nil
}

// Snapshot returns the current tracking view of a vehicle built from
// persisted state. The cached broadcast snapshot is preferred when it matches
// the persisted update time, since it carries the next-station projection.
// Returns nil for vehicles that never reported.
func (s *Service) Snapshot(ctx context.Context, vehicleID string) (*fleet.Snapshot, error) {
	v, err := s.vehicles.FindByID(ctx, vehicleID)
	if err != nil {
		return nil, err
	}
	if v.LastUpdateTime.IsZero() {
		return nil, nil
	}
	if s.cache != nil {
		cached, err := s.cache.Get(ctx, vehicleID)
		if err != nil {
			slog.Warn("snapshot cache read failed", "vehicle", vehicleID, "err", err)
		} else if cached != nil && cached.Timestamp.Equal(v.LastUpdateTime) {
			return cached, nil
		}
	}
	snap := fleet.SnapshotOf(v, nil)
	return &snap, nil
}

// CurrentSnapshot resolves a hub room name and returns its snapshot. It
// implements hub.Seeder.
func (s *Service) CurrentSnapshot(ctx context.Context, room string) (*fleet.Snapshot, error) {
	vehicleID := room
	if deviceID, ok := hub.DeviceFromRoom(room); ok {
		id, err := s.registry.VehicleID(ctx, deviceID)
		if err != nil {
			return nil, err
		}
		vehicleID = id
	}
	return s.Snapshot(ctx, vehicleID)
}

// load reads the vehicle a report belongs to. A cached device mapping that
// the store no longer backs is dropped and resolved once more.
func (s *Service) load(ctx context.Context, r fleet.Report) (*fleet.Vehicle, error) {
	id, err := s.resolve(ctx, r)
	if err != nil {
		return nil, err
	}
	v, err := s.vehicles.FindByID(ctx, id)
	if r.DeviceID == "" {
		return v, err
	}
	stale := errors.Is(err, fleet.ErrVehicleNotFound) || (err == nil && v.DeviceID != r.DeviceID)
	if !stale {
		return v, err
	}
	slog.Info("device mapping stale", "device", r.DeviceID, "vehicle", id)
	s.registry.Forget(r.DeviceID)
	if id, err = s.resolve(ctx, r); err != nil {
		return nil, err
	}
	return s.vehicles.FindByID(ctx, id)
}

func (s *Service) resolve(ctx context.Context, r fleet.Report) (string, error) {
	if r.DeviceID != "" {
		return s.registry.VehicleID(ctx, r.DeviceID)
	}
	if r.VehicleID != "" {
		return r.VehicleID, nil
	}
	return "", fleet.ErrVehicleNotFound
}

// project computes the next-station projection from pos. Any failure yields
// nil: the report is still accepted without ETA or distance.
func (s *Service) project(ctx context.Context, v *fleet.Vehicle, pos fleet.Point) *fleet.NextWaypoint {
	nextID, ok := v.Route.NextStation(v.CurrentStationID)
	if !ok {
		return nil
	}
	st, err := s.stations.FindByID(ctx, nextID)
	if err != nil {
		slog.Warn("next station unavailable", "vehicle", v.ID, "station", nextID, "err", err)
		s.degraded()
		return nil
	}
	if !st.Location.Valid() {
		s.degraded()
		return nil
	}

	var distance, duration float64
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d, err := s.router.Distance(gctx, pos, st.Location)
		distance = d
		return err
	})
	g.Go(func() error {
		e, err := s.router.ETA(gctx, pos, st.Location)
		duration = e
		return err
	})
	if err := g.Wait(); err != nil {
		slog.Warn("projection degraded", "vehicle", v.ID, "station", nextID, "err", err)
		s.degraded()
		return nil
	}
	return &fleet.NextWaypoint{
		StationID:      nextID,
		ETAMinutes:     int(math.Round(duration / 60)),
		DistanceMeters: int(math.Round(distance)),
	}
}

func (s *Service) save(ctx context.Context, v *fleet.Vehicle) error {
	if err := s.vehicles.Save(ctx, v); err != nil {
		reason := "store_error"
		if errors.Is(err, fleet.ErrConflict) {
			reason = "conflict"
		}
		s.reject(reason)
		slog.Error("vehicle save failed", "vehicle", v.ID, "err", err)
		return fmt.Errorf("save vehicle %s: %w", v.ID, err)
	}
	return nil
}

// broadcast is detached from the caller's cancellation: the state write has
// committed and subscribers should see it even if the submitter went away.
func (s *Service) broadcast(ctx context.Context, snap fleet.Snapshot) {
	if s.broadcaster == nil {
		return
	}
	s.broadcaster.Broadcast(context.WithoutCancel(ctx), snap)
}

func (s *Service) lookupFailed(err error) error {
	if errors.Is(err, fleet.ErrVehicleNotFound) {
		s.reject("vehicle_not_found")
	} else {
		s.reject("store_error")
	}
	return err
}

func (s *Service) reject(reason string) {
	if s.metrics != nil {
		s.metrics.ReportRejected(reason)
	}
}

func (s *Service) degraded() {
	if s.metrics != nil {
		s.metrics.ProjectionDegraded()
	}
}
