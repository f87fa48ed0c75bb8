// Package sim drives simulated tracker devices along the station polylines of
// their vehicles' assigned routes.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"bus-tracker/internal/fleet"
	"bus-tracker/internal/geo"
	mmetrics "bus-tracker/internal/metrics"
)

type VehicleLister interface {
	List(ctx context.Context) ([]*fleet.Vehicle, error)
}

type StationFinder interface {
	FindByID(ctx context.Context, id string) (*fleet.Station, error)
}

type ReportPublisher interface {
	PublishReport(r fleet.Report) error
}

type Manager struct {
	vehicles        VehicleLister
	stations        StationFinder
	pub             ReportPublisher
	publishInterval time.Duration
	speedKmh        float64
	refreshInterval time.Duration
	metrics         *mmetrics.Collector
	now             func() time.Time

	mu      sync.Mutex
	running map[string]*drive // vehicleID -> driver
	wg      sync.WaitGroup

	refreshCancel context.CancelFunc
	refreshWG     sync.WaitGroup
}

func NewManager(vehicles VehicleLister, stations StationFinder, pub ReportPublisher, publishInterval time.Duration, speedKmh float64, refreshInterval time.Duration, metrics *mmetrics.Collector) *Manager {
	if metrics != nil {
		metrics.SimSpeedKmh.Set(speedKmh)
		metrics.SimInterval.Set(publishInterval.Seconds())
	}
	return &Manager{
		vehicles:        vehicles,
		stations:        stations,
		pub:             pub,
		publishInterval: publishInterval,
		speedKmh:        speedKmh,
		refreshInterval: refreshInterval,
		metrics:         metrics,
		now:             func() time.Time { return time.Now().UTC() },
		running:         make(map[string]*drive),
	}
}

// drive is one running vehicle goroutine and the route it was started on.
type drive struct {
	cancel context.CancelFunc
	route  string
}

func routeKey(r *fleet.Route) string {
	return r.ID + "|" + strings.Join(r.Stations, ",")
}

// Running returns the number of vehicles currently driving.
func (m *Manager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

func (m *Manager) startVehicle(parent context.Context, v *fleet.Vehicle) {
	m.mu.Lock()
	if _, exists := m.running[v.ID]; exists {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(parent)
	d := &drive{cancel: cancel, route: routeKey(v.Route)}
	m.running[v.ID] = d
	m.wg.Add(1)
	m.observeRunningLocked()
	m.mu.Unlock()

	slog.Info("starting vehicle", "vehicle", v.ID, "device", v.DeviceID, "route", v.Route.ID)
	go func() {
		defer m.wg.Done()
		if err := m.runVehicle(ctx, v); err != nil && ctx.Err() == nil {
			slog.Error("vehicle simulation failed", "vehicle", v.ID, "err", err)
		}
		cancel()
		m.mu.Lock()
		if m.running[v.ID] == d {
			delete(m.running, v.ID)
		}
		m.observeRunningLocked()
		m.mu.Unlock()
	}()
}

// stopVehicle cancels a running vehicle and forgets it at once, so a
// replacement can start before the old goroutine has exited.
func (m *Manager) stopVehicle(id, reason string) {
	m.mu.Lock()
	d, ok := m.running[id]
	if ok {
		delete(m.running, id)
		m.observeRunningLocked()
	}
	m.mu.Unlock()
	if ok {
		d.cancel()
		slog.Info("stopping vehicle", "vehicle", id, "reason", reason)
	}
}

func (m *Manager) observeRunningLocked() {
	if m.metrics != nil {
		m.metrics.SimActiveVehicles.Set(float64(len(m.running)))
	}
}

// path is the polyline through a route's stations.
type path struct {
	points   []fleet.Point
	cum      []float64
	stations []float64 // distance along the path of each station
}

func (m *Manager) loadPath(ctx context.Context, r *fleet.Route) (*path, error) {
	p := &path{}
	for _, id := range r.Stations {
		st, err := m.stations.FindByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("station %s: %w", id, err)
		}
		p.points = append(p.points, st.Location)
	}
	p.cum = geo.CumDistances(p.points)
	p.stations = append([]float64(nil), p.cum...)
	return p, nil
}

func (p *path) total() float64 {
	if len(p.cum) == 0 {
		return 0
	}
	return p.cum[len(p.cum)-1]
}

// stepper advances a simulated bus along a path. The bus dwells for one tick
// at each station it reaches and turns around at either terminus.
type stepper struct {
	p       *path
	dist    float64
	forward bool
	next    int // index of the next station to reach
	dwell   bool
}

func newStepper(p *path, startIdx int) *stepper {
	if startIdx < 0 {
		startIdx = 0
	}
	s := &stepper{p: p, dist: p.stations[startIdx], forward: true, next: startIdx + 1}
	if s.next >= len(p.stations) {
		s.forward = false
		s.next = startIdx - 1
	}
	return s
}

// step moves by meters and returns the new position, bearing and whether the
// bus is stopped at a station.
func (s *stepper) step(meters float64) (fleet.Point, float64, bool) {
	if s.dwell {
		s.dwell = false
	} else {
		target := s.p.stations[s.next]
		if s.forward {
			s.dist += meters
			if s.dist >= target {
				s.arrive(target)
			}
		} else {
			s.dist -= meters
			if s.dist <= target {
				s.arrive(target)
			}
		}
	}
	pos, bearing, _ := geo.Interpolate(s.p.points, s.p.cum, s.dist)
	if !s.forward {
		bearing = reverse(bearing)
	}
	return pos, bearing, s.dwell
}

func (s *stepper) arrive(at float64) {
	s.dist = at
	s.dwell = true
	last := len(s.p.stations) - 1
	switch {
	case s.forward && s.next == last:
		s.forward = false
		s.next = last - 1
	case !s.forward && s.next == 0:
		s.forward = true
		s.next = 1
	case s.forward:
		s.next++
	default:
		s.next--
	}
}

func reverse(bearing float64) float64 {
	b := bearing + 180
	if b >= 360 {
		b -= 360
	}
	return b
}

func (m *Manager) runVehicle(ctx context.Context, v *fleet.Vehicle) error {
	p, err := m.loadPath(ctx, v.Route)
	if err != nil {
		return err
	}
	if p.total() == 0 {
		// All stations at one point: nothing to drive.
		return nil
	}
	st := newStepper(p, v.Route.StationIndex(v.CurrentStationID))
	metersPerTick := m.speedKmh / 3.6 * m.publishInterval.Seconds()

	tick := time.NewTicker(m.publishInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			tickStart := time.Now()
			pos, bearing, stopped := st.step(metersPerTick)
			speed := m.speedKmh
			if stopped {
				speed = 0
			}
			r := fleet.Report{
				DeviceID:  v.DeviceID,
				Latitude:  pos.Lat,
				Longitude: pos.Lng,
				Speed:     &speed,
				Heading:   bearing,
				Timestamp: m.now(),
			}
			if err := m.pub.PublishReport(r); err != nil {
				slog.Warn("publish error", "vehicle", v.ID, "err", err)
			}
			if m.metrics != nil {
				m.metrics.SimTickDuration.Observe(time.Since(tickStart).Seconds())
			}
		}
	}
}

func (m *Manager) Stop() {
	if m.refreshCancel != nil {
		m.refreshCancel()
	}
	m.refreshWG.Wait()
	m.mu.Lock()
	for _, d := range m.running {
		d.cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// StartRefresher launches a background loop that periodically lists vehicles
// and starts goroutines for newly drivable ones.
func (m *Manager) StartRefresher(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	m.refreshCancel = cancel
	m.refreshWG.Add(1)
	go func() {
		defer m.refreshWG.Done()
		// immediate refresh on start
		if err := m.RefreshActive(ctx); err != nil {
			slog.Error("refresh vehicles error", "err", err)
		}
		if m.refreshInterval <= 0 {
			return
		}
		ticker := time.NewTicker(m.refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.RefreshActive(ctx); err != nil {
					slog.Error("refresh vehicles error", "err", err)
				}
			}
		}
	}()
}

// RefreshActive reconciles running vehicles with the store. Vehicles that
// became drivable are started; vehicles that were removed, went into
// maintenance or lost their device are stopped; vehicles whose route changed
// are restarted on the new route.
func (m *Manager) RefreshActive(ctx context.Context) error {
	vs, err := m.vehicles.List(ctx)
	if err != nil {
		return err
	}
	wanted := make(map[string]*fleet.Vehicle, len(vs))
	for _, v := range vs {
		if drivable(v) {
			wanted[v.ID] = v
		}
	}

	m.mu.Lock()
	stale := make(map[string]string)
	for id, d := range m.running {
		v, ok := wanted[id]
		switch {
		case !ok:
			stale[id] = "not drivable"
		case d.route != routeKey(v.Route):
			stale[id] = "route changed"
		}
	}
	m.mu.Unlock()
	for id, reason := range stale {
		m.stopVehicle(id, reason)
	}

	for _, v := range wanted {
		m.startVehicle(ctx, v)
	}
	return nil
}

func drivable(v *fleet.Vehicle) bool {
	return v.DeviceID != "" &&
		v.Status != fleet.StatusMaintenance &&
		v.Route != nil && len(v.Route.Stations) >= 2
}
