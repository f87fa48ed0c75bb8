package fleet

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// Status is the operational state of a vehicle.
type Status string

const (
	StatusActive      Status = "ACTIVE"
	StatusInactive    Status = "INACTIVE"
	StatusMaintenance Status = "MAINTENANCE"
)

// ParseStatus accepts the canonical names case-insensitively.
func ParseStatus(s string) (Status, error) {
	switch Status(strings.ToUpper(strings.TrimSpace(s))) {
	case StatusActive:
		return StatusActive, nil
	case StatusInactive:
		return StatusInactive, nil
	case StatusMaintenance:
		return StatusMaintenance, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// DeriveStatus applies the ingestion rule: moving buses are ACTIVE, stopped ones
// INACTIVE, and an operator-set MAINTENANCE is never cleared by a report.
func DeriveStatus(current Status, speed float64) Status {
	if current == StatusMaintenance {
		return StatusMaintenance
	}
	if speed > 0 {
		return StatusActive
	}
	return StatusInactive
}

// Point is a WGS84 coordinate.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// NewPoint builds a point from longitude-first input, the order used by
// GeoJSON and the routing provider.
func NewPoint(lng, lat float64) Point { return Point{Lat: lat, Lng: lng} }

// ValidCoordinates reports whether lat/lng lie inside the WGS84 ranges.
func ValidCoordinates(lat, lng float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lng) {
		return false
	}
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

// Valid reports whether p passes ValidCoordinates.
func (p Point) Valid() bool { return ValidCoordinates(p.Lat, p.Lng) }

// Route is the ordered list of stations a vehicle serves.
type Route struct {
	ID            string   `json:"id,omitempty"`
	Stations      []string `json:"stations"`
	EstimatedTime *int     `json:"estimatedTime,omitempty"` // minutes to next station
}

// StationIndex returns the position of id in the route, or -1.
func (r *Route) StationIndex(id string) int {
	if r == nil || id == "" {
		return -1
	}
	for i, s := range r.Stations {
		if s == id {
			return i
		}
	}
	return -1
}

// NextStation returns the station after current, if any. A current station
// that is not on the route yields no next station.
func (r *Route) NextStation(current string) (string, bool) {
	if r == nil {
		return "", false
	}
	i := r.StationIndex(current)
	if i < 0 || i+1 >= len(r.Stations) {
		return "", false
	}
	return r.Stations[i+1], true
}

// TrackingData is the last motion sample. It is replaced wholesale.
type TrackingData struct {
	Speed      float64   `json:"speed"`
	Heading    float64   `json:"heading"`
	LastUpdate time.Time `json:"lastUpdate"`
}

// Vehicle is one bus as persisted by the vehicle store.
type Vehicle struct {
	ID               string
	DeviceID         string
	PlateNumber      string
	CurrentLocation  Point
	Status           Status
	Route            *Route
	CurrentStationID string
	TrackingData     TrackingData
	LastUpdateTime   time.Time
	Version          int64
}

// Clone returns a deep copy so callers can mutate without aliasing the route.
func (v *Vehicle) Clone() *Vehicle {
	c := *v
	if v.Route != nil {
		r := *v.Route
		r.Stations = append([]string(nil), v.Route.Stations...)
		if v.Route.EstimatedTime != nil {
			et := *v.Route.EstimatedTime
			r.EstimatedTime = &et
		}
		c.Route = &r
	}
	return &c
}

// Station is a fixed stop. Read-only from the tracking core.
type Station struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Location Point  `json:"location"`
}

// Report is a raw position sample from a tracker or driver device.
type Report struct {
	DeviceID  string    `json:"deviceId,omitempty"`
	VehicleID string    `json:"vehicleId,omitempty"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Speed     *float64  `json:"speed,omitempty"`
	Heading   float64   `json:"heading"`
	Timestamp time.Time `json:"timestamp"`
}

// SpeedOrZero treats a missing speed as stationary.
func (r Report) SpeedOrZero() float64 {
	if r.Speed == nil {
		return 0
	}
	return *r.Speed
}

// DirectUpdate is an operator-issued location correction.
type DirectUpdate struct {
	VehicleID string   `json:"vehicleId"`
	Lat       float64  `json:"lat"`
	Lng       float64  `json:"lng"`
	Speed     *float64 `json:"speed,omitempty"`
	Heading   *float64 `json:"heading,omitempty"`
}

// NextWaypoint groups the projection towards the next station. Either all of
// it is known or none of it is.
type NextWaypoint struct {
	StationID      string
	ETAMinutes     int
	DistanceMeters int
}

// Snapshot is the immutable tracking view broadcast to subscribers.
type Snapshot struct {
	VehicleID       string
	DeviceID        string
	Location        Point
	Speed           float64
	Heading         float64
	Status          Status
	CurrentWaypoint string
	Next            *NextWaypoint
	Timestamp       time.Time
}

type snapshotJSON struct {
	VehicleID            string    `json:"vehicleId"`
	Location             Point     `json:"location"`
	Speed                float64   `json:"speed"`
	Heading              float64   `json:"heading"`
	Status               Status    `json:"status"`
	CurrentWaypointID    *string   `json:"currentWaypointId"`
	NextWaypointID       *string   `json:"nextWaypointId"`
	ETAMinutes           *int      `json:"etaMinutes"`
	DistanceToNextMeters *int      `json:"distanceToNextMeters"`
	Timestamp            time.Time `json:"timestamp"`
}

func (s Snapshot) MarshalJSON() ([]byte, error) {
	out := snapshotJSON{
		VehicleID: s.VehicleID,
		Location:  s.Location,
		Speed:     s.Speed,
		Heading:   s.Heading,
		Status:    s.Status,
		Timestamp: s.Timestamp,
	}
	if s.CurrentWaypoint != "" {
		cur := s.CurrentWaypoint
		out.CurrentWaypointID = &cur
	}
	if s.Next != nil {
		id, eta, dist := s.Next.StationID, s.Next.ETAMinutes, s.Next.DistanceMeters
		out.NextWaypointID = &id
		out.ETAMinutes = &eta
		out.DistanceToNextMeters = &dist
	}
	return json.Marshal(out)
}

func (s *Snapshot) UnmarshalJSON(b []byte) error {
	var in snapshotJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	*s = Snapshot{
		VehicleID: in.VehicleID,
		Location:  in.Location,
		Speed:     in.Speed,
		Heading:   in.Heading,
		Status:    in.Status,
		Timestamp: in.Timestamp,
	}
	if in.CurrentWaypointID != nil {
		s.CurrentWaypoint = *in.CurrentWaypointID
	}
	if in.NextWaypointID != nil && in.ETAMinutes != nil && in.DistanceToNextMeters != nil {
		s.Next = &NextWaypoint{
			StationID:      *in.NextWaypointID,
			ETAMinutes:     *in.ETAMinutes,
			DistanceMeters: *in.DistanceToNextMeters,
		}
	}
	return nil
}

// SnapshotOf builds a snapshot from post-write vehicle state.
func SnapshotOf(v *Vehicle, next *NextWaypoint) Snapshot {
	s := Snapshot{
		VehicleID:       v.ID,
		DeviceID:        v.DeviceID,
		Location:        v.CurrentLocation,
		Speed:           v.TrackingData.Speed,
		Heading:         v.TrackingData.Heading,
		Status:          v.Status,
		CurrentWaypoint: v.CurrentStationID,
		Timestamp:       v.LastUpdateTime,
	}
	if next != nil {
		n := *next
		s.Next = &n
	}
	return s
}
