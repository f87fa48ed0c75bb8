package fleet

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidCoordinates(t *testing.T) {
	tests := []struct {
		name     string
		lat, lng float64
		want     bool
	}{
		{"origin", 0, 0, true},
		{"addis ababa", 9.03, 38.74, true},
		{"north pole", 90, 0, true},
		{"south pole", -90, 0, true},
		{"antimeridian east", 0, 180, true},
		{"antimeridian west", 0, -180, true},
		{"lat above range", 95, 38.74, false},
		{"lat below range", -90.0001, 0, false},
		{"lng above range", 0, 180.5, false},
		{"lng below range", 0, -181, false},
		{"nan lat", math.NaN(), 0, false},
		{"nan lng", 0, math.NaN(), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ValidCoordinates(tc.lat, tc.lng))
		})
	}
}

func TestDeriveStatus(t *testing.T) {
	tests := []struct {
		current Status
		speed   float64
		want    Status
	}{
		{StatusInactive, 12, StatusActive},
		{StatusActive, 0, StatusInactive},
		{StatusActive, -1, StatusInactive},
		{"", 5, StatusActive},
		{StatusMaintenance, 30, StatusMaintenance},
		{StatusMaintenance, 0, StatusMaintenance},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, DeriveStatus(tc.current, tc.speed), "current=%s speed=%v", tc.current, tc.speed)
	}
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus(" maintenance ")
	require.NoError(t, err)
	assert.Equal(t, StatusMaintenance, s)

	_, err = ParseStatus("parked")
	assert.Error(t, err)
}

func TestRouteNextStation(t *testing.T) {
	r := &Route{Stations: []string{"S1", "S2", "S3"}}

	next, ok := r.NextStation("S1")
	assert.True(t, ok)
	assert.Equal(t, "S2", next)

	_, ok = r.NextStation("S3")
	assert.False(t, ok, "last station has no successor")

	_, ok = r.NextStation("S9")
	assert.False(t, ok, "unknown current station means no next station")

	_, ok = r.NextStation("")
	assert.False(t, ok)

	var empty *Route
	_, ok = empty.NextStation("S1")
	assert.False(t, ok)
}

func TestSnapshotJSONNextFieldsNullTogether(t *testing.T) {
	ts := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	base := Snapshot{
		VehicleID:       "V7",
		Location:        Point{Lat: 9.03, Lng: 38.74},
		Speed:           12,
		Heading:         90,
		Status:          StatusActive,
		CurrentWaypoint: "S1",
		Timestamp:       ts,
	}

	b, err := json.Marshal(base)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	for _, k := range []string{"nextWaypointId", "etaMinutes", "distanceToNextMeters"} {
		v, present := m[k]
		assert.True(t, present, k)
		assert.Nil(t, v, k)
	}
	assert.Equal(t, "S1", m["currentWaypointId"])
	assert.Equal(t, map[string]any{"lat": 9.03, "lng": 38.74}, m["location"])

	withNext := base
	withNext.Next = &NextWaypoint{StationID: "S2", ETAMinutes: 2, DistanceMeters: 500}
	b, err = json.Marshal(withNext)
	require.NoError(t, err)
	m = nil
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, "S2", m["nextWaypointId"])
	assert.Equal(t, float64(2), m["etaMinutes"])
	assert.Equal(t, float64(500), m["distanceToNextMeters"])

	var back Snapshot
	require.NoError(t, json.Unmarshal(b, &back))
	require.NotNil(t, back.Next)
	assert.Equal(t, *withNext.Next, *back.Next)
	assert.True(t, ts.Equal(back.Timestamp))
}

func TestSnapshotOfCopiesNext(t *testing.T) {
	v := &Vehicle{ID: "V1", DeviceID: "D1", Status: StatusActive, CurrentStationID: "S1"}
	next := &NextWaypoint{StationID: "S2", ETAMinutes: 3, DistanceMeters: 800}
	s := SnapshotOf(v, next)
	next.ETAMinutes = 99
	require.NotNil(t, s.Next)
	assert.Equal(t, 3, s.Next.ETAMinutes)
	assert.Equal(t, "D1", s.DeviceID)
}

func TestVehicleCloneDoesNotAlias(t *testing.T) {
	eta := 4
	v := &Vehicle{ID: "V1", Route: &Route{Stations: []string{"S1", "S2"}, EstimatedTime: &eta}}
	c := v.Clone()
	c.Route.Stations[0] = "X"
	*c.Route.EstimatedTime = 10
	assert.Equal(t, "S1", v.Route.Stations[0])
	assert.Equal(t, 4, *v.Route.EstimatedTime)
}
