package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bus-tracker/internal/fleet"
)

type recordConn struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (c *recordConn) Publish(subject string, data []byte) error {
	if c.err != nil {
		return c.err
	}
	c.subjects = append(c.subjects, subject)
	c.payloads = append(c.payloads, data)
	return nil
}

type countMetrics struct {
	published, errs, observed int
}

func (m *countMetrics) NATSPublishedInc()            { m.published++ }
func (m *countMetrics) NATSPublishErrInc()           { m.errs++ }
func (m *countMetrics) PublishObserve(time.Duration) { m.observed++ }
func (m *countMetrics) NATSSetConnected(bool)        {}

func TestSubjectToken(t *testing.T) {
	cases := map[string]string{
		"V7":        "V7",
		" bus 12 ":  "bus_12",
		"a.b":       "a_b",
		"x>*y":      "x__y",
		"route/1\t": "route_1",
		"":          "_",
	}
	for in, want := range cases {
		assert.Equal(t, want, subjectToken(in), "input %q", in)
	}
}

func TestSnapshotPublisher(t *testing.T) {
	conn := &recordConn{}
	m := &countMetrics{}
	p := NewSnapshotPublisher(conn, "", false, m)

	snap := fleet.Snapshot{
		VehicleID: "V.7",
		Location:  fleet.Point{Lat: 38.74, Lng: 9.03},
		Status:    fleet.StatusActive,
		Next:      &fleet.NextWaypoint{StationID: "S2", ETAMinutes: 2, DistanceMeters: 500},
		Timestamp: time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC),
	}
	p.Broadcast(context.Background(), snap)

	require.Equal(t, []string{"vehicles.V_7.tracking"}, conn.subjects)
	var body map[string]any
	require.NoError(t, json.Unmarshal(conn.payloads[0], &body))
	assert.Equal(t, "V.7", body["vehicleId"])
	assert.Equal(t, "S2", body["nextWaypointId"])
	assert.Equal(t, 1, m.published)
	assert.Equal(t, 1, m.observed)
}

func TestSnapshotPublisherCountsErrors(t *testing.T) {
	conn := &recordConn{err: errors.New("nats: connection closed")}
	m := &countMetrics{}
	NewSnapshotPublisher(conn, "fleet", false, m).Broadcast(context.Background(), fleet.Snapshot{VehicleID: "V1"})
	assert.Equal(t, 1, m.errs)
	assert.Zero(t, m.published)
}

func TestReportPublisher(t *testing.T) {
	conn := &recordConn{}
	p := NewReportPublisher(conn, true, nil)
	speed := 12.0
	require.NoError(t, p.PublishReport(fleet.Report{DeviceID: "D1", Latitude: 38.74, Longitude: 9.03, Speed: &speed}))

	require.Equal(t, []string{"devices.D1.reports"}, conn.subjects)
	var r fleet.Report
	require.NoError(t, json.Unmarshal(conn.payloads[0], &r))
	assert.Equal(t, "D1", r.DeviceID)
	assert.Equal(t, 12.0, r.SpeedOrZero())
}
