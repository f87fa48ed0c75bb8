package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdapters(t *testing.T) {
	c := NewCollector()

	c.ReportAccepted("device")
	c.ReportAccepted("device")
	c.ReportRejected("invalid_coordinates")
	c.ProjectionDegraded()
	c.IngestObserve(20 * time.Millisecond)
	c.RoutingAttempt("eta")
	c.RoutingFailure("eta")
	c.RoutingObserve("eta", time.Second)
	c.HubDelivered(3)
	c.HubDropped()
	c.HubMembership(4, 2)
	c.NATSPublishedInc()
	c.NATSSetConnected(true)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.ReportsAccepted.WithLabelValues("device")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ReportsRejected.WithLabelValues("invalid_coordinates")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ProjectionsDegraded))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.RoutingFailures.WithLabelValues("eta")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.HubDeliveries))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.HubRooms))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.HubSubscribers))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.NATSConnected))

	c.NATSSetConnected(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.NATSConnected))
}

func TestHandlerExposesRegistry(t *testing.T) {
	c := NewCollector()
	c.ReportAccepted("operator")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `tracker_reports_accepted_total{source="operator"} 1`)
}
