package metrics

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	ReportsAccepted     *prometheus.CounterVec // source label: device|operator
	ReportsRejected     *prometheus.CounterVec // reason label
	ProjectionsDegraded prometheus.Counter
	IngestDuration      prometheus.Histogram

	RoutingAttempts *prometheus.CounterVec // op label
	RoutingFailures *prometheus.CounterVec // op label
	RoutingDuration *prometheus.HistogramVec

	HubDeliveries  prometheus.Counter
	HubDrops       prometheus.Counter
	HubRooms       prometheus.Gauge
	HubSubscribers prometheus.Gauge

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge
	PublishDuration prometheus.Histogram

	// Device simulator.
	SimActiveVehicles prometheus.Gauge
	SimTickDuration   prometheus.Histogram
	SimSpeedKmh       prometheus.Gauge
	SimInterval       prometheus.Gauge // seconds
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		ReportsAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_reports_accepted_total",
			Help: "Position reports applied to vehicle state.",
		}, []string{"source"}),
		ReportsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_reports_rejected_total",
			Help: "Position reports rejected.",
		}, []string{"reason"}),
		ProjectionsDegraded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_projections_degraded_total",
			Help: "Reports accepted without next-station ETA because projection failed.",
		}),
		IngestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_ingest_duration_seconds",
			Help:    "Duration of report ingestion including routing.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		RoutingAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_routing_attempts_total",
			Help: "Routing provider requests.",
		}, []string{"op"}),
		RoutingFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_routing_failures_total",
			Help: "Failed routing provider requests.",
		}, []string{"op"}),
		RoutingDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tracker_routing_duration_seconds",
			Help:    "Duration of a single routing attempt.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"op"}),
		HubDeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_hub_delivered_total",
			Help: "Snapshots queued to subscribers.",
		}),
		HubDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_hub_dropped_total",
			Help: "Snapshots dropped because a subscriber could not accept them.",
		}),
		HubRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_hub_rooms",
			Help: "Number of rooms known to the hub.",
		}),
		HubSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_hub_subscribers",
			Help: "Number of subscribers in at least one room.",
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		SimActiveVehicles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "devicesim_active_vehicles",
			Help: "Number of simulated vehicles currently driving.",
		}),
		SimTickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "devicesim_tick_duration_seconds",
			Help:    "Duration of one simulated report step.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		SimSpeedKmh: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "devicesim_speed_kmh",
			Help: "Configured simulated cruising speed.",
		}),
		SimInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "devicesim_publish_interval_seconds",
			Help: "Report interval in seconds.",
		}),
	}

	reg.MustRegister(
		c.ReportsAccepted, c.ReportsRejected, c.ProjectionsDegraded, c.IngestDuration,
		c.RoutingAttempts, c.RoutingFailures, c.RoutingDuration,
		c.HubDeliveries, c.HubDrops, c.HubRooms, c.HubSubscribers,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected, c.PublishDuration,
		c.SimActiveVehicles, c.SimTickDuration, c.SimSpeedKmh, c.SimInterval,
	)
	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server error", "err", err)
		}
	}()
	slog.Info("metrics listening", "addr", addr)
	return srv
}

// tracking.Metrics

func (c *Collector) ReportAccepted(source string) { c.ReportsAccepted.WithLabelValues(source).Inc() }
func (c *Collector) ReportRejected(reason string) { c.ReportsRejected.WithLabelValues(reason).Inc() }
func (c *Collector) ProjectionDegraded()          { c.ProjectionsDegraded.Inc() }
func (c *Collector) IngestObserve(d time.Duration) {
	c.IngestDuration.Observe(d.Seconds())
}

// routing.Metrics

func (c *Collector) RoutingAttempt(op string) { c.RoutingAttempts.WithLabelValues(op).Inc() }
func (c *Collector) RoutingFailure(op string) { c.RoutingFailures.WithLabelValues(op).Inc() }
func (c *Collector) RoutingObserve(op string, d time.Duration) {
	c.RoutingDuration.WithLabelValues(op).Observe(d.Seconds())
}

// hub.Metrics

func (c *Collector) HubDelivered(n int) { c.HubDeliveries.Add(float64(n)) }
func (c *Collector) HubDropped()        { c.HubDrops.Inc() }
func (c *Collector) HubMembership(rooms, subscribers int) {
	c.HubRooms.Set(float64(rooms))
	c.HubSubscribers.Set(float64(subscribers))
}

// publisher.PublisherMetrics

func (c *Collector) NATSPublishedInc()              { c.NATSPublished.Inc() }
func (c *Collector) NATSPublishErrInc()             { c.NATSPublishErrs.Inc() }
func (c *Collector) PublishObserve(d time.Duration) { c.PublishDuration.Observe(d.Seconds()) }
func (c *Collector) NATSSetConnected(connected bool) {
	if connected {
		c.NATSConnected.Set(1)
	} else {
		c.NATSConnected.Set(0)
	}
}
