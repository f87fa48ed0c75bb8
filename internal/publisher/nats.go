package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"bus-tracker/internal/fleet"
)

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

// Connect opens a NATS connection whose lifecycle is reported to m.
func Connect(url, name string, m PublisherMetrics) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			slog.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			slog.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			slog.Info("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return nc, nil
}

// Close drains nc, flushing pending publishes and subscriptions.
func Close(nc *nats.Conn) {
	if nc == nil {
		return
	}
	if err := nc.Drain(); err != nil {
		slog.Warn("nats drain", "err", err)
		nc.Close()
	}
}

// Conn is the subset of *nats.Conn used by the publishers.
type Conn interface {
	Publish(subject string, data []byte) error
}

type natsPublisher struct {
	nc          Conn
	logSubjects bool
	metrics     PublisherMetrics
}

func (p *natsPublisher) publish(subject string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if p.logSubjects {
		slog.Debug("nats publish", "subject", subject)
	}
	start := time.Now()
	err = p.nc.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	return err
}

// SnapshotPublisher mirrors tracking snapshots to <prefix>.<vehicleId>.tracking.
type SnapshotPublisher struct {
	natsPublisher
	prefix string
}

func NewSnapshotPublisher(nc Conn, prefix string, logSubjects bool, m PublisherMetrics) *SnapshotPublisher {
	if prefix == "" {
		prefix = "vehicles"
	}
	return &SnapshotPublisher{
		natsPublisher: natsPublisher{nc: nc, logSubjects: logSubjects, metrics: m},
		prefix:        prefix,
	}
}

func SnapshotSubject(prefix, vehicleID string) string {
	return fmt.Sprintf("%s.%s.tracking", prefix, subjectToken(vehicleID))
}

// Broadcast publishes snap. Errors are logged and counted, never returned:
// the mirror must not hold up live delivery.
func (p *SnapshotPublisher) Broadcast(_ context.Context, snap fleet.Snapshot) {
	if err := p.publish(SnapshotSubject(p.prefix, snap.VehicleID), snap); err != nil {
		slog.Warn("snapshot publish failed", "vehicle", snap.VehicleID, "err", err)
	}
}

// ReportPublisher sends device reports to devices.<deviceId>.reports.
type ReportPublisher struct {
	natsPublisher
}

func NewReportPublisher(nc Conn, logSubjects bool, m PublisherMetrics) *ReportPublisher {
	return &ReportPublisher{natsPublisher{nc: nc, logSubjects: logSubjects, metrics: m}}
}

func ReportSubject(deviceID string) string {
	return fmt.Sprintf("devices.%s.reports", subjectToken(deviceID))
}

func (p *ReportPublisher) PublishReport(r fleet.Report) error {
	return p.publish(ReportSubject(r.DeviceID), r)
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
