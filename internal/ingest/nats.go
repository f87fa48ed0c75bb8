package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"bus-tracker/internal/fleet"
)

const (
	defaultWorkers = 8
	reportTimeout  = 30 * time.Second
)

type reply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type message struct {
	subject string
	data    []byte
	respond func([]byte) error
}

// ReportSubscriber consumes device reports from NATS. Messages are sharded
// over a fixed set of workers by subject, so reports from one device are
// applied in arrival order.
type ReportSubscriber struct {
	tracker Tracker
	workers []chan message
	wg      sync.WaitGroup
	sub     *nats.Subscription

	mu     sync.RWMutex
	closed bool
}

func NewReportSubscriber(t Tracker, workers int) *ReportSubscriber {
	if workers <= 0 {
		workers = defaultWorkers
	}
	s := &ReportSubscriber{tracker: t, workers: make([]chan message, workers)}
	for i := range s.workers {
		s.workers[i] = make(chan message, 64)
	}
	return s
}

// Start joins queue on subject and runs the workers.
func (s *ReportSubscriber) Start(ctx context.Context, nc *nats.Conn, subject, queue string) error {
	sub, err := nc.QueueSubscribe(subject, queue, func(m *nats.Msg) {
		msg := message{subject: m.Subject, data: m.Data}
		if m.Reply != "" {
			msg.respond = m.Respond
		}
		s.dispatch(msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	s.sub = sub
	s.run(ctx)
	slog.Info("subscribed to device reports", "subject", subject, "queue", queue, "workers", len(s.workers))
	return nil
}

// Stop unsubscribes and waits for queued reports to drain.
func (s *ReportSubscriber) Stop() {
	if s.sub != nil {
		if err := s.sub.Unsubscribe(); err != nil {
			slog.Warn("nats unsubscribe", "err", err)
		}
	}
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		for _, ch := range s.workers {
			close(ch)
		}
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *ReportSubscriber) run(ctx context.Context) {
	for _, ch := range s.workers {
		s.wg.Add(1)
		go func(ch <-chan message) {
			defer s.wg.Done()
			for msg := range ch {
				s.handle(ctx, msg)
			}
		}(ch)
	}
}

func (s *ReportSubscriber) dispatch(msg message) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	h := fnv.New32a()
	h.Write([]byte(msg.subject))
	s.workers[h.Sum32()%uint32(len(s.workers))] <- msg
}

func (s *ReportSubscriber) handle(ctx context.Context, msg message) {
	ctx, cancel := context.WithTimeout(ctx, reportTimeout)
	defer cancel()

	out := reply{OK: true}
	if err := s.process(ctx, msg); err != nil {
		out = reply{Error: err.Error()}
		slog.Warn("device report rejected", "subject", msg.subject, "err", err)
	}
	if msg.respond == nil {
		return
	}
	b, _ := json.Marshal(out)
	if err := msg.respond(b); err != nil {
		slog.Debug("nats respond", "subject", msg.subject, "err", err)
	}
}

func (s *ReportSubscriber) process(ctx context.Context, msg message) error {
	var r fleet.Report
	if err := json.Unmarshal(msg.data, &r); err != nil {
		return fmt.Errorf("decode report: %w", err)
	}
	if r.DeviceID == "" {
		r.DeviceID = deviceFromSubject(msg.subject)
	}
	if r.DeviceID == "" && r.VehicleID == "" {
		return fmt.Errorf("report without device id on %s", msg.subject)
	}
	_, err := s.tracker.Ingest(ctx, r)
	return err
}

// deviceFromSubject extracts <id> from devices.<id>.reports.
func deviceFromSubject(subject string) string {
	parts := strings.Split(subject, ".")
	if len(parts) == 3 && parts[0] == "devices" && parts[2] == "reports" {
		return parts[1]
	}
	return ""
}
