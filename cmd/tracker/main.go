package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"bus-tracker/internal/cache"
	"bus-tracker/internal/config"
	"bus-tracker/internal/db"
	"bus-tracker/internal/fleet"
	"bus-tracker/internal/hub"
	"bus-tracker/internal/ingest"
	"bus-tracker/internal/metrics"
	"bus-tracker/internal/publisher"
	"bus-tracker/internal/routing"
	"bus-tracker/internal/tracking"
	"bus-tracker/internal/ws"
)

func main() {
	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		fatal("config error", err)
	}
	slog.SetDefault(config.NewLogger(os.Stderr, cfg))

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sqlDB, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		fatal("db open error", err)
	}
	defer sqlDB.Close()
	if err := db.Ping(ctx, sqlDB); err != nil {
		fatal("db ping error", err)
	}
	if err := db.EnsureSchema(ctx, sqlDB); err != nil {
		fatal("db schema error", err)
	}
	vehicles := db.NewVehicleStore(sqlDB)
	stations := db.NewStationStore(sqlDB)

	mcol := metrics.NewCollector()
	if cfg.MetricsAddr != "" {
		srv := mcol.Serve(cfg.MetricsAddr)
		defer shutdown(srv)
	}

	router := routing.NewClient(
		routing.WithBaseURL(cfg.RoutingURL),
		routing.WithProfile(cfg.RoutingProfile),
		routing.WithTimeout(cfg.RoutingTimeout),
		routing.WithRetry(cfg.RoutingAttempts, cfg.RoutingRetryDelay),
		routing.WithMetrics(mcol),
	)

	// Sinks run in order: cache, hub, NATS mirror.
	var sinks tracking.Broadcasters
	var svcOpts []tracking.Option

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			fatal("redis ping error", err)
		}
		sc := cache.NewSnapshotCache(rdb, cfg.SnapshotTTL)
		sinks = append(sinks, sc)
		svcOpts = append(svcOpts, tracking.WithCache(sc))
		slog.Info("snapshot cache enabled", "addr", cfg.RedisAddr, "ttl", cfg.SnapshotTTL)
	}

	var svc *tracking.Service
	h := hub.New(
		hub.WithMetrics(mcol),
		hub.WithSeeder(hub.SeederFunc(func(ctx context.Context, room string) (*fleet.Snapshot, error) {
			return svc.CurrentSnapshot(ctx, room)
		})),
	)
	sinks = append(sinks, h)

	var nc *nats.Conn
	if cfg.NATSURL != "" {
		nc, err = publisher.Connect(cfg.NATSURL, "bus-tracker", mcol)
		if err != nil {
			fatal("nats error", err)
		}
		defer publisher.Close(nc)
		sinks = append(sinks, publisher.NewSnapshotPublisher(nc, cfg.NATSSnapshotPrefix, cfg.LogNATSSubjects, mcol))
	}

	svcOpts = append(svcOpts, tracking.WithMetrics(mcol))
	svc = tracking.NewService(vehicles, stations, router, sinks, svcOpts...)

	if nc != nil {
		sub := ingest.NewReportSubscriber(svc, 0)
		if err := sub.Start(ctx, nc, cfg.NATSReportSubject, "tracker"); err != nil {
			fatal("nats subscribe error", err)
		}
		defer sub.Stop()
	}

	api := ingest.NewHandler(svc, sqlDB)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Routes(cfg.AllowedOrigins, ws.NewServer(h, cfg.SubscriberBuffer, cfg.AllowedOrigins)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("tracker listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdown(srv)
		return nil
	})
	if err := g.Wait(); err != nil {
		slog.Error("http server error", "err", err)
	}
	slog.Info("shutdown complete")
}

func shutdown(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Warn("server shutdown", "addr", srv.Addr, "err", err)
	}
}

func fatal(msg string, err error) {
	slog.Error(msg, "err", err)
	os.Exit(1)
}
