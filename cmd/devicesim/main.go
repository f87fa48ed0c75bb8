package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bus-tracker/internal/config"
	"bus-tracker/internal/db"
	"bus-tracker/internal/metrics"
	"bus-tracker/internal/publisher"
	"bus-tracker/internal/sim"
)

const refreshInterval = 30 * time.Second

func main() {
	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		fatal("config error", err)
	}
	slog.SetDefault(config.NewLogger(os.Stderr, cfg))
	if cfg.NATSURL == "" {
		fatal("config error", errors.New("NATS_URL must be set for the device simulator"))
	}

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

	mcol := metrics.NewCollector()
	if cfg.MetricsAddr != "" {
		srv := mcol.Serve(cfg.MetricsAddr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	nc, err := publisher.Connect(cfg.NATSURL, "bus-devicesim", mcol)
	if err != nil {
		fatal("nats error", err)
	}
	defer publisher.Close(nc)
	pub := publisher.NewReportPublisher(nc, cfg.LogNATSSubjects, mcol)

	mgr := sim.NewManager(db.NewVehicleStore(sqlDB), db.NewStationStore(sqlDB), pub,
		cfg.SimPublishInterval, cfg.SimSpeedKmh, refreshInterval, mcol)
	mgr.StartRefresher(ctx)
	slog.Info("device simulator running", "interval", cfg.SimPublishInterval, "speed_kmh", cfg.SimSpeedKmh)

	// Block until context cancelled
	<-ctx.Done()
	mgr.Stop()
	slog.Info("shutdown complete")
}

func fatal(msg string, err error) {
	slog.Error(msg, "err", err)
	os.Exit(1)
}
