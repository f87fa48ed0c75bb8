package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string
	HTTPAddr    string
	MetricsAddr string

	NATSURL            string
	NATSReportSubject  string
	NATSSnapshotPrefix string
	LogNATSSubjects    bool

	RedisAddr   string
	SnapshotTTL time.Duration

	RoutingURL        string
	RoutingProfile    string
	RoutingTimeout    time.Duration
	RoutingAttempts   int
	RoutingRetryDelay time.Duration

	AllowedOrigins   []string
	SubscriberBuffer int

	LogLevel  slog.Level
	LogFormat string

	SimPublishInterval time.Duration
	SimSpeedKmh        float64
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}

	// Database URL: prefer DATABASE_URL / PG_DSN, else build from PG* vars
	dsn := firstNonEmpty(
		os.Getenv("DATABASE_URL"),
		os.Getenv("PG_DSN"),
	)
	if dsn == "" {
		host := getenvDefault("PGHOST", "127.0.0.1")
		port := getenvDefault("PGPORT", "5432")
		user := getenvDefault("PGUSER", "postgres")
		pass := os.Getenv("PGPASSWORD")
		db := os.Getenv("PGDATABASE")
		if db == "" {
			return nil, errors.New("PGDATABASE or DATABASE_URL must be set")
		}
		sslmode := getenvDefault("PGSSLMODE", "disable")
		if pass != "" {
			cfg.DatabaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode)
		} else {
			cfg.DatabaseURL = fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode)
		}
	} else {
		cfg.DatabaseURL = dsn
	}

	cfg.HTTPAddr = getenvDefault("HTTP_ADDR", ":8080")

	// Metrics listen address (e.g., ":9102"). Empty disables the metrics server.
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")

	// Empty NATS_URL disables the snapshot mirror and report subscription.
	cfg.NATSURL = os.Getenv("NATS_URL")
	cfg.NATSReportSubject = getenvDefault("NATS_REPORT_SUBJECT", "devices.*.reports")
	cfg.NATSSnapshotPrefix = getenvDefault("NATS_SNAPSHOT_PREFIX", "vehicles")
	cfg.LogNATSSubjects = parseBool(os.Getenv("LOG_NATS_SUBJECTS"))

	cfg.RedisAddr = os.Getenv("REDIS_ADDR")

	var err error
	if cfg.SnapshotTTL, err = durationEnv("SNAPSHOT_TTL_SEC", time.Second, 300*time.Second); err != nil {
		return nil, err
	}

	cfg.RoutingURL = strings.TrimRight(getenvDefault("ROUTING_URL", "https://router.project-osrm.org"), "/")
	cfg.RoutingProfile = getenvDefault("ROUTING_PROFILE", "driving")
	if cfg.RoutingTimeout, err = durationEnv("ROUTING_TIMEOUT_MS", time.Millisecond, 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.RoutingRetryDelay, err = durationEnv("ROUTING_RETRY_DELAY_MS", time.Millisecond, time.Second); err != nil {
		return nil, err
	}
	if cfg.RoutingAttempts, err = intEnv("ROUTING_ATTEMPTS", 3); err != nil {
		return nil, err
	}

	cfg.AllowedOrigins = splitList(getenvDefault("ALLOWED_ORIGINS", "*"))
	if cfg.SubscriberBuffer, err = intEnv("SUBSCRIBER_BUFFER", 64); err != nil {
		return nil, err
	}

	if cfg.LogLevel, err = parseLevel(getenvDefault("LOG_LEVEL", "info")); err != nil {
		return nil, err
	}
	cfg.LogFormat = strings.ToLower(getenvDefault("LOG_FORMAT", "text"))
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return nil, fmt.Errorf("invalid LOG_FORMAT: %q", cfg.LogFormat)
	}

	if cfg.SimPublishInterval, err = durationEnv("SIM_PUBLISH_INTERVAL_MS", time.Millisecond, 2*time.Second); err != nil {
		return nil, err
	}
	if v := os.Getenv("SIM_SPEED_KMH"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return nil, fmt.Errorf("invalid SIM_SPEED_KMH: %q", v)
		}
		cfg.SimSpeedKmh = f
	} else {
		cfg.SimSpeedKmh = 30
	}

	return cfg, nil
}

// NewLogger builds the process logger. Install it with slog.SetDefault.
func NewLogger(w io.Writer, cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid LOG_LEVEL: %q", s)
	}
	return l, nil
}

// durationEnv reads a positive integer count of unit.
func durationEnv(key string, unit, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return time.Duration(n) * unit, nil
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	}
	return false
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
