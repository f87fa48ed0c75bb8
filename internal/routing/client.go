// Package routing talks to an OSRM-compatible routing service to obtain
// driving distance, duration and geometry between coordinates.
package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bus-tracker/internal/fleet"
)

const (
	defaultBaseURL = "https://router.project-osrm.org"
	defaultProfile = "driving"

	// Retry policy: fixed attempts and fixed delay, no backoff or jitter.
	DefaultAttempts   = 3
	DefaultRetryDelay = 1 * time.Second
	DefaultTimeout    = 5 * time.Second

	// Connection pool settings
	maxIdleConns        = 10
	maxConnsPerHost     = 10
	idleConnTimeout     = 90 * time.Second
	tlsHandshakeTimeout = 5 * time.Second
)

// Operation names used in logs and metrics.
const (
	OpRoute     = "route"
	OpDistance  = "distance"
	OpETA       = "eta"
	OpWaypoints = "route_waypoints"
)

// Result is a driving route between two or more points.
type Result struct {
	DistanceMeters  float64
	DurationSeconds float64
	Geometry        []fleet.Point
}

// Metrics receives per-attempt routing telemetry. May be nil.
type Metrics interface {
	RoutingAttempt(op string)
	RoutingFailure(op string)
	RoutingObserve(op string, d time.Duration)
}

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithBaseURL sets the routing service base URL.
func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithProfile sets the routing profile (driving, car, ...).
func WithProfile(p string) ClientOption {
	return func(c *Client) { c.profile = p }
}

// WithRetry overrides the attempt count and the delay between attempts.
func WithRetry(attempts int, delay time.Duration) ClientOption {
	return func(c *Client) {
		if attempts > 0 {
			c.attempts = attempts
		}
		if delay >= 0 {
			c.retryDelay = delay
		}
	}
}

// WithTimeout sets the per-attempt timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithMetrics attaches a metrics sink.
func WithMetrics(m Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// Client queries the routing provider.
type Client struct {
	baseURL    string
	profile    string
	httpClient *http.Client
	attempts   int
	retryDelay time.Duration
	timeout    time.Duration
	metrics    Metrics
}

// NewClient creates a routing client with connection pooling.
func NewClient(opts ...ClientOption) *Client {
	transport := &http.Transport{
		MaxIdleConns:        maxIdleConns,
		MaxConnsPerHost:     maxConnsPerHost,
		IdleConnTimeout:     idleConnTimeout,
		TLSHandshakeTimeout: tlsHandshakeTimeout,
	}
	c := &Client{
		baseURL:    defaultBaseURL,
		profile:    defaultProfile,
		httpClient: &http.Client{Transport: transport},
		attempts:   DefaultAttempts,
		retryDelay: DefaultRetryDelay,
		timeout:    DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Route returns distance, duration and geometry between start and end.
func (c *Client) Route(ctx context.Context, start, end fleet.Point) (Result, error) {
	return c.withRetry(ctx, OpRoute, []fleet.Point{start, end}, true)
}

// Distance returns the driving distance in meters. Geometry is not requested.
func (c *Client) Distance(ctx context.Context, start, end fleet.Point) (float64, error) {
	res, err := c.withRetry(ctx, OpDistance, []fleet.Point{start, end}, false)
	if err != nil {
		return 0, err
	}
	return res.DistanceMeters, nil
}

// ETA returns the driving duration in seconds.
func (c *Client) ETA(ctx context.Context, start, end fleet.Point) (float64, error) {
	res, err := c.withRetry(ctx, OpETA, []fleet.Point{start, end}, false)
	if err != nil {
		return 0, err
	}
	return res.DurationSeconds, nil
}

// RouteWithWaypoints routes through points in order. At least two are required.
func (c *Client) RouteWithWaypoints(ctx context.Context, points []fleet.Point) (Result, error) {
	if len(points) < 2 {
		return Result{}, fmt.Errorf("route with waypoints: need at least 2 points, got %d", len(points))
	}
	return c.withRetry(ctx, OpWaypoints, points, true)
}

// permanentError marks responses that will not improve on retry.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func (c *Client) withRetry(ctx context.Context, op string, points []fleet.Point, geometry bool) (Result, error) {
	url := c.buildURL(points, geometry)
	var lastErr error
	attempt := 0
	for attempt < c.attempts {
		if attempt > 0 {
			timer := time.NewTimer(c.retryDelay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				lastErr = ctx.Err()
				return Result{}, c.exhausted(op, attempt, lastErr)
			}
		}
		attempt++

		if c.metrics != nil {
			c.metrics.RoutingAttempt(op)
		}
		start := time.Now()
		res, err := c.fetch(ctx, url, geometry)
		if c.metrics != nil {
			c.metrics.RoutingObserve(op, time.Since(start))
		}
		if err == nil {
			slog.Debug("routing ok", "op", op, "attempt", attempt, "distance_m", res.DistanceMeters, "duration_s", res.DurationSeconds)
			return res, nil
		}
		lastErr = err
		if c.metrics != nil {
			c.metrics.RoutingFailure(op)
		}
		slog.Warn("routing attempt failed", "op", op, "attempt", attempt, "max_attempts", c.attempts, "url", url, "points", points, "err", err)

		// Don't retry on caller cancellation or permanent failures
		var perm *permanentError
		if ctx.Err() != nil || errors.As(err, &perm) {
			break
		}
	}
	return Result{}, c.exhausted(op, attempt, lastErr)
}

func (c *Client) exhausted(op string, attempts int, lastErr error) error {
	slog.Error("routing unavailable", "op", op, "attempts", attempts, "err", lastErr)
	return fmt.Errorf("%w: %s after %d attempts: %w", fleet.ErrRoutingUnavailable, op, attempts, lastErr)
}

// osrmResponse mirrors the JSON returned by /route/v1.
type osrmResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Routes  []struct {
		Distance float64 `json:"distance"`
		Duration float64 `json:"duration"`
		Geometry *struct {
			Coordinates [][]float64 `json:"coordinates"`
		} `json:"geometry"`
	} `json:"routes"`
}

func (c *Client) fetch(ctx context.Context, url string, geometry bool) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{}, &permanentError{fmt.Errorf("creating request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("reading body: %w", err)
	}

	var raw osrmResponse
	decodeErr := json.Unmarshal(body, &raw)

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("unexpected status: %d (code=%s)", resp.StatusCode, raw.Code)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return Result{}, &permanentError{err}
		}
		return Result{}, err
	}
	if decodeErr != nil {
		return Result{}, fmt.Errorf("parsing response: %w", decodeErr)
	}
	if raw.Code != "Ok" {
		return Result{}, &permanentError{fmt.Errorf("routing code %s: %s", raw.Code, raw.Message)}
	}
	if len(raw.Routes) == 0 {
		return Result{}, &permanentError{errors.New("no routes in response")}
	}

	r := raw.Routes[0]
	res := Result{DistanceMeters: r.Distance, DurationSeconds: r.Duration}
	if geometry && r.Geometry != nil {
		res.Geometry = make([]fleet.Point, 0, len(r.Geometry.Coordinates))
		for _, coord := range r.Geometry.Coordinates {
			if len(coord) < 2 {
				continue
			}
			res.Geometry = append(res.Geometry, fleet.NewPoint(coord[0], coord[1]))
		}
	}
	return res, nil
}

// buildURL renders /route/v1/{profile}/{lng,lat;...}. Coordinates are
// longitude first.
func (c *Client) buildURL(points []fleet.Point, geometry bool) string {
	coords := make([]string, len(points))
	for i, p := range points {
		coords[i] = strconv.FormatFloat(p.Lng, 'f', 6, 64) + "," + strconv.FormatFloat(p.Lat, 'f', 6, 64)
	}
	q := "overview=false"
	if geometry {
		q = "overview=full&geometries=geojson"
	}
	return fmt.Sprintf("%s/route/v1/%s/%s?%s", c.baseURL, c.profile, strings.Join(coords, ";"), q)
}
