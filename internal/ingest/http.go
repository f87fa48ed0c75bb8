// Package ingest exposes the tracking service over HTTP and NATS.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"bus-tracker/internal/fleet"
)

// Tracker is the tracking service as seen by the transports.
type Tracker interface {
	Ingest(ctx context.Context, r fleet.Report) (fleet.Snapshot, error)
	UpdateLocation(ctx context.Context, u fleet.DirectUpdate) (fleet.Snapshot, error)
	SetStatus(ctx context.Context, vehicleID string, status fleet.Status) (*fleet.Vehicle, error)
	AssignRoute(ctx context.Context, vehicleID string, route fleet.Route, currentStationID string) (*fleet.Vehicle, error)
	Snapshot(ctx context.Context, vehicleID string) (*fleet.Snapshot, error)
}

// Pinger reports backing store health.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// ErrorResponse is the JSON error response structure
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Details map[string]interface{} `json:"details,omitempty"`
}

type Handler struct {
	tracker Tracker
	db      Pinger
}

func NewHandler(t Tracker, db Pinger) *Handler {
	return &Handler{tracker: t, db: db}
}

// Routes builds the API router. ws is mounted at /ws when non-nil.
func (h *Handler) Routes(allowedOrigins []string, ws http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))

	r.Get("/health", h.Health)
	r.Route("/api", func(r chi.Router) {
		r.Post("/reports", h.PostReport)
		r.Route("/vehicles/{vehicleId}", func(r chi.Router) {
			r.Post("/location", h.PostLocation)
			r.Put("/status", h.PutStatus)
			r.Put("/route", h.PutRoute)
			r.Get("/snapshot", h.GetSnapshot)
		})
	})
	if ws != nil {
		r.Handle("/ws", ws)
	}
	return r
}

// PostReport handles POST /api/reports, the device path.
func (h *Handler) PostReport(w http.ResponseWriter, r *http.Request) {
	var rep fleet.Report
	if !decode(w, r, &rep) {
		return
	}
	if rep.DeviceID == "" && rep.VehicleID == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "deviceId or vehicleId is required"})
		return
	}
	snap, err := h.tracker.Ingest(r.Context(), rep)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type locationRequest struct {
	Lat     *float64 `json:"lat"`
	Lng     *float64 `json:"lng"`
	Speed   *float64 `json:"speed,omitempty"`
	Heading *float64 `json:"heading,omitempty"`
}

// PostLocation handles POST /api/vehicles/{vehicleId}/location, the operator
// correction path.
func (h *Handler) PostLocation(w http.ResponseWriter, r *http.Request) {
	var req locationRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Lat == nil || req.Lng == nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "lat and lng are required"})
		return
	}
	snap, err := h.tracker.UpdateLocation(r.Context(), fleet.DirectUpdate{
		VehicleID: chi.URLParam(r, "vehicleId"),
		Lat:       *req.Lat,
		Lng:       *req.Lng,
		Speed:     req.Speed,
		Heading:   req.Heading,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// PutStatus handles PUT /api/vehicles/{vehicleId}/status.
func (h *Handler) PutStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if !decode(w, r, &req) {
		return
	}
	status, err := fleet.ParseStatus(req.Status)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	v, err := h.tracker.SetStatus(r.Context(), chi.URLParam(r, "vehicleId"), status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(v))
}

type routeRequest struct {
	RouteID          string   `json:"routeId"`
	Stations         []string `json:"stations"`
	CurrentStationID string   `json:"currentStationId"`
}

// PutRoute handles PUT /api/vehicles/{vehicleId}/route.
func (h *Handler) PutRoute(w http.ResponseWriter, r *http.Request) {
	var req routeRequest
	if !decode(w, r, &req) {
		return
	}
	v, err := h.tracker.AssignRoute(r.Context(), chi.URLParam(r, "vehicleId"),
		fleet.Route{ID: req.RouteID, Stations: req.Stations}, req.CurrentStationID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(v))
}

// GetSnapshot handles GET /api/vehicles/{vehicleId}/snapshot. Vehicles that
// never reported answer 204.
func (h *Handler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.tracker.Snapshot(r.Context(), chi.URLParam(r, "vehicleId"))
	if err != nil {
		writeError(w, err)
		return
	}
	if snap == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, snap)
}

// Health handles GET /health with a database connectivity test.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if h.db != nil {
		if err := h.db.PingContext(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
				"status":    "error",
				"database":  "disconnected",
				"timestamp": time.Now().UTC(),
				"error":     err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"database":  "connected",
		"timestamp": time.Now().UTC(),
	})
}

type vehicleView struct {
	ID               string             `json:"id"`
	DeviceID         string             `json:"deviceId,omitempty"`
	PlateNumber      string             `json:"plateNumber,omitempty"`
	Status           fleet.Status       `json:"status"`
	CurrentLocation  fleet.Point        `json:"currentLocation"`
	Route            *fleet.Route       `json:"route,omitempty"`
	CurrentStationID string             `json:"currentStationId,omitempty"`
	TrackingData     fleet.TrackingData `json:"trackingData"`
	LastUpdateTime   *time.Time         `json:"lastUpdateTime"`
}

func viewOf(v *fleet.Vehicle) vehicleView {
	out := vehicleView{
		ID:               v.ID,
		DeviceID:         v.DeviceID,
		PlateNumber:      v.PlateNumber,
		Status:           v.Status,
		CurrentLocation:  v.CurrentLocation,
		Route:            v.Route,
		CurrentStationID: v.CurrentStationID,
		TrackingData:     v.TrackingData,
	}
	if !v.LastUpdateTime.IsZero() {
		t := v.LastUpdateTime
		out.LastUpdateTime = &t
	}
	return out
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "invalid JSON body",
			Details: map[string]interface{}{"internal": err.Error()},
		})
		return false
	}
	return true
}

// statusOf maps tracking errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, fleet.ErrInvalidCoordinates):
		return http.StatusBadRequest
	case errors.Is(err, fleet.ErrVehicleNotFound), errors.Is(err, fleet.ErrWaypointNotFound):
		return http.StatusNotFound
	case errors.Is(err, fleet.ErrConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	code := statusOf(err)
	resp := ErrorResponse{Error: err.Error()}
	if code == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		resp = ErrorResponse{Error: "internal error", Details: map[string]interface{}{"internal": err.Error()}}
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", "err", err)
	}
}
