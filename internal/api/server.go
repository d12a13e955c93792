// Package api serves the query facade, the override endpoint and the live
// feed surfaces over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/banshee-data/intersection.control/internal/db"
	"github.com/banshee-data/intersection.control/internal/engine"
	"github.com/banshee-data/intersection.control/internal/feed"
	"github.com/banshee-data/intersection.control/internal/httputil"
	"github.com/banshee-data/intersection.control/internal/monitoring"
	"github.com/banshee-data/intersection.control/internal/timeutil"
	"github.com/banshee-data/intersection.control/internal/version"
)

// Store is the read side of the audit store. *db.DB and *mongostore.Store
// both satisfy it.
type Store interface {
	GetIntersection(ctx context.Context, id string) (*db.IntersectionRecord, error)
	ActiveIntersections(ctx context.Context) ([]db.IntersectionRecord, error)
	RecentDetections(ctx context.Context, intersectionID string, limit int) ([]db.DetectionRecord, error)
	CommandHistory(ctx context.Context, intersectionID string, limit int) ([]engine.Command, error)
	IntersectionMetrics(ctx context.Context, q db.MetricsQuery) (db.TrafficMetrics, error)
	Totals() (db.Totals, error)
}

// Controller is the part of the engine the API drives.
type Controller interface {
	Override(ctx context.Context, id string, phase engine.Phase, durationSec int) (engine.Command, error)
	Register(desc engine.Intersection) engine.Status
	SetActive(id string, active bool) (engine.Status, error)
	Status(id string) (engine.Status, bool)
	Statuses() []engine.Status
	Stats() engine.Stats
}

// Options configures a Server. Store may be nil, in which case every read
// that needs it answers 503.
type Options struct {
	Controller   Controller
	Store        Store
	Hub          *feed.Hub
	Clock        timeutil.Clock
	LaneCapacity int
}

type Server struct {
	ctrl         Controller
	store        Store
	hub          *feed.Hub
	clock        timeutil.Clock
	started      time.Time
	laneCapacity int
}

func NewServer(opts Options) *Server {
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Server{
		ctrl:         opts.Controller,
		store:        opts.Store,
		hub:          opts.Hub,
		clock:        clock,
		started:      clock.Now(),
		laneCapacity: opts.LaneCapacity,
	}
}

const (
	maxListLimit     = 1000
	maxPeriodMinutes = 7 * 24 * 60
)

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.health)
	mux.HandleFunc("/api/status", s.status)
	mux.HandleFunc("/api/intersections", s.intersections)
	mux.HandleFunc("/api/intersections/{id}", s.intersection)
	mux.HandleFunc("/api/intersections/{id}/activate", s.setActive(true))
	mux.HandleFunc("/api/intersections/{id}/deactivate", s.setActive(false))
	mux.HandleFunc("/api/detections", s.detections)
	mux.HandleFunc("/api/metrics/{id}", s.metrics)
	mux.HandleFunc("/api/signals/{id}/history", s.history)
	mux.HandleFunc("/api/signals/{id}/override", s.override)
	if s.hub != nil {
		mux.HandleFunc("/api/live/sse", s.hub.ServeSSE)
		mux.HandleFunc("/ws/live", s.hub.ServeWebSocket)
	}
	path, handler := s.RPCHandler()
	mux.Handle(path, handler)
	return mux
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, map[string]any{
		"status":     "healthy",
		"timestamp":  s.clock.Now().UTC(),
		"uptime_sec": s.uptime(),
		"version":    version.Version,
	})
}

type statusResponse struct {
	UptimeSec      float64 `json:"uptime_sec"`
	StoreAvailable bool    `json:"store_available"`
	db.Totals
	ActiveConnections int           `json:"active_connections"`
	Feed              feed.Stats    `json:"feed"`
	Engine            *engine.Stats `json:"engine,omitempty"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	resp := statusResponse{UptimeSec: s.uptime()}
	if s.store != nil {
		totals, err := s.store.Totals()
		if err != nil {
			monitoring.Logger("api").WithError(err).Warn("failed to count store rows")
		} else {
			resp.StoreAvailable = true
			resp.Totals = totals
		}
	}
	if s.hub != nil {
		resp.Feed = s.hub.Stats()
		resp.ActiveConnections = resp.Feed.Subscribers
	}
	if s.ctrl != nil {
		stats := s.ctrl.Stats()
		resp.Engine = &stats
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) uptime() float64 {
	return float64(s.clock.Since(s.started).Round(100*time.Millisecond)) / float64(time.Second)
}

// requireStore writes 503 and returns false when no store is configured.
func (s *Server) requireStore(w http.ResponseWriter) bool {
	if s.store == nil {
		httputil.ServiceUnavailable(w, "store unavailable")
		return false
	}
	return true
}

func (s *Server) intersections(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if !s.requireStore(w) {
			return
		}
		recs, err := s.store.ActiveIntersections(r.Context())
		if err != nil {
			httputil.InternalServerError(w, "failed to list intersections: "+err.Error())
			return
		}
		if recs == nil {
			recs = []db.IntersectionRecord{}
		}
		httputil.WriteJSONOK(w, recs)

	case http.MethodPost:
		var desc engine.Intersection
		desc.IsActive = true
		if err := json.NewDecoder(r.Body).Decode(&desc); err != nil {
			httputil.BadRequest(w, "invalid JSON body: "+err.Error())
			return
		}
		if err := validateDescriptor(&desc); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		_, existed := s.ctrl.Status(desc.IntersectionID)
		st := s.ctrl.Register(desc)
		code := http.StatusCreated
		if existed {
			code = http.StatusOK
		}
		httputil.WriteJSON(w, code, st)

	default:
		httputil.MethodNotAllowed(w)
	}
}

func validateDescriptor(desc *engine.Intersection) error {
	desc.IntersectionID = strings.TrimSpace(desc.IntersectionID)
	switch {
	case desc.IntersectionID == "":
		return errors.New("intersection_id is required")
	case desc.NumLanes < 0:
		return errors.New("num_lanes must not be negative")
	case desc.Latitude < -90 || desc.Latitude > 90:
		return errors.New("latitude must be within [-90, 90]")
	case desc.Longitude < -180 || desc.Longitude > 180:
		return errors.New("longitude must be within [-180, 180]")
	}
	return nil
}

type intersectionDetail struct {
	Intersection db.IntersectionRecord `json:"intersection"`
	CurrentPhase engine.Phase          `json:"current_phase"`
	Live         *engine.Status        `json:"live,omitempty"`
}

func (s *Server) intersection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if !s.requireStore(w) {
		return
	}
	id := r.PathValue("id")
	rec, err := s.store.GetIntersection(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		httputil.NotFound(w, "Intersection not found")
		return
	}
	if err != nil {
		httputil.InternalServerError(w, "failed to get intersection: "+err.Error())
		return
	}
	detail := intersectionDetail{Intersection: *rec, CurrentPhase: "UNKNOWN"}
	if st, ok := s.ctrl.Status(id); ok {
		detail.CurrentPhase = st.Phase
		detail.Live = &st
	}
	httputil.WriteJSONOK(w, detail)
}

func (s *Server) setActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w)
			return
		}
		st, err := s.ctrl.SetActive(r.PathValue("id"), active)
		if errors.Is(err, engine.ErrUnknownIntersection) {
			httputil.NotFound(w, "Intersection not found")
			return
		}
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		httputil.WriteJSONOK(w, st)
	}
}

func (s *Server) detections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	limit, err := httputil.QueryInt(r, "limit", db.DefaultDetectionsLimit, 1, maxListLimit)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if !s.requireStore(w) {
		return
	}
	recs, err := s.store.RecentDetections(r.Context(), r.URL.Query().Get("intersection_id"), limit)
	if err != nil {
		httputil.InternalServerError(w, "failed to list detections: "+err.Error())
		return
	}
	httputil.WriteJSONOK(w, recs)
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	period, err := httputil.QueryInt(r, "period_minutes", int(db.DefaultMetricsPeriod/time.Minute), 1, maxPeriodMinutes)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if !s.requireStore(w) {
		return
	}
	m, err := s.store.IntersectionMetrics(r.Context(), db.MetricsQuery{
		IntersectionID: r.PathValue("id"),
		Period:         time.Duration(period) * time.Minute,
		Now:            s.clock.Now(),
		LaneCapacity:   s.laneCapacity,
	})
	if errors.Is(err, db.ErrNotFound) {
		httputil.NotFound(w, "Intersection not found")
		return
	}
	if err != nil {
		httputil.InternalServerError(w, "failed to compute metrics: "+err.Error())
		return
	}
	httputil.WriteJSONOK(w, m)
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	limit, err := httputil.QueryInt(r, "limit", db.DefaultHistoryLimit, 1, maxListLimit)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if !s.requireStore(w) {
		return
	}
	cmds, err := s.store.CommandHistory(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		httputil.InternalServerError(w, "failed to list signal history: "+err.Error())
		return
	}
	httputil.WriteJSONOK(w, cmds)
}

// OverrideRequest is the body of POST /api/signals/{id}/override and the
// Override RPC request. IntersectionID is only read by the RPC.
type OverrideRequest struct {
	IntersectionID string `json:"intersection_id,omitempty"`
	Phase          string `json:"phase"`
	DurationSec    *int   `json:"duration_sec"`
}

// OverrideResponse acknowledges an applied override.
type OverrideResponse struct {
	Status  string         `json:"status"`
	Command engine.Command `json:"command"`
}

func (s *Server) override(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req OverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	req.IntersectionID = r.PathValue("id")
	resp, err := s.applyOverride(r.Context(), req)
	switch {
	case errors.Is(err, engine.ErrUnknownIntersection):
		httputil.NotFound(w, "Intersection not found")
	case errors.Is(err, errBadOverride), errors.Is(err, engine.ErrInvalidPhase):
		httputil.BadRequest(w, err.Error())
	case err != nil:
		httputil.InternalServerError(w, err.Error())
	default:
		httputil.WriteJSONOK(w, resp)
	}
}

var errBadOverride = errors.New("invalid override")

// applyOverride is shared by the HTTP and RPC surfaces.
func (s *Server) applyOverride(ctx context.Context, req OverrideRequest) (OverrideResponse, error) {
	phase, err := engine.ParsePhase(req.Phase)
	if err != nil {
		return OverrideResponse{}, fmt.Errorf("%w. Valid: %v", err, engine.Phases())
	}
	if req.DurationSec == nil {
		return OverrideResponse{}, fmt.Errorf("%w: duration_sec is required", errBadOverride)
	}
	cmd, err := s.ctrl.Override(ctx, req.IntersectionID, phase, *req.DurationSec)
	if err != nil {
		return OverrideResponse{}, err
	}
	return OverrideResponse{Status: "override_applied", Command: cmd}, nil
}
