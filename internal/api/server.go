package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/callsight/callsight/internal/api/middleware"
	"github.com/callsight/callsight/internal/correlate"
	"github.com/callsight/callsight/internal/devlink"
	"github.com/callsight/callsight/internal/persist"
	"github.com/callsight/callsight/internal/smdr"
	"github.com/callsight/callsight/internal/state"
)

// Server exposes health, live state snapshots and prometheus metrics.
// All pipeline references may be nil when the subsystem is disabled.
type Server struct {
	router *chi.Mux

	core       *state.Core
	connection *devlink.Connection
	listener   *smdr.Listener
	buffer     *persist.Buffer
	engine     *correlate.Engine
	registry   *prometheus.Registry
	startTime  time.Time
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(core *state.Core, connection *devlink.Connection, listener *smdr.Listener,
	buffer *persist.Buffer, engine *correlate.Engine, registry *prometheus.Registry) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		core:       core,
		connection: connection,
		listener:   listener,
		buffer:     buffer,
		engine:     engine,
		registry:   registry,
		startTime:  time.Now(),
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/calls/active", s.handleActiveCalls)
		r.Get("/agents", s.handleAgents)
		r.Get("/groups", s.handleGroups)
		r.Get("/correlation", s.handleCorrelation)
	})

	if s.registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(
			s.registry, promhttp.HandlerOpts{}))
	}
}

type healthResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	DevLinkStatus string `json:"devlink_status"`
	ActiveCalls   int    `json:"active_calls"`
	Agents        int    `json:"agents"`
	BufferDepth   int    `json:"buffer_depth"`
	SmdrConns     int64  `json:"smdr_connections"`
}

// handleHealth reports a degraded status when the real-time feed is
// down; SMDR-only operation is still a functioning collector.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		DevLinkStatus: "disabled",
	}
	if s.connection != nil {
		status := s.connection.Status()
		resp.DevLinkStatus = string(status)
		if status != devlink.StatusSubscribed {
			resp.Status = "degraded"
		}
	}
	if s.core != nil {
		resp.ActiveCalls = s.core.ActiveCallCount()
		resp.Agents = s.core.AgentCount()
	}
	if s.buffer != nil {
		resp.BufferDepth = s.buffer.Size()
	}
	if s.listener != nil {
		resp.SmdrConns = s.listener.ActiveConns()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleActiveCalls(w http.ResponseWriter, r *http.Request) {
	if s.core == nil {
		writeError(w, http.StatusServiceUnavailable, "state core not running")
		return
	}
	writeJSON(w, http.StatusOK, s.core.ActiveCalls())
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if s.core == nil {
		writeError(w, http.StatusServiceUnavailable, "state core not running")
		return
	}
	writeJSON(w, http.StatusOK, s.core.Agents())
}

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	if s.core == nil {
		writeError(w, http.StatusServiceUnavailable, "state core not running")
		return
	}
	writeJSON(w, http.StatusOK, s.core.Groups())
}

type correlationResponse struct {
	MatchedByID       uint64  `json:"matched_by_id"`
	MatchedByWindow   uint64  `json:"matched_by_window"`
	Standalone        uint64  `json:"standalone"`
	Evicted           uint64  `json:"evicted"`
	Errors            uint64  `json:"errors"`
	AvgMatchLatencyMs float64 `json:"avg_match_latency_ms"`
	Pending           int     `json:"pending"`
}

func (s *Server) handleCorrelation(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		writeError(w, http.StatusServiceUnavailable, "correlation engine not running")
		return
	}
	byID, byWindow, standalone, evicted := s.engine.Stats()
	writeJSON(w, http.StatusOK, correlationResponse{
		MatchedByID:       byID,
		MatchedByWindow:   byWindow,
		Standalone:        standalone,
		Evicted:           evicted,
		Errors:            s.engine.ErrorCount(),
		AvgMatchLatencyMs: s.engine.AvgMatchLatencyMs(),
		Pending:           s.engine.PendingCount(),
	})
}
