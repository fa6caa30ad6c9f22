package kalamari

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// AdminServer exposes the ops surface of the proxy on a separate
// listener: Prometheus metrics, liveness/readiness probes, and a small
// REST API for inspecting the active rulesets and triggering a reload.
//
// Routing uses [chi]. All API endpoints return JSON.
type AdminServer struct {
	// Proxy is the proxy instance being managed.
	Proxy *Proxy

	// Engine whose ruleset snapshot is reported by GET /api/lists.
	Engine *Engine

	// Refresher invoked by POST /api/reload. If nil, the reload
	// endpoint returns 501 Not Implemented.
	Refresher *Refresher

	// Health backs the /healthz and /readyz probes.
	Health *HealthChecker

	// Metrics served at /metrics.
	Metrics *Metrics

	// Logger for admin events.
	Logger *slog.Logger

	router chi.Router
}

// NewAdminServer creates an AdminServer wired to the given proxy.
func NewAdminServer(proxy *Proxy) *AdminServer {
	a := &AdminServer{
		Proxy:   proxy,
		Engine:  proxy.Engine,
		Metrics: proxy.Metrics,
		Logger:  slog.Default(),
	}
	a.buildRouter()
	return a
}

func (a *AdminServer) buildRouter() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	// Collaborators may be assigned after construction, so the probe
	// and metrics routes nil-check at handle time.
	r.Get("/healthz", a.handleHealthz)
	r.Get("/readyz", a.handleReadyz)
	r.Get("/metrics", a.handleMetrics)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.SetHeader("Content-Type", "application/json"))
		r.Get("/status", a.handleStatus)
		r.Get("/lists", a.handleLists)
		r.Post("/reload", a.handleReload)
	})

	a.router = r
}

// ServeHTTP implements http.Handler by delegating to the internal chi
// router.
func (a *AdminServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

// StatusResponse is returned by GET /api/status.
type StatusResponse struct {
	Status    string `json:"status"`
	Addr      string `json:"addr"`
	Blacklist int    `json:"blacklist_resources"`
	Whitelist int    `json:"whitelist_resources"`
	Cachelist int    `json:"cachelist_entries"`
	Uptime    string `json:"uptime,omitempty"`
}

// ListsResponse is returned by GET /api/lists.
type ListsResponse struct {
	Blacklist ListSummary `json:"blacklist"`
	Whitelist ListSummary `json:"whitelist"`
	Cachelist ListSummary `json:"cachelist"`
}

// ListSummary describes one loaded ruleset.
type ListSummary struct {
	Resources int    `json:"resources"`
	Source    string `json:"source,omitempty"`
}

// ErrorResponse is returned for error conditions.
type ErrorResponse struct {
	Error string `json:"error"`
}

// MessageResponse is returned for successful mutations.
type MessageResponse struct {
	Message string `json:"message"`
}

func (a *AdminServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if a.Health == nil {
		http.Error(w, "health checker not configured", http.StatusServiceUnavailable)
		return
	}
	a.Health.HandleHealthz(w, r)
}

func (a *AdminServer) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if a.Health == nil {
		http.Error(w, "health checker not configured", http.StatusServiceUnavailable)
		return
	}
	a.Health.HandleReadyz(w, r)
}

func (a *AdminServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if a.Metrics == nil {
		http.NotFound(w, r)
		return
	}
	a.Metrics.Handler().ServeHTTP(w, r)
}

func (a *AdminServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{Status: "ok"}

	if a.Proxy != nil {
		if addr := a.Proxy.ListenerAddr(); addr != nil {
			resp.Addr = addr.String()
		} else {
			resp.Addr = a.Proxy.Addr
		}
	}

	if a.Engine != nil {
		rs := a.Engine.Snapshot()
		resp.Blacklist = rs.Blacklist.Count()
		resp.Whitelist = rs.Whitelist.Count()
		resp.Cachelist = rs.Cachelist.Count()
	}

	if a.Health != nil {
		resp.Uptime = a.Health.Uptime().Truncate(time.Second).String()
	}

	a.writeJSON(w, http.StatusOK, resp)
}

func (a *AdminServer) handleLists(w http.ResponseWriter, _ *http.Request) {
	if a.Engine == nil {
		a.writeJSON(w, http.StatusOK, ListsResponse{})
		return
	}

	rs := a.Engine.Snapshot()
	resp := ListsResponse{
		Blacklist: ListSummary{Resources: rs.Blacklist.Count()},
		Whitelist: ListSummary{Resources: rs.Whitelist.Count()},
		Cachelist: ListSummary{Resources: rs.Cachelist.Count()},
	}

	if a.Refresher != nil {
		if a.Refresher.Blacklist != nil {
			resp.Blacklist.Source = a.Refresher.Blacklist.String()
		}
		if a.Refresher.Whitelist != nil {
			resp.Whitelist.Source = a.Refresher.Whitelist.String()
		}
		if a.Refresher.Cachelist != nil {
			resp.Cachelist.Source = a.Refresher.Cachelist.String()
		}
	}

	a.writeJSON(w, http.StatusOK, resp)
}

func (a *AdminServer) handleReload(w http.ResponseWriter, r *http.Request) {
	if a.Refresher == nil {
		a.writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: "reload not configured"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	if err := a.Refresher.Reload(ctx); err != nil {
		a.logger().Error("admin reload failed", "error", err)
		a.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "reload failed: " + err.Error()})
		return
	}

	a.logger().Info("rulesets reloaded via admin API")
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "reload successful"})
}

func (a *AdminServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger().Error("admin write error", "error", err)
	}
}

func (a *AdminServer) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}
