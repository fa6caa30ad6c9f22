package kalamari

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// HealthChecker answers the admin listener's liveness and readiness
// probes. Liveness flips on once the accept loop is running and off
// during shutdown. Readiness additionally runs named checks, so a proxy
// whose rulesets never loaded or whose interception CA is gone reports
// 503 without the process going down.
type HealthChecker struct {
	alive atomic.Bool
	ready atomic.Bool

	startTime time.Time

	mu     sync.Mutex
	checks []namedCheck
}

// ReadinessCheck returns nil when its component is ready, or an error
// describing why it is not.
type ReadinessCheck func() error

type namedCheck struct {
	name  string
	check ReadinessCheck
}

// HealthResponse is the JSON body returned by the probe endpoints.
type HealthResponse struct {
	Status  string   `json:"status"`
	Uptime  string   `json:"uptime,omitempty"`
	Reason  string   `json:"reason,omitempty"`
	Details []string `json:"details,omitempty"`
}

// NewHealthChecker creates a HealthChecker. It starts neither alive nor
// ready.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		startTime: time.Now(),
	}
}

// AddReadinessCheck registers a named check. All registered checks must
// pass for the readiness probe to succeed; failures are reported in the
// response details as "name: error".
func (h *HealthChecker) AddReadinessCheck(name string, check ReadinessCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, namedCheck{name: name, check: check})
}

// SetAlive marks the proxy as alive.
func (h *HealthChecker) SetAlive(alive bool) {
	h.alive.Store(alive)
}

// SetReady marks the proxy as ready. Registered checks still gate the
// readiness probe.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsAlive reports whether the proxy is alive.
func (h *HealthChecker) IsAlive() bool {
	return h.alive.Load()
}

// IsReady reports whether the proxy is ready to serve: the ready flag is
// set and every registered check passes.
func (h *HealthChecker) IsReady() bool {
	return h.ready.Load() && len(h.failures()) == 0
}

// Uptime returns the time elapsed since the checker was created.
func (h *HealthChecker) Uptime() time.Duration {
	return time.Since(h.startTime)
}

func (h *HealthChecker) failures() []string {
	h.mu.Lock()
	checks := make([]namedCheck, len(h.checks))
	copy(checks, h.checks)
	h.mu.Unlock()

	var out []string
	for _, c := range checks {
		if err := c.check(); err != nil {
			out = append(out, fmt.Sprintf("%s: %v", c.name, err))
		}
	}
	return out
}

// HandleHealthz answers the liveness probe.
func (h *HealthChecker) HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{
		Status: "ok",
		Uptime: h.Uptime().Truncate(time.Second).String(),
	}
	code := http.StatusOK
	if !h.IsAlive() {
		resp.Status = "unavailable"
		code = http.StatusServiceUnavailable
	}
	h.writeProbe(w, code, resp)
}

// HandleReadyz answers the readiness probe, listing each failing check.
func (h *HealthChecker) HandleReadyz(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{
		Status: "ok",
		Uptime: h.Uptime().Truncate(time.Second).String(),
	}
	code := http.StatusOK

	switch {
	case !h.ready.Load():
		resp.Status = "not ready"
		resp.Reason = "proxy not yet ready"
		code = http.StatusServiceUnavailable
	default:
		if failures := h.failures(); len(failures) > 0 {
			resp.Status = "not ready"
			resp.Details = failures
			code = http.StatusServiceUnavailable
		}
	}

	h.writeProbe(w, code, resp)
}

func (h *HealthChecker) writeProbe(w http.ResponseWriter, code int, resp HealthResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

// CheckRulesetsLoaded fails until the engine has published its first
// snapshot, so a proxy whose initial list load failed is not routed
// traffic.
func CheckRulesetsLoaded(engine *Engine) ReadinessCheck {
	return func() error {
		if engine == nil || !engine.Loaded() {
			return errors.New("no ruleset snapshot published")
		}
		return nil
	}
}

// CheckInterceptionCA fails while the interception CA is unavailable.
// Register it only when TLS interception is configured; a proxy running
// without a CA on purpose is still ready.
func CheckInterceptionCA(certs *CertManager) ReadinessCheck {
	return func() error {
		if certs.Subject() == "" {
			return errors.New("interception CA not loaded")
		}
		return nil
	}
}
