package kalamari

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthChecker_Liveness(t *testing.T) {
	h := NewHealthChecker()

	if h.IsAlive() {
		t.Error("expected not alive by default")
	}

	h.SetAlive(true)
	if !h.IsAlive() {
		t.Error("expected alive after SetAlive(true)")
	}

	h.SetAlive(false)
	if h.IsAlive() {
		t.Error("expected not alive after SetAlive(false)")
	}
}

func TestHealthChecker_Readiness(t *testing.T) {
	h := NewHealthChecker()

	if h.IsReady() {
		t.Error("expected not ready by default")
	}

	h.SetReady(true)
	if !h.IsReady() {
		t.Error("expected ready after SetReady(true)")
	}

	h.AddReadinessCheck("lists", func() error {
		return errors.New("rulesets not loaded")
	})
	if h.IsReady() {
		t.Error("expected not ready with a failing check")
	}
}

func TestHealthChecker_DomainChecks(t *testing.T) {
	engine := NewEngine()
	cm, _ := newTestCA(t)

	h := NewHealthChecker()
	h.SetReady(true)
	h.AddReadinessCheck("rulesets", CheckRulesetsLoaded(engine))
	h.AddReadinessCheck("ca", CheckInterceptionCA(cm))

	if h.IsReady() {
		t.Error("expected not ready before the first snapshot is published")
	}

	engine.Publish(EmptyRulesets())
	if !h.IsReady() {
		t.Error("expected ready once a snapshot is published and the CA is loaded")
	}
}

func TestCheckInterceptionCA_NilManager(t *testing.T) {
	var cm *CertManager
	if err := CheckInterceptionCA(cm)(); err == nil {
		t.Error("expected an error for a nil manager")
	}
}

func TestHealthChecker_HandleHealthz(t *testing.T) {
	h := NewHealthChecker()

	rec := httptest.NewRecorder()
	h.HandleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d before SetAlive, want 503", rec.Code)
	}

	h.SetAlive(true)
	rec = httptest.NewRecorder()
	h.HandleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("status field = %q, want ok", resp.Status)
	}
	if resp.Uptime == "" {
		t.Error("uptime missing")
	}
}

func TestHealthChecker_HandleReadyz(t *testing.T) {
	h := NewHealthChecker()
	h.SetReady(true)

	rec := httptest.NewRecorder()
	h.HandleReadyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}

	h.AddReadinessCheck("postgres", func() error {
		return errors.New("connection refused")
	})

	rec = httptest.NewRecorder()
	h.HandleReadyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d with failing check, want 503", rec.Code)
	}

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Details) != 1 || resp.Details[0] != "postgres: connection refused" {
		t.Errorf("details = %v", resp.Details)
	}
}
