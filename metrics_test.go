package kalamari

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewMetrics(t *testing.T) {
	m := NewMetrics()
	if m == nil {
		t.Fatal("NewMetrics() returned nil")
	}
	if m.registry == nil {
		t.Fatal("registry should not be nil")
	}
}

func TestMetrics_Recorders(t *testing.T) {
	m := NewMetrics()

	// The recorders must not panic and the handler must expose them.
	m.RecordRequest("GET", false)
	m.RecordRequest("CONNECT", false)
	m.RecordRequest("GET", true)
	m.RecordBlocked()
	m.RecordCacheRedirect()
	m.RecordRejected("acl")
	m.RecordRejected("ratelimit")
	m.IncActiveSessions()
	m.DecActiveSessions()
	m.RecordRelayBytes(1024, 2048)
	m.RecordCertIssued()
	m.RecordTLSError()
	m.RecordUpstreamError()
	m.RecordTimeout()
	m.RecordListReload()
	m.RecordListReloadError()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics endpoint status = %d", rec.Code)
	}

	body, _ := io.ReadAll(rec.Body)
	for _, metric := range []string{
		`kalamari_requests_total{leg="plain",method="GET"} 1`,
		`kalamari_requests_total{leg="tunnel",method="GET"} 1`,
		"kalamari_requests_blocked_total 1",
		"kalamari_cache_redirects_total 1",
		`kalamari_sessions_rejected_total{gate="acl"} 1`,
		"kalamari_active_sessions 0",
		"kalamari_relay_bytes_in_total 1024",
		"kalamari_relay_bytes_out_total 2048",
		"kalamari_certificates_issued_total 1",
		"kalamari_list_reloads_total 1",
	} {
		if !strings.Contains(string(body), metric) {
			t.Errorf("metrics output missing %q", metric)
		}
	}
}

func TestMetrics_IsolatedRegistries(t *testing.T) {
	// Two Metrics instances must not collide on registration.
	a := NewMetrics()
	b := NewMetrics()
	a.RecordBlocked()

	rec := httptest.NewRecorder()
	b.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "kalamari_requests_blocked_total 0") {
		t.Error("fresh registry should report a zero counter")
	}
}
