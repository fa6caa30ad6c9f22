package kalamari

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the proxy.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestsBlocked prometheus.Counter
	cacheRedirects  prometheus.Counter
	rejectedTotal   *prometheus.CounterVec
	activeSessions  prometheus.Gauge
	relayBytesIn    prometheus.Counter
	relayBytesOut   prometheus.Counter
	certsIssued     prometheus.Counter
	tlsErrors       prometheus.Counter
	upstreamErrors  prometheus.Counter
	timeouts        prometheus.Counter
	listReloads     prometheus.Counter
	listReloadErrs  prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a new Metrics instance with all collectors registered.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kalamari",
			Name:      "requests_total",
			Help:      "Total number of requests parsed.",
		}, []string{"method", "leg"}),

		requestsBlocked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kalamari",
			Name:      "requests_blocked_total",
			Help:      "Total number of requests denied by the blacklist.",
		}),

		cacheRedirects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kalamari",
			Name:      "cache_redirects_total",
			Help:      "Total number of requests redirected to a cached copy.",
		}),

		rejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kalamari",
			Name:      "sessions_rejected_total",
			Help:      "Sessions rejected before parsing.",
		}, []string{"gate"}),

		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kalamari",
			Name:      "active_sessions",
			Help:      "Number of active proxy sessions.",
		}),

		relayBytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kalamari",
			Name:      "relay_bytes_in_total",
			Help:      "Bytes relayed from clients to upstreams.",
		}),

		relayBytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kalamari",
			Name:      "relay_bytes_out_total",
			Help:      "Bytes relayed from upstreams to clients.",
		}),

		certsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kalamari",
			Name:      "certificates_issued_total",
			Help:      "Leaf certificates generated for interception.",
		}),

		tlsErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kalamari",
			Name:      "tls_errors_total",
			Help:      "TLS interception failures (issuance or handshake).",
		}),

		upstreamErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kalamari",
			Name:      "upstream_errors_total",
			Help:      "Outbound connection failures.",
		}),

		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kalamari",
			Name:      "request_timeouts_total",
			Help:      "Sessions aborted waiting for the outbound connection.",
		}),

		listReloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kalamari",
			Name:      "list_reloads_total",
			Help:      "Successful ruleset reloads.",
		}),

		listReloadErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kalamari",
			Name:      "list_reload_errors_total",
			Help:      "Failed ruleset reloads.",
		}),

		registry: reg,
	}

	reg.MustRegister(
		m.requestsTotal,
		m.requestsBlocked,
		m.cacheRedirects,
		m.rejectedTotal,
		m.activeSessions,
		m.relayBytesIn,
		m.relayBytesOut,
		m.certsIssued,
		m.tlsErrors,
		m.upstreamErrors,
		m.timeouts,
		m.listReloads,
		m.listReloadErrs,
	)

	return m
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest records a parsed request. The leg label distinguishes the
// plain stream from decrypted tunnel traffic.
func (m *Metrics) RecordRequest(method string, intercepted bool) {
	leg := "plain"
	if intercepted {
		leg = "tunnel"
	}
	m.requestsTotal.WithLabelValues(method, leg).Inc()
}

// RecordBlocked records a blacklist denial.
func (m *Metrics) RecordBlocked() {
	m.requestsBlocked.Inc()
}

// RecordCacheRedirect records a cache-list substitution.
func (m *Metrics) RecordCacheRedirect() {
	m.cacheRedirects.Inc()
}

// RecordRejected records a session rejected at the ACL or rate-limit gate.
func (m *Metrics) RecordRejected(gate string) {
	m.rejectedTotal.WithLabelValues(gate).Inc()
}

// IncActiveSessions increments the active session gauge.
func (m *Metrics) IncActiveSessions() {
	m.activeSessions.Inc()
}

// DecActiveSessions decrements the active session gauge.
func (m *Metrics) DecActiveSessions() {
	m.activeSessions.Dec()
}

// RecordRelayBytes records bytes copied in each relay direction.
func (m *Metrics) RecordRelayBytes(in, out int64) {
	m.relayBytesIn.Add(float64(in))
	m.relayBytesOut.Add(float64(out))
}

// RecordCertIssued records a freshly generated interception certificate.
func (m *Metrics) RecordCertIssued() {
	m.certsIssued.Inc()
}

// RecordTLSError records an interception failure.
func (m *Metrics) RecordTLSError() {
	m.tlsErrors.Inc()
}

// RecordUpstreamError records an outbound connection failure.
func (m *Metrics) RecordUpstreamError() {
	m.upstreamErrors.Inc()
}

// RecordTimeout records a session aborted by the connect-phase timeout.
func (m *Metrics) RecordTimeout() {
	m.timeouts.Inc()
}

// RecordListReload records a successful ruleset reload.
func (m *Metrics) RecordListReload() {
	m.listReloads.Inc()
}

// RecordListReloadError records a failed ruleset reload.
func (m *Metrics) RecordListReloadError() {
	m.listReloadErrs.Inc()
}
