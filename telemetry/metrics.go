package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "egress"

// ForgerStats reports cumulative certificate cache hits and misses.
type ForgerStats func() (hits uint64, misses uint64)

// ResolverStats reports cumulative upstream DNS queries and cache hits.
type ResolverStats func() (queries uint64, cacheHits uint64)

// Metrics owns a private prometheus registry so the exporter never
// collides with another collector in the same process.
type Metrics struct {
	registry *prometheus.Registry

	sessionsActive  prometheus.Gauge
	sessionsTotal   *prometheus.CounterVec
	bytesTotal      *prometheus.CounterVec
	handshakesTotal *prometheus.CounterVec
	generationID    prometheus.Gauge
}

func NewMetrics(forgerStats ForgerStats, resolverStats ResolverStats) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions currently open.",
		}),
		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Completed sessions by escaper and result.",
		}, []string{"escaper", "result"}),
		bytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Relayed bytes by direction.",
		}, []string{"direction"}),
		handshakesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tls_handshakes_total",
			Help:      "TLS handshakes by side and result.",
		}, []string{"side", "result"}),
		generationID: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "generation_id",
			Help:      "Identifier of the active configuration generation.",
		}),
	}
	m.registry.MustRegister(m.sessionsActive, m.sessionsTotal, m.bytesTotal, m.handshakesTotal, m.generationID)
	if forgerStats != nil {
		m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forge_cache_hits_total",
			Help:      "Forged certificates served from cache.",
		}, func() float64 {
			hits, _ := forgerStats()
			return float64(hits)
		}))
		m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forge_cache_misses_total",
			Help:      "Forged certificates synthesized on demand.",
		}, func() float64 {
			_, misses := forgerStats()
			return float64(misses)
		}))
	}
	if resolverStats != nil {
		m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dns_queries_total",
			Help:      "DNS resolution rounds sent upstream.",
		}, func() float64 {
			queries, _ := resolverStats()
			return float64(queries)
		}))
		m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dns_cache_hits_total",
			Help:      "DNS lookups answered from the cache.",
		}, func() float64 {
			_, cacheHits := resolverStats()
			return float64(cacheHits)
		}))
	}
	return m
}

func (m *Metrics) SessionOpened() {
	m.sessionsActive.Inc()
}

func (m *Metrics) SessionClosed(escaper string, result string, upload int64, download int64) {
	m.sessionsActive.Dec()
	if escaper == "" {
		escaper = "none"
	}
	if result == "" {
		result = "ok"
	}
	m.sessionsTotal.WithLabelValues(escaper, result).Inc()
	if upload > 0 {
		m.bytesTotal.WithLabelValues("upload").Add(float64(upload))
	}
	if download > 0 {
		m.bytesTotal.WithLabelValues("download").Add(float64(download))
	}
}

func (m *Metrics) Handshake(side string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.handshakesTotal.WithLabelValues(side, result).Inc()
}

func (m *Metrics) SetGeneration(id uint64) {
	m.generationID.Set(float64(id))
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
