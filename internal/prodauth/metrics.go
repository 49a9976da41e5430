package prodauth

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus collectors for header requests and token exchanges.
type Metrics struct {
	headerRequests *prometheus.CounterVec
	fetches        *prometheus.CounterVec
	fetchDuration  *prometheus.HistogramVec
	cacheHits      *prometheus.CounterVec
	cacheMisses    *prometheus.CounterVec
	tokenExpiry    *prometheus.GaugeVec
	registry       *prometheus.Registry
}

func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "product_auth"
	}

	m := &Metrics{registry: prometheus.NewRegistry()}

	m.headerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "header_requests_total",
			Help:      "Total number of authorization header requests",
		},
		[]string{"product", "mode", "status"},
	)
	m.fetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "token",
			Name:      "fetch_total",
			Help:      "Total number of token exchanges with the identity provider",
		},
		[]string{"product", "status"},
	)
	m.fetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "token",
			Name:      "fetch_duration_seconds",
			Help:      "Token exchange duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"product"},
	)
	m.cacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "token",
			Name:      "cache_hits_total",
			Help:      "Header requests served from a fresh cached token",
		},
		[]string{"product"},
	)
	m.cacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "token",
			Name:      "cache_misses_total",
			Help:      "Header requests that found no fresh token",
		},
		[]string{"product"},
	)
	m.tokenExpiry = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "token",
			Name:      "expiry_timestamp_seconds",
			Help:      "Expiry of the cached token in seconds since epoch",
		},
		[]string{"product"},
	)

	m.registry.MustRegister(
		m.headerRequests,
		m.fetches,
		m.fetchDuration,
		m.cacheHits,
		m.cacheMisses,
		m.tokenExpiry,
	)
	return m
}

// NopMetrics returns an instance backed by a private registry nobody scrapes.
func NopMetrics() *Metrics {
	return NewMetrics("")
}

func (m *Metrics) RecordHeader(product Product, mode Mode, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.headerRequests.WithLabelValues(string(product), string(mode), status).Inc()
}

func (m *Metrics) RecordFetch(product Product, err error, duration time.Duration) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.fetches.WithLabelValues(string(product), status).Inc()
	m.fetchDuration.WithLabelValues(string(product)).Observe(duration.Seconds())
}

func (m *Metrics) RecordCacheHit(product Product) {
	m.cacheHits.WithLabelValues(string(product)).Inc()
}

func (m *Metrics) RecordCacheMiss(product Product) {
	m.cacheMisses.WithLabelValues(string(product)).Inc()
}

func (m *Metrics) SetTokenExpiry(product Product, expiry time.Time) {
	m.tokenExpiry.WithLabelValues(string(product)).Set(float64(expiry.Unix()))
}

func (m *Metrics) DeleteTokenExpiry(product Product) {
	m.tokenExpiry.DeleteLabelValues(string(product))
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
