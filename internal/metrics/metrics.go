// Package metrics defines the proxy's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector. A nil *Metrics is valid and records nothing,
// so packages can take one optionally.
type Metrics struct {
	reg *prometheus.Registry

	requests          *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	entities          *prometheus.CounterVec
	detectorFailures  *prometheus.CounterVec
	denied            *prometheus.CounterVec
	rateLimited       *prometheus.CounterVec
	storeErrors       *prometheus.CounterVec
	anonymizeDuration prometheus.Histogram
	streamFrames      prometheus.Counter
	streamRewrites    prometheus.Counter
	streamsCancelled  prometheus.Counter
}

// New registers the collectors, plus the Go and process collectors, on a
// fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "piiguard_http_requests_total",
			Help: "HTTP requests by route and status code",
		}, []string{"route", "code"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "piiguard_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		entities: f.NewCounterVec(prometheus.CounterOpts{
			Name: "piiguard_entities_anonymized_total",
			Help: "Placeholders assigned by entity type",
		}, []string{"entity_type"}),
		detectorFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "piiguard_detector_failures_total",
			Help: "Detector errors by detector",
		}, []string{"detector"}),
		denied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "piiguard_requests_denied_total",
			Help: "Requests blocked because they contained a denied entity type",
		}, []string{"entity_type"}),
		rateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Name: "piiguard_ratelimit_rejections_total",
			Help: "Requests rejected by the rate limiter, by window",
		}, []string{"window"}),
		storeErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "piiguard_store_errors_total",
			Help: "Backing store failures by store",
		}, []string{"store"}),
		anonymizeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "piiguard_anonymize_duration_seconds",
			Help:    "Time spent detecting and replacing PII per request",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}),
		streamFrames: f.NewCounter(prometheus.CounterOpts{
			Name: "piiguard_stream_frames_total",
			Help: "SSE data frames passed through the restorer",
		}),
		streamRewrites: f.NewCounter(prometheus.CounterOpts{
			Name: "piiguard_stream_frames_rewritten_total",
			Help: "SSE data frames whose text delta was rewritten by the restorer",
		}),
		streamsCancelled: f.NewCounter(prometheus.CounterOpts{
			Name: "piiguard_streams_cancelled_total",
			Help: "Streams that ended by cancellation or write error",
		}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// ObserveRequest records one finished HTTP request.
func (m *Metrics) ObserveRequest(route string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, statusLabel(code)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(d.Seconds())
}

// Anonymized records placeholders per entity type and the time it took.
func (m *Metrics) Anonymized(byType map[string]int, d time.Duration) {
	if m == nil {
		return
	}
	for t, n := range byType {
		m.entities.WithLabelValues(t).Add(float64(n))
	}
	m.anonymizeDuration.Observe(d.Seconds())
}

// DetectorFailed counts a detector error.
func (m *Metrics) DetectorFailed(detector string) {
	if m == nil {
		return
	}
	m.detectorFailures.WithLabelValues(detector).Inc()
}

// Denied counts a request blocked by a deny rule.
func (m *Metrics) Denied(entityTypes []string) {
	if m == nil {
		return
	}
	for _, t := range entityTypes {
		m.denied.WithLabelValues(t).Inc()
	}
}

// RateLimited counts a rate-limit rejection.
func (m *Metrics) RateLimited(window string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(window).Inc()
}

// StoreError counts a backing store failure.
func (m *Metrics) StoreError(store string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(store).Inc()
}

// StreamDone records a finished stream: frames seen, frames rewritten and
// whether it was cut short.
func (m *Metrics) StreamDone(frames, rewritten int, cancelled bool) {
	if m == nil {
		return
	}
	m.streamFrames.Add(float64(frames))
	m.streamRewrites.Add(float64(rewritten))
	if cancelled {
		m.streamsCancelled.Inc()
	}
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	}
	return "2xx"
}
