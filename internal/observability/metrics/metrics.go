// Package metrics exposes Prometheus instrumentation for the HTTP surface
// and the stream lifecycle. Each Recorder owns its own registry so tests can
// construct recorders independently without collector collisions.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder collects request and stream lifecycle metrics.
type Recorder struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	streamEvents    *prometheus.CounterVec
	ingestRejects   *prometheus.CounterVec
	activeStreams   prometheus.Gauge
}

// NewRecorder builds a Recorder with a fresh registry and registers the
// standard Go and process collectors alongside the application series.
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()

	r := &Recorder{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamhub_http_requests_total",
			Help: "HTTP requests processed, by method, route and status code.",
		}, []string{"method", "path", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "streamhub_http_request_duration_seconds",
			Help:    "HTTP request latency, by method and route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		streamEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamhub_stream_events_total",
			Help: "Stream lifecycle transitions, by event.",
		}, []string{"event"}),
		ingestRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamhub_ingest_rejections_total",
			Help: "Ingest callbacks refused by the lifecycle coordinator, by reason.",
		}, []string{"reason"}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "streamhub_active_streams",
			Help: "Sessions currently live.",
		}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.requestsTotal,
		r.requestDuration,
		r.streamEvents,
		r.ingestRejects,
		r.activeStreams,
	)
	return r
}

// ObserveRequest records one completed HTTP request.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	if r == nil {
		return
	}
	label := normalizePath(path)
	r.requestsTotal.WithLabelValues(method, label, strconv.Itoa(status)).Inc()
	r.requestDuration.WithLabelValues(method, label).Observe(duration.Seconds())
}

// StreamStarted records a session going live.
func (r *Recorder) StreamStarted() {
	if r == nil {
		return
	}
	r.streamEvents.WithLabelValues("started").Inc()
	r.activeStreams.Inc()
}

// StreamStopped records a live session ending.
func (r *Recorder) StreamStopped() {
	if r == nil {
		return
	}
	r.streamEvents.WithLabelValues("stopped").Inc()
	r.activeStreams.Dec()
}

// IngestRejected records a refused ingest callback with its refusal reason.
func (r *Recorder) IngestRejected(reason string) {
	if r == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	r.ingestRejects.WithLabelValues(reason).Inc()
}

// Handler serves the recorder's registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// normalizePath collapses identifier-looking path segments so per-resource
// URLs do not explode label cardinality.
func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for i, segment := range segments {
		if looksLikeIdentifier(segment) {
			segments[i] = ":id"
		}
	}
	return "/" + strings.Join(segments, "/")
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) < 16 {
		return false
	}
	for _, c := range segment {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		case c == '-':
		default:
			return false
		}
	}
	return true
}
