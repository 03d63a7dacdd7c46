package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	authzDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gallery_authorization_decisions_total",
			Help: "Authorization decisions by scope and result.",
		},
		[]string{"scope", "result"},
	)

	entityEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gallery_entity_events_total",
			Help: "Entity change events published after commit.",
		},
		[]string{"entity", "kind"},
	)

	discardedBatches = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gallery_entity_event_batches_discarded_total",
		Help: "Units of work whose staged events were dropped because the commit failed.",
	})

	hubConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gallery_hub_connections",
			Help: "Open real-time connections per hub.",
		},
		[]string{"hub"},
	)

	hubMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gallery_hub_messages_total",
			Help: "Messages delivered to connections per hub and method.",
		},
		[]string{"hub", "method"},
	)

	hubSendFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gallery_hub_send_failures_total",
			Help: "Per-connection deliveries that failed or were dropped.",
		},
		[]string{"hub"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gallery_ready",
		Help: "1 when the last readiness check passed.",
	})

	initOnce sync.Once
)

// Init registers all collectors in the default registry. Safe to call twice.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			authzDecisions, entityEvents, discardedBatches,
			hubConnections, hubMessages, hubSendFailures, ready,
		)
	})
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady records the outcome of the latest readiness check.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// ObserveAuthorization records one authorization decision.
func ObserveAuthorization(scope string, allowed bool) {
	result := "deny"
	if allowed {
		result = "allow"
	}
	authzDecisions.WithLabelValues(scope, result).Inc()
}

// ObserveEntityEvent counts a published change event.
func ObserveEntityEvent(entity, kind string) {
	entityEvents.WithLabelValues(entity, kind).Inc()
}

// ObserveDiscardedBatch counts a unit of work rolled back with staged events.
func ObserveDiscardedBatch() {
	discardedBatches.Inc()
}

// HubConnectionOpened and HubConnectionClosed track the connection gauge.
func HubConnectionOpened(hub string) { hubConnections.WithLabelValues(hub).Inc() }
func HubConnectionClosed(hub string) { hubConnections.WithLabelValues(hub).Dec() }

// ObserveHubMessage counts a message handed to a connection.
func ObserveHubMessage(hub, method string) {
	hubMessages.WithLabelValues(hub, method).Inc()
}

// ObserveHubSendFailure counts a dropped or failed delivery.
func ObserveHubSendFailure(hub string) {
	hubSendFailures.WithLabelValues(hub).Inc()
}

// Instrument measures request count, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses identifier segments so label cardinality stays flat.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(p, "/")
	for i, part := range parts {
		if isIdentifierSegment(part) {
			parts[i] = ":id"
		}
	}
	return strings.Join(parts, "/")
}

func isIdentifierSegment(s string) bool {
	if s == "" {
		return false
	}
	if _, err := uuid.Parse(s); err == nil && len(s) == 36 {
		return true
	}
	return strings.HasPrefix(s, "conn_")
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming responses working through the instrumentation wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
