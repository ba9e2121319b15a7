package reloadproxy

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for a Server.
//
// Every Server owns its own registry so several servers (or tests) can live
// in one process without colliding on the default registerer.
type Metrics struct {
	registry *prometheus.Registry

	// Subscriber metrics
	Subscribers        prometheus.Gauge
	Broadcasts         prometheus.Counter
	EventsDelivered    prometheus.Counter
	SubscribersDropped prometheus.Counter

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Proxy metrics
	ProxyResponses *prometheus.CounterVec
	BackendErrors  *prometheus.CounterVec
}

// NewMetrics creates a new metrics collector backed by a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		Subscribers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "reloadproxy_subscribers",
				Help: "Number of connected reload subscribers",
			},
		),
		Broadcasts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "reloadproxy_broadcasts_total",
				Help: "Total number of events broadcast to subscribers",
			},
		),
		EventsDelivered: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "reloadproxy_events_delivered_total",
				Help: "Total number of events queued for individual subscribers",
			},
		),
		SubscribersDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "reloadproxy_subscribers_dropped_total",
				Help: "Subscribers removed because their send queue overflowed",
			},
		),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reloadproxy_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"route", "method", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reloadproxy_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 60, 600},
			},
			[]string{"route"},
		),

		ProxyResponses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reloadproxy_proxy_responses_total",
				Help: "Backend responses relayed to clients, by handling kind",
			},
			[]string{"kind"},
		),
		BackendErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reloadproxy_backend_errors_total",
				Help: "Failed backend round trips, by reason",
			},
			[]string{"reason"},
		),
	}
}

// Registry returns the registry all collectors are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordHTTPRequest records a completed HTTP request.
func (m *Metrics) RecordHTTPRequest(route, method string, status int, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordProxyResponse records how a backend response was relayed.
func (m *Metrics) RecordProxyResponse(kind string) {
	m.ProxyResponses.WithLabelValues(kind).Inc()
}

// RecordBackendError records a failed backend round trip.
func (m *Metrics) RecordBackendError(reason string) {
	m.BackendErrors.WithLabelValues(reason).Inc()
}

// requestMetrics creates a gin middleware recording every request handled by
// the proxy listener. Requests that fell through to the backend have no
// registered route and are labeled "proxy".
func requestMetrics(m *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "proxy"
		}
		m.RecordHTTPRequest(route, c.Request.Method, c.Writer.Status(), time.Since(start))
	}
}
