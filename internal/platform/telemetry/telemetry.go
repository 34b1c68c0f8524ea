// Package telemetry exposes Prometheus metrics for the admin HTTP server and
// the CDS Hooks engine. Metrics implements cdshooks.Observer.
package telemetry

import (
	"errors"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cdshooks"

// Result label values.
const (
	resultSuccess = "success"
	resultError   = "error"
)

var (
	defaultDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	endpointStates         = []string{"unloaded", "loading", "ready", "inactive"}
)

// Metrics holds the engine and admin HTTP collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	httpDuration   *prometheus.HistogramVec
	httpActive     prometheus.Gauge
	discovery      *prometheus.CounterVec
	endpointState  *prometheus.GaugeVec
	serviceCalls   *prometheus.CounterVec
	serviceLatency *prometheus.HistogramVec
	requests       *prometheus.CounterVec
	dbActive       prometheus.Gauge
	dbIdle         prometheus.Gauge
}

// NewMetrics creates and registers every collector, including the Go runtime
// and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_server_request_duration_seconds",
			Help:    "Duration of admin HTTP requests in seconds.",
			Buckets: defaultDurationBuckets,
		}, []string{"method", "route", "status_code"}),
		httpActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_server_active_requests",
			Help: "Number of admin HTTP requests in progress.",
		}),
		discovery: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_attempts_total",
			Help:      "Discovery attempts by endpoint and result.",
		}, []string{"endpoint", "result"}),
		endpointState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "endpoint_state",
			Help:      "1 for the current lifecycle state of each endpoint.",
		}, []string{"endpoint", "state"}),
		serviceCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "service_invocations_total",
			Help:      "CDS service invocations by hook, service and result.",
		}, []string{"endpoint", "hook", "service", "result"}),
		serviceLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "service_invocation_duration_seconds",
			Help:      "Time to prepare and invoke one CDS service.",
			Buckets:   defaultDurationBuckets,
		}, []string{"hook"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invocation_requests_total",
			Help:      "Finished invocation requests by hook and outcome.",
		}, []string{"hook", "outcome"}),
		dbActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_active_connections",
			Help: "Number of active database pool connections.",
		}),
		dbIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_idle_connections",
			Help: "Number of idle database pool connections.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpDuration, m.httpActive,
		m.discovery, m.endpointState, m.serviceCalls, m.serviceLatency, m.requests,
		m.dbActive, m.dbIdle,
	)
	return m
}

// Registry returns the registry backing the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ---------------------------------------------------------------------------
// Engine observer
// ---------------------------------------------------------------------------

func result(err error) string {
	if err != nil {
		return resultError
	}
	return resultSuccess
}

// DiscoveryAttempt counts one catalog fetch.
func (m *Metrics) DiscoveryAttempt(endpoint string, err error) {
	m.discovery.WithLabelValues(endpoint, result(err)).Inc()
}

// EndpointState moves the endpoint's state gauge to state.
func (m *Metrics) EndpointState(endpoint, state string) {
	for _, s := range endpointStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.endpointState.WithLabelValues(endpoint, s).Set(v)
	}
}

// ServiceInvoked records one service call.
func (m *Metrics) ServiceInvoked(endpoint, hook, serviceID string, elapsed time.Duration, err error) {
	m.serviceCalls.WithLabelValues(endpoint, hook, serviceID, result(err)).Inc()
	m.serviceLatency.WithLabelValues(hook).Observe(elapsed.Seconds())
}

// RequestFinished counts a completed, aborted or dropped request.
func (m *Metrics) RequestFinished(_, hook, outcome string) {
	m.requests.WithLabelValues(hook, outcome).Inc()
}

// SetDBPool updates the database pool gauges.
func (m *Metrics) SetDBPool(active, idle int32) {
	m.dbActive.Set(float64(active))
	m.dbIdle.Set(float64(idle))
}

// ---------------------------------------------------------------------------
// HTTP
// ---------------------------------------------------------------------------

// Middleware records duration and in-flight count for every admin request,
// labelled by route pattern rather than raw path.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.httpActive.Inc()
			start := time.Now()

			err := next(c)

			m.httpActive.Dec()
			status := c.Response().Status
			var he *echo.HTTPError
			if errors.As(err, &he) {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			m.httpDuration.WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).
				Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}
