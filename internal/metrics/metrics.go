// Package metrics exposes polling statistics in the Prometheus format
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sensorhub/internal/poller"
	"sensorhub/internal/sensor"
)

// Metrics implements poller.Observer
type Metrics struct {
	registry *prometheus.Registry

	ticks        prometheus.Counter
	tickDuration prometheus.Histogram
	lastTick     prometheus.Gauge
	readings     *prometheus.CounterVec
	writeErrors  prometheus.Counter
	mirrorErrors *prometheus.CounterVec
	available    *prometheus.GaugeVec

	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

// New creates the collectors on a dedicated registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sensorhub_ticks_total",
			Help: "Total number of completed polling ticks.",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sensorhub_tick_duration_seconds",
			Help:    "Histogram of polling tick durations.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}),
		lastTick: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sensorhub_last_tick_timestamp_seconds",
			Help: "Unix time at which the last tick started.",
		}),
		readings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sensorhub_readings_total",
			Help: "Total readings taken by sensor and status.",
		}, []string{"sensor", "status"}),
		writeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sensorhub_storage_write_errors_total",
			Help: "Total readings that could not be stored.",
		}),
		mirrorErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sensorhub_mirror_errors_total",
			Help: "Total failed mirror publishes by mirror.",
		}, []string{"mirror"}),
		available: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sensorhub_sensor_available",
			Help: "1 if the last reading of the sensor was ok, 0 otherwise.",
		}, []string{"sensor"}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sensorhub_http_requests_total",
			Help: "Total count of ops HTTP requests by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sensorhub_http_request_duration_seconds",
			Help:    "Histogram of ops HTTP request durations by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ticks,
		m.tickDuration,
		m.lastTick,
		m.readings,
		m.writeErrors,
		m.mirrorErrors,
		m.available,
		m.httpRequestsTotal,
		m.httpDuration,
	)

	return m
}

// Registry returns the registry the collectors live in
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveTick implements poller.Observer
func (m *Metrics) ObserveTick(res *poller.TickResult) {
	if m == nil {
		return
	}
	m.ticks.Inc()
	m.tickDuration.Observe(res.Duration.Seconds())
	m.lastTick.Set(float64(res.Started.Unix()))
	m.writeErrors.Add(float64(res.WriteErrors))

	for _, r := range res.Readings {
		m.readings.WithLabelValues(r.SensorID, string(r.Status)).Inc()
		if r.Status == sensor.StatusOK {
			m.available.WithLabelValues(r.SensorID).Set(1)
		} else {
			m.available.WithLabelValues(r.SensorID).Set(0)
		}
	}
}

// ObserveMirrorError implements poller.Observer
func (m *Metrics) ObserveMirrorError(mirror string) {
	if m == nil {
		return
	}
	m.mirrorErrors.WithLabelValues(mirror).Inc()
}

// Handler serves the registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// WrapHandler counts requests and their duration for a route
func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		if m != nil {
			m.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
			m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
	})
}
