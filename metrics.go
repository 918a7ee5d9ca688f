package privaxy

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the control plane.
type Metrics struct {
	apiRequests      *prometheus.CounterVec
	apiDuration      *prometheus.HistogramVec
	publishes        *prometheus.CounterVec
	configSaves      prometheus.Counter
	configSaveErrs   prometheus.Counter
	filterFetchErrs  prometheus.Counter
	configReloads    prometheus.Counter
	configReloadErrs prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a Metrics instance with all collectors registered.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "privaxy",
			Name:      "api_requests_total",
			Help:      "Total number of admin API requests.",
		}, []string{"method", "status"}),

		apiDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "privaxy",
			Name:      "api_request_duration_seconds",
			Help:      "Admin API request duration in seconds.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"method"}),

		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "privaxy",
			Name:      "telemetry_publishes_total",
			Help:      "Messages published per telemetry topic.",
		}, []string{"topic"}),

		configSaves: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "privaxy",
			Name:      "configuration_saves_total",
			Help:      "Number of successful configuration saves.",
		}),

		configSaveErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "privaxy",
			Name:      "configuration_save_errors_total",
			Help:      "Number of failed configuration saves.",
		}),

		filterFetchErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "privaxy",
			Name:      "filter_fetch_errors_total",
			Help:      "Number of failed filter content fetches.",
		}),

		configReloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "privaxy",
			Name:      "configuration_reloads_total",
			Help:      "Number of configuration reloads from disk.",
		}),

		configReloadErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "privaxy",
			Name:      "configuration_reload_errors_total",
			Help:      "Number of failed configuration reloads.",
		}),

		registry: reg,
	}

	reg.MustRegister(
		m.apiRequests,
		m.apiDuration,
		m.publishes,
		m.configSaves,
		m.configSaveErrs,
		m.filterFetchErrs,
		m.configReloads,
		m.configReloadErrs,
	)

	return m
}

// RegisterSubscriberGauges exposes live subscriber counts for the two
// telemetry topics.
func (m *Metrics) RegisterSubscriberGauges(events *Broadcaster[Event], statistics *Broadcaster[Statistics]) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   "privaxy",
		Name:        "telemetry_subscribers",
		Help:        "Active subscribers per telemetry topic.",
		ConstLabels: prometheus.Labels{"topic": "events"},
	}, func() float64 { return float64(events.SubscriberCount()) }))

	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   "privaxy",
		Name:        "telemetry_subscribers",
		Help:        "Active subscribers per telemetry topic.",
		ConstLabels: prometheus.Labels{"topic": "statistics"},
	}, func() float64 { return float64(statistics.SubscriberCount()) }))
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordAPIRequest records one handled admin API request.
func (m *Metrics) RecordAPIRequest(method string, statusCode int, duration time.Duration) {
	m.apiRequests.WithLabelValues(method, strconv.Itoa(statusCode)).Inc()
	m.apiDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordPublish records one message published to a telemetry topic.
func (m *Metrics) RecordPublish(topic string) {
	m.publishes.WithLabelValues(topic).Inc()
}

// RecordConfigurationSave records a successful configuration save.
func (m *Metrics) RecordConfigurationSave() {
	m.configSaves.Inc()
}

// RecordConfigurationSaveError records a failed configuration save.
func (m *Metrics) RecordConfigurationSaveError() {
	m.configSaveErrs.Inc()
}

// RecordFilterFetchError records a failed filter content fetch.
func (m *Metrics) RecordFilterFetchError() {
	m.filterFetchErrs.Inc()
}

// RecordConfigurationReload records a configuration reload from disk.
func (m *Metrics) RecordConfigurationReload() {
	m.configReloads.Inc()
}

// RecordConfigurationReloadError records a failed reload.
func (m *Metrics) RecordConfigurationReloadError() {
	m.configReloadErrs.Inc()
}
