package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the sync relay.
type Metrics struct {
	registry          *prometheus.Registry
	activeConnections prometheus.Gauge
	activeRooms       prometheus.Gauge
	eventsApplied     *prometheus.CounterVec
	eventsRejected    *prometheus.CounterVec
	resumes           *prometheus.CounterVec
	broadcastsTotal   prometheus.Counter
}

// New creates and registers Prometheus metrics on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	activeConnections := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "watchsync_active_connections",
		Help: "Number of known connections, grace-period ones included",
	})
	activeRooms := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "watchsync_active_rooms",
		Help: "Number of live rooms",
	})
	eventsApplied := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "watchsync_events_applied_total",
		Help: "Control events accepted and applied, by kind",
	}, []string{"kind"})
	eventsRejected := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "watchsync_events_rejected_total",
		Help: "Control and join requests rejected, by reason",
	}, []string{"reason"})
	resumes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "watchsync_resumes_total",
		Help: "Session resume attempts, by outcome",
	}, []string{"outcome"})
	broadcastsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "watchsync_broadcasts_total",
		Help: "Total sync messages fanned out to room members",
	})

	registry.MustRegister(
		activeConnections,
		activeRooms,
		eventsApplied,
		eventsRejected,
		resumes,
		broadcastsTotal,
	)

	return &Metrics{
		registry:          registry,
		activeConnections: activeConnections,
		activeRooms:       activeRooms,
		eventsApplied:     eventsApplied,
		eventsRejected:    eventsRejected,
		resumes:           resumes,
		broadcastsTotal:   broadcastsTotal,
	}
}

// SetActiveConnections sets the connections gauge.
func (m *Metrics) SetActiveConnections(n int) {
	m.activeConnections.Set(float64(n))
}

// SetActiveRooms sets the rooms gauge.
func (m *Metrics) SetActiveRooms(n int) {
	m.activeRooms.Set(float64(n))
}

// IncEventApplied counts an accepted control event.
func (m *Metrics) IncEventApplied(kind string) {
	m.eventsApplied.WithLabelValues(kind).Inc()
}

// IncEventRejected counts a rejected request.
func (m *Metrics) IncEventRejected(reason string) {
	m.eventsRejected.WithLabelValues(reason).Inc()
}

// IncResume counts a resume attempt with outcome "ok" or "expired".
func (m *Metrics) IncResume(outcome string) {
	m.resumes.WithLabelValues(outcome).Inc()
}

// AddBroadcasts counts sync messages fanned out.
func (m *Metrics) AddBroadcasts(n int) {
	m.broadcastsTotal.Add(float64(n))
}

// Handler returns an http.Handler serving the metrics. updateGauges is
// called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
