package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "keygate"

// Registry owns every keygate collector. A fresh one is isolated from the
// process-wide prometheus default registerer.
type Registry struct {
	reg *prometheus.Registry

	jobRuns          *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	validations      *prometheus.CounterVec
	keysIssued       prometheus.Counter
	relayConnections *prometheus.GaugeVec
	relayMessages    *prometheus.CounterVec
	captureEvents    *prometheus.CounterVec
	adminLogins      *prometheus.CounterVec
}

func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Total background job runs by job and status.",
		}, []string{"job", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_ms",
			Help:      "Background job duration in milliseconds by job.",
			Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"job"}),
		validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "license_validations_total",
			Help:      "License validation attempts by outcome.",
		}, []string{"outcome"}),
		keysIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "license_keys_issued_total",
			Help:      "License keys issued.",
		}),
		relayConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_connections",
			Help:      "Open relay connections by role.",
		}, []string{"role"}),
		relayMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_messages_total",
			Help:      "Relay messages by sending role and result.",
		}, []string{"from", "result"}),
		captureEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_events_total",
			Help:      "Keybind capture state transitions by event.",
		}, []string{"event"}),
		adminLogins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admin_logins_total",
			Help:      "Admin login attempts by result.",
		}, []string{"result"}),
	}
	r.reg.MustRegister(
		r.jobRuns,
		r.jobDuration,
		r.validations,
		r.keysIssued,
		r.relayConnections,
		r.relayMessages,
		r.captureEvents,
		r.adminLogins,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

func (r *Registry) IncJobRun(job, status string) {
	r.jobRuns.WithLabelValues(job, status).Inc()
}

func (r *Registry) ObserveJobDuration(job string, ms float64) {
	r.jobDuration.WithLabelValues(job).Observe(ms)
}

func (r *Registry) IncValidation(outcome string) {
	r.validations.WithLabelValues(outcome).Inc()
}

func (r *Registry) AddKeysIssued(n int) {
	r.keysIssued.Add(float64(n))
}

func (r *Registry) RelayConnected(role string) {
	r.relayConnections.WithLabelValues(role).Inc()
}

func (r *Registry) RelayDisconnected(role string) {
	r.relayConnections.WithLabelValues(role).Dec()
}

func (r *Registry) IncRelayMessage(from, result string) {
	r.relayMessages.WithLabelValues(from, result).Inc()
}

func (r *Registry) IncCaptureEvent(event string) {
	r.captureEvents.WithLabelValues(event).Inc()
}

func (r *Registry) IncAdminLogin(result string) {
	r.adminLogins.WithLabelValues(result).Inc()
}

func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

var (
	defaultMu       sync.Mutex
	defaultRegistry = NewRegistry()
)

func Default() *Registry {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultRegistry
}

func ResetDefaultForTest() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultRegistry = NewRegistry()
}
