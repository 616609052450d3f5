package metric

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yndnr/mailsync-go/internal/core/domain"
)

const namespace = "mailsync"

// Registry holds all application metrics in a private Prometheus registry.
// It implements service.Metrics.
type Registry struct {
	registry *prometheus.Registry

	// Sync metrics
	EventsAppended  *prometheus.CounterVec
	SnapshotsSaved  *prometheus.CounterVec
	Loads           *prometheus.CounterVec
	LoadDuration    *prometheus.HistogramVec
	ReplayAnomalies *prometheus.CounterVec

	// Remote metrics
	RemoteCommandFailures *prometheus.CounterVec
	RemoteFetchFailures   *prometheus.CounterVec

	// Encoder metrics
	EncoderStages *prometheus.CounterVec

	// Request metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewRegistry creates a registry with all metrics and the Go runtime and
// process collectors registered.
func NewRegistry() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),

		EventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_appended_total",
			Help:      "Events appended to the event log, by type.",
		}, []string{"type"}),
		SnapshotsSaved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_saved_total",
			Help:      "Snapshots materialized, by kind.",
		}, []string{"kind"}),
		Loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_loads_total",
			Help:      "Completed folder loads, by source and degraded state.",
		}, []string{"source", "degraded"}),
		LoadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_load_duration_seconds",
			Help:      "Duration of folder loads, by source.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"source"}),
		ReplayAnomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replay_anomalies_total",
			Help:      "Replayed events that referenced an unknown subject, by folder.",
		}, []string{"partition"}),
		RemoteCommandFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_command_failures_total",
			Help:      "Remote commands that failed or were not applied, by operation.",
		}, []string{"op"}),
		RemoteFetchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_fetch_failures_total",
			Help:      "Remote listing failures, by operation.",
		}, []string{"op"}),
		EncoderStages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "encoder_stage_total",
			Help:      "Text fields persisted per encoder fallback stage.",
		}, []string{"stage"}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests, by method, route and status.",
		}, []string{"method", "route", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency, by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.EventsAppended,
		r.SnapshotsSaved,
		r.Loads,
		r.LoadDuration,
		r.ReplayAnomalies,
		r.RemoteCommandFailures,
		r.RemoteFetchFailures,
		r.EncoderStages,
		r.RequestsTotal,
		r.RequestDuration,
	)
	return r
}

var (
	globalOnce     sync.Once
	globalRegistry *Registry
)

// Global returns the process-wide registry.
func Global() *Registry {
	globalOnce.Do(func() {
		globalRegistry = NewRegistry()
	})
	return globalRegistry
}

// Handler returns the /metrics handler of the global registry.
func Handler() http.Handler {
	return Global().Handler()
}

// Handler returns an HTTP handler serving this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Registerer exposes the registry for components that register their own
// collectors (the Badger engine, the state collector).
func (r *Registry) Registerer() prometheus.Registerer {
	return r.registry
}

// EventAppended counts an appended event.
func (r *Registry) EventAppended(t domain.EventType) {
	r.EventsAppended.WithLabelValues(t.String()).Inc()
}

// SnapshotSaved counts a materialized snapshot.
func (r *Registry) SnapshotSaved(kind domain.SnapshotKind) {
	r.SnapshotsSaved.WithLabelValues(string(kind)).Inc()
}

// LoadCompleted records a finished load.
func (r *Registry) LoadCompleted(source string, degraded bool, d time.Duration) {
	r.Loads.WithLabelValues(source, strconv.FormatBool(degraded)).Inc()
	r.LoadDuration.WithLabelValues(source).Observe(d.Seconds())
}

// ReplayAnomaly counts an event that referenced an unknown subject.
func (r *Registry) ReplayAnomaly(partition string) {
	r.ReplayAnomalies.WithLabelValues(partition).Inc()
}

// RemoteCommandFailed counts a remote command that failed or was refused.
func (r *Registry) RemoteCommandFailed(op string) {
	r.RemoteCommandFailures.WithLabelValues(op).Inc()
}

// RemoteFetchFailed counts a failed remote listing.
func (r *Registry) RemoteFetchFailed(op string) {
	r.RemoteFetchFailures.WithLabelValues(op).Inc()
}

// ObserveEncoderStage counts a text field persisted at the given stage. It
// matches safeenc.Observer.
func (r *Registry) ObserveEncoderStage(stage domain.Quality) {
	r.EncoderStages.WithLabelValues(strconv.Itoa(int(stage))).Inc()
}

// RecordRequest records a served HTTP request.
func (r *Registry) RecordRequest(method, route string, status int, d time.Duration) {
	r.RequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	r.RequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
