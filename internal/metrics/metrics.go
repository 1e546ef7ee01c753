// Package metrics provides Prometheus metrics for the cache manager.
//
// All methods are safe to call on a nil *Metrics, which disables collection.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Label constants for metrics.
const (
	LabelStrategy = "strategy"
	LabelSource   = "source"
	LabelPolicy   = "policy"
	LabelResult   = "result"
	LabelVersion  = "version"
	LabelState    = "state"
)

// Result constants for install attempts.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Metrics tracks lifecycle transitions and fetch interception.
type Metrics struct {
	fetchTotal       *prometheus.CounterVec
	bypassTotal      prometheus.Counter
	installTotal     *prometheus.CounterVec
	cacheWriteErrors prometheus.Counter
	bucketsDeleted   prometheus.Counter
	workerState      *prometheus.GaugeVec
}

// NewMetrics creates and registers the metrics.
// If registry is nil, metrics will be created but not registered (useful for testing).
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		fetchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "offlinecache",
				Name:      "fetch_total",
				Help:      "Intercepted fetches by strategy and response source",
			},
			[]string{LabelStrategy, LabelSource},
		),
		bypassTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "offlinecache",
				Name:      "bypass_total",
				Help:      "Requests passed straight to the network without interception",
			},
		),
		installTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "offlinecache",
				Name:      "install_total",
				Help:      "Worker install attempts by policy and result",
			},
			[]string{LabelPolicy, LabelResult},
		),
		cacheWriteErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "offlinecache",
				Name:      "cache_write_errors_total",
				Help:      "Responses that could not be stored in the current bucket",
			},
		),
		bucketsDeleted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "offlinecache",
				Name:      "buckets_deleted_total",
				Help:      "Stale buckets removed during activation",
			},
		),
		workerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "offlinecache",
				Name:      "worker_state",
				Help:      "1 for the lifecycle state each worker version is currently in",
			},
			[]string{LabelVersion, LabelState},
		),
	}

	if registry != nil {
		registry.MustRegister(
			m.fetchTotal,
			m.bypassTotal,
			m.installTotal,
			m.cacheWriteErrors,
			m.bucketsDeleted,
			m.workerState,
		)
	}
	return m
}

// ObserveFetch records where an intercepted response came from: network, cache or offline.
func (m *Metrics) ObserveFetch(strategy, source string) {
	if m == nil {
		return
	}
	m.fetchTotal.WithLabelValues(strategy, source).Inc()
}

func (m *Metrics) ObserveBypass() {
	if m == nil {
		return
	}
	m.bypassTotal.Inc()
}

func (m *Metrics) ObserveInstall(policy string, success bool) {
	if m == nil {
		return
	}
	result := ResultSuccess
	if !success {
		result = ResultFailure
	}
	m.installTotal.WithLabelValues(policy, result).Inc()
}

func (m *Metrics) ObserveCacheWriteError() {
	if m == nil {
		return
	}
	m.cacheWriteErrors.Inc()
}

func (m *Metrics) ObserveBucketDeleted() {
	if m == nil {
		return
	}
	m.bucketsDeleted.Inc()
}

// SetState moves a version's gauge from one state to another.
func (m *Metrics) SetState(version, from, to string) {
	if m == nil {
		return
	}
	if from != "" {
		m.workerState.WithLabelValues(version, from).Set(0)
	}
	m.workerState.WithLabelValues(version, to).Set(1)
}
