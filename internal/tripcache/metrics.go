package tripcache

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	strategyResponses   *prometheus.CounterVec
	navigationFallbacks prometheus.Counter
	passthrough         prometheus.Counter
	cacheWriteFail      *prometheus.CounterVec
	responseBytes       prometheus.Counter
	replayRecords       *prometheus.CounterVec
	replayRuns          prometheus.Counter
	queueDepth          prometheus.Gauge
	lifecycleState      prometheus.Gauge
	notifications       *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		strategyResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripcache_strategy_responses_total",
			Help: "Responses served by a caching strategy, by where the bytes came from.",
		}, []string{"strategy", "source"}),
		navigationFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tripcache_navigation_fallbacks_total",
			Help: "Navigations answered with the offline document after a strategy failed.",
		}),
		passthrough: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tripcache_passthrough_total",
			Help: "Requests forwarded to the network without interception.",
		}),
		cacheWriteFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripcache_cache_write_fail_total",
			Help: "Failed writes into the active cache generation.",
		}, []string{"strategy"}),
		responseBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tripcache_response_bytes_total",
			Help: "Body bytes written to clients by intercepted requests.",
		}),
		replayRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripcache_replay_records_total",
			Help: "Queued writes processed by replay, by result.",
		}, []string{"result"}),
		replayRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tripcache_replay_runs_total",
			Help: "Sync triggers that ran a replay.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tripcache_queue_depth",
			Help: "Pending writes left in the durable queue after the last operation.",
		}),
		lifecycleState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tripcache_lifecycle_state",
			Help: "Current lifecycle state (0 parsed .. 4 activated, 5 redundant).",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripcache_notifications_total",
			Help: "Notification bridge events.",
		}, []string{"event"}),
	}
	m.registry.MustRegister(
		m.strategyResponses,
		m.navigationFallbacks,
		m.passthrough,
		m.cacheWriteFail,
		m.responseBytes,
		m.replayRecords,
		m.replayRuns,
		m.queueDepth,
		m.lifecycleState,
		m.notifications,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// The recorders below accept a nil receiver so components can run without
// metrics in tests.

func (m *Metrics) ObserveStrategy(strategy string, source Source) {
	if m == nil {
		return
	}
	m.strategyResponses.WithLabelValues(strategy, string(source)).Inc()
}

func (m *Metrics) ObserveNavigationFallback() {
	if m == nil {
		return
	}
	m.navigationFallbacks.Inc()
}

func (m *Metrics) ObservePassthrough() {
	if m == nil {
		return
	}
	m.passthrough.Inc()
}

func (m *Metrics) ObserveCacheWriteFail(strategy string) {
	if m == nil {
		return
	}
	m.cacheWriteFail.WithLabelValues(strategy).Inc()
}

func (m *Metrics) ObserveResponseBytes(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.responseBytes.Add(float64(n))
}

func (m *Metrics) ObserveReplay(rep ReplayReport) {
	if m == nil {
		return
	}
	m.replayRuns.Inc()
	m.replayRecords.WithLabelValues("succeeded").Add(float64(rep.Succeeded))
	m.replayRecords.WithLabelValues("failed").Add(float64(rep.Failed))
	m.replayRecords.WithLabelValues("deferred").Add(float64(rep.Deferred))
	m.replayRecords.WithLabelValues("dead_lettered").Add(float64(rep.DeadLettered))
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) SetLifecycleState(s State) {
	if m == nil {
		return
	}
	m.lifecycleState.Set(float64(s))
}

func (m *Metrics) ObserveNotification(event string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(event).Inc()
}
