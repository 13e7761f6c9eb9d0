// ABOUTME: Prometheus collectors for webhook intake, storage, oracle calls, actions and outbound sends
// ABOUTME: Nil-safe recorder so components run without metrics in tests

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "coven_inbox"

// Metrics holds every collector on its own registry. A nil *Metrics records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	webhookRequests  *prometheus.CounterVec
	inboundEvents    *prometheus.CounterVec
	messagesStored   *prometheus.CounterVec
	storeRetries     prometheus.Counter
	pipelineFailures *prometheus.CounterVec
	notifications    prometheus.Counter
	oracleRequests   *prometheus.CounterVec
	oracleDuration   prometheus.Histogram
	actions          *prometheus.CounterVec
	outboundSends    *prometheus.CounterVec
	aiQueueDepth     prometheus.Gauge
	subscribers      prometheus.Gauge
}

// New creates and registers all collectors, including the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		webhookRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_requests_total",
			Help:      "Webhook requests by result.",
		}, []string{"result"}),
		inboundEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_events_total",
			Help:      "Normalized inbound events by message type.",
		}, []string{"type"}),
		messagesStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_stored_total",
			Help:      "Message appends by sender and outcome (new or duplicate).",
		}, []string{"sender", "outcome"}),
		storeRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_retries_total",
			Help:      "Retried message appends after transient storage errors.",
		}),
		pipelineFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_failures_total",
			Help:      "Per-conversation pipeline runs that failed, by stage.",
		}, []string{"stage"}),
		notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Messages published to realtime subscribers.",
		}),
		oracleRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oracle_requests_total",
			Help:      "Oracle calls by result (ok or degraded).",
		}, []string{"result"}),
		oracleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "oracle_duration_seconds",
			Help:      "Oracle call latency.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Oracle-proposed actions by kind and outcome.",
		}, []string{"kind", "outcome"}),
		outboundSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_sends_total",
			Help:      "Channel sends by result.",
		}, []string{"result"}),
		aiQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ai_queue_depth",
			Help:      "AI jobs waiting for a worker.",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realtime_subscribers",
			Help:      "Connected SSE and WebSocket subscribers.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.webhookRequests,
		m.inboundEvents,
		m.messagesStored,
		m.storeRetries,
		m.pipelineFailures,
		m.notifications,
		m.oracleRequests,
		m.oracleDuration,
		m.actions,
		m.outboundSends,
		m.aiQueueDepth,
		m.subscribers,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// WebhookRequest counts one webhook request outcome.
func (m *Metrics) WebhookRequest(result string) {
	if m == nil {
		return
	}
	m.webhookRequests.WithLabelValues(result).Inc()
}

// InboundEvent counts one normalized inbound event.
func (m *Metrics) InboundEvent(msgType string) {
	if m == nil {
		return
	}
	m.inboundEvents.WithLabelValues(msgType).Inc()
}

// MessageStored counts one append.
func (m *Metrics) MessageStored(sender string, isNew bool) {
	if m == nil {
		return
	}
	outcome := "duplicate"
	if isNew {
		outcome = "new"
	}
	m.messagesStored.WithLabelValues(sender, outcome).Inc()
}

// StoreRetry counts one retried append.
func (m *Metrics) StoreRetry() {
	if m == nil {
		return
	}
	m.storeRetries.Inc()
}

// PipelineFailure counts one failed conversation run.
func (m *Metrics) PipelineFailure(stage string) {
	if m == nil {
		return
	}
	m.pipelineFailures.WithLabelValues(stage).Inc()
}

// Notification counts one published message.
func (m *Metrics) Notification() {
	if m == nil {
		return
	}
	m.notifications.Inc()
}

// OracleRequest records one oracle call.
func (m *Metrics) OracleRequest(degraded bool, d time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if degraded {
		result = "degraded"
	}
	m.oracleRequests.WithLabelValues(result).Inc()
	m.oracleDuration.Observe(d.Seconds())
}

// Action counts one action outcome.
func (m *Metrics) Action(kind, outcome string) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(kind, outcome).Inc()
}

// OutboundSend counts one channel send.
func (m *Metrics) OutboundSend(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.outboundSends.WithLabelValues(result).Inc()
}

// AIQueueDepth sets the number of queued AI jobs.
func (m *Metrics) AIQueueDepth(n int) {
	if m == nil {
		return
	}
	m.aiQueueDepth.Set(float64(n))
}

// SubscriberConnected adjusts the realtime subscriber gauge by delta.
func (m *Metrics) SubscriberConnected(delta int) {
	if m == nil {
		return
	}
	m.subscribers.Add(float64(delta))
}
