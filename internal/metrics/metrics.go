package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the agent and server.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	QueueDepth            prometheus.Gauge
	QueueOverflow         prometheus.Counter
	EventsCollected       *prometheus.CounterVec
	EventsClassified      prometheus.Counter
	ClassificationErrors  *prometheus.CounterVec
	Decisions             *prometheus.CounterVec
	EnforcementFailures   *prometheus.CounterVec
	PolicyRefreshFailures prometheus.Counter
	RecordsDelivered      prometheus.Counter
	DeliveryFailures      prometheus.Counter
	OutboxDepth           prometheus.Gauge
	RetentionDrops        prometheus.Counter
	CloudPolls            *prometheus.CounterVec
	CloudItemsSkipped     prometheus.Counter
	DuplicateEvents       prometheus.Counter
	RecordsInserted       prometheus.Counter
}

// New registers all collectors on a fresh registry.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_depth",
			Help: "Events waiting in the intake queue",
		}),
		QueueOverflow: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "queue_overflow_total",
			Help: "Events dropped because the intake queue was full",
		}),
		EventsCollected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_collected_total",
			Help: "Activity events produced by collectors",
		}, []string{"source"}),
		EventsClassified: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_classified_total",
			Help: "Events that went through classification",
		}),
		ClassificationErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "classification_errors_total",
			Help: "Content that could not be classified",
		}, []string{"reason"}),
		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "policy_decisions_total",
			Help: "Policy decisions by action",
		}, []string{"action"}),
		EnforcementFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "enforcement_failures_total",
			Help: "Failed enforcement attempts by action",
		}, []string{"action"}),
		PolicyRefreshFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "policy_refresh_failures_total",
			Help: "Policy snapshot refreshes that failed",
		}),
		RecordsDelivered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "records_delivered_total",
			Help: "Event records acknowledged by the server",
		}),
		DeliveryFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "delivery_failures_total",
			Help: "Failed event submission attempts",
		}),
		OutboxDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "outbox_depth",
			Help: "Records awaiting delivery",
		}),
		RetentionDrops: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "retention_drops_total",
			Help: "Undelivered records purged after the retention window",
		}),
		CloudPolls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cloud_polls_total",
			Help: "Cloud folder poll cycles by outcome",
		}, []string{"outcome"}),
		CloudItemsSkipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "cloud_items_skipped_total",
			Help: "Cloud activity items outside the monitored vocabulary",
		}),
		DuplicateEvents: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "duplicate_events_total",
			Help: "Submitted events rejected as already recorded",
		}),
		RecordsInserted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "records_inserted_total",
			Help: "Event records newly stored",
		}),
	}
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SetQueueDepth(n int) {
	if m != nil {
		m.QueueDepth.Set(float64(n))
	}
}

func (m *Metrics) IncOverflow() {
	if m != nil {
		m.QueueOverflow.Inc()
	}
}

func (m *Metrics) IncCollected(source string) {
	if m != nil {
		m.EventsCollected.WithLabelValues(source).Inc()
	}
}

func (m *Metrics) IncClassified() {
	if m != nil {
		m.EventsClassified.Inc()
	}
}

func (m *Metrics) IncClassificationError(reason string) {
	if m != nil {
		m.ClassificationErrors.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) IncDecision(action string) {
	if m != nil {
		m.Decisions.WithLabelValues(action).Inc()
	}
}

func (m *Metrics) IncEnforcementFailure(action string) {
	if m != nil {
		m.EnforcementFailures.WithLabelValues(action).Inc()
	}
}

func (m *Metrics) IncPolicyRefreshFailure() {
	if m != nil {
		m.PolicyRefreshFailures.Inc()
	}
}

func (m *Metrics) AddDelivered(n int) {
	if m != nil {
		m.RecordsDelivered.Add(float64(n))
	}
}

func (m *Metrics) IncDeliveryFailure() {
	if m != nil {
		m.DeliveryFailures.Inc()
	}
}

func (m *Metrics) SetOutboxDepth(n int) {
	if m != nil {
		m.OutboxDepth.Set(float64(n))
	}
}

func (m *Metrics) AddRetentionDrops(n int) {
	if m != nil {
		m.RetentionDrops.Add(float64(n))
	}
}

func (m *Metrics) IncCloudPoll(outcome string) {
	if m != nil {
		m.CloudPolls.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) IncCloudSkipped() {
	if m != nil {
		m.CloudItemsSkipped.Inc()
	}
}

func (m *Metrics) AddDuplicates(n int) {
	if m != nil {
		m.DuplicateEvents.Add(float64(n))
	}
}

func (m *Metrics) AddInserted(n int) {
	if m != nil {
		m.RecordsInserted.Add(float64(n))
	}
}
