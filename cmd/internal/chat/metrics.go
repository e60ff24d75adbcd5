package chat

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the messaging core's Prometheus collectors. A nil *Metrics is a no-op.
type Metrics struct {
	messagesSent  prometheus.Counter
	duplicates    prometheus.Counter
	rateLimited   prometheus.Counter
	fanout        *prometheus.CounterVec
	fanoutQueue   prometheus.Gauge
	eventsPublish *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "messages_sent_total",
			Help:      "Messages accepted and persisted.",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "messages_duplicate_suppressed_total",
			Help:      "Sends short-circuited by an existing (sender, clientId).",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "messages_rate_limited_total",
			Help:      "Sends rejected by the per-user rate window.",
		}),
		fanout: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "fanout_notifications_total",
			Help:      "Push notifications by result.",
		}, []string{"result"}),
		fanoutQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chat",
			Name:      "fanout_queue_depth",
			Help:      "Events waiting for a fan-out worker.",
		}),
		eventsPublish: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "events_published_total",
			Help:      "Domain events published to the event stream by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.messagesSent, m.duplicates, m.rateLimited, m.fanout, m.fanoutQueue, m.eventsPublish)
	}
	return m
}

func (m *Metrics) sent() {
	if m != nil {
		m.messagesSent.Inc()
	}
}

func (m *Metrics) duplicate() {
	if m != nil {
		m.duplicates.Inc()
	}
}

func (m *Metrics) limited() {
	if m != nil {
		m.rateLimited.Inc()
	}
}

func (m *Metrics) notified(result string) {
	if m != nil {
		m.fanout.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) queueDepth(n int) {
	if m != nil {
		m.fanoutQueue.Set(float64(n))
	}
}

func (m *Metrics) published(result string) {
	if m != nil {
		m.eventsPublish.WithLabelValues(result).Inc()
	}
}
