package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes counters/histograms for intake, claims and fan-out.
type Metrics struct {
	intakeTotal        *prometheus.CounterVec
	classifierFallback prometheus.Counter
	claimsTotal        *prometheus.CounterVec
	messagesTotal      *prometheus.CounterVec
	subscriberDrops    *prometheus.CounterVec
	storeRetries       prometheus.Counter
	intakeLatency      *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		intakeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crisisline",
			Subsystem: "intake",
			Name:      "events_total",
			Help:      "Inbound contacts by channel and outcome",
		}, []string{"channel", "outcome"}),
		classifierFallback: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crisisline",
			Subsystem: "intake",
			Name:      "classifier_fallback_total",
			Help:      "Classifier calls replaced by the fallback assessment",
		}),
		claimsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crisisline",
			Subsystem: "coordinator",
			Name:      "claims_total",
			Help:      "Claim attempts by result",
		}, []string{"result"}),
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crisisline",
			Subsystem: "messages",
			Name:      "appended_total",
			Help:      "Messages appended by sender",
		}, []string{"sender"}),
		subscriberDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crisisline",
			Subsystem: "realtime",
			Name:      "subscriber_drops_total",
			Help:      "Subscribers dropped for falling behind",
		}, []string{"topic_kind"}),
		storeRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crisisline",
			Subsystem: "store",
			Name:      "retries_total",
			Help:      "Store operations retried after a transient error",
		}),
		intakeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "crisisline",
			Subsystem: "intake",
			Name:      "latency_seconds",
			Help:      "Latency of intake processing",
			Buckets:   prometheus.DefBuckets,
		}, []string{"channel"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.intakeTotal, m.classifierFallback, m.claimsTotal, m.messagesTotal, m.subscriberDrops, m.storeRetries, m.intakeLatency)
	return m
}

func (m *Metrics) ObserveIntake(channel, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.intakeTotal.WithLabelValues(channel, outcome).Inc()
	m.intakeLatency.WithLabelValues(channel).Observe(seconds)
}

func (m *Metrics) ClassifierFallback() {
	if m == nil {
		return
	}
	m.classifierFallback.Inc()
}

func (m *Metrics) ObserveClaim(result string) {
	if m == nil {
		return
	}
	m.claimsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveMessage(sender string) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(sender).Inc()
}

// SubscriberDropped takes a full topic name and labels it by its prefix so
// request ids never become label values.
func (m *Metrics) SubscriberDropped(topic string) {
	if m == nil {
		return
	}
	m.subscriberDrops.WithLabelValues(topicKind(topic)).Inc()
}

func (m *Metrics) StoreRetry() {
	if m == nil {
		return
	}
	m.storeRetries.Inc()
}

func topicKind(topic string) string {
	for i := 0; i < len(topic); i++ {
		if topic[i] == ':' {
			return topic[:i]
		}
	}
	return topic
}
