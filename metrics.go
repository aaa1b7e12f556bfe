package dempsy

import (
	"expvar"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// metricsSeq generates unique expvar-namespace suffixes across nodes,
// grounded on the teacher's identical metricsSeq/newMetrics pattern in
// metrics.go (kept verbatim in spirit, adapted from actor/host counters
// to message-plane counters).
var metricsSeq atomic.Int64

// ExpvarStats is the default StatsCollector: lock-free atomic counters
// published under expvar for inspection via /debug/vars, exactly as the
// teacher's Metrics type. Kept alongside the Prometheus adapter below
// rather than replaced by it — this remains the admin/debug surface,
// Prometheus is the scrape surface.
type ExpvarStats struct {
	messagesSent                  atomic.Int64
	messagesNotSent               atomic.Int64
	messagesReceived               atomic.Int64
	messagesDeserializationFailed atomic.Int64
	framesCorrupted                atomic.Int64
	reconcilesSucceeded             atomic.Int64
	reconcilesFailed                atomic.Int64
}

// NewExpvarStats creates a StatsCollector and publishes its counters to
// expvar under a "dempsy.<seq>." prefix, unique per instance the way the
// teacher's newMetrics guarantees uniqueness across hosts sharing a
// process (common in tests).
func NewExpvarStats() *ExpvarStats {
	m := &ExpvarStats{}
	seq := metricsSeq.Add(1)
	prefix := "dempsy." + strconv.FormatInt(seq, 10) + "."

	publish := func(name string, v *atomic.Int64) {
		expvar.Publish(prefix+name, expvar.Func(func() any { return v.Load() }))
	}
	publish("messages_sent", &m.messagesSent)
	publish("messages_not_sent", &m.messagesNotSent)
	publish("messages_received", &m.messagesReceived)
	publish("messages_deserialization_failed", &m.messagesDeserializationFailed)
	publish("frames_corrupted", &m.framesCorrupted)
	publish("reconciles_succeeded", &m.reconcilesSucceeded)
	publish("reconciles_failed", &m.reconcilesFailed)

	return m
}

func (m *ExpvarStats) MessageSent()                 { m.messagesSent.Add(1) }
func (m *ExpvarStats) MessageNotSent()               { m.messagesNotSent.Add(1) }
func (m *ExpvarStats) MessageReceived()               { m.messagesReceived.Add(1) }
func (m *ExpvarStats) MessageDeserializationFailed() { m.messagesDeserializationFailed.Add(1) }
func (m *ExpvarStats) FrameCorrupted()                { m.framesCorrupted.Add(1) }
func (m *ExpvarStats) ReconcileSucceeded()             { m.reconcilesSucceeded.Add(1) }
func (m *ExpvarStats) ReconcileFailed()                { m.reconcilesFailed.Add(1) }

// Snapshot returns all counter values as a map, suitable for JSON
// serialization from an admin endpoint.
func (m *ExpvarStats) Snapshot() map[string]int64 {
	return map[string]int64{
		"messages_sent":                   m.messagesSent.Load(),
		"messages_not_sent":               m.messagesNotSent.Load(),
		"messages_received":               m.messagesReceived.Load(),
		"messages_deserialization_failed": m.messagesDeserializationFailed.Load(),
		"frames_corrupted":                m.framesCorrupted.Load(),
		"reconciles_succeeded":            m.reconcilesSucceeded.Load(),
		"reconciles_failed":               m.reconcilesFailed.Load(),
	}
}

// PrometheusStats is a StatsCollector that registers its counters with a
// prometheus.Registerer, supplementing (not replacing) ExpvarStats per
// SPEC_FULL.md's domain stack table. Grounded on the client_golang
// dependency shared by absmach-fluxmq, jabolina-go-mcast, and
// redpanda-data-connect.
type PrometheusStats struct {
	messagesTotal    *prometheus.CounterVec
	framesCorrupted  prometheus.Counter
	reconcilesTotal  *prometheus.CounterVec
}

// NewPrometheusStats builds and registers a PrometheusStats collector
// against reg.
func NewPrometheusStats(reg prometheus.Registerer) *PrometheusStats {
	p := &PrometheusStats{
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dempsy",
			Name:      "messages_total",
			Help:      "Outbound and inbound message counts by outcome.",
		}, []string{"outcome"}),
		framesCorrupted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dempsy",
			Name:      "frames_corrupted_total",
			Help:      "Frames rejected by the receiver as corrupt.",
		}),
		reconcilesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dempsy",
			Name:      "reconciles_total",
			Help:      "Routing table reconcile attempts by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(p.messagesTotal, p.framesCorrupted, p.reconcilesTotal)
	return p
}

func (p *PrometheusStats) MessageSent()                  { p.messagesTotal.WithLabelValues("sent").Inc() }
func (p *PrometheusStats) MessageNotSent()                { p.messagesTotal.WithLabelValues("not_sent").Inc() }
func (p *PrometheusStats) MessageReceived()                { p.messagesTotal.WithLabelValues("received").Inc() }
func (p *PrometheusStats) MessageDeserializationFailed() { p.messagesTotal.WithLabelValues("deser_failed").Inc() }
func (p *PrometheusStats) FrameCorrupted()                { p.framesCorrupted.Inc() }
func (p *PrometheusStats) ReconcileSucceeded()             { p.reconcilesTotal.WithLabelValues("succeeded").Inc() }
func (p *PrometheusStats) ReconcileFailed()                { p.reconcilesTotal.WithLabelValues("failed").Inc() }

// multiStats fans a single StatsCollector call out to several
// StatsCollectors, letting a node run ExpvarStats and PrometheusStats
// side by side without either one knowing about the other.
type multiStats []StatsCollector

func MultiStats(collectors ...StatsCollector) StatsCollector { return multiStats(collectors) }

func (m multiStats) MessageSent() {
	for _, c := range m {
		c.MessageSent()
	}
}
func (m multiStats) MessageNotSent() {
	for _, c := range m {
		c.MessageNotSent()
	}
}
func (m multiStats) MessageReceived() {
	for _, c := range m {
		c.MessageReceived()
	}
}
func (m multiStats) MessageDeserializationFailed() {
	for _, c := range m {
		c.MessageDeserializationFailed()
	}
}
func (m multiStats) FrameCorrupted() {
	for _, c := range m {
		c.FrameCorrupted()
	}
}
func (m multiStats) ReconcileSucceeded() {
	for _, c := range m {
		c.ReconcileSucceeded()
	}
}
func (m multiStats) ReconcileFailed() {
	for _, c := range m {
		c.ReconcileFailed()
	}
}
