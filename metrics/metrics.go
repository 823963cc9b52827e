// Package metrics exports container telemetry to Prometheus.
package metrics

import (
	"time"

	"github.com/glimte/mmate-comms/communication"
	"github.com/glimte/mmate-comms/internal/reliability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultNamespace prefixes every metric name
const DefaultNamespace = "comms"

// Collector implements communication.Recorder with Prometheus collectors
type Collector struct {
	rebuilds        prometheus.Counter
	rebuildFailures prometheus.Counter
	rebuildLatency  prometheus.Histogram
	snapshotClients prometheus.Gauge
	iteration       prometheus.Gauge
	reservedSlots   prometheus.Gauge

	polls          *prometheus.CounterVec
	polledPayloads *prometheus.CounterVec
	payloads       *prometheus.CounterVec
	payloadLatency *prometheus.HistogramVec
	queueTime      *prometheus.HistogramVec
	sent           *prometheus.CounterVec
	breakerState   *prometheus.GaugeVec
}

var _ communication.Recorder = (*Collector)(nil)

// Option configures the collector
type Option func(*options)

type options struct {
	namespace  string
	registerer prometheus.Registerer
}

// WithNamespace replaces the metric namespace
func WithNamespace(namespace string) Option {
	return func(o *options) {
		o.namespace = namespace
	}
}

// WithRegisterer registers the collectors somewhere other than the default
// registry
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = r
	}
}

// NewCollector creates and registers the collectors. It panics when a
// collector is already registered under the same name.
func NewCollector(opts ...Option) *Collector {
	o := options{
		namespace:  DefaultNamespace,
		registerer: prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&o)
	}

	f := promauto.With(o.registerer)
	ns := o.namespace
	latency := []float64{
		0.001, 0.005, 0.01, 0.05,
		0.1, 0.5, 1, 5, 10, 30, 60,
	}

	return &Collector{
		rebuilds: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "snapshot_rebuilds_total",
			Help:      "Total number of client priority snapshot rebuilds.",
		}),
		rebuildFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "snapshot_rebuild_failures_total",
			Help:      "Total number of failed snapshot rebuilds.",
		}),
		rebuildLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "snapshot_rebuild_seconds",
			Help:      "Time taken to rebuild the snapshot.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		snapshotClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "snapshot_clients",
			Help:      "Number of clients in the current snapshot.",
		}),
		iteration: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "snapshot_iteration",
			Help:      "Iteration of the current snapshot.",
		}),
		reservedSlots: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "reserved_slots",
			Help:      "Slots currently reserved by in-flight polls and payloads.",
		}),
		polls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "polls_total",
			Help:      "Total number of client polls.",
		}, []string{"client", "result"}),
		polledPayloads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "polled_payloads_total",
			Help:      "Total number of payloads returned by polls.",
		}, []string{"client"}),
		payloads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "payloads_total",
			Help:      "Total number of executed payloads.",
		}, []string{"channel", "result"}),
		payloadLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "payload_duration_seconds",
			Help:      "Execution time of payloads.",
			Buckets:   latency,
		}, []string{"channel", "result"}),
		queueTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "payload_queue_seconds",
			Help:      "Time between payload creation and execution.",
			Buckets:   latency,
		}, []string{"channel"}),
		sent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "sent_total",
			Help:      "Total number of outbound payloads by channel.",
		}, []string{"channel", "result"}),
		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "client_breaker_state",
			Help:      "Client circuit breaker state (0 closed, 1 open, 2 half-open).",
		}, []string{"client"}),
	}
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

func (c *Collector) SnapshotRebuilt(iteration int64, clients int, elapsed time.Duration) {
	c.rebuilds.Inc()
	c.rebuildLatency.Observe(elapsed.Seconds())
	c.snapshotClients.Set(float64(clients))
	c.iteration.Set(float64(iteration))
}

func (c *Collector) RebuildFailed() { c.rebuildFailures.Inc() }

func (c *Collector) PollCompleted(clientID string, payloads int, err error) {
	c.polls.WithLabelValues(clientID, result(err == nil)).Inc()
	if payloads > 0 {
		c.polledPayloads.WithLabelValues(clientID).Add(float64(payloads))
	}
}

func (c *Collector) PayloadCompleted(channelID string, success bool, elapsed time.Duration) {
	r := result(success)
	c.payloads.WithLabelValues(channelID, r).Inc()
	c.payloadLatency.WithLabelValues(channelID, r).Observe(elapsed.Seconds())
}

func (c *Collector) QueueTime(channelID string, waited time.Duration) {
	c.queueTime.WithLabelValues(channelID).Observe(waited.Seconds())
}

func (c *Collector) Sent(channelID string, success bool) {
	c.sent.WithLabelValues(channelID, result(success)).Inc()
}

func (c *Collector) ReservedSlots(n int64) { c.reservedSlots.Set(float64(n)) }

// BreakerStateChanged is a reliability.StateChangeFunc
func (c *Collector) BreakerStateChanged(name string, _, to reliability.State) {
	c.breakerState.WithLabelValues(name).Set(float64(to))
}

