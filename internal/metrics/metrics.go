package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/notifyhub/web-push-notification/internal/queue"
)

// Metrics groups all Prometheus instruments used across the application.
// Registered once at startup via New(); passed by pointer wherever needed.
type Metrics struct {
	PushDeliveries      *prometheus.CounterVec
	QueueEntries        *prometheus.CounterVec
	SubscriptionsPruned prometheus.Counter
	FlushDuration       prometheus.Histogram
}

// New registers all instruments with the given Prometheus registerer and
// returns the populated Metrics struct.
// Using a custom registry (instead of prometheus.DefaultRegisterer) keeps
// tests isolated and avoids global state.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PushDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "push_deliveries_total",
			Help: "Push messages handed to push services, by result (success, rejected, transient).",
		}, []string{"result"}),

		QueueEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queue_entries_total",
			Help: "Claimed delivery queue entries, by settlement (acked, released, dead_lettered).",
		}, []string{"outcome"}),

		SubscriptionsPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "subscriptions_pruned_total",
			Help: "Subscription records deleted after the push service rejected their endpoint.",
		}),

		FlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "push_flush_seconds",
			Help:    "Time to deliver one queue entry's batch of push messages.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.PushDeliveries,
		m.QueueEntries,
		m.SubscriptionsPruned,
		m.FlushDuration,
	)

	return m
}

// WorkerHooks returns the metric callback functions expected by worker.MetricHooks.
// Centralises the prometheus observation calls so worker.go stays import-free.
func (m *Metrics) WorkerHooks() (
	onDelivery func(result string),
	onEntry func(outcome string),
	onFlush func(time.Duration),
) {
	onDelivery = func(result string) {
		m.PushDeliveries.WithLabelValues(result).Inc()
	}
	onEntry = func(outcome string) {
		m.QueueEntries.WithLabelValues(outcome).Inc()
	}
	onFlush = func(d time.Duration) {
		m.FlushDuration.Observe(d.Seconds())
	}
	return
}

// OnPruned is the pruner callback.
func (m *Metrics) OnPruned(n int) {
	m.SubscriptionsPruned.Add(float64(n))
}

// StatsSource reports queue depth.
type StatsSource interface {
	Stats(ctx context.Context) (queue.Stats, error)
}

var queueDepthDesc = prometheus.NewDesc(
	"delivery_queue_depth",
	"Delivery queue entries by state, read at scrape time.",
	[]string{"state"}, nil,
)

// queueCollector reads queue depth on every scrape instead of keeping a
// gauge in sync with three backends.
type queueCollector struct {
	src     StatsSource
	timeout time.Duration
}

// RegisterQueueDepth exposes delivery_queue_depth{state} for src.
func RegisterQueueDepth(reg prometheus.Registerer, src StatsSource) {
	reg.MustRegister(&queueCollector{src: src, timeout: 2 * time.Second})
}

func (c *queueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- queueDepthDesc
}

func (c *queueCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	s, err := c.src.Stats(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(queueDepthDesc, err)
		return
	}
	ch <- prometheus.MustNewConstMetric(queueDepthDesc, prometheus.GaugeValue, float64(s.Ready), "ready")
	ch <- prometheus.MustNewConstMetric(queueDepthDesc, prometheus.GaugeValue, float64(s.Leased), "leased")
	ch <- prometheus.MustNewConstMetric(queueDepthDesc, prometheus.GaugeValue, float64(s.Dead), "dead")
}
