// Package metrics exposes Prometheus collectors for the order sync pipeline.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/recomma/ordersync/order"
)

const namespace = "ordersync"

// Metrics implements processor.Observer, cache.Observer and
// syncer.Recorder.
type Metrics struct {
	EventsEnqueued     prometheus.Counter
	EventsProcessed    *prometheus.CounterVec
	EventsApplied      *prometheus.CounterVec
	EventsStale        *prometheus.CounterVec
	EventsMalformed    *prometheus.CounterVec
	EventsFailed       *prometheus.CounterVec
	EventDuration      prometheus.Histogram
	QueueDepth         prometheus.Gauge
	QueueStalls        prometheus.Counter
	CacheWrites        prometheus.Counter
	CacheWriteFailures prometheus.Counter
	CachedOrders       prometheus.Gauge
	IllegalTransitions *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg skips
// registration.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		EventsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_enqueued_total",
			Help:      "Total number of realtime events queued",
		}),
		EventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_processed_total",
			Help:      "Total number of events the queue worker finished",
		}, []string{"event"}),
		EventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_applied_total",
			Help:      "Total number of events applied to the tracking store",
		}, []string{"event"}),
		EventsStale: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_stale_total",
			Help:      "Total number of events dropped as stale or duplicate",
		}, []string{"event"}),
		EventsMalformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_malformed_total",
			Help:      "Total number of events dropped as malformed",
		}, []string{"event"}),
		EventsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_failed_total",
			Help:      "Total number of events whose handler returned an error",
		}, []string{"event"}),
		EventDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_processing_duration_seconds",
			Help:      "Time spent handling one event",
			Buckets:   prometheus.DefBuckets,
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Events waiting in the queue at the last enqueue",
		}),
		QueueStalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_stalls_total",
			Help:      "Total number of in-flight events released by stall recovery",
		}),
		CacheWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_writes_total",
			Help:      "Total number of persisted cache writes",
		}),
		CacheWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_write_failures_total",
			Help:      "Total number of failed cache writes",
		}),
		CachedOrders: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cached_orders",
			Help:      "Active orders in the last successful cache write",
		}),
		IllegalTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "illegal_transitions_total",
			Help:      "Status updates applied outside the expected lifecycle",
		}, []string{"from", "to"}),
	}

	if reg == nil {
		return m, nil
	}
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.EventsEnqueued,
		m.EventsProcessed,
		m.EventsApplied,
		m.EventsStale,
		m.EventsMalformed,
		m.EventsFailed,
		m.EventDuration,
		m.QueueDepth,
		m.QueueStalls,
		m.CacheWrites,
		m.CacheWriteFailures,
		m.CachedOrders,
		m.IllegalTransitions,
	}
}

func (m *Metrics) Enqueued(depth int) {
	m.EventsEnqueued.Inc()
	m.QueueDepth.Set(float64(depth))
}

func (m *Metrics) Processed(evt order.QueuedEvent, err error, elapsed time.Duration) {
	m.EventsProcessed.WithLabelValues(evt.Name).Inc()
	m.EventDuration.Observe(elapsed.Seconds())
	if err != nil {
		m.EventsFailed.WithLabelValues(evt.Name).Inc()
	}
}

func (m *Metrics) Stalled(order.QueuedEvent, time.Duration) {
	m.QueueStalls.Inc()
}

func (m *Metrics) Written(records int, err error) {
	if err != nil {
		m.CacheWriteFailures.Inc()
		return
	}
	m.CacheWrites.Inc()
	m.CachedOrders.Set(float64(records))
}

func (m *Metrics) Applied(event string)   { m.EventsApplied.WithLabelValues(event).Inc() }
func (m *Metrics) Stale(event string)     { m.EventsStale.WithLabelValues(event).Inc() }
func (m *Metrics) Malformed(event string) { m.EventsMalformed.WithLabelValues(event).Inc() }

func (m *Metrics) IllegalTransition(from, to order.Status) {
	m.IllegalTransitions.WithLabelValues(string(from), string(to)).Inc()
}
