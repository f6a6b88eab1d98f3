package metrics

import "github.com/prometheus/client_golang/prometheus"

const (
	namespace = "aspyx"
)

// sseMetrics covers the SSE parser: throughput by event type and
// malformed-frame rate.
type sseMetrics struct {
	eventsTotal *prometheus.CounterVec
	parseErrors prometheus.Counter
}

func newSSEMetrics(reg *prometheus.Registry) *sseMetrics {
	m := &sseMetrics{
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sse", Name: "events_total",
			Help: "Parsed SSE domain events by type.",
		}, []string{"event_type"}),
		parseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sse", Name: "parse_errors_total",
			Help: "SSE frames the parser could not interpret.",
		}),
	}
	reg.MustRegister(m.eventsTotal, m.parseErrors)
	return m
}

// busMetrics covers the event bus: per-subscriber backlog and drops.
type busMetrics struct {
	queueDepth *prometheus.GaugeVec
	dropped    *prometheus.CounterVec
}

func newBusMetrics(reg *prometheus.Registry) *busMetrics {
	m := &busMetrics{
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "bus", Name: "queue_depth",
			Help: "Current backlog per subscriber channel.",
		}, []string{"subscriber"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus", Name: "dropped_total",
			Help: "Events dropped by a DropOldest subscriber whose channel was full.",
		}, []string{"subscriber"}),
	}
	reg.MustRegister(m.queueDepth, m.dropped)
	return m
}

// writerMetrics covers the Cortex writer goroutine: batch size and
// flush latency, since a single-writer design lives or dies on those two
// numbers staying bounded.
type writerMetrics struct {
	flushSize     prometheus.Histogram
	flushDuration prometheus.Histogram
	flushFailures prometheus.Counter
}

func newWriterMetrics(reg *prometheus.Registry) *writerMetrics {
	m := &writerMetrics{
		flushSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "writer", Name: "flush_batch_size",
			Help:    "Number of events committed per writer flush.",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500},
		}),
		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "writer", Name: "flush_duration_seconds",
			Help:    "Wall time of one writer flush transaction.",
			Buckets: prometheus.DefBuckets,
		}),
		flushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "writer", Name: "flush_failures_total",
			Help: "Writer flush transactions that rolled back.",
		}),
	}
	reg.MustRegister(m.flushSize, m.flushDuration, m.flushFailures)
	return m
}

// indexerMetrics covers the embedding indexer: backlog per content
// kind and batch outcomes.
type indexerMetrics struct {
	pending  *prometheus.GaugeVec
	embedded *prometheus.CounterVec
	errors   *prometheus.CounterVec
}

func newIndexerMetrics(reg *prometheus.Registry) *indexerMetrics {
	m := &indexerMetrics{
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "indexer", Name: "pending",
			Help: "Rows awaiting an embedding, by content kind.",
		}, []string{"kind"}),
		embedded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "indexer", Name: "embedded_total",
			Help: "Rows successfully embedded, by content kind.",
		}, []string{"kind"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "indexer", Name: "errors_total",
			Help: "Embedding attempts that failed, by content kind.",
		}, []string{"kind"}),
	}
	reg.MustRegister(m.pending, m.embedded, m.errors)
	return m
}

// countTokensMetrics covers the count-tokens cache: hit/miss/
// rate-limited outcome rates.
type countTokensMetrics struct {
	outcomes *prometheus.CounterVec
}

func newCountTokensMetrics(reg *prometheus.Registry) *countTokensMetrics {
	m := &countTokensMetrics{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "counttokens", Name: "outcomes_total",
			Help: "count_tokens request outcomes: hit, miss, rate_limited.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.outcomes)
	return m
}
