// Package metrics wires the Prometheus stack: one Collector per process
// holding a set of metric groups, each registered against a single
// *prometheus.Registry at construction.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector aggregates every metric group this proxy emits.
type Collector struct {
	registry *prometheus.Registry

	sse        *sseMetrics
	bus        *busMetrics
	writer     *writerMetrics
	indexer    *indexerMetrics
	countTok   *countTokensMetrics
}

// NewCollector builds a Collector registered against registry. A nil
// registry gets a fresh one.
func NewCollector(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	return &Collector{
		registry: registry,
		sse:      newSSEMetrics(registry),
		bus:      newBusMetrics(registry),
		writer:   newWriterMetrics(registry),
		indexer:  newIndexerMetrics(registry),
		countTok: newCountTokensMetrics(registry),
	}
}

func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// RecordSSEEvent counts one parsed domain event of the given type.
func (c *Collector) RecordSSEEvent(eventType string) {
	c.sse.eventsTotal.WithLabelValues(eventType).Inc()
}

// RecordSSEParseError counts a malformed event the parser discarded.
func (c *Collector) RecordSSEParseError() {
	c.sse.parseErrors.Inc()
}

// SetBusQueueDepth reports a subscriber's current backlog.
func (c *Collector) SetBusQueueDepth(subscriber string, depth int) {
	c.bus.queueDepth.WithLabelValues(subscriber).Set(float64(depth))
}

// RecordBusDrop counts an event dropped by a DropOldest subscriber.
func (c *Collector) RecordBusDrop(subscriber string) {
	c.bus.dropped.WithLabelValues(subscriber).Inc()
}

// RecordWriterFlush records one Cortex writer batch: its size and the
// wall time the transaction took.
func (c *Collector) RecordWriterFlush(batchSize int, duration time.Duration) {
	c.writer.flushSize.Observe(float64(batchSize))
	c.writer.flushDuration.Observe(duration.Seconds())
}

// RecordWriterFlushFailure counts a failed flush attempt.
func (c *Collector) RecordWriterFlushFailure() {
	c.writer.flushFailures.Inc()
}

// SetIndexerBacklog reports the embedding indexer's per-kind pending
// count, last known from a Poll cycle.
func (c *Collector) SetIndexerBacklog(kind string, pending int64) {
	c.indexer.pending.WithLabelValues(kind).Set(float64(pending))
}

// RecordIndexerBatch records one embedding batch outcome.
func (c *Collector) RecordIndexerBatch(kind string, embedded, errored int) {
	c.indexer.embedded.WithLabelValues(kind).Add(float64(embedded))
	c.indexer.errors.WithLabelValues(kind).Add(float64(errored))
}

// RecordCountTokensOutcome counts a count-tokens cache lookup's result.
func (c *Collector) RecordCountTokensOutcome(outcome string) {
	c.countTok.outcomes.WithLabelValues(outcome).Inc()
}
