// Package metrics provides per-process pipeline counters.
//
// The Collector accumulates counters for the lifetime of a process. It is a
// leaf package with no internal dependencies. All methods are nil-receiver
// safe so components can run without metrics.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of all counters.
type Snapshot struct {
	// Ingress
	CollectionsIngested int64 `json:"collections_ingested"`
	IngestRejected      int64 `json:"ingest_rejected"`
	ElementsIngested    int64 `json:"elements_ingested"`

	// Map stage
	MapItemsProcessed int64 `json:"map_items_processed"`
	MapBatchesFailed  int64 `json:"map_batches_failed"`
	PacketsUpserted   int64 `json:"packets_upserted"`

	// Reduce stage
	ReduceInvocations int64 `json:"reduce_invocations"`
	Merges            int64 `json:"merges"`
	Conflicts         int64 `json:"conflicts"`
	NoOps             int64 `json:"noops"`
	ResultsWritten    int64 `json:"results_written"`

	// Queue deliveries
	Acked        int64 `json:"acked"`
	Nacked       int64 `json:"nacked"`
	DeadLettered int64 `json:"dead_lettered"`

	// Dimensions (informational, set at construction)
	StoreBackend string `json:"store_backend"`
	QueueBackend string `json:"queue_backend"`
}

// Collector accumulates counters. Thread-safe via sync.Mutex.
type Collector struct {
	mu sync.Mutex
	s  Snapshot
}

// NewCollector creates a Collector with dimension labels.
func NewCollector(storeBackend, queueBackend string) *Collector {
	return &Collector{s: Snapshot{StoreBackend: storeBackend, QueueBackend: queueBackend}}
}

func (c *Collector) add(f func(s *Snapshot)) {
	if c == nil {
		return
	}
	c.mu.Lock()
	f(&c.s)
	c.mu.Unlock()
}

// --- Ingress ---

// IncCollectionIngested records an accepted collection of n elements.
func (c *Collector) IncCollectionIngested(n int) {
	c.add(func(s *Snapshot) {
		s.CollectionsIngested++
		s.ElementsIngested += int64(n)
	})
}

// IncIngestRejected records a payload rejected by validation.
func (c *Collector) IncIngestRejected() {
	c.add(func(s *Snapshot) { s.IngestRejected++ })
}

// --- Map stage ---

// AddMapItems records n map items processed in one successful batch.
func (c *Collector) AddMapItems(n int) {
	c.add(func(s *Snapshot) {
		s.MapItemsProcessed += int64(n)
		s.PacketsUpserted += int64(n)
	})
}

// IncMapBatchFailed records a map batch handed back for redelivery.
func (c *Collector) IncMapBatchFailed() {
	c.add(func(s *Snapshot) { s.MapBatchesFailed++ })
}

// --- Reduce stage ---

// IncReduceInvocation records one reduce call.
func (c *Collector) IncReduceInvocation() {
	c.add(func(s *Snapshot) { s.ReduceInvocations++ })
}

// IncMerge records a committed pairwise merge.
func (c *Collector) IncMerge() {
	c.add(func(s *Snapshot) { s.Merges++ })
}

// IncConflict records a merge lost to a concurrent reducer.
func (c *Collector) IncConflict() {
	c.add(func(s *Snapshot) { s.Conflicts++ })
}

// IncNoOp records a reduce call that found nothing to merge.
func (c *Collector) IncNoOp() {
	c.add(func(s *Snapshot) { s.NoOps++ })
}

// IncResultWritten records a result created by this process.
func (c *Collector) IncResultWritten() {
	c.add(func(s *Snapshot) { s.ResultsWritten++ })
}

// --- Queue deliveries ---

// AddAcked records n acknowledged deliveries.
func (c *Collector) AddAcked(n int) {
	c.add(func(s *Snapshot) { s.Acked += int64(n) })
}

// AddNacked records n deliveries handed back for retry.
func (c *Collector) AddNacked(n int) {
	c.add(func(s *Snapshot) { s.Nacked += int64(n) })
}

// IncDeadLettered records a message moved to the dead-letter list.
func (c *Collector) IncDeadLettered() {
	c.add(func(s *Snapshot) { s.DeadLettered++ })
}

// Snapshot returns a copy of all counters.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.s
}
