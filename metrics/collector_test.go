package metrics

import (
	"sync"
	"testing"
)

func TestCollector_IncrementMethods(t *testing.T) {
	c := NewCollector("redis", "memory")

	c.IncCollectionIngested(5)
	c.IncCollectionIngested(0)
	c.IncIngestRejected()
	c.AddMapItems(3)
	c.AddMapItems(2)
	c.IncMapBatchFailed()
	c.IncReduceInvocation()
	c.IncReduceInvocation()
	c.IncMerge()
	c.IncConflict()
	c.IncNoOp()
	c.IncResultWritten()
	c.AddAcked(4)
	c.AddNacked(2)
	c.IncDeadLettered()

	s := c.Snapshot()

	checks := []struct {
		name string
		got  int64
		want int64
	}{
		{"CollectionsIngested", s.CollectionsIngested, 2},
		{"ElementsIngested", s.ElementsIngested, 5},
		{"IngestRejected", s.IngestRejected, 1},
		{"MapItemsProcessed", s.MapItemsProcessed, 5},
		{"PacketsUpserted", s.PacketsUpserted, 5},
		{"MapBatchesFailed", s.MapBatchesFailed, 1},
		{"ReduceInvocations", s.ReduceInvocations, 2},
		{"Merges", s.Merges, 1},
		{"Conflicts", s.Conflicts, 1},
		{"NoOps", s.NoOps, 1},
		{"ResultsWritten", s.ResultsWritten, 1},
		{"Acked", s.Acked, 4},
		{"Nacked", s.Nacked, 2},
		{"DeadLettered", s.DeadLettered, 1},
	}
	for _, ck := range checks {
		if ck.got != ck.want {
			t.Errorf("%s = %d, want %d", ck.name, ck.got, ck.want)
		}
	}

	if s.StoreBackend != "redis" || s.QueueBackend != "memory" {
		t.Errorf("dimensions = %q/%q", s.StoreBackend, s.QueueBackend)
	}
}

func TestCollector_NilSafe(t *testing.T) {
	var c *Collector

	c.IncCollectionIngested(1)
	c.IncIngestRejected()
	c.AddMapItems(1)
	c.IncMerge()
	c.IncDeadLettered()

	if s := c.Snapshot(); s.Merges != 0 {
		t.Errorf("nil collector snapshot should be zero, got %+v", s)
	}
}

func TestCollector_SnapshotIsCopy(t *testing.T) {
	c := NewCollector("memory", "memory")
	c.IncMerge()

	s := c.Snapshot()
	c.IncMerge()

	if s.Merges != 1 {
		t.Errorf("snapshot mutated after later increment: %d", s.Merges)
	}
	if c.Snapshot().Merges != 2 {
		t.Errorf("collector should have 2 merges")
	}
}

func TestCollector_Concurrent(t *testing.T) {
	c := NewCollector("memory", "memory")

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				c.IncMerge()
				c.AddAcked(1)
			}
		}()
	}
	wg.Wait()

	s := c.Snapshot()
	if s.Merges != 5000 {
		t.Errorf("Merges = %d, want 5000", s.Merges)
	}
	if s.Acked != 5000 {
		t.Errorf("Acked = %d, want 5000", s.Acked)
	}
}
