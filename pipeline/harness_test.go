package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pithecene-io/sluice/adapter"
	"github.com/pithecene-io/sluice/fold"
	"github.com/pithecene-io/sluice/metrics"
	"github.com/pithecene-io/sluice/queue"
	memqueue "github.com/pithecene-io/sluice/queue/memory"
	"github.com/pithecene-io/sluice/results"
	"github.com/pithecene-io/sluice/store"
	memstore "github.com/pithecene-io/sluice/store/memory"
	"github.com/pithecene-io/sluice/types"
	"github.com/pithecene-io/sluice/wire"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// harness wires the three functions over in-memory backends.
type harness struct {
	store    store.PacketStore
	mapQ     *memqueue.Queue
	reduceQ  *memqueue.Queue
	results  *results.MemoryStore
	notifier *adapter.Recorder
	metrics  *metrics.Collector

	ingress *Ingress
	mapper  *Mapper
	reducer *Reducer
}

func newHarness(t *testing.T, transform, merge string) *harness {
	t.Helper()

	tf, err := fold.LookupTransform(transform)
	if err != nil {
		t.Fatalf("LookupTransform: %v", err)
	}
	mf, err := fold.LookupMerge(merge)
	if err != nil {
		t.Fatalf("LookupMerge: %v", err)
	}

	h := &harness{
		store:    memstore.New(),
		mapQ:     memqueue.New(queue.MapQueue, queue.Options{MaxReceives: 3}),
		reduceQ:  memqueue.New(queue.ReduceQueue, queue.Options{MaxReceives: 3}),
		results:  results.NewMemoryStore(),
		notifier: &adapter.Recorder{},
		metrics:  metrics.NewCollector("memory", "memory"),
	}
	now := func() time.Time { return fixedNow }

	h.ingress = &Ingress{MapQueue: h.mapQ, Results: h.results, Merge: mf, Metrics: h.metrics, Now: now}
	h.mapper = &Mapper{Store: h.store, ReduceQueue: h.reduceQ, Transform: tf, Metrics: h.metrics}
	h.reducer = &Reducer{
		Store:       h.store,
		Results:     h.results,
		ReduceQueue: h.reduceQ,
		Merge:       mf,
		Notifier:    h.notifier,
		Metrics:     h.metrics,
		Now:         now,
	}
	return h
}

// receiveMap leases every ready map item.
func (h *harness) receiveMap(t *testing.T) ([]*queue.Delivery, []*types.MapWorkItem) {
	t.Helper()
	deliveries, err := h.mapQ.Receive(t.Context(), 1000)
	if err != nil {
		t.Fatalf("receive map: %v", err)
	}
	items := make([]*types.MapWorkItem, len(deliveries))
	for i, d := range deliveries {
		item, err := wire.DecodeMapItem(d.Message.Body)
		if err != nil {
			t.Fatalf("decode map item: %v", err)
		}
		items[i] = item
	}
	return deliveries, items
}

// runMap processes map batches of up to batchSize until the queue is empty.
func (h *harness) runMap(t *testing.T, batchSize int) {
	t.Helper()
	ctx := t.Context()
	for range 1000 {
		deliveries, err := h.mapQ.Receive(ctx, batchSize)
		if err != nil {
			t.Fatalf("receive map: %v", err)
		}
		if len(deliveries) == 0 {
			return
		}
		items := make([]*types.MapWorkItem, len(deliveries))
		for i, d := range deliveries {
			if items[i], err = wire.DecodeMapItem(d.Message.Body); err != nil {
				t.Fatalf("decode map item: %v", err)
			}
		}

		err = h.mapper.HandleBatch(ctx, items)
		var failed map[int]error
		var be *BatchError
		switch {
		case errors.As(err, &be):
			failed = be.FailedIndexes()
		case err != nil:
			t.Fatalf("HandleBatch: %v", err)
		}
		for i, d := range deliveries {
			if cause, ok := failed[i]; ok {
				if err := h.mapQ.Nack(ctx, d, cause); err != nil {
					t.Fatalf("nack: %v", err)
				}
				continue
			}
			if err := h.mapQ.Ack(ctx, d); err != nil {
				t.Fatalf("ack: %v", err)
			}
		}
	}
	t.Fatal("map stage did not drain")
}

// runReduce processes reduce items one at a time until the queue is empty.
func (h *harness) runReduce(t *testing.T) []Outcome {
	t.Helper()
	ctx := t.Context()
	var outcomes []Outcome
	for range 10000 {
		deliveries, err := h.reduceQ.Receive(ctx, 1)
		if err != nil {
			t.Fatalf("receive reduce: %v", err)
		}
		if len(deliveries) == 0 {
			return outcomes
		}
		d := deliveries[0]
		item, err := wire.DecodeReduceItem(d.Message.Body)
		if err != nil {
			t.Fatalf("decode reduce item: %v", err)
		}
		outcome, err := h.reducer.Reduce(ctx, item.CollectionID)
		if err != nil {
			t.Fatalf("Reduce: %v", err)
		}
		outcomes = append(outcomes, outcome)
		if err := h.reduceQ.Ack(ctx, d); err != nil {
			t.Fatalf("ack: %v", err)
		}
	}
	t.Fatal("reduce stage did not drain")
	return nil
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	h.runMap(t, 4)
	h.runReduce(t)
}

func (h *harness) result(t *testing.T, collectionID string) *types.Result {
	t.Helper()
	res, err := h.results.Get(t.Context(), collectionID)
	if err != nil {
		t.Fatalf("result %s: %v", collectionID, err)
	}
	return res
}

func (h *harness) livePackets(t *testing.T, collectionID string) []*types.Packet {
	t.Helper()
	packets, err := h.store.List(t.Context(), collectionID, 1000)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	return packets
}

func depth(t *testing.T, q queue.Queue) queue.Depth {
	t.Helper()
	d, err := q.Depth(context.Background())
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	return d
}
