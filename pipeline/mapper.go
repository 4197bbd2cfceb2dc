package pipeline

import (
	"context"
	"fmt"
	"math"

	"github.com/pithecene-io/sluice/fold"
	"github.com/pithecene-io/sluice/log"
	"github.com/pithecene-io/sluice/metrics"
	"github.com/pithecene-io/sluice/queue"
	"github.com/pithecene-io/sluice/store"
	"github.com/pithecene-io/sluice/types"
	"github.com/pithecene-io/sluice/wire"
)

// Mapper is the map stage: transform, upsert, signal reduce.
type Mapper struct {
	Store       store.PacketStore
	ReduceQueue queue.Queue
	Transform   fold.Transform

	Logger  *log.Logger
	Metrics *metrics.Collector
}

// HandleBatch processes a batch of map items.
//
// Each item is transformed and upserted under its own packet id, so a
// redelivered item overwrites itself. After all upserts, one reduce item is
// sent per distinct collection in first-seen order.
//
// A transform failure affects only its item: the rest of the batch commits
// and a *BatchError lists the failures. A store or queue failure returns a
// TransientError and the whole batch should be redelivered.
func (m *Mapper) HandleBatch(ctx context.Context, items []*types.MapWorkItem) error {
	logger := orNop(m.Logger)

	var (
		failed      []ItemError
		collections []string
		seen        = make(map[string]struct{})
	)

	for i, item := range items {
		value, err := m.Transform(item.Value)
		if err == nil && (math.IsNaN(value) || math.IsInf(value, 0)) {
			err = fmt.Errorf("transform produced non-finite value %v", value)
		}
		if err != nil {
			failed = append(failed, ItemError{Index: i, Err: err})
			logger.Warn("transform failed", map[string]any{
				"collection_id": item.CollectionID,
				"packet_id":     item.PacketID,
				"error":         err.Error(),
			})
			continue
		}

		if err := m.Store.Upsert(ctx, item.Packet(value)); err != nil {
			m.Metrics.IncMapBatchFailed()
			return transient("upsert packet", item.CollectionID, err)
		}

		if _, ok := seen[item.CollectionID]; !ok {
			seen[item.CollectionID] = struct{}{}
			collections = append(collections, item.CollectionID)
		}
	}

	for _, cid := range collections {
		if err := SignalReduce(ctx, m.ReduceQueue, cid); err != nil {
			m.Metrics.IncMapBatchFailed()
			return transient("enqueue reduce item", cid, err)
		}
	}

	m.Metrics.AddMapItems(len(items) - len(failed))
	logger.Debug("map batch committed", map[string]any{
		"items":       len(items),
		"failed":      len(failed),
		"collections": len(collections),
	})

	if len(failed) > 0 {
		return &BatchError{Failed: failed}
	}
	return nil
}

// SignalReduce sends one reduce item for the collection.
func SignalReduce(ctx context.Context, q queue.Queue, collectionID string) error {
	body, err := wire.EncodeReduceItem(&types.ReduceWorkItem{
		Type:         types.WorkKindReduce,
		CollectionID: collectionID,
	})
	if err != nil {
		return err
	}
	_, err = q.Send(ctx, body)
	return err
}
