package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/pithecene-io/sluice/adapter"
	"github.com/pithecene-io/sluice/fold"
	"github.com/pithecene-io/sluice/log"
	"github.com/pithecene-io/sluice/metrics"
	"github.com/pithecene-io/sluice/queue"
	"github.com/pithecene-io/sluice/results"
	"github.com/pithecene-io/sluice/store"
	"github.com/pithecene-io/sluice/types"
)

// DefaultMaxConflictRetries is the number of re-reads after a lost Swap
// before the reduce item is put back on the queue.
const DefaultMaxConflictRetries = 3

// DefaultNotifyTimeout bounds the notification of one converged collection,
// retries included.
const DefaultNotifyTimeout = 5 * time.Second

// Outcome classifies a Reduce call.
type Outcome string

const (
	// OutcomeNoOp means the collection had no live packets.
	OutcomeNoOp Outcome = "noop"
	// OutcomeWaiting means one packet is live but units are still in the
	// map stage. Their map batches will signal reduce again.
	OutcomeWaiting Outcome = "waiting"
	// OutcomeMerged means two packets were merged and reduce was re-signaled.
	OutcomeMerged Outcome = "merged"
	// OutcomeConverged means this call wrote the result.
	OutcomeConverged Outcome = "converged"
	// OutcomeAlreadyConverged means the result already existed.
	OutcomeAlreadyConverged Outcome = "already_converged"
	// OutcomeRequeued means every merge attempt lost a race and the
	// collection was put back on the reduce queue.
	OutcomeRequeued Outcome = "requeued"
)

// Reducer is the reduce stage: merge two live packets per call.
type Reducer struct {
	Store       store.PacketStore
	Results     results.Store
	ReduceQueue queue.Queue
	Merge       fold.Merge
	// Notifier, if set, is told about each result this process writes.
	Notifier adapter.Adapter
	// NotifyTimeout bounds each Publish (DefaultNotifyTimeout if zero).
	NotifyTimeout time.Duration
	// MaxConflictRetries bounds re-reads after a lost Swap
	// (DefaultMaxConflictRetries if zero, none if negative).
	MaxConflictRetries int

	Logger  *log.Logger
	Metrics *metrics.Collector
	Now     func() time.Time
}

func (r *Reducer) conflictRetries() int {
	switch {
	case r.MaxConflictRetries == 0:
		return DefaultMaxConflictRetries
	case r.MaxConflictRetries < 0:
		return 0
	default:
		return r.MaxConflictRetries
	}
}

// Reduce performs at most one committed merge step for a collection.
//
// It reads up to two live packets. Two packets are merged into a fresh
// packet through a conditional Swap; if another invocation consumed either
// one first, the read is repeated. A packet representing every unit ends the
// collection: the result is written once and only its writer notifies.
func (r *Reducer) Reduce(ctx context.Context, collectionID string) (Outcome, error) {
	r.Metrics.IncReduceInvocation()
	logger := orNop(r.Logger).With(map[string]any{"collection_id": collectionID})
	retries := r.conflictRetries()

	for attempt := 0; ; attempt++ {
		packets, err := r.Store.List(ctx, collectionID, 2)
		if err != nil {
			return "", transient("list packets", collectionID, err)
		}

		switch len(packets) {
		case 0:
			r.Metrics.IncNoOp()
			logger.Debug("nothing to reduce", nil)
			return OutcomeNoOp, nil
		case 1:
			if !packets[0].Converged() {
				logger.Debug("waiting for map stage", map[string]any{
					"units_represented": packets[0].UnitsRepresented,
					"total_units":       packets[0].TotalUnits,
				})
				return OutcomeWaiting, nil
			}
			return r.complete(ctx, logger, packets[0])
		}

		a, b := packets[0], packets[1]
		if a.TotalUnits != b.TotalUnits {
			return "", fmt.Errorf("collection %s: packets %s and %s disagree on total units (%d vs %d)",
				collectionID, a.PacketID, b.PacketID, a.TotalUnits, b.TotalUnits)
		}

		value := r.Merge.Fn(a.Value, b.Value)
		if math.IsNaN(value) || math.IsInf(value, 0) {
			return "", &MergeError{
				CollectionID: collectionID,
				Consumed:     [2]string{a.PacketID, b.PacketID},
				Value:        value,
			}
		}

		merged := &types.Packet{
			CollectionID:     collectionID,
			PacketID:         types.NewPacketID(),
			Value:            value,
			UnitsRepresented: a.UnitsRepresented + b.UnitsRepresented,
			TotalUnits:       a.TotalUnits,
		}

		err = r.Store.Swap(ctx, merged, a.PacketID, b.PacketID)
		if errors.Is(err, store.ErrConflict) {
			r.Metrics.IncConflict()
			if attempt < retries {
				logger.Debug("merge conflict, re-reading", map[string]any{"attempt": attempt + 1})
				continue
			}
			if err := SignalReduce(ctx, r.ReduceQueue, collectionID); err != nil {
				return "", transient("requeue reduce item", collectionID, err)
			}
			logger.Info("merge conflicts exhausted, requeued", map[string]any{"attempts": attempt + 1})
			return OutcomeRequeued, nil
		}
		if err != nil {
			return "", transient("swap packets", collectionID, err)
		}
		r.Metrics.IncMerge()

		if merged.Converged() {
			return r.complete(ctx, logger, merged)
		}

		if err := SignalReduce(ctx, r.ReduceQueue, collectionID); err != nil {
			return "", transient("enqueue reduce item", collectionID, err)
		}
		logger.Debug("merged packets", map[string]any{
			"packet_id":         merged.PacketID,
			"units_represented": merged.UnitsRepresented,
			"total_units":       merged.TotalUnits,
		})
		return OutcomeMerged, nil
	}
}

// complete writes the result for a converged packet.
func (r *Reducer) complete(ctx context.Context, logger *log.Logger, p *types.Packet) (Outcome, error) {
	res := types.ResultFromPacket(p, orNow(r.Now)())

	created, err := r.Results.PutIfAbsent(ctx, res)
	if err != nil {
		return "", transient("write result", p.CollectionID, err)
	}
	if !created {
		return OutcomeAlreadyConverged, nil
	}

	r.Metrics.IncResultWritten()
	logger.Info("collection converged", map[string]any{
		"value":       res.Value,
		"total_units": res.TotalUnits,
	})

	if r.Notifier != nil {
		r.notify(ctx, logger, res)
	}
	return OutcomeConverged, nil
}

// notify publishes the convergence event within NotifyTimeout, so a slow
// endpoint holds the reduce lane for at most that long.
func (r *Reducer) notify(ctx context.Context, logger *log.Logger, res *types.Result) {
	timeout := r.NotifyTimeout
	if timeout <= 0 {
		timeout = DefaultNotifyTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := r.Notifier.Publish(ctx, adapter.NewConvergedEvent(res)); err != nil {
		logger.Warn("convergence notification failed", map[string]any{"error": err.Error()})
	}
}
