package pipeline

import (
	"context"
	"errors"

	"github.com/pithecene-io/sluice/results"
	"github.com/pithecene-io/sluice/store"
	"github.com/pithecene-io/sluice/types"
)

// CollectionState is the externally visible state of a collection.
type CollectionState string

const (
	// StatePending covers every collection without a result, including ids
	// that were never ingested.
	StatePending CollectionState = "pending"
	// StateConverged means the result is written.
	StateConverged CollectionState = "converged"
)

// Status summarizes one collection.
type Status struct {
	CollectionID string          `json:"collection_id" yaml:"collection_id"`
	State        CollectionState `json:"state" yaml:"state"`
	LivePackets  int64           `json:"live_packets" yaml:"live_packets"`
	Result       *types.Result   `json:"result,omitempty" yaml:"result,omitempty"`
}

// CollectionStatus looks up the result and live packet count of a
// collection. The packet store may be nil when only results are reachable.
func CollectionStatus(ctx context.Context, ps store.PacketStore, rs results.Store, collectionID string) (*Status, error) {
	if err := types.ValidateID("collection_id", collectionID); err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}

	st := &Status{CollectionID: collectionID, State: StatePending}

	res, err := rs.Get(ctx, collectionID)
	switch {
	case err == nil:
		st.State = StateConverged
		st.Result = res
	case errors.Is(err, results.ErrNotFound):
	default:
		return nil, transient("get result", collectionID, err)
	}

	if ps != nil {
		n, err := ps.Count(ctx, collectionID)
		if err != nil {
			return nil, transient("count packets", collectionID, err)
		}
		st.LivePackets = n
	}
	return st, nil
}
