// Package store defines the packet store consumed by the map and reduce stages.
//
// A PacketStore is keyed by (collection id, packet id). Implementations must be
// safe for concurrent use by many stateless invocations, possibly in different
// processes. The only multi-key write is Swap, which backends perform
// atomically.
package store

import (
	"context"

	"github.com/pithecene-io/sluice/types"
)

// PacketStore persists in-flight packets.
type PacketStore interface {
	// Upsert writes the packet, replacing any live packet with the same id.
	// Packets whose id was consumed by a merge are silently ignored, so a
	// redelivered map item cannot resurrect folded data.
	Upsert(ctx context.Context, p *types.Packet) error

	// Get returns a live packet or ErrNotFound.
	Get(ctx context.Context, collectionID, packetID string) (*types.Packet, error)

	// List returns at most limit live packets of a collection.
	// Order is unspecified but stable between calls with no writes.
	List(ctx context.Context, collectionID string, limit int) ([]*types.Packet, error)

	// Swap inserts merged and removes the consumed packets in one step.
	// If any consumed id is no longer live, nothing is written and
	// ErrConflict is returned.
	Swap(ctx context.Context, merged *types.Packet, consumed ...string) error

	// Delete removes packets. Missing ids are not an error.
	Delete(ctx context.Context, collectionID string, packetIDs ...string) error

	// Purge drops every live packet and tombstone of a collection. It is
	// meant for collections whose result is written and whose map items are
	// all acknowledged: a map item redelivered after Purge is stored again.
	Purge(ctx context.Context, collectionID string) error

	// Count returns the number of live packets in a collection.
	Count(ctx context.Context, collectionID string) (int64, error)

	// Close releases backend resources. Further calls return ErrClosed.
	Close() error
}

// ValidateSwap checks the arguments shared by every Swap implementation.
func ValidateSwap(merged *types.Packet, consumed []string) error {
	if err := merged.Validate(); err != nil {
		return err
	}
	if len(consumed) == 0 {
		return NewStorageError(ErrConflict, "swap", merged.CollectionID, errNoConsumed)
	}
	for _, id := range consumed {
		if id == merged.PacketID {
			return NewStorageError(ErrConflict, "swap", merged.CollectionID, errSelfConsume)
		}
	}
	return nil
}
