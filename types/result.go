package types

import "time"

// Result is the final aggregate of a collection. Written once, never mutated.
type Result struct {
	// CollectionID identifies the ingested collection.
	CollectionID string `msgpack:"collection_id" json:"collection_id" yaml:"collection_id"`
	// Value is the merged value of every transformed element.
	Value float64 `msgpack:"value" json:"value" yaml:"value"`
	// TotalUnits is the element count of the collection.
	TotalUnits int64 `msgpack:"total_units" json:"total_units" yaml:"total_units"`
	// Empty marks a collection ingested with zero elements.
	// Value then holds the merge identity, or 0 when the merge has none.
	Empty bool `msgpack:"empty,omitempty" json:"empty,omitempty" yaml:"empty,omitempty"`
	// CompletedAt is when the converging reduce wrote the result.
	CompletedAt time.Time `msgpack:"completed_at" json:"completed_at" yaml:"completed_at"`
}

// ResultFromPacket builds the result for a converged packet.
func ResultFromPacket(p *Packet, completedAt time.Time) *Result {
	return &Result{
		CollectionID: p.CollectionID,
		Value:        p.Value,
		TotalUnits:   p.TotalUnits,
		CompletedAt:  completedAt.UTC(),
	}
}
