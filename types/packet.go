// Package types defines core domain types for the sluice pipeline.
//
//nolint:revive // types is a common Go package naming convention
package types

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Packet is the unit of in-flight work held in the packet store.
//
// Invariant: for a collection whose map stage has finished, the sum of
// UnitsRepresented over all live packets equals TotalUnits.
type Packet struct {
	// CollectionID groups all packets of one ingested collection.
	CollectionID string `msgpack:"collection_id" json:"collection_id"`
	// PacketID is reassigned every time a packet is rewritten by a merge.
	PacketID string `msgpack:"packet_id" json:"packet_id"`
	// Value is the payload being transformed and aggregated.
	Value float64 `msgpack:"value" json:"value"`
	// UnitsRepresented counts the input elements folded into this packet.
	UnitsRepresented int64 `msgpack:"units_represented" json:"units_represented"`
	// TotalUnits is the element count of the original collection.
	TotalUnits int64 `msgpack:"total_units" json:"total_units"`
}

// Converged reports whether the packet represents the whole collection.
func (p *Packet) Converged() bool {
	return p.UnitsRepresented >= p.TotalUnits
}

// Validate checks identity and counter invariants.
func (p *Packet) Validate() error {
	if err := ValidateID("collection_id", p.CollectionID); err != nil {
		return err
	}
	if err := ValidateID("packet_id", p.PacketID); err != nil {
		return err
	}
	if p.UnitsRepresented < 1 {
		return fmt.Errorf("units_represented must be >= 1, got %d", p.UnitsRepresented)
	}
	if p.TotalUnits < p.UnitsRepresented {
		return fmt.Errorf("total_units %d is less than units_represented %d", p.TotalUnits, p.UnitsRepresented)
	}
	return nil
}

// NewCollectionID mints a collection identifier.
func NewCollectionID() string {
	return uuid.NewString()
}

// NewPacketID mints a packet identifier.
func NewPacketID() string {
	return uuid.NewString()
}

// maxIDLength bounds identifiers so they stay usable as storage keys.
const maxIDLength = 128

// ValidateID rejects empty, oversized, or path-like identifiers.
// Identifiers end up in Redis keys, bolt bucket names and object paths.
func ValidateID(field, id string) error {
	if id == "" {
		return fmt.Errorf("%s must be non-empty", field)
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("%s exceeds %d bytes", field, maxIDLength)
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
		default:
			return fmt.Errorf("%s contains invalid character %q", field, c)
		}
	}
	if id == "." || id == ".." {
		return errors.New(field + " must not be a path element")
	}
	return nil
}
