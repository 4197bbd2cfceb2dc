package types

// WorkKind discriminates queue payloads.
type WorkKind string

const (
	// WorkKindMap is a map-stage work item.
	WorkKindMap WorkKind = "map"
	// WorkKindReduce is a reduce-stage work item.
	WorkKindReduce WorkKind = "reduce"
)

// MapWorkItem references one packet waiting for its transform.
type MapWorkItem struct {
	// Type is always "map".
	Type             WorkKind `msgpack:"type" json:"type"`
	CollectionID     string   `msgpack:"collection_id" json:"collection_id"`
	PacketID         string   `msgpack:"packet_id" json:"packet_id"`
	Value            float64  `msgpack:"value" json:"value"`
	TotalUnits       int64    `msgpack:"total_units" json:"total_units"`
	UnitsRepresented int64    `msgpack:"units_represented" json:"units_represented"`
}

// Packet returns the packet this item describes, carrying the given value.
func (m *MapWorkItem) Packet(value float64) *Packet {
	return &Packet{
		CollectionID:     m.CollectionID,
		PacketID:         m.PacketID,
		Value:            value,
		UnitsRepresented: m.UnitsRepresented,
		TotalUnits:       m.TotalUnits,
	}
}

// ReduceWorkItem is a routing signal: reduce one more step of a collection.
type ReduceWorkItem struct {
	// Type is always "reduce".
	Type         WorkKind `msgpack:"type" json:"type"`
	CollectionID string   `msgpack:"collection_id" json:"collection_id"`
}
