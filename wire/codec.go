// Package wire encodes queue payloads as msgpack.
//
// Work items carry a "type" discriminator so a consumer can peek at the kind
// of a payload before decoding it fully.
package wire

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/pithecene-io/sluice/types"
)

// kindProbe is used to peek at the type field without full decode.
type kindProbe struct {
	Type types.WorkKind `msgpack:"type"`
}

// Marshal encodes v as msgpack.
func Marshal(v any) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wire: encode %T: %w", v, err)
	}
	return data, nil
}

// Unmarshal decodes msgpack data into v.
// Failures are returned as *FrameError with Kind=FrameErrorDecode.
func Unmarshal(data []byte, v any) error {
	if err := msgpack.Unmarshal(data, v); err != nil {
		return &FrameError{
			Kind: FrameErrorDecode,
			Msg:  fmt.Sprintf("failed to decode %T", v),
			Err:  err,
		}
	}
	return nil
}

// PeekKind returns the work kind of an encoded work item.
func PeekKind(payload []byte) (types.WorkKind, error) {
	var probe kindProbe
	if err := Unmarshal(payload, &probe); err != nil {
		return "", err
	}
	return probe.Type, nil
}

// EncodeMapItem encodes a map-stage work item, stamping its type.
func EncodeMapItem(item *types.MapWorkItem) ([]byte, error) {
	item.Type = types.WorkKindMap
	return Marshal(item)
}

// DecodeMapItem decodes and validates a map-stage work item.
func DecodeMapItem(payload []byte) (*types.MapWorkItem, error) {
	var item types.MapWorkItem
	if err := Unmarshal(payload, &item); err != nil {
		return nil, err
	}
	if item.Type != types.WorkKindMap {
		return nil, &FrameError{Kind: FrameErrorDecode, Msg: fmt.Sprintf("expected map item, got type %q", item.Type)}
	}
	if err := item.Packet(item.Value).Validate(); err != nil {
		return nil, &FrameError{Kind: FrameErrorDecode, Msg: "invalid map item", Err: err}
	}
	return &item, nil
}

// EncodeReduceItem encodes a reduce-stage work item, stamping its type.
func EncodeReduceItem(item *types.ReduceWorkItem) ([]byte, error) {
	item.Type = types.WorkKindReduce
	return Marshal(item)
}

// DecodeReduceItem decodes and validates a reduce-stage work item.
func DecodeReduceItem(payload []byte) (*types.ReduceWorkItem, error) {
	var item types.ReduceWorkItem
	if err := Unmarshal(payload, &item); err != nil {
		return nil, err
	}
	if item.Type != types.WorkKindReduce {
		return nil, &FrameError{Kind: FrameErrorDecode, Msg: fmt.Sprintf("expected reduce item, got type %q", item.Type)}
	}
	if err := types.ValidateID("collection_id", item.CollectionID); err != nil {
		return nil, &FrameError{Kind: FrameErrorDecode, Msg: "invalid reduce item", Err: err}
	}
	return &item, nil
}
