package wire

import (
	"errors"
	"testing"

	"github.com/pithecene-io/sluice/types"
)

func TestMapItem_RoundTrip(t *testing.T) {
	item := &types.MapWorkItem{
		CollectionID:     "c-1",
		PacketID:         "p-1",
		Value:            2.5,
		TotalUnits:       5,
		UnitsRepresented: 1,
	}

	payload, err := EncodeMapItem(item)
	if err != nil {
		t.Fatalf("EncodeMapItem: %v", err)
	}

	kind, err := PeekKind(payload)
	if err != nil {
		t.Fatalf("PeekKind: %v", err)
	}
	if kind != types.WorkKindMap {
		t.Errorf("kind = %q, want map", kind)
	}

	decoded, err := DecodeMapItem(payload)
	if err != nil {
		t.Fatalf("DecodeMapItem: %v", err)
	}
	if *decoded != *item {
		t.Errorf("decoded = %+v, want %+v", decoded, item)
	}
}

func TestReduceItem_RoundTrip(t *testing.T) {
	payload, err := EncodeReduceItem(&types.ReduceWorkItem{CollectionID: "c-9"})
	if err != nil {
		t.Fatalf("EncodeReduceItem: %v", err)
	}
	decoded, err := DecodeReduceItem(payload)
	if err != nil {
		t.Fatalf("DecodeReduceItem: %v", err)
	}
	if decoded.CollectionID != "c-9" || decoded.Type != types.WorkKindReduce {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestDecode_WrongKind(t *testing.T) {
	payload, _ := EncodeReduceItem(&types.ReduceWorkItem{CollectionID: "c-1"})

	_, err := DecodeMapItem(payload)
	if !IsDecodeError(err) {
		t.Fatalf("expected decode error, got %v", err)
	}
}

func TestDecode_InvalidItems(t *testing.T) {
	tests := []struct {
		name string
		item types.MapWorkItem
	}{
		{"missing collection", types.MapWorkItem{PacketID: "p", UnitsRepresented: 1, TotalUnits: 1}},
		{"zero units", types.MapWorkItem{CollectionID: "c", PacketID: "p", TotalUnits: 1}},
		{"total below units", types.MapWorkItem{CollectionID: "c", PacketID: "p", UnitsRepresented: 2, TotalUnits: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := EncodeMapItem(&tt.item)
			if err != nil {
				t.Fatalf("EncodeMapItem: %v", err)
			}
			if _, err := DecodeMapItem(payload); !IsDecodeError(err) {
				t.Errorf("expected decode error, got %v", err)
			}
		})
	}

	payload, _ := Marshal(&types.ReduceWorkItem{Type: types.WorkKindReduce, CollectionID: "../x"})
	if _, err := DecodeReduceItem(payload); !IsDecodeError(err) {
		t.Errorf("expected decode error for path-like collection id, got %v", err)
	}
}

func TestDecode_Garbage(t *testing.T) {
	_, err := PeekKind([]byte{0xc1, 0x00})
	if err == nil {
		t.Fatal("expected error for garbage payload")
	}
	var frameErr *FrameError
	if !errors.As(err, &frameErr) || frameErr.Kind != FrameErrorDecode {
		t.Errorf("expected FrameErrorDecode, got %v", err)
	}
	if frameErr.IsFatal() {
		t.Error("decode errors must not be fatal to the stream")
	}
}
