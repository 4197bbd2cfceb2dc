package pipeline

import (
	"context"
	"errors"
	"math"
	"slices"
	"testing"

	"github.com/pithecene-io/sluice/queue"
	"github.com/pithecene-io/sluice/wire"
)

func TestParsePayload(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    []float64
		wantErr bool
	}{
		{name: "array", payload: `[1, 2.5, -3]`, want: []float64{1, 2.5, -3}},
		{name: "object", payload: `{"values": [4, 5]}`, want: []float64{4, 5}},
		{name: "exponent", payload: `[1e3]`, want: []float64{1000}},
		{name: "surrounding whitespace", payload: "\n [7] \n", want: []float64{7}},
		{name: "empty array", payload: `[]`, want: []float64{}},
		{name: "empty body", payload: ``, wantErr: true},
		{name: "whitespace body", payload: `   `, wantErr: true},
		{name: "truncated", payload: `[1, 2`, wantErr: true},
		{name: "string element", payload: `[1, "2"]`, wantErr: true},
		{name: "null element", payload: `[1, null]`, wantErr: true},
		{name: "nested array", payload: `[[1]]`, wantErr: true},
		{name: "bool element", payload: `[true]`, wantErr: true},
		{name: "scalar", payload: `42`, wantErr: true},
		{name: "null", payload: `null`, wantErr: true},
		{name: "object without values", payload: `{"items": [1]}`, wantErr: true},
		{name: "values not array", payload: `{"values": 3}`, wantErr: true},
		{name: "trailing data", payload: `[1] [2]`, wantErr: true},
		{name: "out of range", payload: `[1e400]`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePayload([]byte(tt.payload))
			if tt.wantErr {
				var ve *ValidationError
				if !errors.As(err, &ve) {
					t.Fatalf("expected ValidationError, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParsePayload: %v", err)
			}
			if !slices.Equal(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIngest_MapItems(t *testing.T) {
	h := newHarness(t, "identity", "sum")

	cid, err := h.ingress.Ingest(t.Context(), []byte(`{"values": [10, 20, 30]}`))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	_, items := h.receiveMap(t)
	if len(items) != 3 {
		t.Fatalf("items = %d, want 3", len(items))
	}
	seen := make(map[string]bool)
	for i, item := range items {
		if item.CollectionID != cid {
			t.Errorf("item %d collection = %s, want %s", i, item.CollectionID, cid)
		}
		if item.UnitsRepresented != 1 || item.TotalUnits != 3 {
			t.Errorf("item %d units = %d/%d, want 1/3", i, item.UnitsRepresented, item.TotalUnits)
		}
		if item.Value != float64(10*(i+1)) {
			t.Errorf("item %d value = %v", i, item.Value)
		}
		if seen[item.PacketID] {
			t.Errorf("duplicate packet id %s", item.PacketID)
		}
		seen[item.PacketID] = true
	}

	if s := h.metrics.Snapshot(); s.CollectionsIngested != 1 || s.ElementsIngested != 3 {
		t.Errorf("metrics = %+v", s)
	}
}

func TestIngest_Limits(t *testing.T) {
	h := newHarness(t, "identity", "sum")
	h.ingress.MaxCollection = 3

	if _, err := h.ingress.IngestValues(t.Context(), []float64{1, 2, 3, 4}); !IsValidation(err) {
		t.Errorf("oversized collection: %v, want ValidationError", err)
	}
	if _, err := h.ingress.IngestValues(t.Context(), []float64{1, math.NaN()}); !IsValidation(err) {
		t.Errorf("NaN element: %v, want ValidationError", err)
	}
	if _, err := h.ingress.IngestValues(t.Context(), []float64{math.Inf(-1)}); !IsValidation(err) {
		t.Errorf("Inf element: %v, want ValidationError", err)
	}
	if d := depth(t, h.mapQ); d.Ready != 0 {
		t.Errorf("rejected collections enqueued %d items", d.Ready)
	}
}

// flakyQueue fails every Send after the first n.
type flakyQueue struct {
	queue.Queue
	n int
}

func (q *flakyQueue) Send(ctx context.Context, body []byte) (string, error) {
	if q.n <= 0 {
		return "", errors.New("connection reset")
	}
	q.n--
	return q.Queue.Send(ctx, body)
}

func TestIngest_PartialSendIsTransient(t *testing.T) {
	h := newHarness(t, "identity", "sum")
	h.ingress.MapQueue = &flakyQueue{Queue: h.mapQ, n: 2}

	cid, err := h.ingress.IngestValues(t.Context(), []float64{1, 2, 3, 4})
	if !IsTransient(err) {
		t.Fatalf("expected TransientError, got %v", err)
	}
	var te *TransientError
	if !errors.As(err, &te) || te.CollectionID != cid || cid == "" {
		t.Errorf("transient error should carry the collection id, got %+v", te)
	}
	if d := depth(t, h.mapQ); d.Ready != 2 {
		t.Errorf("map queue ready = %d, want 2", d.Ready)
	}
	if s := h.metrics.Snapshot(); s.CollectionsIngested != 0 {
		t.Errorf("partial collection counted as ingested")
	}
}

func TestMapper_ReduceSignalPerCollection(t *testing.T) {
	h := newHarness(t, "identity", "sum")
	ctx := t.Context()

	a, _ := h.ingress.IngestValues(ctx, []float64{1, 2, 3})
	b, _ := h.ingress.IngestValues(ctx, []float64{4, 5})

	_, items := h.receiveMap(t)
	if err := h.mapper.HandleBatch(ctx, items); err != nil {
		t.Fatalf("HandleBatch: %v", err)
	}

	deliveries, err := h.reduceQ.Receive(ctx, 10)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	var got []string
	for _, d := range deliveries {
		item, err := wire.DecodeReduceItem(d.Message.Body)
		if err != nil {
			t.Fatalf("DecodeReduceItem: %v", err)
		}
		got = append(got, item.CollectionID)
	}
	if !slices.Equal(got, []string{a, b}) {
		t.Errorf("reduce signals = %v, want [%s %s]", got, a, b)
	}
}

func TestMapper_BatchErrorListsOnlyFailures(t *testing.T) {
	h := newHarness(t, "sqrt", "sum")
	ctx := t.Context()

	cid, _ := h.ingress.IngestValues(ctx, []float64{4, -4, 9, -9})
	_, items := h.receiveMap(t)

	err := h.mapper.HandleBatch(ctx, items)
	var be *BatchError
	if !errors.As(err, &be) {
		t.Fatalf("expected BatchError, got %v", err)
	}
	failed := be.FailedIndexes()
	if len(failed) != 2 {
		t.Fatalf("failed = %v, want 2 entries", failed)
	}
	if _, ok := failed[1]; !ok {
		t.Error("index 1 should have failed")
	}
	if _, ok := failed[3]; !ok {
		t.Error("index 3 should have failed")
	}
	if n, _ := h.store.Count(ctx, cid); n != 2 {
		t.Errorf("committed packets = %d, want 2", n)
	}
	if d := depth(t, h.reduceQ); d.Ready != 1 {
		t.Errorf("reduce signals = %d, want 1", d.Ready)
	}
}

func TestMapper_StoreFailureIsTransient(t *testing.T) {
	h := newHarness(t, "identity", "sum")
	ctx := t.Context()

	_, _ = h.ingress.IngestValues(ctx, []float64{1})
	_, items := h.receiveMap(t)

	if err := h.store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	err := h.mapper.HandleBatch(ctx, items)
	if !IsTransient(err) {
		t.Errorf("expected TransientError, got %v", err)
	}
	if d := depth(t, h.reduceQ); d.Ready != 0 {
		t.Errorf("failed batch must not signal reduce, got %d", d.Ready)
	}
}

func TestCollectionStatus(t *testing.T) {
	h := newHarness(t, "identity", "sum")
	ctx := t.Context()

	cid, _ := h.ingress.IngestValues(ctx, []float64{1, 2, 3})
	h.runMap(t, 10)

	st, err := CollectionStatus(ctx, h.store, h.results, cid)
	if err != nil {
		t.Fatalf("CollectionStatus: %v", err)
	}
	if st.State != StatePending || st.LivePackets != 3 || st.Result != nil {
		t.Errorf("before reduce: %+v", st)
	}

	h.runReduce(t)
	st, err = CollectionStatus(ctx, h.store, h.results, cid)
	if err != nil {
		t.Fatalf("CollectionStatus: %v", err)
	}
	if st.State != StateConverged || st.LivePackets != 1 || st.Result == nil || st.Result.Value != 6 {
		t.Errorf("after reduce: %+v", st)
	}

	if _, err := CollectionStatus(ctx, h.store, h.results, "../etc"); !IsValidation(err) {
		t.Errorf("path-like id: %v, want ValidationError", err)
	}
}
