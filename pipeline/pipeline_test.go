package pipeline

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"slices"
	"testing"
	"time"

	"github.com/pithecene-io/sluice/adapter"
	"github.com/pithecene-io/sluice/fold"
	"github.com/pithecene-io/sluice/results"
	"github.com/pithecene-io/sluice/store"
	"github.com/pithecene-io/sluice/types"
)

func TestPipeline_DoubleSum(t *testing.T) {
	h := newHarness(t, "double", "sum")

	cid, err := h.ingress.IngestValues(t.Context(), []float64{1, 2, 3, 4, 5})
	if err != nil {
		t.Fatalf("IngestValues: %v", err)
	}
	if got := depth(t, h.mapQ).Ready; got != 5 {
		t.Fatalf("map queue ready = %d, want 5", got)
	}

	h.runMap(t, 2)

	var values []float64
	for _, p := range h.livePackets(t, cid) {
		if p.UnitsRepresented != 1 || p.TotalUnits != 5 {
			t.Errorf("packet %s units = %d/%d, want 1/5", p.PacketID, p.UnitsRepresented, p.TotalUnits)
		}
		values = append(values, p.Value)
	}
	slices.Sort(values)
	if !slices.Equal(values, []float64{2, 4, 6, 8, 10}) {
		t.Fatalf("mapped values = %v, want [2 4 6 8 10]", values)
	}

	h.runReduce(t)

	res := h.result(t, cid)
	if res.Value != 30 || res.TotalUnits != 5 || res.Empty {
		t.Errorf("result = %+v, want value 30 over 5 units", res)
	}
	if !res.CompletedAt.Equal(fixedNow) {
		t.Errorf("completed_at = %v", res.CompletedAt)
	}

	live := h.livePackets(t, cid)
	if len(live) != 1 || !live[0].Converged() {
		t.Errorf("expected one converged packet left, got %+v", live)
	}

	s := h.metrics.Snapshot()
	if s.Merges != 4 {
		t.Errorf("merges = %d, want N-1 = 4", s.Merges)
	}
	if s.ResultsWritten != 1 {
		t.Errorf("results written = %d, want 1", s.ResultsWritten)
	}

	events := h.notifier.Published()
	if len(events) != 1 || events[0].CollectionID != cid || events[0].Value != 30 {
		t.Errorf("notifications = %+v", events)
	}
}

func TestPipeline_MatchesSequentialFold(t *testing.T) {
	// Values stay small so every aggregate is exact in float64 and the
	// merge order cannot change the result.
	tests := []struct {
		transform, merge string
		maxValue         int
	}{
		{"identity", "sum", 9},
		{"square", "sum", 9},
		{"identity", "product", 2},
		{"negate", "max", 9},
		{"double", "min", 9},
	}
	for _, tt := range tests {
		t.Run(tt.transform+"_"+tt.merge, func(t *testing.T) {
			h := newHarness(t, tt.transform, tt.merge)
			rng := rand.New(rand.NewPCG(7, 11))

			values := make([]float64, 37)
			for i := range values {
				values[i] = float64(rng.IntN(tt.maxValue) + 1)
			}

			cid, err := h.ingress.IngestValues(t.Context(), values)
			if err != nil {
				t.Fatalf("IngestValues: %v", err)
			}
			h.drain(t)

			tf, _ := fold.LookupTransform(tt.transform)
			mf, _ := fold.LookupMerge(tt.merge)
			want, _, err := fold.Fold(values, tf, mf)
			if err != nil {
				t.Fatalf("Fold: %v", err)
			}
			if got := h.result(t, cid).Value; got != want {
				t.Errorf("pipeline = %v, sequential fold = %v", got, want)
			}
			if got := h.metrics.Snapshot().Merges; got != int64(len(values)-1) {
				t.Errorf("merges = %d, want %d", got, len(values)-1)
			}
		})
	}
}

func TestPipeline_SingleElement(t *testing.T) {
	h := newHarness(t, "square", "sum")

	cid, err := h.ingress.IngestValues(t.Context(), []float64{7})
	if err != nil {
		t.Fatalf("IngestValues: %v", err)
	}
	h.runMap(t, 10)
	outcomes := h.runReduce(t)

	if !slices.Equal(outcomes, []Outcome{OutcomeConverged}) {
		t.Errorf("outcomes = %v", outcomes)
	}
	if res := h.result(t, cid); res.Value != 49 || res.TotalUnits != 1 {
		t.Errorf("result = %+v", res)
	}
	if got := h.metrics.Snapshot().Merges; got != 0 {
		t.Errorf("merges = %d, want 0", got)
	}
}

func TestPipeline_EmptyCollection(t *testing.T) {
	tests := []struct {
		merge string
		want  float64
	}{
		{"sum", 0},
		{"product", 1},
		{"max", 0},
	}
	for _, tt := range tests {
		t.Run(tt.merge, func(t *testing.T) {
			h := newHarness(t, "double", tt.merge)

			cid, err := h.ingress.Ingest(t.Context(), []byte(`[]`))
			if err != nil {
				t.Fatalf("Ingest: %v", err)
			}
			if cid == "" {
				t.Fatal("empty collection should still get an id")
			}
			if d := depth(t, h.mapQ); d.Ready != 0 {
				t.Errorf("empty collection enqueued %d items", d.Ready)
			}

			res := h.result(t, cid)
			if !res.Empty || res.TotalUnits != 0 || res.Value != tt.want {
				t.Errorf("result = %+v, want empty with value %v", res, tt.want)
			}
		})
	}
}

func TestPipeline_MalformedPayloadSendsNothing(t *testing.T) {
	h := newHarness(t, "double", "sum")

	for _, payload := range []string{"", "[1, 2", `["a"]`, `{"vals":[1]}`} {
		_, err := h.ingress.Ingest(t.Context(), []byte(payload))
		if !IsValidation(err) {
			t.Errorf("Ingest(%q) = %v, want ValidationError", payload, err)
		}
	}

	if d := depth(t, h.mapQ); d.Ready != 0 {
		t.Errorf("map queue ready = %d after rejected payloads", d.Ready)
	}
	if got := h.metrics.Snapshot().IngestRejected; got != 4 {
		t.Errorf("rejected = %d, want 4", got)
	}
}

func TestPipeline_ReingestMintsNewID(t *testing.T) {
	h := newHarness(t, "identity", "sum")

	first, err := h.ingress.IngestValues(t.Context(), []float64{1, 2})
	if err != nil {
		t.Fatalf("IngestValues: %v", err)
	}
	second, err := h.ingress.IngestValues(t.Context(), []float64{1, 2})
	if err != nil {
		t.Fatalf("IngestValues: %v", err)
	}
	if first == second {
		t.Fatal("re-ingest reused the collection id")
	}

	h.drain(t)
	if h.result(t, first).Value != 3 || h.result(t, second).Value != 3 {
		t.Error("both collections should converge independently")
	}
}

func TestPipeline_ConcurrentCollectionsIsolated(t *testing.T) {
	h := newHarness(t, "identity", "sum")

	ids := make(map[string]float64)
	for n := 1; n <= 6; n++ {
		values := make([]float64, n)
		var want float64
		for i := range values {
			values[i] = float64(n * 10)
			want += values[i]
		}
		cid, err := h.ingress.IngestValues(t.Context(), values)
		if err != nil {
			t.Fatalf("IngestValues: %v", err)
		}
		ids[cid] = want
	}

	h.drain(t)
	for cid, want := range ids {
		if got := h.result(t, cid).Value; got != want {
			t.Errorf("collection %s = %v, want %v", cid, got, want)
		}
	}
}

func TestPipeline_MapRedeliveryIsIdempotent(t *testing.T) {
	h := newHarness(t, "double", "sum")
	ctx := t.Context()

	cid, err := h.ingress.IngestValues(ctx, []float64{1, 2, 3})
	if err != nil {
		t.Fatalf("IngestValues: %v", err)
	}

	_, items := h.receiveMap(t)
	for range 3 {
		if err := h.mapper.HandleBatch(ctx, items); err != nil {
			t.Fatalf("HandleBatch: %v", err)
		}
	}
	if n, _ := h.store.Count(ctx, cid); n != 3 {
		t.Fatalf("live packets = %d after redelivery, want 3", n)
	}

	h.runReduce(t)
	if got := h.result(t, cid).Value; got != 12 {
		t.Fatalf("result = %v, want 12", got)
	}

	// Late redelivery after the merges must not resurrect consumed packets.
	if err := h.mapper.HandleBatch(ctx, items); err != nil {
		t.Fatalf("late HandleBatch: %v", err)
	}
	outcomes := h.runReduce(t)
	for _, o := range outcomes {
		if o != OutcomeAlreadyConverged {
			t.Errorf("late reduce outcome = %s, want already_converged", o)
		}
	}
	live := h.livePackets(t, cid)
	if len(live) != 1 || live[0].Value != 12 {
		t.Errorf("live packets after late redelivery = %+v", live)
	}
	if got := len(h.notifier.Published()); got != 1 {
		t.Errorf("notifications = %d, want exactly 1", got)
	}
}

func TestPipeline_ReduceRedeliveryIsNoOpSafe(t *testing.T) {
	h := newHarness(t, "identity", "sum")
	ctx := t.Context()

	cid, err := h.ingress.IngestValues(ctx, []float64{4, 5})
	if err != nil {
		t.Fatalf("IngestValues: %v", err)
	}
	h.drain(t)

	for range 3 {
		outcome, err := h.reducer.Reduce(ctx, cid)
		if err != nil {
			t.Fatalf("Reduce: %v", err)
		}
		if outcome != OutcomeAlreadyConverged {
			t.Errorf("outcome = %s, want already_converged", outcome)
		}
	}

	outcome, err := h.reducer.Reduce(ctx, "never-ingested")
	if err != nil {
		t.Fatalf("Reduce unknown: %v", err)
	}
	if outcome != OutcomeNoOp {
		t.Errorf("unknown collection outcome = %s, want noop", outcome)
	}
	if h.result(t, cid).Value != 9 {
		t.Error("result changed after redundant reduces")
	}
}

func TestPipeline_PoisonElementIsolated(t *testing.T) {
	h := newHarness(t, "sqrt", "sum")
	ctx := t.Context()

	good, err := h.ingress.IngestValues(ctx, []float64{4, 9})
	if err != nil {
		t.Fatalf("IngestValues: %v", err)
	}
	bad, err := h.ingress.IngestValues(ctx, []float64{16, -1})
	if err != nil {
		t.Fatalf("IngestValues: %v", err)
	}

	// Three receive budgets exhaust the poison element.
	for range 3 {
		h.runMap(t, 10)
	}
	h.runReduce(t)

	if got := h.result(t, good).Value; got != 5 {
		t.Errorf("good collection = %v, want 5", got)
	}
	if _, err := h.results.Get(ctx, bad); err == nil {
		t.Error("poisoned collection must not converge")
	}
	if d := depth(t, h.mapQ); d.Dead != 1 {
		t.Errorf("dead letters = %d, want 1", d.Dead)
	}
	if n, _ := h.store.Count(ctx, bad); n != 1 {
		t.Errorf("poisoned collection live packets = %d, want 1", n)
	}
}

func TestReduce_Outcomes(t *testing.T) {
	ctx := t.Context()
	h := newHarness(t, "identity", "sum")

	partial := &types.Packet{CollectionID: "c1", PacketID: "p1", Value: 3, UnitsRepresented: 1, TotalUnits: 3}
	if err := h.store.Upsert(ctx, partial); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if got, _ := h.reducer.Reduce(ctx, "c1"); got != OutcomeWaiting {
		t.Errorf("single partial packet = %s, want waiting", got)
	}
	if d := depth(t, h.reduceQ); d.Ready != 0 {
		t.Errorf("waiting must not re-signal, got %d ready", d.Ready)
	}

	second := &types.Packet{CollectionID: "c1", PacketID: "p2", Value: 4, UnitsRepresented: 1, TotalUnits: 3}
	if err := h.store.Upsert(ctx, second); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if got, _ := h.reducer.Reduce(ctx, "c1"); got != OutcomeMerged {
		t.Errorf("two partial packets = %s, want merged", got)
	}
	if d := depth(t, h.reduceQ); d.Ready != 1 {
		t.Errorf("merge must re-signal once, got %d ready", d.Ready)
	}
	if got, _ := h.reducer.Reduce(ctx, "c1"); got != OutcomeWaiting {
		t.Errorf("merged 2/3 packet = %s, want waiting", got)
	}
}

func TestReduce_TotalUnitsMismatch(t *testing.T) {
	ctx := t.Context()
	h := newHarness(t, "identity", "sum")

	_ = h.store.Upsert(ctx, &types.Packet{CollectionID: "c1", PacketID: "p1", Value: 1, UnitsRepresented: 1, TotalUnits: 2})
	_ = h.store.Upsert(ctx, &types.Packet{CollectionID: "c1", PacketID: "p2", Value: 1, UnitsRepresented: 1, TotalUnits: 3})

	if _, err := h.reducer.Reduce(ctx, "c1"); err == nil {
		t.Fatal("expected error for inconsistent total units")
	}
	if n, _ := h.store.Count(ctx, "c1"); n != 2 {
		t.Errorf("inconsistent packets must be left alone, got %d live", n)
	}
}

// conflictStore loses the first n swaps to a phantom competitor.
type conflictStore struct {
	store.PacketStore
	conflicts int
}

func (s *conflictStore) Swap(ctx context.Context, merged *types.Packet, consumed ...string) error {
	if s.conflicts > 0 {
		s.conflicts--
		return store.NewStorageError(store.ErrConflict, "swap", merged.CollectionID, nil)
	}
	return s.PacketStore.Swap(ctx, merged, consumed...)
}

func TestReduce_ConflictRetries(t *testing.T) {
	ctx := t.Context()
	h := newHarness(t, "identity", "sum")
	cs := &conflictStore{PacketStore: h.store, conflicts: 2}
	h.reducer.Store = cs
	h.reducer.MaxConflictRetries = 3

	_ = h.store.Upsert(ctx, &types.Packet{CollectionID: "c1", PacketID: "p1", Value: 1, UnitsRepresented: 1, TotalUnits: 2})
	_ = h.store.Upsert(ctx, &types.Packet{CollectionID: "c1", PacketID: "p2", Value: 2, UnitsRepresented: 1, TotalUnits: 2})

	outcome, err := h.reducer.Reduce(ctx, "c1")
	if err != nil {
		t.Fatalf("Reduce: %v", err)
	}
	if outcome != OutcomeConverged {
		t.Errorf("outcome = %s, want converged after retries", outcome)
	}
	if got := h.metrics.Snapshot().Conflicts; got != 2 {
		t.Errorf("conflicts = %d, want 2", got)
	}
}

func TestReduce_ConflictsExhaustedRequeues(t *testing.T) {
	ctx := t.Context()
	h := newHarness(t, "identity", "sum")
	h.reducer.Store = &conflictStore{PacketStore: h.store, conflicts: 100}
	h.reducer.MaxConflictRetries = 2

	_ = h.store.Upsert(ctx, &types.Packet{CollectionID: "c1", PacketID: "p1", Value: 1, UnitsRepresented: 1, TotalUnits: 2})
	_ = h.store.Upsert(ctx, &types.Packet{CollectionID: "c1", PacketID: "p2", Value: 2, UnitsRepresented: 1, TotalUnits: 2})

	outcome, err := h.reducer.Reduce(ctx, "c1")
	if err != nil {
		t.Fatalf("Reduce: %v", err)
	}
	if outcome != OutcomeRequeued {
		t.Errorf("outcome = %s, want requeued", outcome)
	}
	if d := depth(t, h.reduceQ); d.Ready != 1 {
		t.Errorf("reduce queue ready = %d, want 1", d.Ready)
	}
	if n, _ := h.store.Count(ctx, "c1"); n != 2 {
		t.Errorf("live packets = %d, want 2 untouched", n)
	}
}

func TestReduce_ConcurrentReducersSingleResult(t *testing.T) {
	h := newHarness(t, "identity", "sum")
	ctx := t.Context()

	const n = 64
	values := make([]float64, n)
	for i := range values {
		values[i] = 1
	}
	cid, err := h.ingress.IngestValues(ctx, values)
	if err != nil {
		t.Fatalf("IngestValues: %v", err)
	}
	h.runMap(t, 8)

	errs := make(chan error, 8)
	for range 8 {
		go func() {
			for {
				deliveries, err := h.reduceQ.Receive(ctx, 1)
				if err != nil {
					errs <- err
					return
				}
				if len(deliveries) == 0 {
					errs <- nil
					return
				}
				if _, err := h.reducer.Reduce(ctx, cid); err != nil {
					errs <- err
					return
				}
				if err := h.reduceQ.Ack(ctx, deliveries[0]); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	for range 8 {
		if err := <-errs; err != nil {
			t.Fatalf("reducer: %v", err)
		}
	}
	// Workers may exit while a peer still holds the last signal.
	h.runReduce(t)

	res := h.result(t, cid)
	if res.Value != n {
		t.Errorf("result = %v, want %d", res.Value, n)
	}
	if got := h.metrics.Snapshot().Merges; got != n-1 {
		t.Errorf("merges = %d, want %d", got, n-1)
	}
	if got := len(h.notifier.Published()); got != 1 {
		t.Errorf("notifications = %d, want 1", got)
	}
}

func TestReduce_NotifierFailureKeepsResult(t *testing.T) {
	h := newHarness(t, "identity", "sum")
	h.notifier.Err = errors.New("downstream unavailable")

	cid, err := h.ingress.IngestValues(t.Context(), []float64{2, 3})
	if err != nil {
		t.Fatalf("IngestValues: %v", err)
	}
	h.drain(t)

	if got := h.result(t, cid).Value; got != 5 {
		t.Errorf("result = %v, want 5", got)
	}
}

func TestReduce_NonFiniteMergeRejected(t *testing.T) {
	h := newHarness(t, "identity", "sum")
	ctx := t.Context()

	cid, err := h.ingress.IngestValues(ctx, []float64{1e308, 1e308})
	if err != nil {
		t.Fatalf("IngestValues: %v", err)
	}
	h.runMap(t, 10)

	_, err = h.reducer.Reduce(ctx, cid)
	var me *MergeError
	if !errors.As(err, &me) {
		t.Fatalf("Reduce = %v, want MergeError", err)
	}
	if !math.IsInf(me.Value, 1) || me.CollectionID != cid {
		t.Errorf("MergeError = %+v", me)
	}
	if IsTransient(err) {
		t.Error("non-finite merge must not be reported as transient")
	}
	if n, _ := h.store.Count(ctx, cid); n != 2 {
		t.Errorf("live packets = %d, want both inputs kept", n)
	}
	if _, err := h.results.Get(ctx, cid); !errors.Is(err, results.ErrNotFound) {
		t.Errorf("result written for overflowed collection: %v", err)
	}
	if got := h.metrics.Snapshot().Merges; got != 0 {
		t.Errorf("merges = %d, want 0", got)
	}
}

// blockingNotifier holds every Publish until its context ends.
type blockingNotifier struct {
	adapter.Recorder
	hadDeadline bool
}

func (b *blockingNotifier) Publish(ctx context.Context, _ *adapter.CollectionConvergedEvent) error {
	_, b.hadDeadline = ctx.Deadline()
	<-ctx.Done()
	return ctx.Err()
}

func TestReduce_NotifyTimeoutBoundsPublish(t *testing.T) {
	h := newHarness(t, "identity", "sum")
	bn := &blockingNotifier{}
	h.reducer.Notifier = bn
	h.reducer.NotifyTimeout = 20 * time.Millisecond

	cid, err := h.ingress.IngestValues(t.Context(), []float64{2, 3})
	if err != nil {
		t.Fatalf("IngestValues: %v", err)
	}
	start := time.Now()
	h.drain(t)

	if !bn.hadDeadline {
		t.Error("Publish ran without a deadline")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("drain took %v with a 20ms notify timeout", elapsed)
	}
	if got := h.result(t, cid).Value; got != 5 {
		t.Errorf("result = %v, want 5", got)
	}
}
