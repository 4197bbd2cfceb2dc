// Package storetest is a behavioral test suite shared by PacketStore backends.
package storetest

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/pithecene-io/sluice/store"
	"github.com/pithecene-io/sluice/types"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) store.PacketStore

// Run exercises every PacketStore contract against the factory.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	cases := []struct {
		name string
		fn   func(t *testing.T, s store.PacketStore)
	}{
		{"UpsertGet", testUpsertGet},
		{"UpsertIdempotent", testUpsertIdempotent},
		{"GetMissing", testGetMissing},
		{"ListBounded", testListBounded},
		{"CollectionsIsolated", testCollectionsIsolated},
		{"SwapReplaces", testSwapReplaces},
		{"SwapConflict", testSwapConflict},
		{"UpsertAfterSwapIgnored", testUpsertAfterSwapIgnored},
		{"DeleteIdempotent", testDeleteIdempotent},
		{"PurgeDropsCollection", testPurge},
		{"ConcurrentSwapSingleWinner", testConcurrentSwap},
		{"Closed", testClosed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newStore(t)
			tc.fn(t, s)
			_ = s.Close()
		})
	}
}

// Packet builds a single-unit packet for tests.
func Packet(cid, pid string, value float64, total int64) *types.Packet {
	return &types.Packet{
		CollectionID:     cid,
		PacketID:         pid,
		Value:            value,
		UnitsRepresented: 1,
		TotalUnits:       total,
	}
}

func mustUpsert(t *testing.T, s store.PacketStore, p *types.Packet) {
	t.Helper()
	if err := s.Upsert(t.Context(), p); err != nil {
		t.Fatalf("Upsert(%s): %v", p.PacketID, err)
	}
}

func assertCount(t *testing.T, s store.PacketStore, cid string, want int64) {
	t.Helper()
	got, err := s.Count(t.Context(), cid)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if got != want {
		t.Errorf("Count(%s) = %d, want %d", cid, got, want)
	}
}

func testUpsertGet(t *testing.T, s store.PacketStore) {
	p := Packet("c1", "p1", 4, 3)
	mustUpsert(t, s, p)

	got, err := s.Get(t.Context(), "c1", "p1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if *got != *p {
		t.Errorf("Get = %+v, want %+v", got, p)
	}
}

func testUpsertIdempotent(t *testing.T, s store.PacketStore) {
	p := Packet("c1", "p1", 4, 3)
	mustUpsert(t, s, p)
	mustUpsert(t, s, p)
	mustUpsert(t, s, p)

	assertCount(t, s, "c1", 1)
}

func testGetMissing(t *testing.T, s store.PacketStore) {
	_, err := s.Get(t.Context(), "c1", "nope")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Get missing = %v, want ErrNotFound", err)
	}
}

func testListBounded(t *testing.T, s store.PacketStore) {
	for i := range 5 {
		mustUpsert(t, s, Packet("c1", fmt.Sprintf("p%d", i), float64(i), 5))
	}

	two, err := s.List(t.Context(), "c1", 2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(two) != 2 {
		t.Errorf("List(2) returned %d packets", len(two))
	}
	if two[0].PacketID == two[1].PacketID {
		t.Error("List returned the same packet twice")
	}

	all, err := s.List(t.Context(), "c1", 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 5 {
		t.Errorf("List(10) returned %d packets, want 5", len(all))
	}

	none, err := s.List(t.Context(), "empty", 2)
	if err != nil {
		t.Fatalf("List empty: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("List of unknown collection returned %d packets", len(none))
	}
}

func testCollectionsIsolated(t *testing.T, s store.PacketStore) {
	mustUpsert(t, s, Packet("a", "p1", 1, 1))
	mustUpsert(t, s, Packet("b", "p1", 2, 1))

	got, err := s.Get(t.Context(), "b", "p1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Value != 2 {
		t.Errorf("collection b value = %v, want 2", got.Value)
	}
	assertCount(t, s, "a", 1)
	assertCount(t, s, "b", 1)
}

func testSwapReplaces(t *testing.T, s store.PacketStore) {
	mustUpsert(t, s, Packet("c1", "a", 2, 3))
	mustUpsert(t, s, Packet("c1", "b", 4, 3))
	mustUpsert(t, s, Packet("c1", "c", 6, 3))

	merged := &types.Packet{CollectionID: "c1", PacketID: "m", Value: 6, UnitsRepresented: 2, TotalUnits: 3}
	if err := s.Swap(t.Context(), merged, "a", "b"); err != nil {
		t.Fatalf("Swap: %v", err)
	}

	assertCount(t, s, "c1", 2)
	if _, err := s.Get(t.Context(), "c1", "a"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("consumed packet a still live: %v", err)
	}
	got, err := s.Get(t.Context(), "c1", "m")
	if err != nil {
		t.Fatalf("Get merged: %v", err)
	}
	if got.UnitsRepresented != 2 || got.Value != 6 {
		t.Errorf("merged = %+v", got)
	}
}

func testSwapConflict(t *testing.T, s store.PacketStore) {
	mustUpsert(t, s, Packet("c1", "a", 2, 2))

	merged := &types.Packet{CollectionID: "c1", PacketID: "m", Value: 6, UnitsRepresented: 2, TotalUnits: 2}
	err := s.Swap(t.Context(), merged, "a", "gone")
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("Swap with missing consumed = %v, want ErrConflict", err)
	}

	if _, err := s.Get(t.Context(), "c1", "m"); !errors.Is(err, store.ErrNotFound) {
		t.Error("merged packet written despite conflict")
	}
	if _, err := s.Get(t.Context(), "c1", "a"); err != nil {
		t.Errorf("packet a removed despite conflict: %v", err)
	}
}

func testUpsertAfterSwapIgnored(t *testing.T, s store.PacketStore) {
	a := Packet("c1", "a", 2, 2)
	mustUpsert(t, s, a)
	mustUpsert(t, s, Packet("c1", "b", 4, 2))

	merged := &types.Packet{CollectionID: "c1", PacketID: "m", Value: 6, UnitsRepresented: 2, TotalUnits: 2}
	if err := s.Swap(t.Context(), merged, "a", "b"); err != nil {
		t.Fatalf("Swap: %v", err)
	}

	// Redelivered map item for a consumed packet.
	mustUpsert(t, s, a)

	assertCount(t, s, "c1", 1)
	if _, err := s.Get(t.Context(), "c1", "a"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("consumed packet resurrected: %v", err)
	}
}

func testDeleteIdempotent(t *testing.T, s store.PacketStore) {
	mustUpsert(t, s, Packet("c1", "a", 1, 2))
	mustUpsert(t, s, Packet("c1", "b", 1, 2))

	if err := s.Delete(t.Context(), "c1", "a", "missing"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(t.Context(), "c1", "a"); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	assertCount(t, s, "c1", 1)
}

func testPurge(t *testing.T, s store.PacketStore) {
	a := Packet("c1", "a", 1, 3)
	mustUpsert(t, s, a)
	mustUpsert(t, s, Packet("c1", "b", 1, 3))
	mustUpsert(t, s, Packet("c2", "a", 1, 1))
	if err := s.Delete(t.Context(), "c1", "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if err := s.Purge(t.Context(), "c1"); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if err := s.Purge(t.Context(), "unknown"); err != nil {
		t.Fatalf("Purge unknown collection: %v", err)
	}
	assertCount(t, s, "c1", 0)
	assertCount(t, s, "c2", 1)

	// Tombstones go with the collection.
	mustUpsert(t, s, a)
	assertCount(t, s, "c1", 1)
}

func testConcurrentSwap(t *testing.T, s store.PacketStore) {
	mustUpsert(t, s, Packet("c1", "a", 1, 2))
	mustUpsert(t, s, Packet("c1", "b", 1, 2))

	const racers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			merged := &types.Packet{
				CollectionID: "c1", PacketID: fmt.Sprintf("m%d", i),
				Value: 2, UnitsRepresented: 2, TotalUnits: 2,
			}
			err := s.Swap(t.Context(), merged, "a", "b")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, store.ErrConflict):
				conflicts++
			default:
				t.Errorf("Swap: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 || conflicts != racers-1 {
		t.Errorf("wins=%d conflicts=%d, want 1 and %d", wins, conflicts, racers-1)
	}
	assertCount(t, s, "c1", 1)
}

func testClosed(t *testing.T, s store.PacketStore) {
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Upsert(t.Context(), Packet("c1", "a", 1, 1)); !errors.Is(err, store.ErrClosed) {
		t.Errorf("Upsert after Close = %v, want ErrClosed", err)
	}
}
