package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pithecene-io/sluice/fold"
	"github.com/pithecene-io/sluice/metrics"
	"github.com/pithecene-io/sluice/pipeline"
	"github.com/pithecene-io/sluice/queue"
	memqueue "github.com/pithecene-io/sluice/queue/memory"
	"github.com/pithecene-io/sluice/results"
	memstore "github.com/pithecene-io/sluice/store/memory"
	"github.com/pithecene-io/sluice/types"
)

type testEnv struct {
	server  *httptest.Server
	mapQ    *memqueue.Queue
	results *results.MemoryStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	sum, _ := fold.LookupMerge("sum")
	mapQ := memqueue.New(queue.MapQueue, queue.Options{})
	reduceQ := memqueue.New(queue.ReduceQueue, queue.Options{})
	rs := results.NewMemoryStore()
	collector := metrics.NewCollector("memory", "memory")

	srv := New(Config{
		Ingress:      &pipeline.Ingress{MapQueue: mapQ, Results: rs, Merge: sum, Metrics: collector},
		Packets:      memstore.New(),
		Results:      rs,
		Queues:       []queue.Queue{mapQ, reduceQ},
		Metrics:      collector,
		MaxBodyBytes: 1024,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{server: ts, mapQ: mapQ, results: rs}
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	return resp
}

func TestIngest_Accepted(t *testing.T) {
	env := newTestEnv(t)

	resp := post(t, env.server.URL+"/collections", `[1, 2, 3]`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	body := decode[Response](t, resp)
	if body.Status != StatusAccepted || body.CollectionID == "" {
		t.Errorf("body = %+v", body)
	}

	d, _ := env.mapQ.Depth(t.Context())
	if d.Ready != 3 {
		t.Errorf("map queue ready = %d, want 3", d.Ready)
	}
}

func TestIngest_Rejected(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"malformed", `[1,`, http.StatusBadRequest},
		{"non numeric", `["x"]`, http.StatusBadRequest},
		{"empty", ``, http.StatusBadRequest},
		{"too large", "[" + strings.Repeat("1,", 1000) + "1]", http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := post(t, env.server.URL+"/collections", tt.body)
			if resp.StatusCode != tt.code {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.code)
			}
			if body := decode[Response](t, resp); body.Status != StatusError || body.Error == "" {
				t.Errorf("body = %+v", body)
			}
		})
	}

	d, _ := env.mapQ.Depth(t.Context())
	if d.Ready != 0 {
		t.Errorf("rejected payloads enqueued %d items", d.Ready)
	}
}

func TestIngest_QueueDownIsUnavailable(t *testing.T) {
	env := newTestEnv(t)
	if err := env.mapQ.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	resp := post(t, env.server.URL+"/collections", `[1]`)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
	if body := decode[Response](t, resp); body.CollectionID == "" {
		t.Error("503 should carry the partially enqueued collection id")
	}
}

func TestResult_PendingThenComplete(t *testing.T) {
	env := newTestEnv(t)

	resp := get(t, env.server.URL+"/collections/c-1")
	if body := decode[Response](t, resp); body.Status != StatusPending {
		t.Errorf("before result: %+v", body)
	}

	_, err := env.results.PutIfAbsent(t.Context(), &types.Result{
		CollectionID: "c-1",
		Value:        30,
		TotalUnits:   5,
		CompletedAt:  time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("PutIfAbsent: %v", err)
	}

	resp = get(t, env.server.URL+"/collections/c-1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decode[Response](t, resp)
	if body.Status != StatusComplete || body.Result == nil || body.Result.Value != 30 {
		t.Errorf("after result: %+v", body)
	}
}

func TestResult_InvalidID(t *testing.T) {
	env := newTestEnv(t)
	resp := get(t, env.server.URL+"/collections/bad%20id")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	_ = resp.Body.Close()
}

func TestStatusEmptyCollection(t *testing.T) {
	env := newTestEnv(t)

	accepted := decode[Response](t, post(t, env.server.URL+"/collections", `{"values": []}`))
	resp := get(t, env.server.URL+"/collections/"+accepted.CollectionID+"/status")
	st := decode[pipeline.Status](t, resp)
	if st.State != pipeline.StateConverged || st.Result == nil || !st.Result.Empty {
		t.Errorf("status = %+v", st)
	}
}

func TestQueuesStatsHealth(t *testing.T) {
	env := newTestEnv(t)
	_ = decode[Response](t, post(t, env.server.URL+"/collections", `[4, 5]`))

	depths := decode[[]queue.Depth](t, get(t, env.server.URL+"/queues"))
	if len(depths) != 2 || depths[0].Queue != queue.MapQueue || depths[0].Ready != 2 {
		t.Errorf("depths = %+v", depths)
	}

	stats := decode[metrics.Snapshot](t, get(t, env.server.URL+"/stats"))
	if stats.CollectionsIngested != 1 || stats.ElementsIngested != 2 {
		t.Errorf("stats = %+v", stats)
	}

	health := decode[map[string]string](t, get(t, env.server.URL+"/healthz"))
	if health["status"] != StatusOK || health["version"] != types.Version {
		t.Errorf("health = %v", health)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	resp := get(t, env.server.URL+"/collections")
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
	_ = resp.Body.Close()
}

func TestRun_ShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	srv := New(Config{Addr: addr, Metrics: metrics.NewCollector("memory", "memory")})
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err == nil {
			_ = resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server did not start: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
