// Package queuetest is a behavioral test suite shared by Queue backends.
package queuetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pithecene-io/sluice/queue"
)

// Clock is a manually advanced clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Recorder collects dead-lettered messages.
type Recorder struct {
	mu       sync.Mutex
	Messages []*queue.Message
}

// Hook returns a DeadLetterHook appending to the recorder.
func (r *Recorder) Hook() queue.DeadLetterHook {
	return func(_ context.Context, _ string, m *queue.Message) {
		r.mu.Lock()
		r.Messages = append(r.Messages, m)
		r.mu.Unlock()
	}
}

// Len returns the number of recorded messages.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Messages)
}

// Factory returns a fresh, empty queue configured with opts.
type Factory func(t *testing.T, opts queue.Options) queue.Queue

type env struct {
	q     queue.Queue
	clock *Clock
	dlq   *Recorder
}

// Run exercises every Queue contract against the factory.
func Run(t *testing.T, newQueue Factory) {
	t.Helper()

	cases := []struct {
		name string
		fn   func(t *testing.T, e *env)
	}{
		{"SendReceiveAck", testSendReceiveAck},
		{"InFlightHidden", testInFlightHidden},
		{"NackRedelivers", testNackRedelivers},
		{"DeadLetterAfterMaxReceives", testDeadLetter},
		{"LeaseExpiry", testLeaseExpiry},
		{"StaleReceipt", testStaleReceipt},
		{"RedriveAll", testRedriveAll},
		{"RedriveSelected", testRedriveSelected},
		{"ReceiveBatchLimit", testReceiveBatchLimit},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := &env{clock: NewClock(), dlq: &Recorder{}}
			e.q = newQueue(t, queue.Options{
				MaxReceives:       3,
				VisibilityTimeout: 10 * time.Second,
				OnDeadLetter:      e.dlq.Hook(),
				Now:               e.clock.Now,
			})
			defer func() { _ = e.q.Close() }()
			tc.fn(t, e)
		})
	}
}

func mustSend(t *testing.T, q queue.Queue, body string) string {
	t.Helper()
	id, err := q.Send(t.Context(), []byte(body))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	return id
}

func receiveOne(t *testing.T, q queue.Queue) *queue.Delivery {
	t.Helper()
	ds, err := q.Receive(t.Context(), 1)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(ds) != 1 {
		t.Fatalf("Receive returned %d deliveries, want 1", len(ds))
	}
	return ds[0]
}

func assertDepth(t *testing.T, q queue.Queue, ready, inFlight, dead int64) {
	t.Helper()
	d, err := q.Depth(t.Context())
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if d.Ready != ready || d.InFlight != inFlight || d.Dead != dead {
		t.Errorf("Depth = ready %d, in_flight %d, dead %d; want %d, %d, %d",
			d.Ready, d.InFlight, d.Dead, ready, inFlight, dead)
	}
}

func testSendReceiveAck(t *testing.T, e *env) {
	id := mustSend(t, e.q, "hello")

	d := receiveOne(t, e.q)
	if d.Message.ID != id || string(d.Message.Body) != "hello" {
		t.Errorf("delivery = %+v", d.Message)
	}
	if d.Message.Attempt != 1 {
		t.Errorf("Attempt = %d, want 1", d.Message.Attempt)
	}
	if d.Message.EnqueuedAt.IsZero() {
		t.Error("EnqueuedAt not set")
	}

	if err := e.q.Ack(t.Context(), d); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	assertDepth(t, e.q, 0, 0, 0)
}

func testInFlightHidden(t *testing.T, e *env) {
	mustSend(t, e.q, "a")
	receiveOne(t, e.q)

	ds, err := e.q.Receive(t.Context(), 10)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(ds) != 0 {
		t.Errorf("leased message redelivered before timeout: %d", len(ds))
	}
	assertDepth(t, e.q, 0, 1, 0)
}

func testNackRedelivers(t *testing.T, e *env) {
	mustSend(t, e.q, "a")

	d := receiveOne(t, e.q)
	if err := e.q.Nack(t.Context(), d, errors.New("transient")); err != nil {
		t.Fatalf("Nack: %v", err)
	}

	d2 := receiveOne(t, e.q)
	if d2.Message.Attempt != 2 {
		t.Errorf("Attempt = %d, want 2", d2.Message.Attempt)
	}
	if d2.Receipt == d.Receipt {
		t.Error("receipt reused across deliveries")
	}
	if d2.Message.LastError != "transient" {
		t.Errorf("LastError = %q", d2.Message.LastError)
	}
}

func testDeadLetter(t *testing.T, e *env) {
	id := mustSend(t, e.q, "poison")

	for range 3 {
		d := receiveOne(t, e.q)
		if err := e.q.Nack(t.Context(), d, errors.New("bad input")); err != nil {
			t.Fatalf("Nack: %v", err)
		}
	}

	ds, _ := e.q.Receive(t.Context(), 1)
	if len(ds) != 0 {
		t.Fatal("dead-lettered message was redelivered")
	}
	assertDepth(t, e.q, 0, 0, 1)

	dead, err := e.q.DeadLetters(t.Context(), 10)
	if err != nil {
		t.Fatalf("DeadLetters: %v", err)
	}
	if len(dead) != 1 || dead[0].ID != id {
		t.Fatalf("DeadLetters = %+v", dead)
	}
	if dead[0].Attempt != 3 || dead[0].LastError != "bad input" {
		t.Errorf("dead letter = attempt %d, error %q", dead[0].Attempt, dead[0].LastError)
	}
	if e.dlq.Len() != 1 {
		t.Errorf("hook called %d times, want 1", e.dlq.Len())
	}
}

func testLeaseExpiry(t *testing.T, e *env) {
	mustSend(t, e.q, "slow")
	receiveOne(t, e.q)

	e.clock.Advance(11 * time.Second)

	d := receiveOne(t, e.q)
	if d.Message.Attempt != 2 {
		t.Errorf("Attempt = %d, want 2", d.Message.Attempt)
	}
	if d.Message.LastError != queue.CauseLeaseExpired {
		t.Errorf("LastError = %q", d.Message.LastError)
	}

	// A third expiry exhausts the budget.
	e.clock.Advance(11 * time.Second)
	receiveOne(t, e.q)
	e.clock.Advance(11 * time.Second)
	ds, _ := e.q.Receive(t.Context(), 1)
	if len(ds) != 0 {
		t.Fatal("message past its budget was redelivered")
	}
	assertDepth(t, e.q, 0, 0, 1)
	if e.dlq.Len() != 1 {
		t.Errorf("hook called %d times, want 1", e.dlq.Len())
	}
}

func testStaleReceipt(t *testing.T, e *env) {
	mustSend(t, e.q, "a")
	stale := receiveOne(t, e.q)

	e.clock.Advance(11 * time.Second)
	fresh := receiveOne(t, e.q)

	if err := e.q.Ack(t.Context(), stale); !errors.Is(err, queue.ErrUnknownReceipt) {
		t.Errorf("Ack stale = %v, want ErrUnknownReceipt", err)
	}
	if err := e.q.Ack(t.Context(), fresh); err != nil {
		t.Errorf("Ack fresh: %v", err)
	}
	if err := e.q.Ack(t.Context(), fresh); !errors.Is(err, queue.ErrUnknownReceipt) {
		t.Errorf("double Ack = %v, want ErrUnknownReceipt", err)
	}
}

func deadLetterAll(t *testing.T, e *env, n int) []string {
	t.Helper()
	ids := make([]string, n)
	for i := range n {
		ids[i] = mustSend(t, e.q, "x")
	}
	for range 3 {
		ds, err := e.q.Receive(t.Context(), n)
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		for _, d := range ds {
			_ = e.q.Nack(t.Context(), d, nil)
		}
	}
	assertDepth(t, e.q, 0, 0, int64(n))
	return ids
}

func testRedriveAll(t *testing.T, e *env) {
	deadLetterAll(t, e, 2)

	moved, err := e.q.Redrive(t.Context())
	if err != nil {
		t.Fatalf("Redrive: %v", err)
	}
	if moved != 2 {
		t.Errorf("moved = %d, want 2", moved)
	}
	assertDepth(t, e.q, 2, 0, 0)

	d := receiveOne(t, e.q)
	if d.Message.Attempt != 1 {
		t.Errorf("Attempt after redrive = %d, want 1", d.Message.Attempt)
	}
}

func testRedriveSelected(t *testing.T, e *env) {
	ids := deadLetterAll(t, e, 2)

	moved, err := e.q.Redrive(t.Context(), ids[1], "unknown")
	if err != nil {
		t.Fatalf("Redrive: %v", err)
	}
	if moved != 1 {
		t.Errorf("moved = %d, want 1", moved)
	}
	assertDepth(t, e.q, 1, 0, 1)

	d := receiveOne(t, e.q)
	if d.Message.ID != ids[1] {
		t.Errorf("redriven id = %s, want %s", d.Message.ID, ids[1])
	}
}

func testReceiveBatchLimit(t *testing.T, e *env) {
	for range 5 {
		mustSend(t, e.q, "x")
	}
	ds, err := e.q.Receive(t.Context(), 3)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(ds) != 3 {
		t.Errorf("Receive(3) = %d deliveries", len(ds))
	}
	assertDepth(t, e.q, 2, 3, 0)
}
