// Package memory provides an in-process Queue with visibility leases.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pithecene-io/sluice/queue"
)

type lease struct {
	msg      *queue.Message
	deadline time.Time
}

// Queue is a mutex-guarded in-memory queue.
type Queue struct {
	name string
	opts queue.Options

	mu       sync.Mutex
	ready    []*queue.Message
	inflight map[string]*lease
	dead     []*queue.Message
	closed   bool
}

var _ queue.Queue = (*Queue)(nil)

// New creates an empty queue.
func New(name string, opts queue.Options) *Queue {
	return &Queue{
		name:     name,
		opts:     opts.WithDefaults(),
		inflight: make(map[string]*lease),
	}
}

// Name implements queue.Queue.
func (q *Queue) Name() string { return q.name }

// Send implements queue.Queue.
func (q *Queue) Send(_ context.Context, body []byte) (string, error) {
	msg := queue.NewMessage(uuid.NewString(), append([]byte(nil), body...), q.opts.Now())

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", queue.ErrClosed
	}
	q.ready = append(q.ready, msg)
	return msg.ID, nil
}

// Receive implements queue.Queue.
func (q *Queue) Receive(ctx context.Context, limit int) ([]*queue.Delivery, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, queue.ErrClosed
	}
	now := q.opts.Now()
	deadLettered := q.reclaimLocked(now)

	n := min(max(limit, 0), len(q.ready))
	out := make([]*queue.Delivery, 0, n)
	for _, msg := range q.ready[:n] {
		msg.Attempt++
		receipt := fmt.Sprintf("%s#%d", msg.ID, msg.Attempt)
		q.inflight[receipt] = &lease{msg: msg, deadline: now.Add(q.opts.VisibilityTimeout)}
		out = append(out, &queue.Delivery{Message: msg.Clone(), Receipt: receipt})
	}
	q.ready = q.ready[n:]
	q.mu.Unlock()

	q.notify(ctx, deadLettered)
	return out, nil
}

// reclaimLocked returns expired leases to ready or dead.
// Returns the dead-lettered messages for hook delivery outside the lock.
func (q *Queue) reclaimLocked(now time.Time) []*queue.Message {
	var dead []*queue.Message
	for receipt, l := range q.inflight {
		if now.Before(l.deadline) {
			continue
		}
		delete(q.inflight, receipt)
		l.msg.LastError = queue.CauseLeaseExpired
		if m := q.settleLocked(l.msg); m != nil {
			dead = append(dead, m)
		}
	}
	return dead
}

// settleLocked requeues or dead-letters a failed message.
func (q *Queue) settleLocked(msg *queue.Message) *queue.Message {
	if msg.Attempt >= q.opts.MaxReceives {
		q.dead = append(q.dead, msg)
		return msg.Clone()
	}
	q.ready = append(q.ready, msg)
	return nil
}

func (q *Queue) notify(ctx context.Context, dead []*queue.Message) {
	if q.opts.OnDeadLetter == nil {
		return
	}
	for _, m := range dead {
		q.opts.OnDeadLetter(ctx, q.name, m)
	}
}

// Ack implements queue.Queue.
func (q *Queue) Ack(_ context.Context, d *queue.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return queue.ErrClosed
	}
	if _, ok := q.inflight[d.Receipt]; !ok {
		return fmt.Errorf("ack %s: %w", d.Receipt, queue.ErrUnknownReceipt)
	}
	delete(q.inflight, d.Receipt)
	return nil
}

// Nack implements queue.Queue.
func (q *Queue) Nack(ctx context.Context, d *queue.Delivery, cause error) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return queue.ErrClosed
	}
	l, ok := q.inflight[d.Receipt]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("nack %s: %w", d.Receipt, queue.ErrUnknownReceipt)
	}
	delete(q.inflight, d.Receipt)
	l.msg.LastError = queue.CauseString(cause)
	dead := q.settleLocked(l.msg)
	q.mu.Unlock()

	if dead != nil {
		q.notify(ctx, []*queue.Message{dead})
	}
	return nil
}

// DeadLetters implements queue.Queue.
func (q *Queue) DeadLetters(_ context.Context, limit int) ([]*queue.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, queue.ErrClosed
	}
	n := min(max(limit, 0), len(q.dead))
	out := make([]*queue.Message, 0, n)
	for _, m := range q.dead[:n] {
		out = append(out, m.Clone())
	}
	return out, nil
}

// Redrive implements queue.Queue.
func (q *Queue) Redrive(_ context.Context, ids ...string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, queue.ErrClosed
	}

	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	var kept []*queue.Message
	moved := 0
	for _, m := range q.dead {
		if len(ids) > 0 && !want[m.ID] {
			kept = append(kept, m)
			continue
		}
		m.Attempt = 0
		m.LastError = ""
		q.ready = append(q.ready, m)
		moved++
	}
	q.dead = kept
	return moved, nil
}

// Depth implements queue.Queue.
func (q *Queue) Depth(_ context.Context) (queue.Depth, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return queue.Depth{}, queue.ErrClosed
	}
	return queue.Depth{
		Queue:    q.name,
		Ready:    int64(len(q.ready)),
		InFlight: int64(len(q.inflight)),
		Dead:     int64(len(q.dead)),
	}, nil
}

// Close implements queue.Queue.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
