// Package adapter defines the notification boundary for converged collections.
//
// Adapters publish a collection_converged event to downstream systems once a
// result has been written. Notification is best effort: the result store is
// the source of truth, and a failed publish never undoes a result.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pithecene-io/sluice/types"
)

// EventTypeCollectionConverged is the only event type published.
const EventTypeCollectionConverged = "collection_converged"

// CollectionConvergedEvent is the payload published when a result is written.
type CollectionConvergedEvent struct {
	EventType    string  `json:"event_type"` // always "collection_converged"
	CollectionID string  `json:"collection_id"`
	Value        float64 `json:"value"`
	TotalUnits   int64   `json:"total_units"`
	Empty        bool    `json:"empty"`
	CompletedAt  string  `json:"completed_at"` // RFC 3339
}

// NewConvergedEvent builds the event for a result.
func NewConvergedEvent(r *types.Result) *CollectionConvergedEvent {
	return &CollectionConvergedEvent{
		EventType:    EventTypeCollectionConverged,
		CollectionID: r.CollectionID,
		Value:        r.Value,
		TotalUnits:   r.TotalUnits,
		Empty:        r.Empty,
		CompletedAt:  r.CompletedAt.UTC().Format(time.RFC3339Nano),
	}
}

// Adapter publishes convergence events to a downstream system.
type Adapter interface {
	// Publish sends an event to the downstream system.
	// Must respect context cancellation and deadlines.
	Publish(ctx context.Context, event *CollectionConvergedEvent) error

	// Close releases adapter resources.
	Close() error
}

// ErrPermanent marks a failure that retrying cannot fix.
var ErrPermanent = errors.New("permanent failure")

// Retry calls fn up to 1+retries times with exponential backoff
// (500ms, 1s, 2s, ...) between attempts. Errors wrapping ErrPermanent stop
// immediately.
func Retry(ctx context.Context, name string, retries int, fn func(ctx context.Context) error) error {
	var lastErr error
	attempts := 1 + retries

	for i := range attempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: context canceled: %w", name, err)
		}

		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * 500 * time.Millisecond
			select {
			case <-ctx.Done():
				return fmt.Errorf("%s: context canceled during backoff: %w", name, ctx.Err())
			case <-time.After(backoff):
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, ErrPermanent) {
			return fmt.Errorf("%s: non-retriable error: %w", name, lastErr)
		}
	}

	return fmt.Errorf("%s: failed after %d attempts: %w", name, attempts, lastErr)
}

// Recorder is an in-memory Adapter for tests and local runs.
type Recorder struct {
	mu     sync.Mutex
	Events []*CollectionConvergedEvent
	// Err, if set, is returned from every Publish.
	Err error
}

var _ Adapter = (*Recorder)(nil)

// Publish records the event.
func (r *Recorder) Publish(_ context.Context, event *CollectionConvergedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.Events = append(r.Events, event)
	return nil
}

// Published returns a copy of the recorded events.
func (r *Recorder) Published() []*CollectionConvergedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*CollectionConvergedEvent(nil), r.Events...)
}

// Close implements Adapter.
func (r *Recorder) Close() error { return nil }
