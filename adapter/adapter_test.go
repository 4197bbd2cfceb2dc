package adapter

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/pithecene-io/sluice/types"
)

func TestNewConvergedEvent(t *testing.T) {
	r := &types.Result{
		CollectionID: "c-1",
		Value:        30,
		TotalUnits:   5,
		CompletedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("X", 3600)),
	}
	ev := NewConvergedEvent(r)

	if ev.EventType != EventTypeCollectionConverged {
		t.Errorf("EventType = %q", ev.EventType)
	}
	if ev.CollectionID != "c-1" || ev.Value != 30 || ev.TotalUnits != 5 || ev.Empty {
		t.Errorf("event = %+v", ev)
	}
	if ev.CompletedAt != "2026-03-01T11:00:00Z" {
		t.Errorf("CompletedAt = %q, want UTC RFC 3339", ev.CompletedAt)
	}
}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Retry(t.Context(), "test", 2, func(context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("flaky")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestRetry_Permanent(t *testing.T) {
	calls := 0
	err := Retry(t.Context(), "test", 3, func(context.Context) error {
		calls++
		return fmt.Errorf("status 400: %w", ErrPermanent)
	})
	if !errors.Is(err, ErrPermanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetry_Exhausted(t *testing.T) {
	calls := 0
	err := Retry(t.Context(), "test", 0, func(context.Context) error {
		calls++
		return errors.New("down")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetry_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	err := Retry(ctx, "test", 3, func(context.Context) error {
		t.Fatal("fn called with canceled context")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	_ = r.Publish(t.Context(), &CollectionConvergedEvent{CollectionID: "a"})

	if got := r.Published(); len(got) != 1 || got[0].CollectionID != "a" {
		t.Errorf("Published = %+v", got)
	}

	r.Err = errors.New("down")
	if err := r.Publish(t.Context(), &CollectionConvergedEvent{}); err == nil {
		t.Error("expected configured error")
	}
}
