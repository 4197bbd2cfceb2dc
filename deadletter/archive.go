// Package deadletter archives dead-lettered messages into a lode dataset.
//
// Records are JSONL, Hive-partitioned by queue and day:
//
//	datasets/sluice-deadletter/partitions/queue=<q>/day=<YYYY-MM-DD>/...
//
// The archive is an audit trail. Dead letters stay in their queue until
// redriven; archiving never removes them.
package deadletter

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/justapithecus/lode/lode"

	"github.com/pithecene-io/sluice/log"
	"github.com/pithecene-io/sluice/queue"
)

// DatasetID is the lode dataset holding archived dead letters.
const DatasetID = "sluice-deadletter"

// RecordKind discriminates archive records.
const RecordKind = "dead_letter"

// Record is one archived dead letter.
type Record struct {
	Queue      string    `json:"queue"`
	Day        string    `json:"day"`
	MessageID  string    `json:"message_id"`
	Kind       string    `json:"kind,omitempty"`
	Attempt    int       `json:"attempt"`
	LastError  string    `json:"last_error,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	ArchivedAt time.Time `json:"archived_at"`
	Body       []byte    `json:"body"`
}

// Message rebuilds the queue message, for re-sending after export.
func (r *Record) Message() *queue.Message {
	return &queue.Message{
		ID:         r.MessageID,
		Attempt:    r.Attempt,
		EnqueuedAt: r.EnqueuedAt,
		Body:       r.Body,
		LastError:  r.LastError,
	}
}

// Archive writes dead letters to a lode dataset.
type Archive struct {
	dataset lode.Dataset
	logger  *log.Logger
	now     func() time.Time

	mu sync.Mutex
}

// New creates an archive over a store factory.
// Use lode.NewMemoryFactory() for testing.
func New(factory lode.StoreFactory, logger *log.Logger) (*Archive, error) {
	ds, err := lode.NewDataset(
		lode.DatasetID(DatasetID),
		factory,
		lode.WithHiveLayout("queue", "day"),
		lode.WithCodec(lode.NewJSONLCodec()),
	)
	if err != nil {
		return nil, fmt.Errorf("deadletter: create dataset: %w", err)
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Archive{dataset: ds, logger: logger, now: time.Now}, nil
}

// Write archives messages dead-lettered from queueName.
func (a *Archive) Write(ctx context.Context, queueName string, msgs ...*queue.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	now := a.now().UTC()
	records := make([]any, 0, len(msgs))
	for _, m := range msgs {
		records = append(records, toRecordMap(queueName, m, now))
	}

	// Snapshot writes are serialized per archive.
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.dataset.Write(ctx, records, lode.Metadata{}); err != nil {
		return fmt.Errorf("deadletter: write: %w", err)
	}
	return nil
}

// Hook returns a queue.DeadLetterHook that archives each message.
// Archive failures are logged and never block the queue.
func (a *Archive) Hook() queue.DeadLetterHook {
	return func(ctx context.Context, queueName string, m *queue.Message) {
		if err := a.Write(ctx, queueName, m); err != nil {
			a.logger.Error("failed to archive dead letter", map[string]any{
				"queue":      queueName,
				"message_id": m.ID,
				"error":      err.Error(),
			})
		}
	}
}

// List returns up to limit archived records, newest snapshot first.
// An empty queueName matches every queue.
func (a *Archive) List(ctx context.Context, queueName string, limit int) ([]*Record, error) {
	snapshots, err := a.dataset.Snapshots(ctx)
	if err != nil {
		return nil, fmt.Errorf("deadletter: snapshots: %w", err)
	}

	var out []*Record
	for i := len(snapshots) - 1; i >= 0 && len(out) < limit; i-- {
		snap := snapshots[i]
		if !snapshotMatches(snap, "queue", queueName) {
			continue
		}
		data, err := a.dataset.Read(ctx, snap.ID)
		if err != nil {
			return nil, fmt.Errorf("deadletter: read snapshot %s: %w", snap.ID, err)
		}
		for _, item := range data {
			m, ok := item.(map[string]any)
			if !ok || m["record_kind"] != RecordKind {
				continue
			}
			rec := fromRecordMap(m)
			if queueName != "" && rec.Queue != queueName {
				continue
			}
			out = append(out, rec)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func toRecordMap(queueName string, m *queue.Message, now time.Time) map[string]any {
	return map[string]any{
		"record_kind": RecordKind,
		"queue":       queueName,
		"day":         now.Format("2006-01-02"),
		"message_id":  m.ID,
		"kind":        string(m.Kind),
		"attempt":     m.Attempt,
		"last_error":  m.LastError,
		"enqueued_at": m.EnqueuedAt.UTC().Format(time.RFC3339Nano),
		"archived_at": now.Format(time.RFC3339Nano),
		"body":        base64.StdEncoding.EncodeToString(m.Body),
	}
}

func fromRecordMap(m map[string]any) *Record {
	rec := &Record{
		Queue:     toString(m["queue"]),
		Day:       toString(m["day"]),
		MessageID: toString(m["message_id"]),
		Kind:      toString(m["kind"]),
		LastError: toString(m["last_error"]),
	}
	if n, ok := m["attempt"].(float64); ok {
		rec.Attempt = int(n)
	}
	rec.EnqueuedAt, _ = time.Parse(time.RFC3339Nano, toString(m["enqueued_at"]))
	rec.ArchivedAt, _ = time.Parse(time.RFC3339Nano, toString(m["archived_at"]))
	rec.Body, _ = base64.StdEncoding.DecodeString(toString(m["body"]))
	return rec
}

// snapshotMatches checks the snapshot's file paths for an exact key=value
// partition segment. An empty value matches everything.
func snapshotMatches(snap *lode.DatasetSnapshot, key, value string) bool {
	if value == "" {
		return true
	}
	segment := key + "=" + value
	for _, f := range snap.Manifest.Files {
		for _, part := range strings.Split(f.Path, "/") {
			if part == segment {
				return true
			}
		}
	}
	return false
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
