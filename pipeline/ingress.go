package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/pithecene-io/sluice/fold"
	"github.com/pithecene-io/sluice/log"
	"github.com/pithecene-io/sluice/metrics"
	"github.com/pithecene-io/sluice/queue"
	"github.com/pithecene-io/sluice/results"
	"github.com/pithecene-io/sluice/types"
	"github.com/pithecene-io/sluice/wire"
)

// DefaultMaxCollection bounds the number of elements in one collection.
const DefaultMaxCollection = 100_000

// Ingress accepts collections and fans them out onto the map queue.
type Ingress struct {
	// MapQueue receives one map item per element.
	MapQueue queue.Queue
	// Results receives the result of empty collections, which have no
	// packets to reduce.
	Results results.Store
	// Merge supplies the value reported for an empty collection.
	Merge fold.Merge
	// MaxCollection caps the element count (DefaultMaxCollection if zero).
	MaxCollection int

	Logger  *log.Logger
	Metrics *metrics.Collector
	Now     func() time.Time
}

// Ingest parses a JSON payload and ingests its values.
// The payload is either an array of numbers or {"values": [...]}.
func (in *Ingress) Ingest(ctx context.Context, payload []byte) (string, error) {
	values, err := ParsePayload(payload)
	if err != nil {
		in.Metrics.IncIngestRejected()
		orNop(in.Logger).Warn("rejected payload", map[string]any{"error": err.Error()})
		return "", err
	}
	return in.IngestValues(ctx, values)
}

// IngestValues mints a collection id and enqueues one map item per value.
// It returns as soon as the items are enqueued.
//
// A failed send leaves the collection partially enqueued: it is returned as
// a TransientError carrying the collection id, and that collection never
// converges. Callers retry the whole call, which mints a new id.
func (in *Ingress) IngestValues(ctx context.Context, values []float64) (string, error) {
	logger := orNop(in.Logger)

	if err := in.validate(values); err != nil {
		in.Metrics.IncIngestRejected()
		logger.Warn("rejected payload", map[string]any{"error": err.Error()})
		return "", err
	}

	collectionID := types.NewCollectionID()
	total := int64(len(values))

	if total == 0 {
		return in.ingestEmpty(ctx, collectionID)
	}

	for i, v := range values {
		body, err := wire.EncodeMapItem(&types.MapWorkItem{
			Type:             types.WorkKindMap,
			CollectionID:     collectionID,
			PacketID:         types.NewPacketID(),
			Value:            v,
			TotalUnits:       total,
			UnitsRepresented: 1,
		})
		if err == nil {
			_, err = in.MapQueue.Send(ctx, body)
		}
		if err != nil {
			logger.Error("map enqueue failed", map[string]any{
				"collection_id": collectionID,
				"sent":          i,
				"total_units":   total,
				"error":         err.Error(),
			})
			return collectionID, transient("enqueue map item", collectionID,
				fmt.Errorf("sent %d of %d items: %w", i, total, err))
		}
	}

	in.Metrics.IncCollectionIngested(len(values))
	logger.Info("collection ingested", map[string]any{
		"collection_id": collectionID,
		"total_units":   total,
	})
	return collectionID, nil
}

func (in *Ingress) validate(values []float64) error {
	limit := in.MaxCollection
	if limit <= 0 {
		limit = DefaultMaxCollection
	}
	if len(values) > limit {
		return invalid("collection has %d elements, limit is %d", len(values), limit)
	}
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return invalid("element %d is not a finite number", i)
		}
	}
	return nil
}

// ingestEmpty writes the result of a zero-element collection directly.
func (in *Ingress) ingestEmpty(ctx context.Context, collectionID string) (string, error) {
	if in.Results == nil {
		return "", errors.New("ingress: empty collection requires a result store")
	}
	res := &types.Result{
		CollectionID: collectionID,
		Value:        in.Merge.EmptyValue(),
		TotalUnits:   0,
		Empty:        true,
		CompletedAt:  orNow(in.Now)().UTC(),
	}
	if _, err := in.Results.PutIfAbsent(ctx, res); err != nil {
		return collectionID, transient("write empty result", collectionID, err)
	}

	in.Metrics.IncCollectionIngested(0)
	in.Metrics.IncResultWritten()
	orNop(in.Logger).Info("empty collection converged", map[string]any{
		"collection_id": collectionID,
		"value":         res.Value,
	})
	return collectionID, nil
}

// ParsePayload decodes an ingress payload into its values.
// Every element must be a JSON number; null, strings, nested values and
// trailing data are rejected.
func ParsePayload(payload []byte) ([]float64, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return nil, invalid("payload is empty")
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, invalid("malformed JSON: %v", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, invalid("unexpected data after JSON value")
	}

	var elems []any
	switch v := doc.(type) {
	case []any:
		elems = v
	case map[string]any:
		raw, ok := v["values"]
		if !ok {
			return nil, invalid(`object payload must have a "values" field`)
		}
		list, ok := raw.([]any)
		if !ok {
			return nil, invalid(`"values" must be an array`)
		}
		elems = list
	default:
		return nil, invalid("payload must be an array of numbers or an object with \"values\"")
	}

	values := make([]float64, len(elems))
	for i, e := range elems {
		num, ok := e.(json.Number)
		if !ok {
			return nil, invalid("element %d is not a number", i)
		}
		f, err := num.Float64()
		if err != nil || math.IsInf(f, 0) {
			return nil, invalid("element %d (%s) is out of range", i, num)
		}
		values[i] = f
	}
	return values, nil
}
