// Package pipeline implements the three stateless functions of the
// map/reduce pipeline.
//
// Ingress validates a collection and enqueues one map item per element.
// Mapper applies the transform to a batch of map items, upserts the packets
// and signals the reduce queue once per collection. Reducer folds the live
// packets of a collection two at a time until a single packet represents
// every element, then writes the result.
//
// Every function may run concurrently in many processes and may see any
// queue message more than once. Correctness rests on three store guarantees:
// idempotent Upsert, conditional Swap, and tombstones for consumed packets.
package pipeline

import (
	"time"

	"github.com/pithecene-io/sluice/log"
)

func orNop(l *log.Logger) *log.Logger {
	if l == nil {
		return log.NewNop()
	}
	return l
}

func orNow(now func() time.Time) func() time.Time {
	if now == nil {
		return time.Now
	}
	return now
}
