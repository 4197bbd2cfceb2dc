// Package worker drives the pipeline functions from their queues.
//
// A MapConsumer leases batches from the map queue and hands them to a
// pipeline.Mapper. A ReduceConsumer leases reduce items and routes each to a
// lane chosen by hashing the collection id, so one collection is reduced
// serially within a process while different collections proceed in
// parallel. Both acknowledge on success and nack on failure; the queue owns
// retry counting and dead-lettering.
package worker

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pithecene-io/sluice/log"
	"github.com/pithecene-io/sluice/metrics"
	"github.com/pithecene-io/sluice/queue"
)

// Defaults for consumer configuration.
const (
	DefaultBatchSize    = 10
	DefaultConcurrency  = 1
	DefaultLanes        = 1
	DefaultPollInterval = 200 * time.Millisecond
)

// Consumer is a long-running queue consumer.
type Consumer interface {
	// Run consumes until ctx is canceled. It returns nil on cancellation.
	Run(ctx context.Context) error
	// Poll performs one receive round and returns the number of deliveries.
	Poll(ctx context.Context) (int, error)
}

// RunAll runs consumers until ctx is canceled or one fails.
func RunAll(ctx context.Context, consumers ...Consumer) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range consumers {
		g.Go(func() error { return c.Run(ctx) })
	}
	return g.Wait()
}

// ErrNotDrained is returned by Drain when work remains after maxRounds.
var ErrNotDrained = errors.New("queues not drained")

// Drain polls the consumers round-robin until a full round receives nothing.
// It is meant for in-process pipelines where nothing else feeds the queues.
func Drain(ctx context.Context, maxRounds int, consumers ...Consumer) error {
	for range maxRounds {
		total := 0
		for _, c := range consumers {
			n, err := c.Poll(ctx)
			if err != nil {
				return err
			}
			total += n
		}
		if total == 0 {
			return nil
		}
	}
	return ErrNotDrained
}

// poller runs fn repeatedly, sleeping for interval whenever it reports no
// work or fails. Receive failures are logged and retried.
func poller(ctx context.Context, logger *log.Logger, interval time.Duration, fn func(ctx context.Context) (int, error)) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := fn(ctx)
		if err != nil && ctx.Err() == nil {
			logger.Warn("poll failed", map[string]any{"error": err.Error()})
		}
		if n > 0 && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

// settler acks or nacks deliveries and records the outcome.
type settler struct {
	queue   queue.Queue
	logger  *log.Logger
	metrics *metrics.Collector
}

func (s *settler) ack(ctx context.Context, d *queue.Delivery) {
	if err := s.queue.Ack(ctx, d); err != nil {
		// The lease will expire and the message will be redelivered.
		s.logger.Warn("ack failed", map[string]any{
			"message_id": d.Message.ID,
			"error":      err.Error(),
		})
		return
	}
	s.metrics.AddAcked(1)
}

func (s *settler) nack(ctx context.Context, d *queue.Delivery, cause error) {
	if err := s.queue.Nack(ctx, d, cause); err != nil {
		s.logger.Warn("nack failed", map[string]any{
			"message_id": d.Message.ID,
			"error":      err.Error(),
		})
		return
	}
	s.metrics.AddNacked(1)
}

func orNop(l *log.Logger) *log.Logger {
	if l == nil {
		return log.NewNop()
	}
	return l
}
