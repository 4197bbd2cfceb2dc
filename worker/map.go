package worker

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pithecene-io/sluice/log"
	"github.com/pithecene-io/sluice/metrics"
	"github.com/pithecene-io/sluice/pipeline"
	"github.com/pithecene-io/sluice/queue"
	"github.com/pithecene-io/sluice/types"
	"github.com/pithecene-io/sluice/wire"
)

// MapConfig configures a MapConsumer.
type MapConfig struct {
	// BatchSize is the maximum number of deliveries per HandleBatch call.
	BatchSize int
	// Concurrency is the number of polling goroutines.
	Concurrency int
	// PollInterval is the sleep between empty receives.
	PollInterval time.Duration
}

func (c MapConfig) withDefaults() MapConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

// MapConsumer feeds the map queue to a Mapper.
type MapConsumer struct {
	config MapConfig
	mapper *pipeline.Mapper
	settler
}

var _ Consumer = (*MapConsumer)(nil)

// NewMapConsumer creates a map consumer. logger and collector may be nil.
func NewMapConsumer(q queue.Queue, mapper *pipeline.Mapper, cfg MapConfig, logger *log.Logger, collector *metrics.Collector) *MapConsumer {
	logger = orNop(logger)
	return &MapConsumer{
		config:  cfg.withDefaults(),
		mapper:  mapper,
		settler: settler{queue: q, logger: logger, metrics: collector},
	}
}

// Run starts Concurrency pollers and blocks until ctx is canceled.
func (c *MapConsumer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for id := range c.config.Concurrency {
		logger := c.logger.With(map[string]any{"worker_id": id})
		g.Go(func() error {
			logger.Debug("map worker started", nil)
			return poller(ctx, logger, c.config.PollInterval, c.Poll)
		})
	}
	return g.Wait()
}

// Poll receives one batch and settles every delivery in it.
func (c *MapConsumer) Poll(ctx context.Context) (int, error) {
	deliveries, err := c.queue.Receive(ctx, c.config.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(deliveries) == 0 {
		return 0, nil
	}

	batch := make([]*queue.Delivery, 0, len(deliveries))
	items := make([]*types.MapWorkItem, 0, len(deliveries))
	for _, d := range deliveries {
		item, err := wire.DecodeMapItem(d.Message.Body)
		if err != nil {
			c.logger.Warn("undecodable map item", map[string]any{
				"message_id": d.Message.ID,
				"attempt":    d.Message.Attempt,
				"error":      err.Error(),
			})
			c.nack(ctx, d, err)
			continue
		}
		batch = append(batch, d)
		items = append(items, item)
	}
	if len(items) == 0 {
		return len(deliveries), nil
	}

	err = c.mapper.HandleBatch(ctx, items)

	var batchErr *pipeline.BatchError
	switch {
	case err == nil:
		for _, d := range batch {
			c.ack(ctx, d)
		}
	case errors.As(err, &batchErr):
		failed := batchErr.FailedIndexes()
		for i, d := range batch {
			if cause, ok := failed[i]; ok {
				c.nack(ctx, d, cause)
				continue
			}
			c.ack(ctx, d)
		}
	default:
		c.logger.Warn("map batch failed", map[string]any{
			"items": len(items),
			"error": err.Error(),
		})
		for _, d := range batch {
			c.nack(ctx, d, err)
		}
	}
	return len(deliveries), nil
}
