package worker

import (
	"context"
	"time"

	"github.com/spaolacci/murmur3"
	"golang.org/x/sync/errgroup"

	"github.com/pithecene-io/sluice/log"
	"github.com/pithecene-io/sluice/metrics"
	"github.com/pithecene-io/sluice/pipeline"
	"github.com/pithecene-io/sluice/queue"
	"github.com/pithecene-io/sluice/wire"
)

// ReduceConfig configures a ReduceConsumer.
type ReduceConfig struct {
	// Lanes is the number of serial reduce lanes. One lane reduces every
	// collection serially.
	Lanes int
	// BatchSize is the maximum number of deliveries per receive.
	BatchSize int
	// PollInterval is the sleep between empty receives.
	PollInterval time.Duration
}

func (c ReduceConfig) withDefaults() ReduceConfig {
	if c.Lanes <= 0 {
		c.Lanes = DefaultLanes
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

// Lane returns the lane of a collection.
func Lane(collectionID string, lanes int) int {
	if lanes <= 1 {
		return 0
	}
	return int(murmur3.Sum32([]byte(collectionID)) % uint32(lanes))
}

type reduceTask struct {
	delivery     *queue.Delivery
	collectionID string
}

// ReduceConsumer feeds the reduce queue to a Reducer through hash lanes.
type ReduceConsumer struct {
	config  ReduceConfig
	reducer *pipeline.Reducer
	settler
}

var _ Consumer = (*ReduceConsumer)(nil)

// NewReduceConsumer creates a reduce consumer. logger and collector may be nil.
func NewReduceConsumer(q queue.Queue, reducer *pipeline.Reducer, cfg ReduceConfig, logger *log.Logger, collector *metrics.Collector) *ReduceConsumer {
	logger = orNop(logger)
	return &ReduceConsumer{
		config:  cfg.withDefaults(),
		reducer: reducer,
		settler: settler{queue: q, logger: logger, metrics: collector},
	}
}

// Run starts the dispatcher and one goroutine per lane, and blocks until ctx
// is canceled. Deliveries still buffered in a lane at shutdown are left to
// their lease and redelivered.
func (c *ReduceConsumer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	lanes := make([]chan reduceTask, c.config.Lanes)
	for i := range lanes {
		lanes[i] = make(chan reduceTask, c.config.BatchSize)
		logger := c.logger.With(map[string]any{"lane": i})
		g.Go(func() error {
			for task := range lanes[i] {
				if ctx.Err() != nil {
					continue
				}
				c.handle(ctx, logger, task)
			}
			return nil
		})
	}

	g.Go(func() error {
		defer func() {
			for _, lane := range lanes {
				close(lane)
			}
		}()
		return poller(ctx, c.logger, c.config.PollInterval, func(ctx context.Context) (int, error) {
			tasks, n, err := c.receive(ctx)
			for _, task := range tasks {
				select {
				case lanes[Lane(task.collectionID, len(lanes))] <- task:
				case <-ctx.Done():
					return n, nil
				}
			}
			return n, err
		})
	})

	return g.Wait()
}

// Poll receives one batch and reduces it, lanes in parallel, each lane in
// receive order.
func (c *ReduceConsumer) Poll(ctx context.Context) (int, error) {
	tasks, n, err := c.receive(ctx)
	if err != nil || len(tasks) == 0 {
		return n, err
	}

	byLane := make(map[int][]reduceTask)
	for _, task := range tasks {
		lane := Lane(task.collectionID, c.config.Lanes)
		byLane[lane] = append(byLane[lane], task)
	}

	var g errgroup.Group
	for lane, laneTasks := range byLane {
		logger := c.logger.With(map[string]any{"lane": lane})
		g.Go(func() error {
			for _, task := range laneTasks {
				c.handle(ctx, logger, task)
			}
			return nil
		})
	}
	return n, g.Wait()
}

// receive leases a batch and decodes it. Undecodable deliveries are nacked.
func (c *ReduceConsumer) receive(ctx context.Context) ([]reduceTask, int, error) {
	deliveries, err := c.queue.Receive(ctx, c.config.BatchSize)
	if err != nil {
		return nil, 0, err
	}
	tasks := make([]reduceTask, 0, len(deliveries))
	for _, d := range deliveries {
		item, err := wire.DecodeReduceItem(d.Message.Body)
		if err != nil {
			c.logger.Warn("undecodable reduce item", map[string]any{
				"message_id": d.Message.ID,
				"attempt":    d.Message.Attempt,
				"error":      err.Error(),
			})
			c.nack(ctx, d, err)
			continue
		}
		tasks = append(tasks, reduceTask{delivery: d, collectionID: item.CollectionID})
	}
	return tasks, len(deliveries), nil
}

func (c *ReduceConsumer) handle(ctx context.Context, logger *log.Logger, task reduceTask) {
	outcome, err := c.reducer.Reduce(ctx, task.collectionID)
	if err != nil {
		logger.Warn("reduce failed", map[string]any{
			"collection_id": task.collectionID,
			"attempt":       task.delivery.Message.Attempt,
			"error":         err.Error(),
		})
		c.nack(ctx, task.delivery, err)
		return
	}
	logger.Debug("reduced", map[string]any{
		"collection_id": task.collectionID,
		"outcome":       string(outcome),
	})
	c.ack(ctx, task.delivery)
}
