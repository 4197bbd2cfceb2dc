package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/justapithecus/lode/lode"
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/sluice/adapter"
	adapterredis "github.com/pithecene-io/sluice/adapter/redis"
	"github.com/pithecene-io/sluice/adapter/webhook"
	"github.com/pithecene-io/sluice/cli/config"
	"github.com/pithecene-io/sluice/deadletter"
	"github.com/pithecene-io/sluice/fold"
	"github.com/pithecene-io/sluice/iox"
	"github.com/pithecene-io/sluice/lodestore"
	"github.com/pithecene-io/sluice/log"
	"github.com/pithecene-io/sluice/metrics"
	"github.com/pithecene-io/sluice/pipeline"
	"github.com/pithecene-io/sluice/queue"
	memqueue "github.com/pithecene-io/sluice/queue/memory"
	redisqueue "github.com/pithecene-io/sluice/queue/redis"
	"github.com/pithecene-io/sluice/results"
	"github.com/pithecene-io/sluice/store"
	boltstore "github.com/pithecene-io/sluice/store/bolt"
	memstore "github.com/pithecene-io/sluice/store/memory"
	redisstore "github.com/pithecene-io/sluice/store/redis"
	"github.com/pithecene-io/sluice/worker"
)

// Stages accepted by --stage.
const (
	stageMap    = "map"
	stageReduce = "reduce"
	stageAll    = "all"
)

// needs selects which backends openEnv connects.
type needs uint8

const (
	needPackets needs = 1 << iota
	needQueues
	needResults
	needNotifier

	needAll = needPackets | needQueues | needResults | needNotifier
)

// env holds the backends a command opened from its config.
type env struct {
	cfg     *config.Config
	logger  *log.Logger
	metrics *metrics.Collector

	packets  store.PacketStore
	mapQ     queue.Queue
	reduceQ  queue.Queue
	results  results.Store
	archive  *deadletter.Archive
	notifier adapter.Adapter

	closers []io.Closer
}

// loadConfig reads --config, applies flag overrides and validates.
// Config errors exit with exitInvalid.
func loadConfig(c *cli.Context, overrides ...func(*config.Config)) (*config.Config, error) {
	flagOverrides := func(cfg *config.Config) {
		if c.IsSet("log-level") {
			cfg.Log.Level = c.String("log-level")
		}
	}
	cfg, err := config.LoadOrDefault(c.String("config"), append([]func(*config.Config){flagOverrides}, overrides...)...)
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("config: %v", err), exitInvalid)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, component string) (*log.Logger, error) {
	logger, err := log.NewLogger(log.Options{Component: component, Level: cfg.Log.Level})
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("log: %v", err), exitInvalid)
	}
	return logger, nil
}

// openEnv connects the backends selected by n. On error everything opened
// so far is closed.
func openEnv(ctx context.Context, cfg *config.Config, logger *log.Logger, n needs) (_ *env, err error) {
	e := &env{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.NewCollector(cfg.Store.Backend, cfg.Queue.Backend),
	}
	defer func() {
		if err != nil {
			_ = e.Close()
		}
	}()

	if n&needPackets != 0 {
		ps, err := openPackets(cfg.Store)
		if err != nil {
			return nil, fmt.Errorf("packet store: %w", err)
		}
		e.packets = ps
		e.closers = append(e.closers, ps)
	}

	if n&needQueues != 0 {
		if cfg.DeadLetter.Backend != config.BackendNone {
			factory, err := objectFactory(ctx, cfg.DeadLetter)
			if err != nil {
				return nil, fmt.Errorf("dead-letter archive: %w", err)
			}
			if e.archive, err = deadletter.New(factory, logger.Named("deadletter")); err != nil {
				return nil, fmt.Errorf("dead-letter archive: %w", err)
			}
		}
		opts := queue.Options{
			MaxReceives:       cfg.Queue.MaxReceives,
			VisibilityTimeout: cfg.Queue.VisibilityTimeout.Duration,
			OnDeadLetter:      e.deadLetterHook(),
		}
		for _, q := range []struct {
			name string
			dst  *queue.Queue
		}{{queue.MapQueue, &e.mapQ}, {queue.ReduceQueue, &e.reduceQ}} {
			opened, err := openQueue(cfg.Queue, q.name, opts)
			if err != nil {
				return nil, fmt.Errorf("%s queue: %w", q.name, err)
			}
			*q.dst = opened
			e.closers = append(e.closers, opened)
		}
	}

	if n&needResults != 0 {
		rs, err := openResults(ctx, cfg.Results)
		if err != nil {
			return nil, fmt.Errorf("results: %w", err)
		}
		e.results = rs
		e.closers = append(e.closers, rs)
	}

	if n&needNotifier != 0 && cfg.Adapter.Type != "" {
		a, err := openNotifier(cfg.Adapter)
		if err != nil {
			return nil, fmt.Errorf("adapter: %w", err)
		}
		e.notifier = a
		e.closers = append(e.closers, a)
	}
	return e, nil
}

// Close releases every opened backend in reverse order.
func (e *env) Close() error {
	err := iox.CloseAll(e.closers...)
	_ = e.logger.Sync()
	return err
}

func (e *env) queues() []queue.Queue {
	var qs []queue.Queue
	if e.mapQ != nil {
		qs = append(qs, e.mapQ)
	}
	if e.reduceQ != nil {
		qs = append(qs, e.reduceQ)
	}
	return qs
}

func (e *env) queue(name string) (queue.Queue, error) {
	switch name {
	case queue.MapQueue:
		return e.mapQ, nil
	case queue.ReduceQueue:
		return e.reduceQ, nil
	default:
		return nil, cli.Exit(fmt.Sprintf("unknown queue %q (must be map or reduce)", name), exitInvalid)
	}
}

// deadLetterHook counts every dead letter and archives it when an archive
// is configured.
func (e *env) deadLetterHook() queue.DeadLetterHook {
	return func(ctx context.Context, name string, m *queue.Message) {
		e.metrics.IncDeadLettered()
		e.logger.Warn("message dead-lettered", map[string]any{
			"queue":      name,
			"message_id": m.ID,
			"attempt":    m.Attempt,
			"last_error": m.LastError,
		})
		if e.archive != nil {
			e.archive.Hook()(ctx, name, m)
		}
	}
}

func (e *env) ingress() (*pipeline.Ingress, error) {
	merge, err := fold.LookupMerge(e.cfg.Pipeline.Merge)
	if err != nil {
		return nil, err
	}
	return &pipeline.Ingress{
		MapQueue:      e.mapQ,
		Results:       e.results,
		Merge:         merge,
		MaxCollection: e.cfg.Pipeline.MaxCollection,
		Logger:        e.logger.Named("ingress"),
		Metrics:       e.metrics,
	}, nil
}

// consumers builds the map and/or reduce consumers for stage.
func (e *env) consumers(stage string) ([]worker.Consumer, error) {
	transform, err := fold.LookupTransform(e.cfg.Pipeline.Transform)
	if err != nil {
		return nil, err
	}
	merge, err := fold.LookupMerge(e.cfg.Pipeline.Merge)
	if err != nil {
		return nil, err
	}
	poll := e.cfg.Queue.PollInterval.Duration

	var out []worker.Consumer
	if stage == stageMap || stage == stageAll {
		mapper := &pipeline.Mapper{
			Store:       e.packets,
			ReduceQueue: e.reduceQ,
			Transform:   transform,
			Logger:      e.logger.Named("map"),
			Metrics:     e.metrics,
		}
		out = append(out, worker.NewMapConsumer(e.mapQ, mapper, worker.MapConfig{
			BatchSize:    e.cfg.Workers.Map.BatchSize,
			Concurrency:  e.cfg.Workers.Map.Concurrency,
			PollInterval: poll,
		}, e.logger.Named("worker"), e.metrics))
	}
	if stage == stageReduce || stage == stageAll {
		reducer := &pipeline.Reducer{
			Store:              e.packets,
			Results:            e.results,
			ReduceQueue:        e.reduceQ,
			Merge:              merge,
			Notifier:           e.notifier,
			NotifyTimeout:      e.cfg.Adapter.PublishTimeout.Duration,
			MaxConflictRetries: e.cfg.Workers.Reduce.MaxConflictRetries,
			Logger:             e.logger.Named("reduce"),
			Metrics:            e.metrics,
		}
		out = append(out, worker.NewReduceConsumer(e.reduceQ, reducer, worker.ReduceConfig{
			Lanes:        e.cfg.Workers.Reduce.Lanes,
			PollInterval: poll,
		}, e.logger.Named("worker"), e.metrics))
	}
	if len(out) == 0 {
		return nil, cli.Exit(fmt.Sprintf("unknown stage %q (must be map, reduce or all)", stage), exitInvalid)
	}
	return out, nil
}

func openPackets(cfg config.StoreConfig) (store.PacketStore, error) {
	switch cfg.Backend {
	case config.BackendRedis:
		return redisstore.New(redisstore.Config{URL: cfg.URL, Prefix: cfg.Prefix})
	case config.BackendBolt:
		return boltstore.Open(cfg.Path)
	default:
		return memstore.New(), nil
	}
}

func openQueue(cfg config.QueueConfig, name string, opts queue.Options) (queue.Queue, error) {
	if cfg.Backend == config.BackendRedis {
		return redisqueue.New(name, redisqueue.Config{URL: cfg.URL, Prefix: cfg.Prefix}, opts)
	}
	return memqueue.New(name, opts), nil
}

func objectFactory(ctx context.Context, oc config.ObjectConfig) (lode.StoreFactory, error) {
	return lodestore.NewFactory(ctx, lodestore.Options{
		Backend:      oc.Backend,
		Path:         oc.Path,
		Region:       oc.Region,
		Endpoint:     oc.Endpoint,
		UsePathStyle: oc.S3PathStyle,
	})
}

func openResults(ctx context.Context, oc config.ObjectConfig) (results.Store, error) {
	switch oc.Backend {
	case config.BackendRedis:
		return results.NewRedisStore(oc.URL, oc.Prefix)
	case config.BackendFS, config.BackendS3:
		factory, err := objectFactory(ctx, oc)
		if err != nil {
			return nil, err
		}
		return results.NewLodeStore(factory), nil
	default:
		return results.NewMemoryStore(), nil
	}
}

func openNotifier(ac config.AdapterConfig) (adapter.Adapter, error) {
	switch ac.Type {
	case "webhook":
		retries := webhook.DefaultRetries
		if ac.Retries != nil {
			retries = *ac.Retries
		}
		return webhook.New(webhook.Config{
			URL:     ac.URL,
			Headers: ac.Headers,
			Timeout: ac.Timeout.Duration,
			Retries: retries,
		})
	case config.BackendRedis:
		retries := adapterredis.DefaultRetries
		if ac.Retries != nil {
			retries = *ac.Retries
		}
		return adapterredis.New(adapterredis.Config{
			URL:     ac.URL,
			Channel: ac.Channel,
			Timeout: ac.Timeout.Duration,
			Retries: retries,
		})
	default:
		return nil, fmt.Errorf("unknown adapter type %q", ac.Type)
	}
}
