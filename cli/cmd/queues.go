package cmd

import (
	"context"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/sluice/cli/config"
	"github.com/pithecene-io/sluice/cli/render"
	"github.com/pithecene-io/sluice/cli/tui"
	"github.com/pithecene-io/sluice/queue"
)

// QueuesCommand returns the queues command.
func QueuesCommand() *cli.Command {
	return &cli.Command{
		Name:   "queues",
		Usage:  "Show ready, in-flight and dead counts of the work queues",
		Flags:  withFlags(ConfigFlags(), ReadOnlyFlags(), []cli.Flag{refreshFlag}),
		Action: queuesAction,
	}
}

func queuesAction(c *cli.Context) error {
	r, err := render.FromContext(c)
	if err != nil {
		return cli.Exit(err.Error(), exitInvalid)
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if cfg.Queue.Backend == config.BackendMemory {
		return cli.Exit("queues needs a shared queue backend (redis)", exitInvalid)
	}
	logger, err := newLogger(cfg, "cli")
	if err != nil {
		return err
	}
	ctx, cancel := signalContext(c.Context)
	defer cancel()

	e, err := openEnv(ctx, cfg, logger, needQueues)
	if err != nil {
		return cli.Exit(err.Error(), exitFailure)
	}
	defer func() { _ = e.Close() }()

	fetch := func(ctx context.Context) ([]queue.Depth, error) {
		return depths(ctx, e.queues())
	}
	ds, err := fetch(ctx)
	if err != nil {
		return cli.Exit(err.Error(), exitFailure)
	}
	if c.Bool("tui") {
		return runTUI(ctx, tui.ViewQueues, func(ctx context.Context) (any, error) { return fetch(ctx) }, c.Duration("refresh"))
	}
	return r.Render(ds)
}

func depths(ctx context.Context, qs []queue.Queue) ([]queue.Depth, error) {
	out := make([]queue.Depth, 0, len(qs))
	for _, q := range qs {
		d, err := q.Depth(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}
