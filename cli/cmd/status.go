package cmd

import (
	"context"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/sluice/cli/config"
	"github.com/pithecene-io/sluice/cli/render"
	"github.com/pithecene-io/sluice/cli/tui"
	"github.com/pithecene-io/sluice/pipeline"
)

var refreshFlag = &cli.DurationFlag{
	Name:  "refresh",
	Usage: "TUI refresh interval",
	Value: tui.DefaultInterval,
}

// StatusCommand returns the status command.
func StatusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Show the live packet count and result of a collection",
		ArgsUsage: "<collection-id>",
		Flags:     withFlags(ConfigFlags(), ReadOnlyFlags(), []cli.Flag{refreshFlag}),
		Action:    statusAction,
	}
}

func statusAction(c *cli.Context) error {
	r, err := render.FromContext(c)
	if err != nil {
		return cli.Exit(err.Error(), exitInvalid)
	}
	id := c.Args().First()

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if cfg.Results.Backend == config.BackendMemory {
		return cli.Exit("status needs a shared results backend (redis, fs or s3)", exitInvalid)
	}
	// A memory store in this process would always report zero packets.
	n := needResults
	if cfg.Store.Backend != config.BackendMemory {
		n |= needPackets
	}

	logger, err := newLogger(cfg, "cli")
	if err != nil {
		return err
	}
	ctx, cancel := signalContext(c.Context)
	defer cancel()

	e, err := openEnv(ctx, cfg, logger, n)
	if err != nil {
		return cli.Exit(err.Error(), exitFailure)
	}
	defer func() { _ = e.Close() }()

	fetch := func(ctx context.Context) (*pipeline.Status, error) {
		return pipeline.CollectionStatus(ctx, e.packets, e.results, id)
	}

	st, err := fetch(ctx)
	if err != nil {
		if pipeline.IsValidation(err) {
			return cli.Exit(err.Error(), exitInvalid)
		}
		return cli.Exit(err.Error(), exitFailure)
	}
	if c.Bool("tui") {
		return runTUI(ctx, tui.ViewStatus, func(ctx context.Context) (any, error) { return fetch(ctx) }, c.Duration("refresh"))
	}
	return r.Render(st)
}

func runTUI(ctx context.Context, view string, src tui.Source, interval time.Duration) error {
	if err := tui.Run(ctx, view, src, interval); err != nil {
		return cli.Exit(err.Error(), exitFailure)
	}
	return nil
}
