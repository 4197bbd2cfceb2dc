package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/sluice/api"
	"github.com/pithecene-io/sluice/cli/config"
	"github.com/pithecene-io/sluice/cli/render"
	"github.com/pithecene-io/sluice/results"
	"github.com/pithecene-io/sluice/types"
)

// ResultCommand returns the result command.
func ResultCommand() *cli.Command {
	return &cli.Command{
		Name:      "result",
		Usage:     "Look up the result of a collection",
		ArgsUsage: "<collection-id>",
		Flags: withFlags(ConfigFlags(), ReadOnlyFlags(), []cli.Flag{
			&cli.BoolFlag{
				Name:  "wait",
				Usage: "Poll until the collection converges or --timeout passes",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "How long --wait polls",
				Value: 30 * time.Second,
			},
			&cli.DurationFlag{
				Name:  "poll",
				Usage: "Poll interval for --wait",
				Value: 500 * time.Millisecond,
			},
		}),
		Action: resultAction,
	}
}

func resultAction(c *cli.Context) error {
	if err := rejectTUI(c, "result"); err != nil {
		return err
	}
	r, err := render.FromContext(c)
	if err != nil {
		return cli.Exit(err.Error(), exitInvalid)
	}
	id := c.Args().First()
	if err := types.ValidateID("collection_id", id); err != nil {
		return cli.Exit(err.Error(), exitInvalid)
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if cfg.Results.Backend == config.BackendMemory {
		return cli.Exit("result needs a shared results backend (redis, fs or s3)", exitInvalid)
	}
	logger, err := newLogger(cfg, "cli")
	if err != nil {
		return err
	}
	e, err := openEnv(c.Context, cfg, logger, needResults)
	if err != nil {
		return cli.Exit(err.Error(), exitFailure)
	}
	defer func() { _ = e.Close() }()

	var res *types.Result
	if c.Bool("wait") {
		res, err = waitResult(c.Context, e.results, id, c.Duration("timeout"), c.Duration("poll"))
	} else {
		res, err = lookupResult(c.Context, e.results, id)
	}
	if err != nil {
		return cli.Exit(fmt.Sprintf("result %s: %v", id, err), exitFailure)
	}

	if res == nil {
		if err := r.Render(api.Response{Status: api.StatusPending, CollectionID: id}); err != nil {
			return err
		}
		return cli.Exit("", exitNotConverged)
	}
	return r.Render(api.Response{Status: api.StatusComplete, CollectionID: id, Result: res})
}

// lookupResult returns nil without error while the collection is pending.
func lookupResult(ctx context.Context, rs results.Store, id string) (*types.Result, error) {
	res, err := rs.Get(ctx, id)
	if errors.Is(err, results.ErrNotFound) {
		return nil, nil
	}
	return res, err
}

// waitResult polls until the result exists or timeout passes. A timeout is
// not an error: the result is nil.
func waitResult(ctx context.Context, rs results.Store, id string, timeout, poll time.Duration) (*types.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		res, err := lookupResult(ctx, rs, id)
		switch {
		case res != nil:
			return res, nil
		case err != nil && ctx.Err() == nil:
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, nil
		case <-ticker.C:
		}
	}
}
