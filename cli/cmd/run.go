package cmd

import (
	"errors"
	"fmt"
	"math"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/sluice/cli/config"
	"github.com/pithecene-io/sluice/cli/render"
	"github.com/pithecene-io/sluice/fold"
	"github.com/pithecene-io/sluice/metrics"
	"github.com/pithecene-io/sluice/pipeline"
	"github.com/pithecene-io/sluice/types"
	"github.com/pithecene-io/sluice/worker"
)

// defaultMaxRounds bounds the in-process drain loop.
const defaultMaxRounds = 100_000

// verifyTolerance is the relative error accepted by --verify. Merges run in
// arbitrary order, so float results can differ from the sequential fold in
// the last bits.
const verifyTolerance = 1e-9

// RunResponse is the payload of the run command.
type RunResponse struct {
	CollectionID string           `json:"collection_id" yaml:"collection_id"`
	Converged    bool             `json:"converged" yaml:"converged"`
	Result       *types.Result    `json:"result,omitempty" yaml:"result,omitempty"`
	Expected     *float64         `json:"expected,omitempty" yaml:"expected,omitempty"`
	Verified     *bool            `json:"verified,omitempty" yaml:"verified,omitempty"`
	Metrics      metrics.Snapshot `json:"metrics" yaml:"metrics"`
}

// RunCommand returns the run command: ingest, drain both stages in this
// process, and print the result.
func RunCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Run one collection through the pipeline in this process",
		ArgsUsage: "[json payload]",
		Flags: withFlags(ConfigFlags(), []cli.Flag{FormatFlag, NoColorFlag}, []cli.Flag{
			&cli.StringFlag{
				Name:  "values",
				Usage: "Comma-separated values, e.g. 1,2,3",
			},
			&cli.StringFlag{
				Name:  "file",
				Usage: "Read a JSON payload from a file (- for stdin)",
			},
			&cli.BoolFlag{
				Name:  "local",
				Usage: "Use memory backends regardless of the config file",
			},
			&cli.BoolFlag{
				Name:  "verify",
				Usage: "Compare the result with a sequential fold of the input",
			},
			&cli.StringFlag{
				Name:  "transform",
				Usage: "Transform name (overrides pipeline.transform)",
			},
			&cli.StringFlag{
				Name:  "merge",
				Usage: "Merge name (overrides pipeline.merge)",
			},
			&cli.IntFlag{
				Name:  "max-rounds",
				Usage: "Give up after this many poll rounds",
				Value: defaultMaxRounds,
			},
		}),
		Action: runAction,
	}
}

func runAction(c *cli.Context) error {
	r, err := render.FromContext(c)
	if err != nil {
		return cli.Exit(err.Error(), exitInvalid)
	}
	values, payload, err := readInput(c)
	if err != nil {
		return cli.Exit(err.Error(), exitInvalid)
	}
	if payload != nil {
		if values, err = pipeline.ParsePayload(payload); err != nil {
			return cli.Exit(err.Error(), exitInvalid)
		}
	}

	cfg, err := loadConfig(c, func(cfg *config.Config) {
		if c.Bool("local") {
			cfg.Store = config.StoreConfig{Backend: config.BackendMemory}
			cfg.Queue.Backend = config.BackendMemory
			cfg.Results = config.ObjectConfig{Backend: config.BackendMemory}
		}
		if c.IsSet("transform") {
			cfg.Pipeline.Transform = c.String("transform")
		}
		if c.IsSet("merge") {
			cfg.Pipeline.Merge = c.String("merge")
		}
	})
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, "cli")
	if err != nil {
		return err
	}
	ctx, cancel := signalContext(c.Context)
	defer cancel()

	e, err := openEnv(ctx, cfg, logger, needAll)
	if err != nil {
		return cli.Exit(err.Error(), exitFailure)
	}
	defer func() { _ = e.Close() }()

	ingress, err := e.ingress()
	if err != nil {
		return cli.Exit(err.Error(), exitInvalid)
	}
	consumers, err := e.consumers(stageAll)
	if err != nil {
		return err
	}

	cid, err := ingress.IngestValues(ctx, values)
	if err != nil {
		return ingestExit(err)
	}
	if err := worker.Drain(ctx, c.Int("max-rounds"), consumers...); err != nil && !errors.Is(err, worker.ErrNotDrained) {
		return cli.Exit(fmt.Sprintf("run: %v", err), exitFailure)
	}

	res, err := lookupResult(ctx, e.results, cid)
	if err != nil {
		return cli.Exit(fmt.Sprintf("run: %v", err), exitFailure)
	}
	resp := RunResponse{CollectionID: cid, Converged: res != nil, Result: res, Metrics: e.metrics.Snapshot()}

	if c.Bool("verify") {
		if err := verify(&resp, values, cfg); err != nil {
			return err
		}
	}
	if err := r.Render(resp); err != nil {
		return err
	}

	switch {
	case !resp.Converged:
		return cli.Exit(fmt.Sprintf("collection %s did not converge (%d dead-lettered)", cid, resp.Metrics.DeadLettered), exitNotConverged)
	case resp.Verified != nil && !*resp.Verified && resp.Expected != nil:
		return cli.Exit(fmt.Sprintf("result %v differs from sequential fold %v", res.Value, *resp.Expected), exitFailure)
	case resp.Verified != nil && !*resp.Verified:
		return cli.Exit("collection converged but the sequential fold fails", exitFailure)
	}
	return nil
}

// verify fills Expected and Verified from a sequential fold. A fold that
// fails (a poison element) expects no result.
func verify(resp *RunResponse, values []float64, cfg *config.Config) error {
	t, err := fold.LookupTransform(cfg.Pipeline.Transform)
	if err != nil {
		return cli.Exit(err.Error(), exitInvalid)
	}
	m, err := fold.LookupMerge(cfg.Pipeline.Merge)
	if err != nil {
		return cli.Exit(err.Error(), exitInvalid)
	}

	want, _, foldErr := fold.Fold(values, t, m)
	ok := false
	switch {
	case foldErr != nil:
		ok = !resp.Converged
	case resp.Converged:
		resp.Expected = &want
		ok = closeEnough(resp.Result.Value, want)
	}
	resp.Verified = &ok
	return nil
}

func closeEnough(got, want float64) bool {
	if got == want {
		return true
	}
	diff := math.Abs(got - want)
	scale := math.Max(math.Abs(got), math.Abs(want))
	return diff <= verifyTolerance*scale
}
