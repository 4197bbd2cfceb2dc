package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/sluice/worker"
)

// WorkerCommand returns the worker command: consumers only, against shared
// backends.
func WorkerCommand() *cli.Command {
	return &cli.Command{
		Name:  "worker",
		Usage: "Run map and/or reduce consumers",
		Flags: withFlags(ConfigFlags(), []cli.Flag{
			&cli.StringFlag{
				Name:  "stage",
				Usage: "Stage to consume: map, reduce, all",
				Value: stageAll,
			},
		}),
		Action: workerAction,
	}
}

func workerAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if cfg.ProcessLocal() {
		return cli.Exit("worker needs shared store and queue backends; use `sluice serve` or `sluice run --local`", exitInvalid)
	}

	stage := c.String("stage")
	logger, err := newLogger(cfg, "worker")
	if err != nil {
		return err
	}
	ctx, cancel := signalContext(c.Context)
	defer cancel()

	n := needPackets | needQueues
	if stage != stageMap {
		n |= needResults | needNotifier
	}
	e, err := openEnv(ctx, cfg, logger, n)
	if err != nil {
		return cli.Exit(err.Error(), exitFailure)
	}
	defer func() { _ = e.Close() }()

	consumers, err := e.consumers(stage)
	if err != nil {
		return err
	}

	logger.Sugar().Infof("consuming stage %s (store=%s queue=%s)", stage, cfg.Store.Backend, cfg.Queue.Backend)
	if err := worker.RunAll(ctx, consumers...); err != nil {
		return cli.Exit(fmt.Sprintf("worker: %v", err), exitFailure)
	}
	return nil
}
