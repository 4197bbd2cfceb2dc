package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/pithecene-io/sluice/api"
	"github.com/pithecene-io/sluice/cli/config"
	"github.com/pithecene-io/sluice/worker"
)

// signalContext cancels on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// ServeCommand returns the serve command: HTTP ingress plus both consumers
// in one process.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API and the map and reduce workers",
		Flags: withFlags(ConfigFlags(), []cli.Flag{
			&cli.StringFlag{
				Name:  "listen",
				Usage: "Listen address (overrides listen)",
			},
			&cli.BoolFlag{
				Name:  "no-workers",
				Usage: "Serve the API only and leave consumption to sluice worker",
			},
		}),
		Action: serveAction,
	}
}

func serveAction(c *cli.Context) error {
	cfg, err := loadConfig(c, func(cfg *config.Config) {
		if c.IsSet("listen") {
			cfg.Listen = c.String("listen")
		}
	})
	if err != nil {
		return err
	}
	if c.Bool("no-workers") && cfg.ProcessLocal() {
		return cli.Exit("--no-workers needs shared store and queue backends (redis or bolt)", exitInvalid)
	}

	logger, err := newLogger(cfg, "api")
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
	var consumers []worker.Consumer
	if !c.Bool("no-workers") {
		if consumers, err = e.consumers(stageAll); err != nil {
			return err
		}
	}

	srv := api.New(api.Config{
		Addr:    cfg.Listen,
		Ingress: ingress,
		Packets: e.packets,
		Results: e.results,
		Queues:  e.queues(),
		Metrics: e.metrics,
		Logger:  logger,
	})

	logger.Sugar().Infof("serving on %s (store=%s queue=%s workers=%d)",
		cfg.Listen, cfg.Store.Backend, cfg.Queue.Backend, len(consumers))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	if len(consumers) > 0 {
		g.Go(func() error { return worker.RunAll(gctx, consumers...) })
	}
	if err := g.Wait(); err != nil {
		return cli.Exit(fmt.Sprintf("serve: %v", err), exitFailure)
	}
	return nil
}
