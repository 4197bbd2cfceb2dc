package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/sluice/cli/config"
	"github.com/pithecene-io/sluice/cli/render"
	"github.com/pithecene-io/sluice/types"
)

// PurgeResponse reports what purge removed.
type PurgeResponse struct {
	CollectionID string `json:"collection_id" yaml:"collection_id"`
	LivePackets  int64  `json:"live_packets" yaml:"live_packets"`
	Converged    bool   `json:"converged" yaml:"converged"`
}

// PurgeCommand returns the purge command.
func PurgeCommand() *cli.Command {
	return &cli.Command{
		Name:      "purge",
		Usage:     "Drop the packets and tombstones of a converged collection",
		ArgsUsage: "<collection-id>",
		Flags: withFlags(ConfigFlags(), []cli.Flag{FormatFlag, NoColorFlag,
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Purge even if the collection has no result",
			},
		}),
		Action: purgeAction,
	}
}

func purgeAction(c *cli.Context) error {
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
	if cfg.Store.Backend == config.BackendMemory || cfg.Results.Backend == config.BackendMemory {
		return cli.Exit("purge needs shared store and results backends", exitInvalid)
	}
	logger, err := newLogger(cfg, "cli")
	if err != nil {
		return err
	}
	e, err := openEnv(c.Context, cfg, logger, needPackets|needResults)
	if err != nil {
		return cli.Exit(err.Error(), exitFailure)
	}
	defer func() { _ = e.Close() }()

	res, err := lookupResult(c.Context, e.results, id)
	if err != nil {
		return cli.Exit(fmt.Sprintf("purge: %v", err), exitFailure)
	}
	if res == nil && !c.Bool("force") {
		return cli.Exit(fmt.Sprintf("collection %s has not converged (use --force to purge anyway)", id), exitNotConverged)
	}

	n, err := e.packets.Count(c.Context, id)
	if err != nil {
		return cli.Exit(fmt.Sprintf("purge: %v", err), exitFailure)
	}
	if err := e.packets.Purge(c.Context, id); err != nil {
		return cli.Exit(fmt.Sprintf("purge: %v", err), exitFailure)
	}
	logger.Info("collection purged", map[string]any{"collection_id": id, "live_packets": n})
	return r.Render(PurgeResponse{CollectionID: id, LivePackets: n, Converged: res != nil})
}
