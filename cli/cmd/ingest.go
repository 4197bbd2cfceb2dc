package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/sluice/cli/config"
	"github.com/pithecene-io/sluice/cli/render"
	"github.com/pithecene-io/sluice/pipeline"
)

// IngestResponse is the payload of the ingest command.
type IngestResponse struct {
	CollectionID string `json:"collection_id" yaml:"collection_id"`
	Elements     int    `json:"elements" yaml:"elements"`
}

// IngestCommand returns the ingest command.
func IngestCommand() *cli.Command {
	return &cli.Command{
		Name:      "ingest",
		Usage:     "Submit a collection and print its id",
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
		}),
		Action: ingestAction,
	}
}

func ingestAction(c *cli.Context) error {
	r, err := render.FromContext(c)
	if err != nil {
		return cli.Exit(err.Error(), exitInvalid)
	}
	values, payload, err := readInput(c)
	if err != nil {
		return cli.Exit(err.Error(), exitInvalid)
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if cfg.ProcessLocal() || cfg.Results.Backend == config.BackendMemory {
		return cli.Exit("ingest needs shared store, queue and results backends; use `sluice run --local` for an in-process pipeline", exitInvalid)
	}

	logger, err := newLogger(cfg, "cli")
	if err != nil {
		return err
	}
	e, err := openEnv(c.Context, cfg, logger, needQueues|needResults)
	if err != nil {
		return cli.Exit(err.Error(), exitFailure)
	}
	defer func() { _ = e.Close() }()

	ingress, err := e.ingress()
	if err != nil {
		return cli.Exit(err.Error(), exitInvalid)
	}

	if payload != nil {
		values, err = pipeline.ParsePayload(payload)
		if err != nil {
			return cli.Exit(err.Error(), exitInvalid)
		}
	}
	cid, err := ingress.IngestValues(c.Context, values)
	if err != nil {
		return ingestExit(err)
	}
	return r.Render(IngestResponse{CollectionID: cid, Elements: len(values)})
}

// readInput returns either parsed --values or a raw JSON payload from
// --file or the first argument.
func readInput(c *cli.Context) ([]float64, []byte, error) {
	sources := 0
	for _, set := range []bool{c.IsSet("values"), c.IsSet("file"), c.Args().Present()} {
		if set {
			sources++
		}
	}
	if sources != 1 {
		return nil, nil, errors.New("exactly one of --values, --file or a JSON argument is required")
	}

	switch {
	case c.IsSet("values"):
		v, err := parseValues(c.String("values"))
		return v, nil, err
	case c.IsSet("file"):
		data, err := readFile(c.String("file"), c.App.Reader)
		return nil, data, err
	default:
		return nil, []byte(c.Args().First()), nil
	}
}

func readFile(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" {
		if stdin == nil {
			stdin = os.Stdin
		}
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	return data, nil
}

// parseValues parses "1, 2.5,3". An empty string is an empty collection.
func parseValues(s string) ([]float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return []float64{}, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float64, 0, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("value %d: %q is not a number", i, strings.TrimSpace(p))
		}
		out = append(out, v)
	}
	return out, nil
}

// ingestExit maps an ingest error to an exit code. A transient failure
// names the collection id it left pending.
func ingestExit(err error) error {
	if pipeline.IsValidation(err) {
		return cli.Exit(err.Error(), exitInvalid)
	}
	var te *pipeline.TransientError
	if errors.As(err, &te) && te.CollectionID != "" {
		return cli.Exit(fmt.Sprintf("%v (collection %s may be incomplete; ingest again)", err, te.CollectionID), exitFailure)
	}
	return cli.Exit(err.Error(), exitFailure)
}
