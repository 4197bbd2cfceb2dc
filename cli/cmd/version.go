package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/sluice/cli/render"
	"github.com/pithecene-io/sluice/types"
)

// VersionResponse is the payload of the version command.
type VersionResponse struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// VersionCommand returns the version command. It opens no backend.
func VersionCommand(commit string) *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version information",
		Flags: ReadOnlyFlags(),
		Action: func(c *cli.Context) error {
			if err := rejectTUI(c, "version"); err != nil {
				return err
			}
			r, err := render.FromContext(c)
			if err != nil {
				return cli.Exit(err.Error(), exitInvalid)
			}
			return r.Render(VersionResponse{Version: types.Version, Commit: commit})
		},
	}
}
