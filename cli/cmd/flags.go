// Package cmd provides the commands of the sluice binary.
package cmd

import "github.com/urfave/cli/v2"

// Exit codes shared by every command.
const (
	exitOK           = 0
	exitFailure      = 1
	exitInvalid      = 2
	exitNotConverged = 3
)

var (
	// ConfigFlag points at a sluice.yaml file. Without it every default applies.
	ConfigFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to sluice.yaml",
		EnvVars: []string{"SLUICE_CONFIG"},
	}

	// LogLevelFlag overrides log.level.
	LogLevelFlag = &cli.StringFlag{
		Name:  "log-level",
		Usage: "Log level: debug, info, warn, error",
	}

	// FormatFlag selects output format: json, table, yaml.
	FormatFlag = &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Usage:   "Output format: json, table, yaml",
	}

	// NoColorFlag disables colored output.
	NoColorFlag = &cli.BoolFlag{
		Name:  "no-color",
		Usage: "Disable colored output",
	}

	// TUIFlag enables a live Bubble Tea view. Only status and queues have one.
	TUIFlag = &cli.BoolFlag{
		Name:  "tui",
		Usage: "Enable interactive TUI mode (status, queues only)",
	}
)

// ConfigFlags returns the flags every command that opens backends takes.
func ConfigFlags() []cli.Flag {
	return []cli.Flag{ConfigFlag, LogLevelFlag}
}

// ReadOnlyFlags returns the output flags of commands that only print.
// --tui is included everywhere so unsupported commands can reject it with
// a clear message.
func ReadOnlyFlags() []cli.Flag {
	return []cli.Flag{FormatFlag, NoColorFlag, TUIFlag}
}

func withFlags(groups ...[]cli.Flag) []cli.Flag {
	var out []cli.Flag
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

func rejectTUI(c *cli.Context, command string) error {
	if c.Bool("tui") {
		return cli.Exit("--tui is not supported for "+command, exitInvalid)
	}
	return nil
}
