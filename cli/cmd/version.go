package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/kilnbox/cli/render"
	"github.com/pithecene-io/kilnbox/types"
)

// VersionResponse is the version command payload. The version is the
// canonical project version; every binary carries the same one.
type VersionResponse struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// VersionCommand returns the version command. It never touches the
// backend or the plugin registry.
func VersionCommand(commit string) *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version information",
		Flags: ReadOnlyFlags(),
		Action: func(c *cli.Context) error {
			if c.Bool("tui") {
				return cli.Exit("--tui is not supported for version", 1)
			}
			r, err := render.NewRenderer(c)
			if err != nil {
				return err
			}
			return r.Render(VersionResponse{
				Version: types.Version,
				Commit:  commit,
			})
		},
	}
}
