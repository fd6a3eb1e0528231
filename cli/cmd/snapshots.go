package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/kilnbox/cli/reader"
	"github.com/pithecene-io/kilnbox/cli/render"
)

// workspaceFlag points snapshot commands at a workspace directory.
var workspaceFlag = &cli.StringFlag{
	Name:    "workspace",
	Aliases: []string{"w"},
	Usage:   "Workspace directory holding the snapshots",
	Value:   ".",
}

// SnapshotsCommand returns the snapshots command group: browse and
// prune the failure snapshots a workspace has accumulated.
func SnapshotsCommand() *cli.Command {
	return &cli.Command{
		Name:  "snapshots",
		Usage: "Browse failure snapshots",
		Subcommands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List snapshots, newest first",
				Flags:  append(ReadOnlyFlags(), workspaceFlag),
				Action: snapshotsListAction,
			},
			{
				Name:      "show",
				Usage:     "Show one snapshot",
				ArgsUsage: "<file>",
				Flags:     append(ReadOnlyFlags(), workspaceFlag),
				Action:    snapshotsShowAction,
			},
			{
				Name:  "prune",
				Usage: "Remove old snapshots",
				Flags: []cli.Flag{
					workspaceFlag,
					&cli.IntFlag{
						Name:  "keep",
						Usage: "Snapshots to keep",
						Value: 10,
					},
				},
				Action: snapshotsPruneAction,
			},
		},
	}
}

func snapshotsListAction(c *cli.Context) error {
	items, err := reader.Snapshots(c.String("workspace"))
	if err != nil {
		return err
	}
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	if c.Bool("tui") {
		return r.RenderTUI("snapshot_list", items)
	}
	return r.Render(items)
}

func snapshotsShowAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: kilnbox snapshots show <file>", 2)
	}
	detail, err := reader.Snapshot(c.String("workspace"), c.Args().First())
	if err != nil {
		return err
	}
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	if c.Bool("tui") {
		return r.RenderTUI("snapshot", detail)
	}
	return r.Render(detail)
}

func snapshotsPruneAction(c *cli.Context) error {
	removed, err := reader.PruneSnapshots(c.String("workspace"), c.Int("keep"))
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "removed %d snapshots\n", removed)
	return nil
}
