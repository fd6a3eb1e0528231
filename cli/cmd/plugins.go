package cmd

import (
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/kilnbox/cli/reader"
	"github.com/pithecene-io/kilnbox/cli/render"
	"github.com/pithecene-io/kilnbox/plugin"
)

// PluginsCommand returns the plugins command: registry contents
// without executing anything.
func PluginsCommand() *cli.Command {
	return &cli.Command{
		Name:  "plugins",
		Usage: "List registered plugins",
		Flags: append(ReadOnlyFlags(),
			&cli.BoolFlag{
				Name:  "handlers",
				Usage: "List handlers instead of plugins",
			},
		),
		Action: pluginsAction,
	}
}

func pluginsAction(c *cli.Context) error {
	if c.Bool("tui") {
		return cli.Exit("--tui is not supported for plugins", 1)
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	reg := plugin.NewRegistry()
	if cfg.PluginDir != "" {
		if _, err := os.Stat(cfg.PluginDir); err == nil {
			if _, err := reg.LoadDir(cfg.PluginDir); err != nil {
				return err
			}
		}
	}

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	if c.Bool("handlers") {
		return r.Render(reader.Handlers(reg))
	}
	return r.Render(reader.Plugins(reg))
}
