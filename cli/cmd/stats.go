package cmd

import (
	extlode "github.com/justapithecus/lode/lode"
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/kilnbox/cli/reader"
	"github.com/pithecene-io/kilnbox/cli/render"
	"github.com/pithecene-io/kilnbox/lode"
)

// StatsCommand returns the stats command: aggregate the analytics
// dataset without touching a running host.
func StatsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Aggregate analytics records",
		Flags: append(ReadOnlyFlags(),
			&cli.StringFlag{
				Name:  "dataset",
				Usage: "Dataset id (default from config or kilnbox)",
			},
			&cli.StringFlag{
				Name:  "backend",
				Usage: "Dataset backend: fs or s3 (default from config)",
			},
			&cli.StringFlag{
				Name:  "path",
				Usage: "Dataset root (fs: directory, s3: bucket/prefix)",
			},
			&cli.StringFlag{
				Name:  "region",
				Usage: "AWS region for the s3 backend",
			},
			&cli.StringFlag{
				Name:  "source",
				Usage: "Filter by source: cli, rest, worker",
			},
			&cli.StringFlag{
				Name:  "plugin",
				Usage: "Filter by plugin id",
			},
			&cli.StringFlag{
				Name:  "day",
				Usage: "Filter by partition day (YYYY-MM-DD, UTC)",
			},
		),
		Action: statsAction,
	}
}

func statsAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	analytics := cfg.Platform.Analytics

	dataset := c.String("dataset")
	if dataset == "" {
		dataset = analytics.Dataset
	}
	backend := c.String("backend")
	if backend == "" {
		backend = analytics.Backend
	}
	path := c.String("path")
	if path == "" {
		path = analytics.Path
	}
	region := c.String("region")
	if region == "" {
		region = analytics.Region
	}
	if path == "" {
		return cli.Exit("no dataset: pass --path or configure the lode analytics sink", 2)
	}

	var ds extlode.Dataset
	switch backend {
	case "", "fs":
		ds, err = lode.NewFSDataset(dataset, path)
	case "s3":
		bucket, prefix := lode.ParseS3Path(path)
		ds, err = lode.NewS3Dataset(c.Context, dataset, lode.S3Config{
			Bucket: bucket,
			Prefix: prefix,
			Region: region,
		})
	default:
		return cli.Exit("backend must be fs or s3", 2)
	}
	if err != nil {
		return err
	}

	stats, err := lode.QueryStats(c.Context, ds, lode.StatsFilter{
		Source: c.String("source"),
		Plugin: c.String("plugin"),
		Day:    c.String("day"),
	})
	if err != nil {
		return err
	}

	summary := reader.Summarize(stats)
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	if c.Bool("tui") {
		return r.RenderTUI("stats", summary)
	}
	return r.Render(summary)
}
