package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rubiojr/chainstream/cmd"
	"github.com/rubiojr/chainstream/pkg/config"
	"github.com/rubiojr/chainstream/pkg/log"
	"github.com/urfave/cli/v3"
)

func main() {
	app := &cli.Command{
		Name:  "chainstream",
		Usage: "Stream, decode and archive blockchain events over a node websocket",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging for every service",
				Value: false,
			},
			&cli.StringFlag{
				Name:  "debug-services",
				Usage: "Comma separated services to debug (stream, connection, warehouse, api...)",
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "Configuration file path",
				Value: getDefaultConfigPathOrExit(),
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			if c.Bool("debug") {
				log.SetGlobalDebug(true)
			}
			if list := c.String("debug-services"); list != "" {
				log.EnableDebugList(list)
			}
			return ctx, nil
		},
		Commands: []*cli.Command{
			cmd.InitCommand(),
			cmd.StreamCommand(),
			cmd.StatusCommand(),
			cmd.FirehoseCommand(),
			cmd.SearchCommand(),
			cmd.StatsCommand(),
			cmd.OptimizeCommand(),
			cmd.MigrateCommand(),
			cmd.VersionCommand(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func getDefaultConfigPathOrExit() string {
	path, err := config.GetDefaultConfigPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to get default config path: %v\n", err)
		os.Exit(1)
	}
	return path
}
