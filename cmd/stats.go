package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"slices"
	"time"

	"github.com/rubiojr/chainstream/pkg/config"
	"github.com/rubiojr/chainstream/pkg/storage"
	"github.com/urfave/cli/v3"
)

// StatsCommand creates the stats command
func StatsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Show archive statistics",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Print raw JSON",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := config.LoadConfig(c.String("config"))
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer closeStore(store)

			stats, err := store.Stats()
			if err != nil {
				return fmt.Errorf("getting stats: %w", err)
			}
			if c.Bool("json") {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(stats)
			}
			fmt.Println(formatStats(stats))
			return nil
		},
	}
}

func formatStats(stats *storage.Stats) string {
	out := titleStyle.Render("Archive Statistics") + "\n"
	out += row("Total items", stats.TotalItems) + "\n"
	if stats.TotalItems == 0 {
		return out + noDataStyle.Render("Nothing archived yet.")
	}
	out += row("Removed (reorgs)", stats.Removed) + "\n"
	out += row("Decode errors", stats.DecodeErrors) + "\n"
	if stats.Oldest != nil {
		out += row("Oldest", stats.Oldest.Local().Format(time.DateTime)) + "\n"
	}
	if stats.Newest != nil {
		out += row("Newest", stats.Newest.Local().Format(time.DateTime)) + "\n"
	}
	if stats.Oldest != nil && stats.Newest != nil {
		out += row("Span", stats.Newest.Sub(*stats.Oldest).Round(time.Second)) + "\n"
	}

	out += headerStyle.Render("By kind") + "\n"
	for _, kind := range slices.Sorted(maps.Keys(stats.PerKind)) {
		out += row(kindTitle(kind), countWithShare(stats.PerKind[kind], stats.TotalItems)) + "\n"
	}
	out += headerStyle.Render("By subscription") + "\n"
	for _, sub := range slices.Sorted(maps.Keys(stats.PerSubscription)) {
		out += row(sub, countWithShare(stats.PerSubscription[sub], stats.TotalItems)) + "\n"
	}
	return out
}

func countWithShare(n, total int) string {
	if total == 0 {
		return fmt.Sprint(n)
	}
	return fmt.Sprintf("%d %s", n, metaStyle.Render(fmt.Sprintf("(%.1f%%)", float64(n)/float64(total)*100)))
}
