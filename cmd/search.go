package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/rubiojr/chainstream/pkg/config"
	"github.com/rubiojr/chainstream/pkg/core"
	"github.com/rubiojr/chainstream/pkg/storage"
	"github.com/urfave/cli/v3"
)

// SearchCommand creates the search command
func SearchCommand() *cli.Command {
	return &cli.Command{
		Name:      "search",
		Usage:     "Search archived items",
		ArgsUsage: "[query]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "query",
				Usage: "Full-text query (also accepted as the first argument)",
			},
			&cli.StringSliceFlag{
				Name:  "subscription",
				Usage: "Only items from these subscriptions",
			},
			&cli.StringSliceFlag{
				Name:  "kind",
				Usage: "Only items of these kinds (new_blocks, pending_transactions, logs, contract_event)",
			},
			&cli.StringFlag{
				Name:  "since",
				Usage: "Only items observed at or after this time (RFC3339 or YYYY-MM-DD)",
			},
			&cli.StringFlag{
				Name:  "until",
				Usage: "Only items observed before this time (RFC3339 or YYYY-MM-DD)",
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum number of results",
				Value: 10,
			},
			&cli.IntFlag{
				Name:  "page",
				Usage: "Result page",
				Value: 1,
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Print raw JSON",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			q := c.String("query")
			if q == "" {
				q = c.Args().First()
			}
			v := url.Values{}
			v.Set("q", q)
			v.Set("limit", strconv.Itoa(int(c.Int("limit"))))
			v.Set("page", strconv.Itoa(int(c.Int("page"))))
			v["subscription"] = c.StringSlice("subscription")
			v["kind"] = c.StringSlice("kind")
			if s := c.String("since"); s != "" {
				v.Set("since", s)
			}
			if s := c.String("until"); s != "" {
				v.Set("until", s)
			}
			// Same parsing as the HTTP search endpoint.
			params, err := storage.ParseSearchParams(v)
			if err != nil {
				return err
			}
			return searchItems(c.String("config"), params, c.Bool("json"))
		},
	}
}

func searchItems(configPath string, params storage.SearchParams, asJSON bool) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore(store)

	results, err := store.Search(params)
	if err != nil {
		return fmt.Errorf("searching archive: %w", err)
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	if results.Count == 0 {
		fmt.Println(noDataStyle.Render("No results found"))
		return nil
	}
	for _, item := range results.Items {
		fmt.Println(formatItem(item))
	}
	footer := fmt.Sprintf("Page %d, %d results", results.Page, results.Count)
	if results.HasMore {
		footer += fmt.Sprintf(" (more with --page %d)", results.Page+1)
	}
	fmt.Println(metaStyle.Render(footer))
	return nil
}

func formatItem(item core.StreamItem) string {
	body := item.Summary() + "\n" +
		metaStyle.Render(fmt.Sprintf("%s · %s · %s", item.SubscriptionID, kindTitle(item.Kind.String()),
			item.Timestamp.Local().Format(time.DateTime)))
	if item.Removed {
		body += "\n" + warnStyle.Render("removed by reorg")
	}
	if item.DecodeError != "" {
		body += "\n" + badStyle.Render(item.DecodeError)
	}
	return itemStyle.Render(body)
}
