package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rubiojr/chainstream/pkg/api"
	"github.com/rubiojr/chainstream/pkg/config"
	"github.com/urfave/cli/v3"
)

// StatusCommand creates the status command
func StatusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show the status of a running stream daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "url",
				Usage: "API base URL (defaults to the configured listen address)",
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Print raw JSON",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			base := c.String("url")
			if base == "" {
				cfg, err := config.LoadConfig(c.String("config"))
				if err != nil {
					return fmt.Errorf("loading config: %w", err)
				}
				base = "http://" + cfg.API.Listen
			}
			status, err := fetchStatus(ctx, base)
			if err != nil {
				return err
			}
			if c.Bool("json") {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(status)
			}
			fmt.Println(formatStatus(status))
			return nil
		},
	}
}

func fetchStatus(ctx context.Context, base string) (*api.StatusResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+"/api/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("contacting daemon (is 'chainstream stream' running with the API enabled?): %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		var e api.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return nil, fmt.Errorf("daemon returned %s: %s", resp.Status, e.Message)
	}
	var status api.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decoding status: %w", err)
	}
	return &status, nil
}

func formatStatus(s *api.StatusResponse) string {
	state := kindTitle(s.State)
	switch {
	case s.Connected:
		state = okStyle.Render(state)
	case s.Exhausted:
		state = badStyle.Render(state + " (reconnect attempts exhausted)")
	default:
		state = warnStyle.Render(state)
	}

	out := titleStyle.Render("chainstream "+s.Version) + "\n"
	out += row("State", state) + "\n"
	out += row("Node", s.URL) + "\n"
	if s.ConnectedAt != nil {
		out += row("Connected since", s.ConnectedAt.Local().Format(time.DateTime)) + "\n"
	}
	out += row("Reconnects", s.ReconnectCount) + "\n"
	out += row("Errors", s.ErrorCount) + "\n"
	if s.LastHeartbeatAt != nil {
		out += row("Last heartbeat", fmt.Sprintf("%s (%.0f ms)", s.LastHeartbeatAt.Local().Format(time.TimeOnly), s.HeartbeatLatencyMs)) + "\n"
	}
	if s.Paused {
		out += row("Delivery", warnStyle.Render("Paused")) + "\n"
	}
	if s.Cooling {
		out += row("Error recovery", warnStyle.Render("Cooling down")) + "\n"
	}

	out += headerStyle.Render(fmt.Sprintf("Subscriptions (%d active of %d)", s.ActiveSubscriptions, s.SubscriptionCount)) + "\n"
	if len(s.Subscriptions) == 0 {
		out += noDataStyle.Render("No subscriptions configured.") + "\n"
	}
	for _, sub := range s.Subscriptions {
		live := warnStyle.Render("pending")
		switch {
		case !sub.Enabled:
			live = metaStyle.Render("disabled")
		case sub.Live:
			live = okStyle.Render("live") + " " + metaStyle.Render(sub.Handle)
		}
		out += row(sub.ID, kindTitle(sub.Kind)+" "+live) + "\n"
	}

	if a := s.Archive; a != nil {
		out += headerStyle.Render("Archive") + "\n"
		out += row("Stored", a.Stored) + "\n"
		out += row("Pending", a.Pending) + "\n"
		out += row("Failed", a.Failed) + "\n"
		out += row("Bridge clients", a.BridgeClients) + "\n"
	}
	return out
}
