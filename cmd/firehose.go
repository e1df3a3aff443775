package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rubiojr/chainstream/pkg/config"
	"github.com/rubiojr/chainstream/pkg/realtime"
	"github.com/urfave/cli/v3"
)

// FirehoseCommand tails the daemon's realtime events and writes them to
// stdout as NDJSON.
//
// Typical usage:
//
//	chainstream firehose --socket /run/chainstream/bridge.sock
//	chainstream firehose                  (uses event_socket_path from config)
//	chainstream firehose --ws             (uses the API websocket instead)
//	chainstream firehose | jq -r '.item.tx_hash'
//
// By default only "data" events are printed. --all includes lifecycle
// events and bridge heartbeats. The command reconnects with exponential
// backoff until interrupted, unless --no-retry is set.
func FirehoseCommand() *cli.Command {
	return &cli.Command{
		Name:  "firehose",
		Usage: "Stream realtime events (NDJSON) from the event bridge socket or the API websocket",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "socket",
				Usage: "Path to Unix domain socket (overrides config event_socket_path)",
			},
			&cli.BoolFlag{
				Name:  "ws",
				Usage: "Read from the API websocket instead of the bridge socket",
			},
			&cli.StringFlag{
				Name:  "url",
				Usage: "Websocket URL (implies --ws, defaults to the configured API address)",
			},
			&cli.StringSliceFlag{
				Name:  "subscription",
				Usage: "Only items from these subscriptions (websocket mode)",
			},
			&cli.StringSliceFlag{
				Name:  "kind",
				Usage: "Only items of these kinds (websocket mode)",
			},
			&cli.BoolFlag{
				Name:  "all",
				Usage: "Print every event type instead of only data events",
			},
			&cli.BoolFlag{
				Name:  "pretty",
				Usage: "Pretty-print JSON instead of raw single-line",
			},
			&cli.BoolFlag{
				Name:  "no-retry",
				Usage: "Do not retry on failures; exit on first connection error",
			},
			&cli.DurationFlag{
				Name:  "initial-backoff",
				Usage: "Initial reconnect backoff",
				Value: 1 * time.Second,
			},
			&cli.DurationFlag{
				Name:  "max-backoff",
				Usage: "Maximum reconnect backoff",
				Value: 30 * time.Second,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			opts := firehoseOptions{
				includeAll:     c.Bool("all"),
				pretty:         c.Bool("pretty"),
				noRetry:        c.Bool("no-retry"),
				initialBackoff: c.Duration("initial-backoff"),
				maxBackoff:     c.Duration("max-backoff"),
				stdout:         os.Stdout,
				stderr:         os.Stderr,
			}

			wsURL := c.String("url")
			socketPath := c.String("socket")
			if socketPath == "" || (wsURL == "" && c.Bool("ws")) {
				cfg, err := config.LoadConfig(c.String("config"))
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				if socketPath == "" {
					socketPath = cfg.EventSocketPath
				}
				if wsURL == "" && c.Bool("ws") {
					wsURL = "ws://" + cfg.API.Listen + "/api/firehose/ws"
				}
			}

			if wsURL != "" {
				u, err := firehoseURL(wsURL, c.StringSlice("subscription"), c.StringSlice("kind"))
				if err != nil {
					return err
				}
				return tailFirehose(ctx, opts, u, dialWebsocket)
			}

			if socketPath == "" {
				return errors.New("no socket path provided (flag --socket or config event_socket_path required)")
			}
			return tailFirehose(ctx, opts, socketPath, dialSocket)
		},
	}
}

type firehoseOptions struct {
	includeAll     bool
	pretty         bool
	noRetry        bool
	initialBackoff time.Duration
	maxBackoff     time.Duration
	stdout         io.Writer
	stderr         io.Writer
}

// lineSource yields one JSON document per call until it fails.
type lineSource interface {
	next() ([]byte, error)
	Close() error
}

type dialFunc func(ctx context.Context, target string) (lineSource, error)

func firehoseURL(raw string, subs, kinds []string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid websocket url: %w", err)
	}
	q := u.Query()
	if len(subs) > 0 {
		q.Set("subscription", strings.Join(subs, ","))
	}
	if len(kinds) > 0 {
		q.Set("kind", strings.Join(kinds, ","))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func tailFirehose(ctx context.Context, opts firehoseOptions, target string, dial dialFunc) error {
	if opts.initialBackoff <= 0 {
		opts.initialBackoff = time.Second
	}
	if opts.maxBackoff < opts.initialBackoff {
		opts.maxBackoff = 30 * time.Second
	}

	_, _ = fmt.Fprintf(opts.stderr, "Firehose: connecting to %s\n", target)
	backoff := opts.initialBackoff

	for {
		src, err := dial(ctx, target)
		if err != nil {
			if opts.noRetry {
				return fmt.Errorf("dial: %w", err)
			}
			_, _ = fmt.Fprintf(opts.stderr, "Firehose: dial failed (%v), retrying in %s\n", err, backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, opts.maxBackoff)
			continue
		}

		_, _ = fmt.Fprintf(opts.stderr, "Firehose: connected\n")
		backoff = opts.initialBackoff

		err = streamEvents(ctx, src, opts)
		_ = src.Close()
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if opts.noRetry {
			return err
		}
		if err != nil {
			_, _ = fmt.Fprintf(opts.stderr, "Firehose: stream error (%v), reconnecting...\n", err)
		} else {
			_, _ = fmt.Fprintf(opts.stderr, "Firehose: disconnected, reconnecting...\n")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}

func streamEvents(ctx context.Context, src lineSource, opts firehoseOptions) error {
	stop := context.AfterFunc(ctx, func() { _ = src.Close() })
	defer stop()

	for {
		line, err := src.next()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		printEvent(line, opts)
	}
}

// printEvent writes one frame, filtering and formatting it per opts.
// Malformed frames are only shown with --all.
func printEvent(line []byte, opts firehoseOptions) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}

	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(line, &head); err != nil {
		if opts.includeAll {
			_, _ = fmt.Fprintln(opts.stdout, string(line))
		}
		return
	}
	// The websocket init frame carries the snapshot, not a live event.
	if !opts.includeAll && head.Type != string(realtime.EventData) {
		return
	}

	if opts.pretty {
		var out bytes.Buffer
		if err := json.Indent(&out, line, "", "  "); err == nil {
			_, _ = fmt.Fprintln(opts.stdout, out.String())
			return
		}
	}
	_, _ = fmt.Fprintln(opts.stdout, string(line))
}

type socketSource struct {
	conn net.Conn
	sc   *bufio.Scanner
}

func dialSocket(ctx context.Context, path string) (lineSource, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, err
	}
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	return &socketSource{conn: conn, sc: sc}, nil
}

func (s *socketSource) next() ([]byte, error) {
	if s.sc.Scan() {
		return s.sc.Bytes(), nil
	}
	if err := s.sc.Err(); err != nil {
		return nil, fmt.Errorf("read error: %w", err)
	}
	return nil, io.EOF
}

func (s *socketSource) Close() error { return s.conn.Close() }

type wsSource struct {
	conn *websocket.Conn
}

func dialWebsocket(ctx context.Context, target string) (lineSource, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w (HTTP %d)", err, resp.StatusCode)
		}
		return nil, err
	}
	// Pings from the server are answered by the default ping handler while
	// next is reading.
	return &wsSource{conn: conn}, nil
}

func (w *wsSource) next() ([]byte, error) {
	_, data, err := w.conn.ReadMessage()
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil, io.EOF
	}
	return data, err
}

func (w *wsSource) Close() error { return w.conn.Close() }
