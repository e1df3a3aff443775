package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rubiojr/chainstream/pkg/api"
	"github.com/rubiojr/chainstream/pkg/config"
	"github.com/rubiojr/chainstream/pkg/core"
	"github.com/rubiojr/chainstream/pkg/log"
	"github.com/rubiojr/chainstream/pkg/storage"
	"github.com/rubiojr/chainstream/pkg/stream"
	"github.com/rubiojr/chainstream/pkg/transport"
	"github.com/rubiojr/chainstream/pkg/warehouse"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

// StreamCommand creates the stream command
func StreamCommand() *cli.Command {
	return &cli.Command{
		Name:    "stream",
		Aliases: []string{"serve"},
		Usage:   "Run the streaming daemon",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "print",
				Usage: "Print a summary line for every delivered item",
			},
			&cli.StringFlag{
				Name:  "listen",
				Usage: "Override the API listen address",
			},
			&cli.BoolFlag{
				Name:  "no-api",
				Usage: "Do not start the HTTP API",
			},
			&cli.BoolFlag{
				Name:  "no-archive",
				Usage: "Do not persist items to the archive",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := config.LoadConfig(c.String("config"))
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if l := c.String("listen"); l != "" {
				cfg.API.Listen = l
				cfg.API.Enabled = true
			}
			if c.Bool("no-api") {
				cfg.API.Enabled = false
			}
			if c.Bool("no-archive") {
				cfg.Archive.Enabled = false
			}
			return runStream(ctx, c.String("config"), cfg, c.Bool("print"))
		},
	}
}

func printItem(_ context.Context, item core.StreamItem) error {
	fmt.Println(item.Summary())
	return nil
}

// runStream wires the streamer, the archive and the API, and blocks until a
// termination signal arrives or a component fails.
func runStream(ctx context.Context, configPath string, cfg *config.Config, printItems bool) error {
	l := log.ForService("stream")

	st, err := stream.New(cfg.Stream, transport.NewWebSocket())
	if err != nil {
		return err
	}
	defer st.Shutdown()

	var store *storage.Store
	if cfg.Archive.Enabled {
		if err := os.MkdirAll(cfg.StorageDir, 0o755); err != nil {
			return fmt.Errorf("creating storage directory: %w", err)
		}
		store, err = storage.Open(cfg.DBPath(), storage.Options{CompressPayloads: cfg.Archive.CompressPayloads})
		if err != nil {
			return fmt.Errorf("opening archive: %w", err)
		}
		defer closeStore(store)
		l.Infof("archiving items to %s", cfg.DBPath())
	}

	var wh *warehouse.Warehouse
	if store != nil || cfg.EventSocketPath != "" {
		wh = warehouse.New(warehouse.ConfigFrom(cfg), store, st.Events())
		if err := wh.Start(ctx); err != nil {
			return fmt.Errorf("starting warehouse: %w", err)
		}
		defer wh.Stop()
	}

	var cb core.Callback
	if printItems {
		cb = printItem
	}
	subs := newSubscriptionSet(st, filepath.Dir(configPath), cb)
	sum, err := subs.apply(cfg.Subscriptions)
	if err != nil {
		return fmt.Errorf("configuring subscriptions: %w", err)
	}
	l.Infof("configured %d subscriptions", len(sum.Added))

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := st.Start(ctx); err != nil {
		return fmt.Errorf("starting streamer: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.API.Enabled {
		opts := api.Options{Store: store, ABIDir: filepath.Dir(configPath)}
		if wh != nil {
			opts.ArchiveStats = wh.Stats
		}
		srv, err := api.NewServer(st, opts)
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		httpServer := &http.Server{
			Addr:              cfg.API.Listen,
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			l.Infof("API listening on http://%s", cfg.API.Listen)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("API server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		return watchConfig(gctx, configPath, subs)
	})

	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				l.Infof("received SIGHUP, reloading configuration")
				reloadSubscriptions(configPath, subs)
			}
		}
	})

	fmt.Println("Streaming. Press Ctrl+C to stop, send SIGHUP or edit the config file to reload subscriptions.")

	err = g.Wait()
	fmt.Println("\nShutting down...")
	st.Shutdown()
	if wh != nil {
		wh.Wait()
	}
	return err
}
