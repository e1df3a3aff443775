package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/rubiojr/chainstream/pkg/config"
	"github.com/rubiojr/chainstream/pkg/storage"
	"github.com/urfave/cli/v3"
)

// OptimizeCommand creates the optimize command
func OptimizeCommand() *cli.Command {
	return &cli.Command{
		Name:  "optimize",
		Usage: "Archive optimization and maintenance commands",
		Commands: []*cli.Command{
			{
				Name:  "check",
				Usage: "Run integrity checks on the archive",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "quick",
						Usage: "Skip the FTS5-specific integrity check",
						Value: false,
					},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					return withStore(c, func(s *storage.Store) error {
						return checkArchive(s, !c.Bool("quick"))
					})
				},
			},
			{
				Name:  "fts-rebuild",
				Usage: "Rebuild the full-text index",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "force",
						Usage: "Rebuild without checking first",
						Value: false,
					},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					return withStore(c, func(s *storage.Store) error {
						return rebuildFTS(s, c.Bool("force"))
					})
				},
			},
			{
				Name:  "analyze",
				Usage: "Run ANALYZE to update query planner statistics",
				Action: func(ctx context.Context, c *cli.Command) error {
					return withStore(c, func(s *storage.Store) error {
						return timed("ANALYZE", s.Analyze)
					})
				},
			},
			{
				Name:  "vacuum",
				Usage: "Run VACUUM to defragment the archive",
				Action: func(ctx context.Context, c *cli.Command) error {
					return withStore(c, func(s *storage.Store) error {
						return timed("VACUUM", s.Vacuum)
					})
				},
			},
			{
				Name:  "checkpoint",
				Usage: "Run a WAL checkpoint to flush changes",
				Action: func(ctx context.Context, c *cli.Command) error {
					return withStore(c, func(s *storage.Store) error {
						return timed("WAL checkpoint", s.WALCheckpoint)
					})
				},
			},
			{
				Name:  "all",
				Usage: "Run all optimization operations (analyze, checkpoint, optimize)",
				Action: func(ctx context.Context, c *cli.Command) error {
					return withStore(c, func(s *storage.Store) error {
						for _, step := range []struct {
							name string
							fn   func() error
						}{
							{"ANALYZE", s.Analyze},
							{"WAL checkpoint", s.WALCheckpoint},
							{"PRAGMA optimize", s.Optimize},
						} {
							if err := timed(step.name, step.fn); err != nil {
								return err
							}
						}
						return nil
					})
				},
			},
		},
	}
}

func withStore(c *cli.Command, fn func(*storage.Store) error) error {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore(store)
	return fn(store)
}

func timed(name string, fn func() error) error {
	start := time.Now()
	fmt.Printf("Running %s... ", name)
	if err := fn(); err != nil {
		fmt.Println(badStyle.Render("failed"))
		return fmt.Errorf("%s: %w", name, err)
	}
	fmt.Println(okStyle.Render("done") + " " + metaStyle.Render(time.Since(start).Round(time.Millisecond).String()))
	return nil
}

func checkArchive(s *storage.Store, deep bool) error {
	report, err := s.IntegrityCheck(deep)
	if err != nil {
		return err
	}
	fmt.Println(titleStyle.Render("Archive Integrity"))
	for _, line := range report.SQLite {
		style := okStyle
		if line != "ok" {
			style = badStyle
		}
		fmt.Println(row("SQLite", style.Render(line)))
	}
	if deep {
		if report.FTS == "" {
			fmt.Println(row("FTS5 index", okStyle.Render("ok")))
		} else {
			fmt.Println(row("FTS5 index", badStyle.Render(report.FTS)))
		}
	}
	counts := fmt.Sprintf("%d items, %d indexed", report.Items, report.IndexedFTS)
	if report.Items == report.IndexedFTS {
		fmt.Println(row("Index coverage", okStyle.Render(counts)))
	} else {
		fmt.Println(row("Index coverage", warnStyle.Render(counts)))
	}

	if !report.OK() {
		return fmt.Errorf("integrity problems found (try 'chainstream optimize fts-rebuild')")
	}
	return nil
}

func rebuildFTS(s *storage.Store, force bool) error {
	if !force {
		report, err := s.IntegrityCheck(true)
		if err != nil {
			return err
		}
		if report.OK() {
			fmt.Println(okStyle.Render("Full-text index is healthy, nothing to do (use --force to rebuild anyway)"))
			return nil
		}
	}
	start := time.Now()
	n, err := s.RebuildFTS()
	if err != nil {
		return err
	}
	fmt.Printf("Rebuilt full-text index for %d items in %s\n", n, time.Since(start).Round(time.Millisecond))
	return nil
}
