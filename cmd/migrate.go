package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"

	"github.com/rubiojr/chainstream/pkg/config"
	"github.com/rubiojr/chainstream/pkg/db"
	"github.com/urfave/cli/v3"

	// Registers the sqlite3 driver without going through storage.Open,
	// which would migrate on open.
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// MigrateCommand creates the migrate command
func MigrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Run archive schema migrations",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "status",
				Usage: "Show migration status without applying migrations",
				Value: false,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := config.LoadConfig(c.String("config"))
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			return RunMigrations(os.Stdout, cfg.DBPath(), c.Bool("status"))
		},
	}
}

// RunMigrations applies pending migrations to the archive at dbPath, or
// only reports them when statusOnly is set.
func RunMigrations(w io.Writer, dbPath string, statusOnly bool) error {
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Fprintf(w, "Archive does not exist, it will be created on first use: %s\n", dbPath)
		return nil
	}

	conn, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close archive: %v\n", err)
		}
	}()

	migrator := db.NewMigrator(conn)
	if statusOnly {
		return showMigrationStatus(w, migrator)
	}

	n, err := migrator.ApplyPending()
	if err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	if n == 0 {
		fmt.Fprintln(w, "Archive is up to date")
	} else {
		fmt.Fprintf(w, "Applied %d migrations\n", n)
	}
	return nil
}

func showMigrationStatus(w io.Writer, migrator *db.Migrator) error {
	status, err := migrator.Status()
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Applied migrations: %d\n", len(status.Applied))
	for _, migration := range status.Applied {
		appliedTime := "unknown"
		if migration.AppliedAt != nil {
			appliedTime = migration.AppliedAt.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "  ✓ %03d: %s (applied: %s)\n", migration.Version, migration.Name, appliedTime)
	}

	fmt.Fprintf(w, "Pending migrations: %d\n", len(status.Pending))
	for _, migration := range status.Pending {
		fmt.Fprintf(w, "  • %03d: %s\n", migration.Version, migration.Name)
	}
	if len(status.Pending) == 0 {
		fmt.Fprintln(w, "  (none - archive is up to date)")
	}
	return nil
}
