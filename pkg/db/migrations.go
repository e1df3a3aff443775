// Package db holds the archive schema as embedded, numbered SQL migrations.
package db

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rubiojr/chainstream/pkg/log"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migration is one numbered schema step, named after its file
// (001_items.sql is version 1, "items").
type Migration struct {
	Version   int
	Name      string
	SQL       string
	AppliedAt *time.Time
}

// Status lists applied, pending and available migrations.
type Status struct {
	Applied   []Migration
	Pending   []Migration
	Available []Migration
}

// Migrator applies migrations read from a directory of an fs.FS.
type Migrator struct {
	db  *sql.DB
	src fs.FS
	dir string
	l   *log.Logger
}

// NewMigrator uses the embedded migrations.
func NewMigrator(db *sql.DB) *Migrator {
	return NewMigratorFS(db, migrationsFS, "migrations")
}

// NewMigratorFS reads migrations from dir in src. Tests use it with
// fstest.MapFS to run custom migration sets.
func NewMigratorFS(db *sql.DB, src fs.FS, dir string) *Migrator {
	return &Migrator{db: db, src: src, dir: dir, l: log.ForService("db")}
}

func (m *Migrator) ensureTable() error {
	_, err := m.db.Exec(`
		CREATE TABLE IF NOT EXISTS migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

// Applied returns applied versions and when they were applied.
func (m *Migrator) Applied() (map[int]time.Time, error) {
	applied := make(map[int]time.Time)

	rows, err := m.db.Query("SELECT version, applied_at FROM migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("querying applied migrations: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			m.l.Warnf("failed to close rows: %v", err)
		}
	}()

	for rows.Next() {
		var version int
		var appliedAt time.Time
		if err := rows.Scan(&version, &appliedAt); err != nil {
			return nil, fmt.Errorf("scanning migration row: %w", err)
		}
		applied[version] = appliedAt
	}

	return applied, rows.Err()
}

// Available returns every migration found, ordered by version. Files not
// named NNN_name.sql are ignored.
func (m *Migrator) Available() ([]Migration, error) {
	return readMigrations(m.src, m.dir)
}

func readMigrations(src fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(src, dir)
	if err != nil {
		return nil, fmt.Errorf("reading migrations directory %s: %w", dir, err)
	}

	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		parts := strings.SplitN(entry.Name(), "_", 2)
		if len(parts) != 2 {
			continue
		}
		version, err := strconv.Atoi(parts[0])
		if err != nil {
			continue
		}

		content, err := fs.ReadFile(src, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading migration file %s: %w", entry.Name(), err)
		}

		migrations = append(migrations, Migration{
			Version: version,
			Name:    strings.TrimSuffix(parts[1], ".sql"),
			SQL:     string(content),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	return migrations, nil
}

// Pending returns migrations that haven't been applied yet.
func (m *Migrator) Pending() ([]Migration, error) {
	applied, err := m.Applied()
	if err != nil {
		return nil, err
	}
	available, err := m.Available()
	if err != nil {
		return nil, err
	}

	var pending []Migration
	for _, migration := range available {
		if _, ok := applied[migration.Version]; !ok {
			pending = append(pending, migration)
		}
	}
	return pending, nil
}

// Apply runs one migration and records it, in a single transaction.
func (m *Migrator) Apply(migration Migration) error {
	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil {
				m.l.Warnf("failed to rollback migration %d: %v", migration.Version, err)
			}
		}
	}()

	if _, err := tx.Exec(migration.SQL); err != nil {
		return fmt.Errorf("executing migration %d: %w", migration.Version, err)
	}
	if _, err := tx.Exec("INSERT INTO migrations (version) VALUES (?)", migration.Version); err != nil {
		return fmt.Errorf("recording migration %d: %w", migration.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing migration %d: %w", migration.Version, err)
	}

	committed = true
	return nil
}

// ApplyPending applies every pending migration in order and returns how
// many ran.
func (m *Migrator) ApplyPending() (int, error) {
	if err := m.ensureTable(); err != nil {
		return 0, fmt.Errorf("ensuring migrations table: %w", err)
	}

	pending, err := m.Pending()
	if err != nil {
		return 0, fmt.Errorf("getting pending migrations: %w", err)
	}

	for _, migration := range pending {
		m.l.Debugf("applying migration %d: %s", migration.Version, migration.Name)
		if err := m.Apply(migration); err != nil {
			return 0, fmt.Errorf("applying migration %d (%s): %w", migration.Version, migration.Name, err)
		}
	}

	if len(pending) > 0 {
		m.l.Infof("applied %d migrations", len(pending))
	}
	return len(pending), nil
}

// Status reports the migration state of the database.
func (m *Migrator) Status() (*Status, error) {
	if err := m.ensureTable(); err != nil {
		return nil, fmt.Errorf("ensuring migrations table: %w", err)
	}

	applied, err := m.Applied()
	if err != nil {
		return nil, err
	}
	available, err := m.Available()
	if err != nil {
		return nil, err
	}

	status := &Status{Available: available}
	for _, migration := range available {
		if appliedAt, ok := applied[migration.Version]; ok {
			migration.AppliedAt = &appliedAt
			status.Applied = append(status.Applied, migration)
		} else {
			status.Pending = append(status.Pending, migration)
		}
	}
	return status, nil
}

// Initialize brings db up to the current schema.
func Initialize(db *sql.DB) error {
	if _, err := NewMigrator(db).ApplyPending(); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// Embedded returns the embedded migrations without a database handle.
func Embedded() ([]Migration, error) {
	return readMigrations(migrationsFS, "migrations")
}
