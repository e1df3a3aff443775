package db

import (
	"database/sql"
	"path/filepath"
	"testing"
	"testing/fstest"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestEmbeddedMigrations(t *testing.T) {
	migrations, err := Embedded()
	if err != nil {
		t.Fatalf("Failed to read embedded migrations: %v", err)
	}
	if len(migrations) == 0 {
		t.Fatal("expected at least one embedded migration")
	}
	if migrations[0].Version != 1 || migrations[0].Name != "items" {
		t.Errorf("unexpected first migration %d %s", migrations[0].Version, migrations[0].Name)
	}
}

func TestInitializeCreatesSchema(t *testing.T) {
	db := openDB(t)
	if err := Initialize(db); err != nil {
		t.Fatalf("Failed to initialize: %v", err)
	}

	for _, table := range []string{"items", "items_fts", "migrations"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE name = ?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}

	// Second run is a no-op.
	n, err := NewMigrator(db).ApplyPending()
	if err != nil {
		t.Fatalf("Failed to re-apply: %v", err)
	}
	if n != 0 {
		t.Errorf("expected no pending migrations, applied %d", n)
	}
}

func TestMigratorOrderAndStatus(t *testing.T) {
	src := fstest.MapFS{
		"m/002_second.sql": {Data: []byte("CREATE TABLE second (id INTEGER);")},
		"m/001_first.sql":  {Data: []byte("CREATE TABLE first (id INTEGER);")},
		"m/notes.txt":      {Data: []byte("ignored")},
		"m/bad_name.sql":   {Data: []byte("ignored")},
	}
	db := openDB(t)
	m := NewMigratorFS(db, src, "m")

	n, err := m.ApplyPending()
	if err != nil {
		t.Fatalf("Failed to apply: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 migrations applied, got %d", n)
	}

	status, err := m.Status()
	if err != nil {
		t.Fatalf("Failed to get status: %v", err)
	}
	if len(status.Applied) != 2 || len(status.Pending) != 0 {
		t.Errorf("unexpected status: %d applied, %d pending", len(status.Applied), len(status.Pending))
	}
	if status.Applied[0].Name != "first" || status.Applied[0].AppliedAt == nil {
		t.Errorf("unexpected first applied migration %+v", status.Applied[0])
	}
}

func TestFailedMigrationRollsBack(t *testing.T) {
	src := fstest.MapFS{
		"m/001_broken.sql": {Data: []byte("CREATE TABLE ok (id INTEGER); NOT SQL;")},
	}
	db := openDB(t)
	m := NewMigratorFS(db, src, "m")

	if _, err := m.ApplyPending(); err == nil {
		t.Fatal("expected broken migration to fail")
	}
	pending, err := m.Pending()
	if err != nil {
		t.Fatalf("Failed to list pending: %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("expected broken migration to stay pending, got %d", len(pending))
	}
}
