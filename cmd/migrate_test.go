package cmd

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rubiojr/chainstream/pkg/storage"
)

func TestRunMigrationsMissingArchive(t *testing.T) {
	var out bytes.Buffer
	if err := RunMigrations(&out, filepath.Join(t.TempDir(), "none.db"), false); err != nil {
		t.Fatalf("RunMigrations failed: %v", err)
	}
	if !strings.Contains(out.String(), "created on first use") {
		t.Errorf("unexpected output %q", out.String())
	}
}

func TestRunMigrationsUpToDate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chainstream.db")
	s, err := storage.Open(path, storage.Options{})
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Failed to close store: %v", err)
	}

	var out bytes.Buffer
	if err := RunMigrations(&out, path, true); err != nil {
		t.Fatalf("RunMigrations failed: %v", err)
	}
	if !strings.Contains(out.String(), "001: items") || !strings.Contains(out.String(), "Pending migrations: 0") {
		t.Errorf("unexpected status output %q", out.String())
	}

	out.Reset()
	if err := RunMigrations(&out, path, false); err != nil {
		t.Fatalf("RunMigrations failed: %v", err)
	}
	if !strings.Contains(out.String(), "up to date") {
		t.Errorf("unexpected output %q", out.String())
	}
}
