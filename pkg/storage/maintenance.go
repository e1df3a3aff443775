package storage

import (
	"fmt"
)

// IntegrityReport is the outcome of IntegrityCheck.
type IntegrityReport struct {
	SQLite     []string `json:"sqlite"`
	FTS        string   `json:"fts,omitempty"`
	Items      int      `json:"items"`
	IndexedFTS int      `json:"indexed_fts"`
}

// OK reports whether every check passed.
func (r *IntegrityReport) OK() bool {
	return len(r.SQLite) == 1 && r.SQLite[0] == "ok" && r.FTS == "" && r.Items == r.IndexedFTS
}

// IntegrityCheck runs SQLite's integrity check and, when deep is set, the
// FTS5 index check. It also compares the row counts of the two tables.
func (s *Store) IntegrityCheck(deep bool) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := s.db.Query("PRAGMA integrity_check")
	if err != nil {
		return nil, fmt.Errorf("running integrity check: %w", err)
	}
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scanning integrity check: %w", err)
		}
		report.SQLite = append(report.SQLite, line)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	if deep {
		if _, err := s.db.Exec("INSERT INTO items_fts(items_fts, rank) VALUES('integrity-check', 1)"); err != nil {
			report.FTS = err.Error()
		}
	}

	if err := s.db.QueryRow("SELECT COUNT(*) FROM items").Scan(&report.Items); err != nil {
		return nil, fmt.Errorf("counting items: %w", err)
	}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM items_fts").Scan(&report.IndexedFTS); err != nil {
		return nil, fmt.Errorf("counting indexed items: %w", err)
	}
	return report, nil
}

// RebuildFTS recreates the full-text index from the items table. It
// returns the number of indexed items.
func (s *Store) RebuildFTS() (int, error) {
	type entry struct {
		rowid           int64
		text, sub, kind string
		event           string
	}

	rows, err := s.db.Query("SELECT i.rowid, " + itemColumns + " FROM items i ORDER BY i.rowid")
	if err != nil {
		return 0, fmt.Errorf("reading items: %w", err)
	}
	var entries []entry
	for rows.Next() {
		var rowid int64
		item, err := s.scanItem(rowScanner{rows, &rowid})
		if err != nil {
			_ = rows.Close()
			return 0, err
		}
		entries = append(entries, entry{rowid, searchText(item), item.SubscriptionID, item.Kind.String(), item.Event})
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil {
				s.l.Warnf("failed to rollback transaction: %v", err)
			}
		}
	}()

	if _, err := tx.Exec("DELETE FROM items_fts"); err != nil {
		return 0, fmt.Errorf("clearing index: %w", err)
	}
	stmt, err := tx.Prepare("INSERT INTO items_fts (rowid, text, subscription_id, kind, event) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return 0, fmt.Errorf("preparing FTS statement: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, e := range entries {
		if _, err := stmt.Exec(e.rowid, e.text, e.sub, e.kind, e.event); err != nil {
			return 0, fmt.Errorf("indexing row %d: %w", e.rowid, err)
		}
	}
	if _, err := tx.Exec("INSERT INTO items_fts(items_fts) VALUES('optimize')"); err != nil {
		return 0, fmt.Errorf("optimizing index: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing transaction: %w", err)
	}
	committed = true
	s.l.Infof("rebuilt full-text index with %d items", len(entries))
	return len(entries), nil
}

// rowScanner prepends the rowid column to a scanItem scan.
type rowScanner struct {
	row   scanner
	rowid *int64
}

func (r rowScanner) Scan(dest ...any) error {
	return r.row.Scan(append([]any{r.rowid}, dest...)...)
}
