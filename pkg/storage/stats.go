package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// Stats summarizes the archive.
type Stats struct {
	TotalItems      int            `json:"total_items"`
	Removed         int            `json:"removed"`
	DecodeErrors    int            `json:"decode_errors"`
	Oldest          *time.Time     `json:"oldest,omitempty"`
	Newest          *time.Time     `json:"newest,omitempty"`
	PerKind         map[string]int `json:"per_kind"`
	PerSubscription map[string]int `json:"per_subscription"`
}

func (s *Store) Stats() (*Stats, error) {
	stats := &Stats{
		PerKind:         make(map[string]int),
		PerSubscription: make(map[string]int),
	}

	err := s.db.QueryRow(`
		SELECT COUNT(*),
			COALESCE(SUM(removed), 0),
			COALESCE(SUM(CASE WHEN decode_error != '' THEN 1 ELSE 0 END), 0)
		FROM items`).Scan(&stats.TotalItems, &stats.Removed, &stats.DecodeErrors)
	if err != nil {
		return nil, fmt.Errorf("counting items: %w", err)
	}

	var oldest, newest sql.NullString
	err = s.db.QueryRow("SELECT MIN(observed_at), MAX(observed_at) FROM items").Scan(&oldest, &newest)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("getting item date range: %w", err)
	}
	if oldest.Valid && newest.Valid {
		o, err := time.Parse(time.RFC3339Nano, oldest.String)
		if err != nil {
			return nil, fmt.Errorf("parsing oldest item time: %w", err)
		}
		n, err := time.Parse(time.RFC3339Nano, newest.String)
		if err != nil {
			return nil, fmt.Errorf("parsing newest item time: %w", err)
		}
		stats.Oldest, stats.Newest = &o, &n
	}

	if err := s.countBy("kind", stats.PerKind); err != nil {
		return nil, err
	}
	if err := s.countBy("subscription_id", stats.PerSubscription); err != nil {
		return nil, err
	}
	return stats, nil
}

// countBy fills into with item counts grouped by column. column is always
// a constant from this package.
func (s *Store) countBy(column string, into map[string]int) error {
	rows, err := s.db.Query("SELECT " + column + ", COUNT(*) FROM items GROUP BY " + column)
	if err != nil {
		return fmt.Errorf("counting items by %s: %w", column, err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			s.l.Warnf("failed to close rows: %v", err)
		}
	}()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scanning row: %w", err)
		}
		into[key] = n
	}
	return rows.Err()
}
