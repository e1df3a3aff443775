// Package storage archives dispatched stream items in SQLite.
//
// Payloads are optionally zstd compressed. A full-text index over each
// item's searchable text (event name, hashes, decoded arguments) backs
// Search.
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/rubiojr/chainstream/pkg/core"
	"github.com/rubiojr/chainstream/pkg/db"
	"github.com/rubiojr/chainstream/pkg/log"
)

const encodingZstd = "zstd"

// ErrNotFound is returned by Get for unknown item ids.
var ErrNotFound = errors.New("item not found")

type Options struct {
	// CompressPayloads stores raw payloads zstd compressed.
	CompressPayloads bool
}

// Store is the item archive. It is safe for concurrent use.
type Store struct {
	db       *sql.DB
	compress bool
	enc      *zstd.Encoder
	dec      *zstd.Decoder
	l        *log.Logger
}

// Open opens (creating if needed) the archive at dbPath and migrates it.
func Open(dbPath string, opts Options) (*Store, error) {
	conn, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 30000",
		"PRAGMA cache_size = -64000", // 64MB
		"PRAGMA temp_store = memory",
		"PRAGMA mmap_size = 268435456", // 256MB
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("applying pragma %q: %w", pragma, err)
		}
	}

	if err := db.Initialize(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = enc.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &Store{
		db:       conn,
		compress: opts.CompressPayloads,
		enc:      enc,
		dec:      dec,
		l:        log.ForService("storage"),
	}, nil
}

func (s *Store) Close() error {
	s.dec.Close()
	if err := s.enc.Close(); err != nil {
		s.l.Warnf("failed to close zstd encoder: %v", err)
	}
	return s.db.Close()
}

// DB exposes the underlying handle for migration status and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// StoreItems archives items in one transaction. Items already archived
// (same id) are skipped. It returns the number of new rows.
func (s *Store) StoreItems(items []core.StreamItem) (int, error) {
	if len(items) == 0 {
		return 0, nil
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

	stmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO items (id, subscription_id, kind, event, block_number, block_hash,
			tx_hash, log_index, removed, decode_error, decoded, payload, encoding, observed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("preparing statement: %w", err)
	}
	defer func() {
		if err := stmt.Close(); err != nil {
			s.l.Warnf("failed to close statement: %v", err)
		}
	}()

	ftsStmt, err := tx.Prepare(`
		INSERT INTO items_fts (rowid, text, subscription_id, kind, event)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("preparing FTS statement: %w", err)
	}
	defer func() {
		if err := ftsStmt.Close(); err != nil {
			s.l.Warnf("failed to close FTS statement: %v", err)
		}
	}()

	stored := 0
	for _, item := range items {
		decoded := ""
		if len(item.Decoded) > 0 {
			b, err := json.Marshal(item.Decoded)
			if err != nil {
				return 0, fmt.Errorf("marshaling decoded args for item %s: %w", item.ID, err)
			}
			decoded = string(b)
		}

		payload, encoding := s.encodePayload(item.Payload)

		var blockNumber, logIndex any
		if item.BlockNumber != nil {
			blockNumber = int64(*item.BlockNumber)
		}
		if item.LogIndex != nil {
			logIndex = int64(*item.LogIndex)
		}

		res, err := stmt.Exec(
			item.ID,
			item.SubscriptionID,
			item.Kind.String(),
			item.Event,
			blockNumber,
			item.BlockHash,
			item.TxHash,
			logIndex,
			item.Removed,
			item.DecodeError,
			decoded,
			payload,
			encoding,
			item.Timestamp.UTC(),
		)
		if err != nil {
			return 0, fmt.Errorf("inserting item %s: %w", item.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		rowid, err := res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("reading rowid of item %s: %w", item.ID, err)
		}

		if _, err := ftsStmt.Exec(rowid, searchText(item), item.SubscriptionID, item.Kind.String(), item.Event); err != nil {
			return 0, fmt.Errorf("indexing item %s: %w", item.ID, err)
		}
		stored++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing transaction: %w", err)
	}
	committed = true
	return stored, nil
}

// Get returns the archived item with the given id.
func (s *Store) Get(id string) (core.StreamItem, error) {
	row := s.db.QueryRow("SELECT "+itemColumns+" FROM items i WHERE i.id = ?", id)
	item, err := s.scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.StreamItem{}, ErrNotFound
	}
	return item, err
}

func (s *Store) encodePayload(p json.RawMessage) ([]byte, string) {
	if len(p) == 0 {
		return nil, ""
	}
	if !s.compress {
		return []byte(p), ""
	}
	return s.enc.EncodeAll(p, make([]byte, 0, len(p)/2)), encodingZstd
}

func (s *Store) decodePayload(b []byte, encoding string) (json.RawMessage, error) {
	switch encoding {
	case "":
		return json.RawMessage(b), nil
	case encodingZstd:
		out, err := s.dec.DecodeAll(b, nil)
		if err != nil {
			return nil, fmt.Errorf("decompressing payload: %w", err)
		}
		return json.RawMessage(out), nil
	default:
		return nil, fmt.Errorf("unknown payload encoding %q", encoding)
	}
}

const itemColumns = `i.id, i.subscription_id, i.kind, i.event, i.block_number, i.block_hash, i.tx_hash,
	i.log_index, i.removed, i.decode_error, i.decoded, i.payload, i.encoding, i.observed_at`

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanItem(row scanner) (core.StreamItem, error) {
	var (
		item                    core.StreamItem
		kind, decoded, encoding string
		blockNumber, logIndex   sql.NullInt64
		payload                 []byte
		observedAt              time.Time
	)
	err := row.Scan(&item.ID, &item.SubscriptionID, &kind, &item.Event, &blockNumber, &item.BlockHash,
		&item.TxHash, &logIndex, &item.Removed, &item.DecodeError, &decoded, &payload, &encoding, &observedAt)
	if err != nil {
		return item, err
	}

	k, err := core.ParseKind(kind)
	if err != nil {
		return item, fmt.Errorf("item %s: %w", item.ID, err)
	}
	item.Kind = k
	item.Timestamp = observedAt.UTC()
	if blockNumber.Valid {
		n := uint64(blockNumber.Int64)
		item.BlockNumber = &n
	}
	if logIndex.Valid {
		idx := uint(logIndex.Int64)
		item.LogIndex = &idx
	}
	if decoded != "" {
		if err := json.Unmarshal([]byte(decoded), &item.Decoded); err != nil {
			return item, fmt.Errorf("unmarshaling decoded args for item %s: %w", item.ID, err)
		}
	}
	item.Payload, err = s.decodePayload(payload, encoding)
	if err != nil {
		return item, fmt.Errorf("item %s: %w", item.ID, err)
	}
	return item, nil
}

// searchText is what the full-text index sees for an item.
func searchText(item core.StreamItem) string {
	var parts []string
	if item.Event != "" {
		parts = append(parts, item.Event)
	}
	parts = append(parts, item.Kind.String())
	if item.BlockNumber != nil {
		parts = append(parts, strconv.FormatUint(*item.BlockNumber, 10))
	}
	for _, h := range []string{item.BlockHash, item.TxHash} {
		if h != "" {
			parts = append(parts, h)
		}
	}
	for name, v := range item.Decoded {
		parts = append(parts, name, fmt.Sprint(v))
	}
	if item.DecodeError != "" {
		parts = append(parts, item.DecodeError)
	}
	return strings.Join(parts, " ")
}

func (s *Store) Optimize() error {
	_, err := s.db.Exec("PRAGMA optimize")
	return err
}

func (s *Store) Analyze() error {
	_, err := s.db.Exec("ANALYZE")
	return err
}

func (s *Store) Vacuum() error {
	_, err := s.db.Exec("VACUUM")
	return err
}

func (s *Store) WALCheckpoint() error {
	_, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}
