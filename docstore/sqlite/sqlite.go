// Package sqlite implements docstore.Store on a single SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"iter"

	_ "github.com/mattn/go-sqlite3"

	"github.com/cssvb94/VectorLiteDB/codec"
	"github.com/cssvb94/VectorLiteDB/docstore"
	"github.com/cssvb94/VectorLiteDB/knowledge"
)

var _ docstore.Store = (*Store)(nil)

// Store persists entries in an entries table keyed by id. Payloads are
// codec-encoded blobs; an upsert keeps the original rowid, so scans in rowid
// order replay first-write order.
type Store struct {
	db    *sql.DB
	codec codec.Codec
}

// New opens (or creates) a SQLite database at dbPath. A nil codec uses
// codec.Default; pass an encrypted codec for at-rest encryption.
func New(dbPath string, c codec.Codec) (*Store, error) {
	if c == nil {
		c = codec.Default
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening entry db: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging entry db: %w", err)
	}

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating entry db: %w", err)
	}

	return &Store{db: db, codec: c}, nil
}

func migrate(db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS entries (
	id         TEXT PRIMARY KEY,
	doc        BLOB NOT NULL,
	is_deleted INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_entries_is_deleted ON entries(is_deleted);
`
	_, err := db.Exec(ddl)
	return err
}

// Get returns the entry for id.
func (s *Store) Get(ctx context.Context, id string) (*knowledge.Entry, error) {
	const q = `SELECT doc FROM entries WHERE id = ?`

	var doc []byte
	err := s.db.QueryRowContext(ctx, q, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("entry %s: %w", id, docstore.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting entry %s: %w", id, err)
	}

	var e knowledge.Entry
	if err := s.codec.Unmarshal(doc, &e); err != nil {
		return nil, fmt.Errorf("decoding entry %s: %w", id, err)
	}
	return &e, nil
}

// Put inserts or replaces the entry under its id.
func (s *Store) Put(ctx context.Context, entry *knowledge.Entry) error {
	doc, err := s.codec.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding entry %s: %w", entry.ID, err)
	}

	// ON CONFLICT DO UPDATE keeps the rowid, INSERT OR REPLACE would not.
	const q = `INSERT INTO entries (id, doc, is_deleted) VALUES (?, ?, ?)
ON CONFLICT(id) DO UPDATE SET doc = excluded.doc, is_deleted = excluded.is_deleted`

	if _, err := s.db.ExecContext(ctx, q, entry.ID, doc, boolToInt(entry.IsDeleted)); err != nil {
		return fmt.Errorf("putting entry %s: %w", entry.ID, err)
	}
	return nil
}

// Delete removes the entry. Unknown ids are a no-op.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting entry %s: %w", id, err)
	}
	return nil
}

// All iterates entries in first-write order.
func (s *Store) All(ctx context.Context) iter.Seq2[*knowledge.Entry, error] {
	return func(yield func(*knowledge.Entry, error) bool) {
		rows, err := s.db.QueryContext(ctx, `SELECT id, doc FROM entries ORDER BY rowid ASC`)
		if err != nil {
			yield(nil, fmt.Errorf("scanning entries: %w", err))
			return
		}
		defer rows.Close() //nolint:errcheck // error on read-path close is not actionable

		for rows.Next() {
			var id string
			var doc []byte
			if err := rows.Scan(&id, &doc); err != nil {
				yield(nil, fmt.Errorf("scanning entry row: %w", err))
				return
			}

			var e knowledge.Entry
			if err := s.codec.Unmarshal(doc, &e); err != nil {
				yield(nil, fmt.Errorf("decoding entry %s: %w", id, err))
				return
			}
			if !yield(&e, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, fmt.Errorf("iterating entry rows: %w", err))
		}
	}
}

// Count returns the number of stored entries.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting entries: %w", err)
	}
	return n, nil
}

// SizeBytes returns the database size reported by SQLite.
func (s *Store) SizeBytes(ctx context.Context) (int64, error) {
	var pageCount, pageSize int64
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pageCount); err != nil {
		return 0, fmt.Errorf("reading page_count: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSize); err != nil {
		return 0, fmt.Errorf("reading page_size: %w", err)
	}
	return pageCount * pageSize, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
