// Package sqlite is a storage backend keeping all buckets in one SQLite table.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pbinitiative/zenflow/pkg/storage"
)

const schema = `CREATE TABLE IF NOT EXISTS entries (
	bucket TEXT NOT NULL,
	key    BLOB NOT NULL,
	value  BLOB NOT NULL,
	PRIMARY KEY (bucket, key)
) WITHOUT ROWID`

type Storage struct {
	db *sql.DB
}

var _ storage.Backend = &Storage{}

// Open creates or opens a SQLite database at the given path.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
func Open(ctx context.Context, path string) (*Storage, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Storage{db: db}, nil
}

func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func (s *Storage) Begin(ctx context.Context, _ bool) (storage.BackendTx, error) {
	// read-only access is enforced by storage.Tx
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &StorageTx{ctx: ctx, tx: tx}, nil
}

func (s *Storage) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

type StorageTx struct {
	ctx context.Context
	tx  *sql.Tx
}

var _ storage.BackendTx = &StorageTx{}

func (t *StorageTx) Get(bucket, key []byte) ([]byte, bool, error) {
	var value []byte
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT value FROM entries WHERE bucket = ? AND key = ?`, string(bucket), key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (t *StorageTx) Put(bucket, key, value []byte) error {
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO entries (bucket, key, value) VALUES (?, ?, ?)
		 ON CONFLICT (bucket, key) DO UPDATE SET value = excluded.value`,
		string(bucket), key, value,
	)
	return err
}

func (t *StorageTx) Delete(bucket, key []byte) error {
	_, err := t.tx.ExecContext(t.ctx, `DELETE FROM entries WHERE bucket = ? AND key = ?`, string(bucket), key)
	return err
}

func (t *StorageTx) ForEach(bucket []byte, fn func(key, value []byte) error) error {
	rows, err := t.tx.QueryContext(t.ctx, `SELECT key, value FROM entries WHERE bucket = ? ORDER BY key`, string(bucket))
	if err != nil {
		return err
	}
	defer rows.Close()

	type entry struct {
		key, value []byte
	}
	// drain first: the single connection cannot run fn's queries while rows is open
	var entries []entry
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.key, &e.value); err != nil {
			return err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()
	for _, e := range entries {
		if err := fn(e.key, e.value); err != nil {
			return err
		}
	}
	return nil
}

func (t *StorageTx) Clear(bucket []byte) error {
	_, err := t.tx.ExecContext(t.ctx, `DELETE FROM entries WHERE bucket = ?`, string(bucket))
	return err
}

func (t *StorageTx) Commit() error {
	return t.tx.Commit()
}

func (t *StorageTx) Rollback() error {
	err := t.tx.Rollback()
	if err == sql.ErrTxDone {
		return storage.ErrTransactionClosed
	}
	return err
}
