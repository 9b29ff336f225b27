package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/dwaynemcyrus/anchored/internal/kv/migrations"
)

// tables maps buckets to their SQLite tables. Bucket names are never
// interpolated from user input.
var tables = map[Bucket]string{
	Documents: "documents",
	Bodies:    "document_bodies",
	Queue:     "sync_queue",
	Meta:      "sync_meta",
}

// SQLite is a Backend stored in a single SQLite database file.
type SQLite struct {
	db     *sql.DB
	path   string
	mu     sync.RWMutex
	closed bool
}

var _ Backend = (*SQLite)(nil)

// OpenSQLite opens or creates the database at path and applies migrations.
func OpenSQLite(path string) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("kv: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("kv: open database: %w", err)
	}
	// One connection serializes writers and keeps transactions on one handle.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("kv: %s: %w", pragma, err)
		}
	}

	s := &SQLite{db: db, path: path}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	provider, err := goose.NewProvider(goose.DialectSQLite3, s.db, migrations.FS)
	if err != nil {
		return fmt.Errorf("kv: create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("kv: run migrations: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (s *SQLite) Path() string { return s.path }

// View runs fn in a transaction that is always rolled back.
func (s *SQLite) View(fn func(tx Tx) error) error {
	return s.run(false, fn)
}

// Update runs fn in a transaction committed when fn returns nil.
func (s *SQLite) Update(fn func(tx Tx) error) error {
	return s.run(true, fn)
}

func (s *SQLite) run(write bool, fn func(tx Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	sqlTx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("kv: begin transaction: %w", err)
	}
	defer sqlTx.Rollback() // no-op after commit

	if err := fn(&sqliteTx{tx: sqlTx, readOnly: !write}); err != nil {
		return err
	}
	if !write {
		return nil
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("kv: commit: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

type sqliteTx struct {
	tx       *sql.Tx
	readOnly bool
}

func (t *sqliteTx) Get(b Bucket, key string) ([]byte, error) {
	table, ok := tables[b]
	if !ok {
		return nil, ErrUnknownBucket
	}
	var value string
	err := t.tx.QueryRow("SELECT value FROM "+table+" WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kv: get %s/%s: %w", b, key, err)
	}
	return []byte(value), nil
}

func (t *sqliteTx) Put(b Bucket, key string, value []byte) error {
	if t.readOnly {
		return ErrReadOnly
	}
	table, ok := tables[b]
	if !ok {
		return ErrUnknownBucket
	}
	_, err := t.tx.Exec(`INSERT INTO `+table+` (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, string(value))
	if err != nil {
		return fmt.Errorf("kv: put %s/%s: %w", b, key, err)
	}
	return nil
}

func (t *sqliteTx) Delete(b Bucket, key string) error {
	if t.readOnly {
		return ErrReadOnly
	}
	table, ok := tables[b]
	if !ok {
		return ErrUnknownBucket
	}
	if _, err := t.tx.Exec("DELETE FROM "+table+" WHERE key = ?", key); err != nil {
		return fmt.Errorf("kv: delete %s/%s: %w", b, key, err)
	}
	return nil
}

func (t *sqliteTx) Scan(b Bucket, fn func(key string, value []byte) error) error {
	table, ok := tables[b]
	if !ok {
		return ErrUnknownBucket
	}
	return t.scan(b, fn, "SELECT key, value FROM "+table+" ORDER BY key")
}

// ScanRecord uses the idx_sync_queue_record index on the generated
// record_id column.
func (t *sqliteTx) ScanRecord(b Bucket, recordID string, fn func(key string, value []byte) error) error {
	if !validBucket(b) {
		return ErrUnknownBucket
	}
	if b != Queue {
		return ErrNotIndexed
	}
	return t.scan(b, fn, "SELECT key, value FROM sync_queue WHERE record_id = ? ORDER BY key", recordID)
}

func (t *sqliteTx) scan(b Bucket, fn func(key string, value []byte) error, query string, args ...any) error {
	rows, err := t.tx.Query(query, args...)
	if err != nil {
		return fmt.Errorf("kv: scan %s: %w", b, err)
	}

	// Rows are buffered so callbacks may issue further statements on the
	// same transaction.
	type kvPair struct {
		key   string
		value string
	}
	var pairs []kvPair
	for rows.Next() {
		var p kvPair
		if err := rows.Scan(&p.key, &p.value); err != nil {
			rows.Close()
			return fmt.Errorf("kv: scan %s: %w", b, err)
		}
		pairs = append(pairs, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("kv: scan %s: %w", b, err)
	}
	rows.Close()

	for _, p := range pairs {
		if err := fn(p.key, []byte(p.value)); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}
	}
	return nil
}
