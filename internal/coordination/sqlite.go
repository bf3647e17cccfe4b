package coordination

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteBackend uses a single connection, so mutations inside one process are
// serialised by database/sql. Writers in other processes surface as
// SQLITE_BUSY once busy_timeout expires and are reported as ErrThrottled.
type SQLiteBackend struct {
	path string

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &SQLiteBackend{path: path}, nil
}

func (b *SQLiteBackend) Get(ctx context.Context, table, key string) ([]byte, error) {
	if err := validateKey(table, key); err != nil {
		return nil, err
	}
	if err := b.ensureReady(ctx); err != nil {
		return nil, err
	}
	var doc string
	err := b.db.QueryRowContext(ctx, "SELECT doc FROM documents WHERE tbl = ? AND doc_key = ?", table, key).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classifySQLiteError(err)
	}
	return []byte(doc), nil
}

func (b *SQLiteBackend) Mutate(ctx context.Context, table, key string, fn MutateFunc) ([]byte, error) {
	if err := validateKey(table, key); err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, ErrInvalidInput
	}
	if err := b.ensureReady(ctx); err != nil {
		return nil, err
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classifySQLiteError(err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var current []byte
	var doc string
	err = tx.QueryRowContext(ctx, "SELECT doc FROM documents WHERE tbl = ? AND doc_key = ?", table, key).Scan(&doc)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, classifySQLiteError(err)
	default:
		current = []byte(doc)
	}

	next, err := fn(current)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return nil, ErrInvalidInput
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (tbl, doc_key, doc, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (tbl, doc_key)
		DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at`, table, key, string(next))
	if err != nil {
		return nil, classifySQLiteError(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, classifySQLiteError(err)
	}
	committed = true
	return next, nil
}

func (b *SQLiteBackend) Delete(ctx context.Context, table, key string) error {
	if err := validateKey(table, key); err != nil {
		return err
	}
	if err := b.ensureReady(ctx); err != nil {
		return err
	}
	result, err := b.db.ExecContext(ctx, "DELETE FROM documents WHERE tbl = ? AND doc_key = ?", table, key)
	if err != nil {
		return classifySQLiteError(err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (b *SQLiteBackend) Scan(ctx context.Context, table string, fn func(key string, doc []byte) error) error {
	if table == "" || fn == nil {
		return ErrInvalidInput
	}
	if err := b.ensureReady(ctx); err != nil {
		return err
	}
	rows, err := b.db.QueryContext(ctx, "SELECT doc_key, doc FROM documents WHERE tbl = ? ORDER BY doc_key ASC", table)
	if err != nil {
		return classifySQLiteError(err)
	}
	type row struct{ key, doc string }
	var items []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.key, &r.doc); err != nil {
			_ = rows.Close()
			return err
		}
		items = append(items, r)
	}
	if err := rows.Close(); err != nil {
		return err
	}
	if err := rows.Err(); err != nil {
		return err
	}
	// The single connection is released before fn runs so callbacks may
	// issue their own queries.
	for _, item := range items {
		if err := fn(item.key, []byte(item.doc)); err != nil {
			return err
		}
	}
	return nil
}

func (b *SQLiteBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *SQLiteBackend) ensureReady(ctx context.Context) error {
	b.initOnce.Do(func() {
		dsn := fmt.Sprintf(
			"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)",
			b.path,
		)
		if b.path == ":memory:" {
			dsn = "file::memory:"
		}
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			b.initErr = fmt.Errorf("open database: %w", err)
			return
		}
		db.SetMaxOpenConns(1)
		_, err = db.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS documents (
				tbl TEXT NOT NULL,
				doc_key TEXT NOT NULL,
				doc TEXT NOT NULL,
				updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
				PRIMARY KEY (tbl, doc_key)
			)`)
		if err != nil {
			_ = db.Close()
			b.initErr = fmt.Errorf("create documents table: %w", err)
			return
		}
		b.db = db
	})
	return b.initErr
}

func classifySQLiteError(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked") {
		return fmt.Errorf("%w: %v", ErrThrottled, err)
	}
	return err
}
