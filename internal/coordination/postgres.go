package coordination

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

const (
	postgresDocumentTableName = "batchloader_documents"
	postgresOperationTimeout  = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresBackend serialises mutations of a row with a transaction-scoped
// advisory lock keyed on (table, key). The lock also covers rows that do not
// exist yet, which a plain SELECT ... FOR UPDATE cannot.
type PostgresBackend struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresBackend(dsn string) (*PostgresBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresBackend{
		dsn:       dsn,
		tableName: postgresDocumentTableName,
		openDB:    sql.Open,
	}, nil
}

func (b *PostgresBackend) Get(ctx context.Context, table, key string) ([]byte, error) {
	if err := validateKey(table, key); err != nil {
		return nil, err
	}
	if err := b.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT doc FROM %s WHERE tbl = $1 AND doc_key = $2", postgresQuoteIdentifier(b.tableName))
	var doc string
	err := b.db.QueryRowContext(ctx, query, table, key).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classifyPostgresError(err)
	}
	return []byte(doc), nil
}

func (b *PostgresBackend) Mutate(ctx context.Context, table, key string, fn MutateFunc) ([]byte, error) {
	if err := validateKey(table, key); err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, ErrInvalidInput
	}
	if err := b.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classifyPostgresError(err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", postgresRowLockKey(b.tableName, table, key)); err != nil {
		return nil, classifyPostgresError(err)
	}
	selectQuery := fmt.Sprintf("SELECT doc FROM %s WHERE tbl = $1 AND doc_key = $2", postgresQuoteIdentifier(b.tableName))
	var current []byte
	var doc string
	err = tx.QueryRowContext(ctx, selectQuery, table, key).Scan(&doc)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, classifyPostgresError(err)
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
	upsertQuery := fmt.Sprintf(`
		INSERT INTO %s (tbl, doc_key, doc, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (tbl, doc_key)
		DO UPDATE SET doc = EXCLUDED.doc, updated_at = NOW()`, postgresQuoteIdentifier(b.tableName))
	if _, err := tx.ExecContext(ctx, upsertQuery, table, key, string(next)); err != nil {
		return nil, classifyPostgresError(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, classifyPostgresError(err)
	}
	committed = true
	return next, nil
}

func (b *PostgresBackend) Delete(ctx context.Context, table, key string) error {
	if err := validateKey(table, key); err != nil {
		return err
	}
	if err := b.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE tbl = $1 AND doc_key = $2", postgresQuoteIdentifier(b.tableName))
	result, err := b.db.ExecContext(ctx, query, table, key)
	if err != nil {
		return classifyPostgresError(err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (b *PostgresBackend) Scan(ctx context.Context, table string, fn func(key string, doc []byte) error) error {
	if table == "" || fn == nil {
		return ErrInvalidInput
	}
	if err := b.ensureReady(ctx); err != nil {
		return err
	}
	query := fmt.Sprintf("SELECT doc_key, doc FROM %s WHERE tbl = $1 ORDER BY doc_key ASC", postgresQuoteIdentifier(b.tableName))
	rows, err := b.db.QueryContext(ctx, query, table)
	if err != nil {
		return classifyPostgresError(err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, doc string
		if err := rows.Scan(&key, &doc); err != nil {
			return err
		}
		if err := fn(key, []byte(doc)); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (b *PostgresBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresBackend) ensureReady(ctx context.Context) error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				tbl TEXT NOT NULL,
				doc_key TEXT NOT NULL,
				doc TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (tbl, doc_key)
			)`, postgresQuoteIdentifier(b.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

// classifyPostgresError maps contention and capacity failures onto
// ErrThrottled so callers can back off and retry.
func classifyPostgresError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "55P03", "53300":
			return fmt.Errorf("%w: %v", ErrThrottled, err)
		}
	}
	return err
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func postgresRowLockKey(tableName, table, key string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(tableName))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(table))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(key))
	return int64(hasher.Sum64())
}
