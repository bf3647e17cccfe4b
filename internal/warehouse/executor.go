// Package warehouse runs load statements against Postgres-protocol
// warehouses with pgx. One pool is kept per distinct connection.
package warehouse

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentworkforce/batchloader/internal/batchload"
)

const (
	defaultMaxConns       = 4
	defaultConnectTimeout = 10 * time.Second
	applicationName       = "batchloader"
)

type Options struct {
	MaxConns       int32
	ConnectTimeout time.Duration
}

// PgxExecutor implements batchload.Executor.
type PgxExecutor struct {
	opts  Options
	mu    sync.Mutex
	pools map[string]*pgxpool.Pool
}

func NewPgxExecutor(opts Options) *PgxExecutor {
	if opts.MaxConns <= 0 {
		opts.MaxConns = defaultMaxConns
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	return &PgxExecutor{opts: opts, pools: map[string]*pgxpool.Pool{}}
}

// Exec runs statement as a single simple-protocol round trip, so the
// begin/copy/commit script executes as one transaction.
func (x *PgxExecutor) Exec(ctx context.Context, conn batchload.Connection, statement string) error {
	pool, err := x.pool(ctx, conn)
	if err != nil {
		return fmt.Errorf("connect %s:%d/%s: %w", conn.Host, conn.Port, conn.Database, WrapError(err))
	}
	if _, err := pool.Exec(ctx, statement); err != nil {
		return WrapError(err)
	}
	return nil
}

func (x *PgxExecutor) pool(ctx context.Context, conn batchload.Connection) (*pgxpool.Pool, error) {
	dsn := ConnString(conn, x.opts.ConnectTimeout)
	x.mu.Lock()
	defer x.mu.Unlock()
	if pool, ok := x.pools[dsn]; ok {
		return pool, nil
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = x.opts.MaxConns
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	x.pools[dsn] = pool
	return pool, nil
}

func (x *PgxExecutor) Close() {
	x.mu.Lock()
	defer x.mu.Unlock()
	for dsn, pool := range x.pools {
		pool.Close()
		delete(x.pools, dsn)
	}
}

// ConnString builds a postgres URL for conn. SSL is required when the
// target asks for it and disabled otherwise.
func ConnString(conn batchload.Connection, connectTimeout time.Duration) string {
	sslmode := "disable"
	if conn.UseSSL {
		sslmode = "require"
	}
	q := url.Values{}
	q.Set("sslmode", sslmode)
	q.Set("application_name", applicationName)
	if connectTimeout > 0 {
		q.Set("connect_timeout", strconv.Itoa(int(connectTimeout/time.Second)))
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(conn.User, conn.Password),
		Host:     net.JoinHostPort(conn.Host, strconv.Itoa(conn.Port)),
		Path:     "/" + conn.Database,
		RawQuery: q.Encode(),
	}
	return u.String()
}

// ServerError is a statement failure reported by the warehouse. Its text
// carries the detail line because load errors are matched on substrings.
type ServerError struct {
	Code    string
	Message string
	Detail  string
	err     error
}

func (e *ServerError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s (SQLSTATE %s)", e.Message, e.Code)
	}
	return fmt.Sprintf("%s (SQLSTATE %s): %s", e.Message, e.Code, e.Detail)
}

func (e *ServerError) Unwrap() error {
	return e.err
}

// WrapError turns a pgx server error into a ServerError and leaves other
// errors alone.
func WrapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &ServerError{Code: pgErr.Code, Message: pgErr.Message, Detail: pgErr.Detail, err: err}
	}
	return err
}

var _ batchload.Executor = (*PgxExecutor)(nil)
