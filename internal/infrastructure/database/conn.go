package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"strings"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Mode is the access mode a connection was opened with.
type Mode int

const (
	// ModeReadWrite is the mode of the single writer connection.
	ModeReadWrite Mode = iota

	// ModeReadOnly is the mode of pooled reader connections.
	// The engine rejects any write attempted on them.
	ModeReadOnly
)

// String returns the mode name used in logs.
func (m Mode) String() string {
	if m == ModeReadOnly {
		return "read-only"
	}
	return "read-write"
}

// Conn is one engine session pinned out of a database/sql pool.
//
// A Conn is owned by whichever component checked it out (the Writer or the
// ReaderPool) and is never used by two goroutines at once. Application code
// only sees a Conn inside OnConnectionOpen hooks and
// Writer.WriteWithoutTransaction; everything else goes through a Tx.
type Conn struct {
	raw   *sql.Conn
	mode  Mode
	id    int
	trace func(string)

	// depth is 0 when idle, 1 inside a transaction scope and grows by one
	// for every open savepoint.
	depth int

	// stmts caches prepared statements by SQL text. Nil when disabled.
	stmts *lru.Cache[string, *sql.Stmt]

	closed     bool
	broken     bool
	checkedOut atomic.Bool
}

// openConn pins a new connection from db and prepares its statement cache.
func openConn(ctx context.Context, db *sql.DB, mode Mode, id, cacheSize int, trace func(string)) (*Conn, error) {
	raw, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionOpenFailed, err)
	}

	c := &Conn{
		raw:   raw,
		mode:  mode,
		id:    id,
		trace: trace,
	}

	if cacheSize > 0 {
		cache, err := lru.NewWithEvict[string, *sql.Stmt](cacheSize, func(_ string, stmt *sql.Stmt) {
			stmt.Close() //nolint:errcheck // Evicted statement, nothing to report
		})
		if err != nil {
			raw.Close() //nolint:errcheck // Best effort cleanup on error path
			return nil, fmt.Errorf("creating statement cache: %w", err)
		}
		c.stmts = cache
	}

	// Establish the session now so open failures surface here rather than
	// on the first checkout.
	if err := raw.PingContext(ctx); err != nil {
		raw.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("%w: %w", ErrConnectionOpenFailed, err)
	}

	return c, nil
}

// Mode returns the access mode of the connection.
func (c *Conn) Mode() Mode {
	return c.mode
}

// ID returns the connection number, unique within its owner.
func (c *Conn) ID() int {
	return c.id
}

// Depth returns the current transaction depth (0 = idle).
func (c *Conn) Depth() int {
	return c.depth
}

// ExecContext executes a statement that doesn't return rows.
func (c *Conn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if c.closed {
		return nil, ErrPoolClosed
	}
	c.traceStatement(query)
	result, err := c.raw.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing query: %w", err)
	}
	return result, nil
}

// QueryContext executes a query that returns rows.
// The caller must close the returned rows before the scope ends.
func (c *Conn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if c.closed {
		return nil, ErrPoolClosed
	}
	c.traceStatement(query)
	rows, err := c.raw.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying: %w", err)
	}
	return rows, nil
}

// QueryRowContext executes a query that returns at most one row.
func (c *Conn) QueryRowContext(ctx context.Context, query string, args ...any) *Row {
	if c.closed {
		return &Row{err: ErrPoolClosed}
	}
	c.traceStatement(query)
	return &Row{row: c.raw.QueryRowContext(ctx, query, args...)}
}

// prepared returns a cached prepared statement for query, preparing it on
// first use. With the cache disabled it returns nil and no error.
func (c *Conn) prepared(ctx context.Context, query string) (*sql.Stmt, error) {
	if c.stmts == nil {
		return nil, nil
	}
	if stmt, ok := c.stmts.Get(query); ok {
		return stmt, nil
	}
	stmt, err := c.raw.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("preparing statement: %w", err)
	}
	c.stmts.Add(query, stmt)
	return stmt, nil
}

// purgeStatements closes every cached statement.
// Called after schema changes and before closing.
func (c *Conn) purgeStatements() {
	if c.stmts != nil {
		c.stmts.Purge()
	}
}

// cachedStatements returns the number of statements in the cache.
func (c *Conn) cachedStatements() int {
	if c.stmts == nil {
		return 0
	}
	return c.stmts.Len()
}

// healthy reports whether the session still answers a trivial query.
func (c *Conn) healthy(ctx context.Context) bool {
	if c.closed || c.broken {
		return false
	}
	return c.raw.PingContext(ctx) == nil
}

// close releases the statement cache and returns the session to database/sql,
// which closes it when the owning *sql.DB is closed.
func (c *Conn) close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.purgeStatements()
	if err := c.raw.Close(); err != nil {
		return fmt.Errorf("closing connection %d: %w", c.id, err)
	}
	return nil
}

// discard closes the underlying session instead of returning it to
// database/sql, so a broken connection is never handed out again.
func (c *Conn) discard() {
	if c.closed {
		return
	}
	c.closed = true
	c.purgeStatements()
	//nolint:errcheck // ErrBadConn is the signal that makes database/sql drop the session
	c.raw.Raw(func(any) error { return driver.ErrBadConn })
	c.raw.Close() //nolint:errcheck // Session already dropped
}

func (c *Conn) traceStatement(query string) {
	if c.trace != nil {
		c.trace(strings.TrimSpace(query))
	}
}

// Row is the result of QueryRowContext. It defers errors until Scan,
// like sql.Row, and also carries scope errors such as ErrTxClosed.
type Row struct {
	row *sql.Row
	err error
}

// Scan copies the columns of the row into dest.
// It returns sql.ErrNoRows when the query matched nothing.
func (r *Row) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return r.row.Scan(dest...)
}

// Err returns the error, if any, encountered running the query.
func (r *Row) Err() error {
	if r.err != nil {
		return r.err
	}
	return r.row.Err()
}
