package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// snapshotQuery touches the schema table so that a deferred read
// transaction takes its WAL snapshot immediately, not at the first
// application query.
const snapshotQuery = "SELECT COUNT(*) FROM sqlite_master"

// TxKind distinguishes read scopes from write scopes.
type TxKind int

const (
	// KindRead scopes observe a stable snapshot and always roll back.
	KindRead TxKind = iota

	// KindWrite scopes hold the write lock and commit on success.
	KindWrite
)

// String returns the kind name used in logs and metrics labels.
func (k TxKind) String() string {
	if k == KindWrite {
		return "write"
	}
	return "read"
}

// Outcome is the final state of a transaction scope.
type Outcome int

const (
	// OutcomePending means the scope is still open.
	OutcomePending Outcome = iota

	// OutcomeCommitted means the scope committed durably.
	OutcomeCommitted

	// OutcomeRolledBack means every change since begin was undone.
	OutcomeRolledBack
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeCommitted:
		return "committed"
	case OutcomeRolledBack:
		return "rolled back"
	default:
		return "pending"
	}
}

// Tx is a transaction scope bound to one checked-out connection.
//
// A Tx is only valid inside the function passed to Read or Write. Once that
// function returns the scope is committed or rolled back and every method
// returns ErrTxClosed.
//
// Thread Safety:
//   - A Tx belongs to the goroutine running the unit of work. Do not share it.
type Tx struct {
	conn    *Conn
	kind    TxKind
	outcome Outcome
}

// beginTx opens a scope on conn. Write scopes take the write lock up front
// (BEGIN IMMEDIATE); read scopes pin their snapshot before returning.
func beginTx(ctx context.Context, conn *Conn, kind TxKind) (*Tx, error) {
	stmt := "BEGIN DEFERRED TRANSACTION"
	if kind == KindWrite {
		stmt = "BEGIN IMMEDIATE TRANSACTION"
	}
	if _, err := conn.ExecContext(ctx, stmt); err != nil {
		return nil, fmt.Errorf("beginning %s transaction: %w", kind, err)
	}

	tx := &Tx{conn: conn, kind: kind}
	conn.depth = 1

	if kind == KindRead {
		var n int
		if err := conn.QueryRowContext(ctx, snapshotQuery).Scan(&n); err != nil {
			tx.rollback() //nolint:errcheck // Reporting the snapshot error instead
			return nil, fmt.Errorf("establishing snapshot: %w", err)
		}
	}

	return tx, nil
}

// Kind returns whether this is a read or a write scope.
func (tx *Tx) Kind() TxKind {
	return tx.kind
}

// Outcome returns the current state of the scope.
func (tx *Tx) Outcome() Outcome {
	return tx.outcome
}

// Depth returns the nesting depth of the underlying connection:
// 1 at the top level, plus one per open savepoint.
func (tx *Tx) Depth() int {
	return tx.conn.depth
}

// ExecContext executes a statement that doesn't return rows.
func (tx *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	return tx.conn.ExecContext(ctx, query, args...)
}

// QueryContext executes a query that returns rows.
// Close the rows before the scope's function returns.
func (tx *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	return tx.conn.QueryContext(ctx, query, args...)
}

// QueryRowContext executes a query that returns at most one row.
func (tx *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *Row {
	if err := tx.check(); err != nil {
		return &Row{err: err}
	}
	return tx.conn.QueryRowContext(ctx, query, args...)
}

// ExecCached is ExecContext through the connection's prepared statement
// cache. Use it for statements executed repeatedly with different arguments.
func (tx *Tx) ExecCached(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	stmt, err := tx.conn.prepared(ctx, query)
	if err != nil {
		return nil, err
	}
	if stmt == nil {
		return tx.conn.ExecContext(ctx, query, args...)
	}
	tx.conn.traceStatement(query)
	result, err := stmt.ExecContext(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("executing cached statement: %w", err)
	}
	return result, nil
}

// QueryCached is QueryContext through the prepared statement cache.
func (tx *Tx) QueryCached(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	stmt, err := tx.conn.prepared(ctx, query)
	if err != nil {
		return nil, err
	}
	if stmt == nil {
		return tx.conn.QueryContext(ctx, query, args...)
	}
	tx.conn.traceStatement(query)
	rows, err := stmt.QueryContext(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("querying cached statement: %w", err)
	}
	return rows, nil
}

// Savepoint runs fn inside a nested savepoint.
//
// If fn returns an error, only the changes made by fn are undone and the
// error is returned. The enclosing scope stays open: returning the error
// from the outer function still rolls back everything, while swallowing it
// keeps the work done before the savepoint.
func (tx *Tx) Savepoint(ctx context.Context, fn func(tx *Tx) error) error {
	if err := tx.check(); err != nil {
		return err
	}

	name := fmt.Sprintf("walpool_sp_%d", tx.conn.depth)
	if _, err := tx.conn.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("opening savepoint: %w", err)
	}
	tx.conn.depth++

	err := fn(tx)
	tx.conn.depth--

	if err != nil {
		bg := context.WithoutCancel(ctx)
		// ROLLBACK TO leaves the savepoint on the stack; RELEASE pops it.
		if _, rbErr := tx.conn.ExecContext(bg, "ROLLBACK TO "+name); rbErr != nil {
			return fmt.Errorf("rolling back savepoint: %w (cause: %w)", rbErr, err)
		}
		if _, relErr := tx.conn.ExecContext(bg, "RELEASE "+name); relErr != nil {
			return fmt.Errorf("releasing savepoint: %w (cause: %w)", relErr, err)
		}
		return err
	}

	if _, err := tx.conn.ExecContext(ctx, "RELEASE "+name); err != nil {
		return fmt.Errorf("releasing savepoint: %w", err)
	}
	return nil
}

// commit finalises the scope. It may succeed at most once; a rejected
// COMMIT is followed by an explicit rollback so the connection never
// leaves its owner with an open transaction.
func (tx *Tx) commit(ctx context.Context) error {
	if err := tx.check(); err != nil {
		return err
	}
	if _, err := tx.conn.ExecContext(ctx, "COMMIT TRANSACTION"); err != nil {
		tx.rollback() //nolint:errcheck // Commit error is the one to report
		return err
	}
	tx.outcome = OutcomeCommitted
	tx.conn.depth = 0
	return nil
}

// rollback undoes the scope. It is a no-op once the scope is closed.
// It runs with a detached context so cancellation cannot skip it.
func (tx *Tx) rollback() error {
	if tx.outcome != OutcomePending {
		return nil
	}
	tx.outcome = OutcomeRolledBack
	tx.conn.depth = 0

	ctx := context.Background()
	if _, err := tx.conn.ExecContext(ctx, "ROLLBACK TRANSACTION"); err != nil {
		// The engine already rolled back (e.g. after an interrupted statement).
		if isNoActiveTransaction(err) {
			return nil
		}
		if !tx.conn.healthy(ctx) {
			tx.conn.broken = true
		}
		return fmt.Errorf("rolling back: %w", err)
	}
	return nil
}

func (tx *Tx) check() error {
	if tx.outcome != OutcomePending {
		return ErrTxClosed
	}
	return nil
}

func isNoActiveTransaction(err error) bool {
	return strings.Contains(err.Error(), "no transaction is active")
}
