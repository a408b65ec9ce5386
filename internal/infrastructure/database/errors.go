package database

import (
	"errors"
	"fmt"
)

// Sentinel errors for pool, transaction and migration operations.
//
// These errors can be checked using errors.Is() for specific handling:
//
//	if errors.Is(err, database.ErrPoolExhausted) {
//	    // back off and retry the read later
//	}
var (
	// ErrConnectionOpenFailed indicates the database file could not be opened
	// or configured (inaccessible path, corrupt file, WAL mode refused).
	ErrConnectionOpenFailed = errors.New("database: connection open failed")

	// ErrTransactionFailed indicates a write transaction was rolled back,
	// either because the unit of work failed or because the engine rejected
	// the commit. The concrete error is a *TxError carrying the cause.
	ErrTransactionFailed = errors.New("database: transaction failed")

	// ErrPoolExhausted indicates no reader connection became available
	// within the configured checkout timeout.
	ErrPoolExhausted = errors.New("database: reader pool exhausted")

	// ErrDuplicateMigrationName indicates a migration was registered twice.
	// This is a programming error and should abort startup.
	ErrDuplicateMigrationName = errors.New("database: duplicate migration name")

	// ErrMigrationFailed indicates a registered migration failed to apply.
	// Migrations applied before it remain committed.
	ErrMigrationFailed = errors.New("database: migration failed")

	// ErrPoolClosed is returned by operations on a closed pool.
	ErrPoolClosed = errors.New("database: pool closed")

	// ErrTxClosed is returned when a transaction is used after its scope ended.
	ErrTxClosed = errors.New("database: transaction already closed")
)

// TxError describes a write transaction that was rolled back.
//
// It matches ErrTransactionFailed with errors.Is and unwraps to the
// underlying cause, so callers can test for both:
//
//	var txErr *database.TxError
//	if errors.As(err, &txErr) && txErr.Op == "commit" {
//	    // the engine rejected the commit
//	}
type TxError struct {
	// Op is the step that failed: "begin", "write" or "commit".
	Op string

	// Err is the cause reported by the unit of work or the engine.
	Err error
}

// Error implements the error interface.
func (e *TxError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrTransactionFailed, e.Op, e.Err)
}

// Unwrap returns the underlying cause.
func (e *TxError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrTransactionFailed.
func (e *TxError) Is(target error) bool {
	return target == ErrTransactionFailed
}
