package database

import (
	"context"
	"fmt"
	"strings"
)

// CheckpointMode selects how aggressively the WAL is folded back into the
// main database file. See https://www.sqlite.org/pragma.html#pragma_wal_checkpoint
type CheckpointMode int

const (
	// CheckpointPassive copies as many frames as possible without waiting
	// for readers or the writer.
	CheckpointPassive CheckpointMode = iota

	// CheckpointFull waits for the writer, then copies every frame.
	CheckpointFull

	// CheckpointRestart is CheckpointFull that also makes the next writer
	// restart the log from the beginning.
	CheckpointRestart

	// CheckpointTruncate is CheckpointRestart that also truncates the WAL
	// file to zero bytes.
	CheckpointTruncate
)

// String returns the pragma argument for the mode.
func (m CheckpointMode) String() string {
	switch m {
	case CheckpointFull:
		return "FULL"
	case CheckpointRestart:
		return "RESTART"
	case CheckpointTruncate:
		return "TRUNCATE"
	default:
		return "PASSIVE"
	}
}

// ParseCheckpointMode converts a case-insensitive mode name.
func ParseCheckpointMode(s string) (CheckpointMode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "PASSIVE":
		return CheckpointPassive, nil
	case "FULL":
		return CheckpointFull, nil
	case "RESTART":
		return CheckpointRestart, nil
	case "TRUNCATE":
		return CheckpointTruncate, nil
	default:
		return CheckpointPassive, fmt.Errorf("unknown checkpoint mode %q", s)
	}
}

// CheckpointResult is the row returned by PRAGMA wal_checkpoint.
type CheckpointResult struct {
	// Busy is true if the checkpoint could not complete because another
	// connection was using the database.
	Busy bool

	// LogFrames is the number of frames in the WAL file.
	LogFrames int

	// CheckpointedFrames is the number of frames copied into the database.
	CheckpointedFrames int
}

// Checkpoint runs a WAL checkpoint on the writer connection.
//
// RESTART and TRUNCATE run inside a barrier so no reader snapshot holds the
// log open; PASSIVE and FULL only take the write gate.
func (p *Pool) Checkpoint(ctx context.Context, mode CheckpointMode) (CheckpointResult, error) {
	var result CheckpointResult
	query := fmt.Sprintf("PRAGMA wal_checkpoint(%s)", mode)

	run := func(conn *Conn) error {
		var busy int
		if err := conn.QueryRowContext(ctx, query).Scan(&busy, &result.LogFrames, &result.CheckpointedFrames); err != nil {
			return fmt.Errorf("checkpoint %s: %w", mode, err)
		}
		result.Busy = busy != 0
		return nil
	}

	var err error
	if mode >= CheckpointRestart {
		err = p.writer.Barrier(ctx, run)
	} else {
		err = p.writer.WriteWithoutTransaction(ctx, run)
	}
	if err != nil {
		return CheckpointResult{}, err
	}

	p.s.logger.Debug("wal checkpoint",
		"mode", mode.String(),
		"busy", result.Busy,
		"log_frames", result.LogFrames,
		"checkpointed_frames", result.CheckpointedFrames,
	)
	return result, nil
}

// Erase drops every view, trigger, table and index, then vacuums the file.
//
// It runs inside a barrier, so no read or write scope observes a half-erased
// database, and it clears every statement cache because cached statements
// refer to objects that no longer exist.
func (w *Writer) Erase(ctx context.Context) error {
	err := w.Barrier(ctx, func(conn *Conn) error {
		if err := eraseSchema(ctx, conn); err != nil {
			return err
		}
		conn.purgeStatements()
		if w.readers != nil {
			w.readers.purgeIdleStatements()
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("erasing database: %w", err)
	}

	w.s.logger.Warn("database erased")
	return nil
}

// eraseSchema does the work of Erase on a connection with no open scope.
func eraseSchema(ctx context.Context, conn *Conn) error {
	// foreign_keys is a no-op inside a transaction, so it is switched
	// before BEGIN and restored after COMMIT.
	if _, err := conn.ExecContext(ctx, "PRAGMA foreign_keys = OFF"); err != nil {
		return err
	}
	defer conn.ExecContext(context.WithoutCancel(ctx), "PRAGMA foreign_keys = ON") //nolint:errcheck // Best effort restore

	tx, err := beginTx(ctx, conn, KindWrite)
	if err != nil {
		return err
	}
	defer tx.rollback() //nolint:errcheck // No-op after commit

	// Views and triggers first, then virtual tables (which own shadow
	// tables), then whatever tables remain.
	steps := []string{
		`SELECT type, name FROM sqlite_master
		 WHERE type IN ('view', 'trigger') AND name NOT LIKE 'sqlite_%'`,
		`SELECT type, name FROM sqlite_master
		 WHERE type = 'table' AND sql LIKE 'CREATE VIRTUAL TABLE%'`,
		`SELECT type, name FROM sqlite_master
		 WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`,
	}
	for _, query := range steps {
		objects, err := schemaObjects(ctx, tx, query)
		if err != nil {
			return err
		}
		for _, obj := range objects {
			stmt := fmt.Sprintf("DROP %s IF EXISTS %s", strings.ToUpper(obj.kind), quoteIdentifier(obj.name))
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("dropping %s %s: %w", obj.kind, obj.name, err)
			}
		}
	}

	if _, err := tx.ExecContext(ctx, "PRAGMA user_version = 0"); err != nil {
		return err
	}
	if err := tx.commit(ctx); err != nil {
		return fmt.Errorf("committing erase: %w", err)
	}

	if _, err := conn.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	return nil
}

type schemaObject struct {
	kind string
	name string
}

// schemaObjects reads the whole result before returning so the caller
// can issue statements on the same connection.
func schemaObjects(ctx context.Context, tx *Tx, query string) ([]schemaObject, error) {
	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing schema: %w", err)
	}
	defer rows.Close()

	var objects []schemaObject
	for rows.Next() {
		var obj schemaObject
		if err := rows.Scan(&obj.kind, &obj.name); err != nil {
			return nil, fmt.Errorf("scanning schema row: %w", err)
		}
		objects = append(objects, obj)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating schema: %w", err)
	}
	return objects, nil
}

// quoteIdentifier quotes a schema name for use in DDL.
func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
