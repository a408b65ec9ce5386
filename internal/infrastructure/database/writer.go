package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// Writer owns the single read-write connection and serialises every write
// transaction through it.
//
// Thread Safety:
//   - All methods are safe for concurrent use. At most one write scope is
//     open at any instant; other writers block on the gate.
//   - Readers are never blocked by the gate. Isolation between the writer
//     and readers comes from the engine's WAL snapshots.
type Writer struct {
	db      *sql.DB
	s       *settings
	readers *ReaderPool // nil for a standalone writer

	// gate admits one holder at a time. Everything below is guarded by it.
	gate   *semaphore.Weighted
	conn   *Conn
	nextID int
	closed bool

	seq atomic.Uint64

	hooksMu sync.RWMutex
	hooks   []func(seq uint64)
}

// newWriter opens the writer connection eagerly so that an inaccessible
// or corrupt database fails at Open, not at the first write.
func newWriter(ctx context.Context, db *sql.DB, s *settings, readers *ReaderPool) (*Writer, error) {
	w := &Writer{
		db:      db,
		s:       s,
		readers: readers,
		gate:    semaphore.NewWeighted(1),
	}

	if err := w.lock(ctx); err != nil {
		return nil, err
	}
	defer w.unlock()

	if _, err := w.connLocked(ctx); err != nil {
		return nil, err
	}
	return w, nil
}

// Write runs fn inside a write transaction.
//
// It blocks until the write gate is acquired (or ctx is done), begins an
// immediate transaction, runs fn and commits if fn returns nil. Any error
// from fn, a panic, a cancelled context or a rejected commit rolls the
// transaction back; the returned error is a *TxError matching
// ErrTransactionFailed. The gate is released on every path.
//
// Failed writes are never retried.
//
// Write is not reentrant. Calling Write, Read, WriteWithoutTransaction or
// Barrier on the same writer from inside fn waits for the gate fn is
// holding, so the inner call blocks until its ctx is done and returns the
// context error. Use tx.Savepoint for nested units of work, and Pool.Read
// (which does not take the gate) to read committed data from inside fn.
//
// Example:
//
//	err := w.Write(ctx, func(tx *database.Tx) error {
//	    _, err := tx.ExecContext(ctx, "INSERT INTO t (x) VALUES (?)", 1)
//	    return err
//	})
func (w *Writer) Write(ctx context.Context, fn func(tx *Tx) error) error {
	if err := w.lock(ctx); err != nil {
		return err
	}
	defer w.unlock()

	start := time.Now()
	err := w.transactionLocked(ctx, fn)
	w.s.observer.ObserveWrite(time.Since(start), err)

	if err != nil {
		w.s.counters.writeFailures.Inc()
		w.s.logger.Debug("write transaction rolled back", "error", err)
		return err
	}

	w.s.counters.writes.Inc()
	seq := w.seq.Add(1)
	w.notifyCommit(seq)
	return nil
}

// Read runs fn in a read scope on the writer connection.
//
// It waits for the write gate like Write does, so prefer Pool.Read when a
// reader pool is available. It exists so that a Writer alone satisfies
// DatabaseReader (migration status on a standalone writer).
func (w *Writer) Read(ctx context.Context, fn func(tx *Tx) error) error {
	if err := w.lock(ctx); err != nil {
		return err
	}
	defer w.unlock()

	conn, err := w.connLocked(ctx)
	if err != nil {
		return err
	}

	tx, err := beginTx(ctx, conn, KindRead)
	if err != nil {
		return err
	}
	defer w.rollback(tx)

	return fn(tx)
}

// WriteWithoutTransaction runs fn on the writer connection with no implicit
// transaction, for statements that cannot run inside one (VACUUM, some
// PRAGMAs). A transaction left open by fn is rolled back.
func (w *Writer) WriteWithoutTransaction(ctx context.Context, fn func(conn *Conn) error) error {
	if err := w.lock(ctx); err != nil {
		return err
	}
	defer w.unlock()

	return w.withoutTransactionLocked(ctx, fn)
}

// Barrier runs fn on the writer connection once no other scope is open:
// it holds the write gate and every reader slot for the duration.
//
// Reads and writes issued while the barrier is held wait for it. The reader
// checkout timeout still applies to them.
func (w *Writer) Barrier(ctx context.Context, fn func(conn *Conn) error) error {
	if err := w.lock(ctx); err != nil {
		return err
	}
	defer w.unlock()

	if w.readers != nil {
		if err := w.readers.drain(ctx); err != nil {
			return fmt.Errorf("waiting for readers: %w", err)
		}
		defer w.readers.undrain()
	}

	return w.withoutTransactionLocked(ctx, fn)
}

// Sequence returns the sequence number of the last committed write.
// It starts at zero when the pool opens and grows by one per commit.
func (w *Writer) Sequence() uint64 {
	return w.seq.Load()
}

// OnCommit registers a hook invoked after every successful commit with the
// new sequence number. Hooks run in commit order while the write gate is
// still held, so they must return quickly and must not call Write.
func (w *Writer) OnCommit(hook func(seq uint64)) {
	w.hooksMu.Lock()
	defer w.hooksMu.Unlock()
	w.hooks = append(w.hooks, hook)
}

// transactionLocked begins, runs and finishes one write scope.
// The caller holds the gate.
func (w *Writer) transactionLocked(ctx context.Context, fn func(tx *Tx) error) error {
	conn, err := w.connLocked(ctx)
	if err != nil {
		return &TxError{Op: "begin", Err: err}
	}

	tx, err := beginTx(ctx, conn, KindWrite)
	if err != nil {
		return &TxError{Op: "begin", Err: err}
	}
	// No-op after commit; undoes everything after an error or a panic.
	defer w.rollback(tx)

	if err := fn(tx); err != nil {
		return &TxError{Op: "write", Err: err}
	}

	// A scope whose context ended never commits, even if fn ignored it.
	if err := ctx.Err(); err != nil {
		return &TxError{Op: "commit", Err: err}
	}

	if err := tx.commit(ctx); err != nil {
		return &TxError{Op: "commit", Err: err}
	}
	return nil
}

func (w *Writer) withoutTransactionLocked(ctx context.Context, fn func(conn *Conn) error) error {
	conn, err := w.connLocked(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if _, err := conn.ExecContext(context.Background(), "ROLLBACK TRANSACTION"); err != nil && !isNoActiveTransaction(err) {
			w.s.logger.Warn("rolling back transaction left open on writer connection", "error", err)
			conn.broken = !conn.healthy(context.Background())
		}
	}()

	return fn(conn)
}

func (w *Writer) rollback(tx *Tx) {
	if err := tx.rollback(); err != nil {
		w.s.logger.Error("writer rollback failed", "error", err)
	}
}

// connLocked returns the writer connection, replacing it if a previous
// failure left it unusable. The caller holds the gate.
func (w *Writer) connLocked(ctx context.Context) (*Conn, error) {
	if w.conn != nil && !w.conn.broken {
		return w.conn, nil
	}
	if w.conn != nil {
		w.s.logger.Warn("discarding broken writer connection", "conn", w.conn.id)
		w.conn.discard()
		w.conn = nil
	}

	w.nextID++
	conn, err := w.s.open(ctx, w.db, ModeReadWrite, w.nextID)
	if err != nil {
		return nil, err
	}
	w.conn = conn
	return conn, nil
}

func (w *Writer) notifyCommit(seq uint64) {
	w.hooksMu.RLock()
	hooks := w.hooks
	w.hooksMu.RUnlock()

	for _, hook := range hooks {
		w.callHook(hook, seq)
	}
}

// callHook shields the writer from a panicking hook: the commit already
// happened and must still be reported as a success.
func (w *Writer) callHook(hook func(uint64), seq uint64) {
	defer func() {
		if r := recover(); r != nil {
			w.s.logger.Error("commit hook panic recovered", "seq", seq, "panic", r)
		}
	}()
	hook(seq)
}

// lock acquires the write gate, failing fast once the writer is closed.
func (w *Writer) lock(ctx context.Context) error {
	if err := w.gate.Acquire(ctx, 1); err != nil {
		return err
	}
	if w.closed {
		w.gate.Release(1)
		return ErrPoolClosed
	}
	return nil
}

func (w *Writer) unlock() {
	w.gate.Release(1)
}

// close waits for the in-flight write, then closes the connection.
func (w *Writer) close() error {
	if err := w.gate.Acquire(context.Background(), 1); err != nil {
		return err
	}
	defer w.gate.Release(1)

	if w.closed {
		return nil
	}
	w.closed = true
	if w.conn == nil {
		return nil
	}
	return w.conn.close()
}
