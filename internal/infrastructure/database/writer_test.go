package database

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestWriteCommits(t *testing.T) {
	pool := openTestPool(t, nil)
	createTable(t, pool, "CREATE TABLE t (x INTEGER)")
	ctx := context.Background()

	err := pool.Write(ctx, func(tx *Tx) error {
		assert.Equal(t, KindWrite, tx.Kind())
		assert.Equal(t, 1, tx.Depth())
		_, err := tx.ExecContext(ctx, "INSERT INTO t (x) VALUES (1), (2)")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 2, countRows(t, pool, "t"))
}

func TestWritesAreTotallyOrdered(t *testing.T) {
	pool := openTestPool(t, nil)
	createTable(t, pool, "CREATE TABLE log (seq INTEGER PRIMARY KEY AUTOINCREMENT, writer INTEGER, observed INTEGER)")
	ctx := context.Background()

	const writers = 20
	var active, overlaps int
	var mu sync.Mutex

	var g errgroup.Group
	for i := range writers {
		g.Go(func() error {
			return pool.Write(ctx, func(tx *Tx) error {
				mu.Lock()
				active++
				if active > 1 {
					overlaps++
				}
				mu.Unlock()
				defer func() {
					mu.Lock()
					active--
					mu.Unlock()
				}()

				// Record how many rows this writer saw; with serialised
				// writers every count is distinct.
				var n int
				if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM log").Scan(&n); err != nil {
					return err
				}
				time.Sleep(time.Millisecond)
				_, err := tx.ExecContext(ctx, "INSERT INTO log (writer, observed) VALUES (?, ?)", i, n)
				return err
			})
		})
	}
	require.NoError(t, g.Wait())
	assert.Zero(t, overlaps, "write scopes overlapped")

	observed, err := ReadValue(ctx, pool, func(tx *Tx) ([]int, error) {
		rows, err := tx.QueryContext(ctx, "SELECT observed FROM log ORDER BY seq")
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		var out []int
		for rows.Next() {
			var n int
			if err := rows.Scan(&n); err != nil {
				return nil, err
			}
			out = append(out, n)
		}
		return out, rows.Err()
	})
	require.NoError(t, err)
	require.Len(t, observed, writers)
	for i, n := range observed {
		assert.Equal(t, i, n, "write %d saw %d prior rows", i, n)
	}
	assert.Equal(t, uint64(writers+1), pool.Writer().Sequence())
}

func TestWriteConstraintViolationRollsBack(t *testing.T) {
	pool := openTestPool(t, nil)
	createTable(t, pool, "CREATE TABLE t (x INTEGER UNIQUE)")
	ctx := context.Background()

	err := pool.Write(ctx, func(tx *Tx) error {
		for _, x := range []int{1, 2, 2} {
			if _, err := tx.ExecContext(ctx, "INSERT INTO t (x) VALUES (?)", x); err != nil {
				return err
			}
		}
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransactionFailed)

	var txErr *TxError
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, "write", txErr.Op)
	assert.Contains(t, txErr.Err.Error(), "UNIQUE constraint failed")

	assert.Zero(t, countRows(t, pool, "t"))
}

func TestWriteCommitFailureRollsBack(t *testing.T) {
	pool := openTestPool(t, nil)
	createTable(t, pool, `
		CREATE TABLE parent (id INTEGER PRIMARY KEY);
		CREATE TABLE child (
			id INTEGER PRIMARY KEY,
			parent_id INTEGER REFERENCES parent(id) DEFERRABLE INITIALLY DEFERRED
		);
	`)
	ctx := context.Background()

	err := pool.Write(ctx, func(tx *Tx) error {
		_, err := tx.ExecContext(ctx, "INSERT INTO child (id, parent_id) VALUES (1, 99)")
		return err
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransactionFailed)

	var txErr *TxError
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, "commit", txErr.Op)

	assert.Zero(t, countRows(t, pool, "child"))

	// The writer connection is left without an open transaction.
	err = pool.Write(ctx, func(tx *Tx) error {
		_, err := tx.ExecContext(ctx, "INSERT INTO parent (id) VALUES (99)")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 1, countRows(t, pool, "parent"))
}

func TestWritePanicRollsBackAndReleasesGate(t *testing.T) {
	pool := openTestPool(t, nil)
	createTable(t, pool, "CREATE TABLE t (x INTEGER)")
	ctx := context.Background()

	assert.PanicsWithValue(t, "boom", func() {
		_ = pool.Write(ctx, func(tx *Tx) error { //nolint:errcheck // Panics
			if _, err := tx.ExecContext(ctx, "INSERT INTO t (x) VALUES (1)"); err != nil {
				return err
			}
			panic("boom")
		})
	})

	assert.Zero(t, countRows(t, pool, "t"))

	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, pool.Write(ctx, func(*Tx) error { return nil }))
}

func TestWriteCancelledWhileWaitingForGate(t *testing.T) {
	pool := openTestPool(t, nil)
	ctx := context.Background()

	holding := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = pool.Write(ctx, func(*Tx) error { //nolint:errcheck // Result not under test
			close(holding)
			<-done
			return nil
		})
	}()
	<-holding

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := pool.Write(waitCtx, func(*Tx) error {
		t.Error("unit of work ran without the gate")
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(done)
}

func TestWriteCancelledInsideScope(t *testing.T) {
	pool := openTestPool(t, nil)
	createTable(t, pool, "CREATE TABLE t (x INTEGER)")

	ctx, cancel := context.WithCancel(context.Background())
	err := pool.Write(ctx, func(tx *Tx) error {
		if _, err := tx.ExecContext(ctx, "INSERT INTO t (x) VALUES (1)"); err != nil {
			return err
		}
		cancel()
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransactionFailed)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, countRows(t, pool, "t"))

	require.NoError(t, pool.Write(context.Background(), func(*Tx) error { return nil }))
}

func TestNestedWriteWaitsForItsContext(t *testing.T) {
	pool := openTestPool(t, nil)
	createTable(t, pool, "CREATE TABLE t (x INTEGER)")
	ctx := context.Background()

	err := pool.Write(ctx, func(tx *Tx) error {
		if _, err := tx.ExecContext(ctx, "INSERT INTO t (x) VALUES (1)"); err != nil {
			return err
		}

		innerCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		inner := pool.Write(innerCtx, func(*Tx) error { return nil })
		assert.ErrorIs(t, inner, context.DeadlineExceeded)

		// Readers do not take the gate and see only committed rows.
		n, err := ReadValue(ctx, pool, func(rtx *Tx) (int, error) {
			var n int
			err := rtx.QueryRowContext(ctx, "SELECT COUNT(*) FROM t").Scan(&n)
			return n, err
		})
		require.NoError(t, err)
		assert.Zero(t, n)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, countRows(t, pool, "t"))
}

func TestTxUnusableAfterScope(t *testing.T) {
	pool := openTestPool(t, nil)
	createTable(t, pool, "CREATE TABLE t (x INTEGER)")
	ctx := context.Background()

	var leaked *Tx
	require.NoError(t, pool.Write(ctx, func(tx *Tx) error {
		leaked = tx
		return nil
	}))

	assert.Equal(t, OutcomeCommitted, leaked.Outcome())
	_, err := leaked.ExecContext(ctx, "INSERT INTO t (x) VALUES (1)")
	assert.ErrorIs(t, err, ErrTxClosed)
	assert.ErrorIs(t, leaked.QueryRowContext(ctx, "SELECT 1").Scan(new(int)), ErrTxClosed)
	assert.ErrorIs(t, leaked.commit(ctx), ErrTxClosed)
	assert.NoError(t, leaked.rollback())
}

func TestSavepoint(t *testing.T) {
	pool := openTestPool(t, nil)
	createTable(t, pool, "CREATE TABLE t (x INTEGER UNIQUE)")
	ctx := context.Background()

	t.Run("swallowed error undoes only the sub-step", func(t *testing.T) {
		err := pool.Write(ctx, func(tx *Tx) error {
			if _, err := tx.ExecContext(ctx, "INSERT INTO t (x) VALUES (1)"); err != nil {
				return err
			}
			spErr := tx.Savepoint(ctx, func(tx *Tx) error {
				assert.Equal(t, 2, tx.Depth())
				if _, err := tx.ExecContext(ctx, "INSERT INTO t (x) VALUES (2)"); err != nil {
					return err
				}
				_, err := tx.ExecContext(ctx, "INSERT INTO t (x) VALUES (1)")
				return err
			})
			assert.Error(t, spErr)
			assert.Equal(t, 1, tx.Depth())
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, countRows(t, pool, "t"))
	})

	t.Run("propagated error undoes everything", func(t *testing.T) {
		err := pool.Write(ctx, func(tx *Tx) error {
			if _, err := tx.ExecContext(ctx, "INSERT INTO t (x) VALUES (10)"); err != nil {
				return err
			}
			return tx.Savepoint(ctx, func(tx *Tx) error {
				_, err := tx.ExecContext(ctx, "INSERT INTO t (x) VALUES (1)")
				return err
			})
		})
		require.ErrorIs(t, err, ErrTransactionFailed)
		assert.Equal(t, 1, countRows(t, pool, "t"))
	})

	t.Run("nested savepoints commit", func(t *testing.T) {
		err := pool.Write(ctx, func(tx *Tx) error {
			return tx.Savepoint(ctx, func(tx *Tx) error {
				return tx.Savepoint(ctx, func(tx *Tx) error {
					assert.Equal(t, 3, tx.Depth())
					_, err := tx.ExecContext(ctx, "INSERT INTO t (x) VALUES (20)")
					return err
				})
			})
		})
		require.NoError(t, err)
		assert.Equal(t, 2, countRows(t, pool, "t"))
	})
}

func TestCachedStatements(t *testing.T) {
	pool := openTestPool(t, nil)
	createTable(t, pool, "CREATE TABLE t (x INTEGER)")
	ctx := context.Background()

	err := pool.Write(ctx, func(tx *Tx) error {
		for i := range 5 {
			if _, err := tx.ExecCached(ctx, "INSERT INTO t (x) VALUES (?)", i); err != nil {
				return err
			}
		}
		assert.Equal(t, 1, tx.conn.cachedStatements())
		return nil
	})
	require.NoError(t, err)

	sum, err := ReadValue(ctx, pool, func(tx *Tx) (int, error) {
		rows, err := tx.QueryCached(ctx, "SELECT x FROM t")
		if err != nil {
			return 0, err
		}
		defer rows.Close()
		total := 0
		for rows.Next() {
			var x int
			if err := rows.Scan(&x); err != nil {
				return 0, err
			}
			total += x
		}
		return total, rows.Err()
	})
	require.NoError(t, err)
	assert.Equal(t, 10, sum)
}

func TestOnCommitHooks(t *testing.T) {
	var seen []uint64
	pool := openTestPool(t, func(cfg *Config) {
		cfg.AfterCommit = func(seq uint64) {
			seen = append(seen, seq)
		}
	})
	ctx := context.Background()

	pool.OnCommit(func(uint64) { panic("hook failure") })

	for range 3 {
		require.NoError(t, pool.Write(ctx, func(*Tx) error { return nil }))
	}
	_ = pool.Write(ctx, func(*Tx) error { return errors.New("rolled back") }) //nolint:errcheck // Not committed

	assert.Equal(t, []uint64{1, 2, 3}, seen)
	assert.Equal(t, uint64(3), pool.Writer().Sequence())
}

func TestWriteValue(t *testing.T) {
	pool := openTestPool(t, nil)
	createTable(t, pool, "CREATE TABLE t (id INTEGER PRIMARY KEY, x TEXT)")
	ctx := context.Background()

	id, err := WriteValue(ctx, pool, func(tx *Tx) (int64, error) {
		res, err := tx.ExecContext(ctx, "INSERT INTO t (x) VALUES ('a')")
		if err != nil {
			return 0, err
		}
		return res.LastInsertId()
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	id, err = WriteValue(ctx, pool, func(*Tx) (int64, error) {
		return 42, errors.New("discarded")
	})
	require.Error(t, err)
	assert.Zero(t, id)
}

func TestWriteWithoutTransaction(t *testing.T) {
	pool := openTestPool(t, nil)
	createTable(t, pool, "CREATE TABLE t (x INTEGER)")
	ctx := context.Background()

	err := pool.WriteWithoutTransaction(ctx, func(conn *Conn) error {
		assert.Equal(t, ModeReadWrite, conn.Mode())
		assert.Zero(t, conn.Depth())
		if _, err := conn.ExecContext(ctx, "BEGIN"); err != nil {
			return err
		}
		// Left open on purpose: it must be rolled back on return.
		_, err := conn.ExecContext(ctx, "INSERT INTO t (x) VALUES (1)")
		return err
	})
	require.NoError(t, err)
	assert.Zero(t, countRows(t, pool, "t"))

	require.NoError(t, pool.WriteWithoutTransaction(ctx, func(conn *Conn) error {
		_, err := conn.ExecContext(ctx, "VACUUM")
		return err
	}))
}
