package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// ReaderPool lends read-only connections out for the duration of one read
// scope. Connections are created lazily up to the configured capacity.
//
// Every scope pins a WAL snapshot when it opens: it sees all writes
// committed before that instant and none committed afterwards, even while
// the writer keeps committing. The pool takes no lock shared with the
// writer.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type ReaderPool struct {
	db       *sql.DB
	s        *settings
	capacity int
	timeout  time.Duration

	// slots bounds concurrent checkouts; waiting readers queue on it.
	slots *semaphore.Weighted

	mu     sync.Mutex
	idle   []*Conn
	open   int
	nextID int

	closed atomic.Bool
}

func newReaderPool(db *sql.DB, s *settings, capacity int, timeout time.Duration) *ReaderPool {
	return &ReaderPool{
		db:       db,
		s:        s,
		capacity: capacity,
		timeout:  timeout,
		slots:    semaphore.NewWeighted(int64(capacity)),
	}
}

// Read runs fn inside a read scope on a pooled connection.
//
// If every connection is checked out, Read waits up to the checkout timeout
// and then fails with ErrPoolExhausted. If ctx ends first, ctx.Err() is
// returned. The scope is always rolled back and the connection always
// returned, including when fn panics.
func (p *ReaderPool) Read(ctx context.Context, fn func(tx *Tx) error) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}

	start := time.Now()
	if err := p.acquire(ctx); err != nil {
		return err
	}
	defer p.slots.Release(1)
	p.s.observer.ObserveCheckout(time.Since(start))

	if p.closed.Load() {
		return ErrPoolClosed
	}

	conn, err := p.checkout(ctx)
	if err != nil {
		return err
	}
	defer p.release(conn)

	begun := time.Now()
	err = p.scope(ctx, conn, fn)
	p.s.observer.ObserveRead(time.Since(begun), err)

	p.s.counters.reads.Inc()
	if err != nil {
		p.s.counters.readFailures.Inc()
	}
	return err
}

// Capacity returns the maximum number of reader connections.
func (p *ReaderPool) Capacity() int {
	return p.capacity
}

func (p *ReaderPool) scope(ctx context.Context, conn *Conn, fn func(tx *Tx) error) error {
	tx, err := beginTx(ctx, conn, KindRead)
	if err != nil {
		if !conn.healthy(context.Background()) {
			conn.broken = true
		}
		return err
	}
	defer func() {
		if err := tx.rollback(); err != nil {
			p.s.logger.Warn("reader rollback failed", "conn", conn.id, "error", err)
		}
	}()

	return fn(tx)
}

// acquire takes a checkout slot, waiting at most the checkout timeout.
func (p *ReaderPool) acquire(ctx context.Context) error {
	if p.slots.TryAcquire(1) {
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.slots.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.s.counters.exhausted.Inc()
		p.s.observer.ObservePoolExhausted()
		p.s.logger.Warn("reader pool exhausted", "capacity", p.capacity, "timeout", p.timeout)
		return fmt.Errorf("%w: no reader available after %s", ErrPoolExhausted, p.timeout)
	}
	return nil
}

// checkout pops an idle connection or opens a new one.
// The caller holds a slot, so the pool never exceeds its capacity.
func (p *ReaderPool) checkout(ctx context.Context) (*Conn, error) {
	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		conn := p.idle[n-1]
		p.idle[n-1] = nil
		p.idle = p.idle[:n-1]
		p.mu.Unlock()

		conn.checkedOut.Store(true)
		return conn, nil
	}
	p.nextID++
	id := p.nextID
	p.open++
	p.mu.Unlock()

	conn, err := p.s.open(ctx, p.db, ModeReadOnly, id)
	if err != nil {
		p.mu.Lock()
		p.open--
		p.mu.Unlock()
		return nil, err
	}

	conn.checkedOut.Store(true)
	return conn, nil
}

// release returns conn to the idle set exactly once. Broken connections,
// and connections released after Close began, are closed instead.
func (p *ReaderPool) release(conn *Conn) {
	if !conn.checkedOut.CompareAndSwap(true, false) {
		p.s.logger.Error("reader connection released twice", "conn", conn.id)
		return
	}

	if conn.broken || p.closed.Load() {
		if conn.broken {
			p.s.logger.Warn("discarding broken reader connection", "conn", conn.id)
			conn.discard()
		} else if err := conn.close(); err != nil {
			p.s.logger.Warn("closing reader connection", "conn", conn.id, "error", err)
		}
		p.mu.Lock()
		p.open--
		p.mu.Unlock()
		return
	}

	p.mu.Lock()
	p.idle = append(p.idle, conn)
	p.mu.Unlock()
}

// drain takes every slot, waiting for in-flight reads to finish.
func (p *ReaderPool) drain(ctx context.Context) error {
	return p.slots.Acquire(ctx, int64(p.capacity))
}

// undrain releases the slots taken by drain.
func (p *ReaderPool) undrain() {
	p.slots.Release(int64(p.capacity))
}

// purgeIdleStatements drops cached statements of idle connections.
// Only safe while the pool is drained.
func (p *ReaderPool) purgeIdleStatements() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, conn := range p.idle {
		conn.purgeStatements()
	}
}

// counts returns the number of open and idle connections.
func (p *ReaderPool) counts() (open, idle int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open, len(p.idle)
}

// close waits for in-flight reads, closes every connection and wakes any
// caller still queued for a slot so it can observe ErrPoolClosed.
func (p *ReaderPool) close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}

	if err := p.drain(context.Background()); err != nil {
		return err
	}
	defer p.undrain()

	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.open -= len(idle)
	p.mu.Unlock()

	var errs []error
	for _, conn := range idle {
		if err := conn.close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
