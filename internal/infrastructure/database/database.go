package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Database configuration constants.
const (
	// dirPermissions is the permission mode for the database directory.
	dirPermissions = 0750

	// filePermissions is the permission mode for the database file.
	filePermissions = 0600

	// connectionTimeout bounds opening and verifying the writer connection.
	connectionTimeout = 5 * time.Second

	// DefaultReaderPoolSize is the reader capacity used when none is configured.
	DefaultReaderPoolSize = 5

	// DefaultCheckoutTimeout is how long a read waits for a free connection.
	DefaultCheckoutTimeout = 5 * time.Second

	// DefaultBusyTimeout is how long the engine waits on a file lock.
	DefaultBusyTimeout = 5 * time.Second

	// DefaultStatementCacheSize is the per-connection prepared statement cache size.
	DefaultStatementCacheSize = 64
)

// DatabaseReader is implemented by everything that can run read scopes:
// *Pool, *ReaderPool and *Writer.
type DatabaseReader interface {
	Read(ctx context.Context, fn func(tx *Tx) error) error
}

// DatabaseWriter is implemented by *Pool and *Writer.
type DatabaseWriter interface {
	DatabaseReader
	Write(ctx context.Context, fn func(tx *Tx) error) error
}

// Config contains pool configuration options.
// Zero values select the defaults above.
type Config struct {
	// Path is the filesystem path to the SQLite database file.
	// The directory will be created if it doesn't exist.
	// In-memory databases cannot be shared between connections and are rejected.
	Path string

	// ReaderPoolSize is the maximum number of read-only connections.
	ReaderPoolSize int

	// CheckoutTimeout is how long Read waits for a reader before failing
	// with ErrPoolExhausted.
	CheckoutTimeout time.Duration

	// BusyTimeout is the maximum time the engine waits for a file lock.
	BusyTimeout time.Duration

	// StatementCacheSize bounds each connection's prepared statement cache.
	// Negative disables the cache.
	StatementCacheSize int

	// OnConnectionOpen runs once for every new connection, writer and
	// readers alike, before it is first used. An error aborts the checkout
	// with ErrConnectionOpenFailed.
	OnConnectionOpen func(ctx context.Context, conn *Conn) error

	// StatementTrace, if set, receives the SQL text of every statement
	// executed through the pool, including BEGIN/COMMIT/ROLLBACK.
	StatementTrace func(sql string)

	// AfterCommit, if set, is registered as the first commit hook.
	// See Writer.OnCommit.
	AfterCommit func(seq uint64)

	// Observer receives metrics events. Nil disables them.
	Observer Observer

	// Logger receives pool diagnostics. Nil discards them.
	Logger *slog.Logger
}

// withDefaults fills unset fields.
func (c Config) withDefaults() Config {
	if c.ReaderPoolSize <= 0 {
		c.ReaderPoolSize = DefaultReaderPoolSize
	}
	if c.CheckoutTimeout <= 0 {
		c.CheckoutTimeout = DefaultCheckoutTimeout
	}
	if c.BusyTimeout <= 0 {
		c.BusyTimeout = DefaultBusyTimeout
	}
	if c.StatementCacheSize == 0 {
		c.StatementCacheSize = DefaultStatementCacheSize
	}
	if c.Observer == nil {
		c.Observer = nopObserver{}
	}
	if c.Logger == nil {
		c.Logger = discardLogger()
	}
	return c
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// settings is the per-pool state shared by the writer and the readers.
type settings struct {
	cacheSize int
	trace     func(string)
	onOpen    func(ctx context.Context, conn *Conn) error
	logger    *slog.Logger
	observer  Observer
	counters  *counters
}

// open pins a new connection and runs the OnConnectionOpen hook.
func (s *settings) open(ctx context.Context, db *sql.DB, mode Mode, id int) (*Conn, error) {
	conn, err := openConn(ctx, db, mode, id, s.cacheSize, s.trace)
	if err != nil {
		return nil, err
	}

	if s.onOpen != nil {
		if err := s.onOpen(ctx, conn); err != nil {
			conn.discard()
			return nil, fmt.Errorf("%w: connection hook: %w", ErrConnectionOpenFailed, err)
		}
	}

	s.logger.Debug("connection opened", "mode", mode.String(), "conn", id)
	return conn, nil
}

// Pool is a single-writer, multiple-reader SQLite database in WAL mode.
//
// Writes are serialised through one read-write connection; reads run
// concurrently on up to ReaderPoolSize read-only connections, each inside
// its own snapshot.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Pool struct {
	path    string
	writeDB *sql.DB
	readDB  *sql.DB
	writer  *Writer
	readers *ReaderPool
	s       *settings

	closeOnce sync.Once
	closeErr  error
}

// Open creates the pool described by cfg.
//
// It performs the following setup:
//  1. Creates the database directory if it doesn't exist
//  2. Opens the writer connection (creates the file if not present)
//  3. Verifies WAL journaling is active
//  4. Sets file permissions (0600)
//
// Reader connections are opened lazily on first checkout.
//
// Returns:
//   - *Pool: Ready pool; run migrations before serving traffic
//   - error: ErrConnectionOpenFailed if the store cannot be opened
func Open(ctx context.Context, cfg Config) (*Pool, error) {
	cfg = cfg.withDefaults()

	if err := validatePath(cfg.Path); err != nil {
		return nil, err
	}

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return nil, fmt.Errorf("%w: creating database directory: %w", ErrConnectionOpenFailed, err)
	}

	s := &settings{
		cacheSize: cfg.StatementCacheSize,
		trace:     cfg.StatementTrace,
		onOpen:    cfg.OnConnectionOpen,
		logger:    cfg.Logger,
		observer:  cfg.Observer,
		counters:  newCounters(),
	}

	writeDB, err := sql.Open("sqlite3", writerDSN(cfg.Path, cfg.BusyTimeout))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionOpenFailed, err)
	}
	// One connection: the writer pins it for the lifetime of the pool.
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	writeDB.SetConnMaxLifetime(0)

	readDB, err := sql.Open("sqlite3", readerDSN(cfg.Path, cfg.BusyTimeout))
	if err != nil {
		writeDB.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("%w: %w", ErrConnectionOpenFailed, err)
	}
	readDB.SetMaxOpenConns(cfg.ReaderPoolSize)
	readDB.SetMaxIdleConns(cfg.ReaderPoolSize)
	readDB.SetConnMaxLifetime(0)

	closeAll := func() {
		readDB.Close()  //nolint:errcheck // Best effort cleanup on error path
		writeDB.Close() //nolint:errcheck // Best effort cleanup on error path
	}

	openCtx, cancel := context.WithTimeout(ctx, connectionTimeout)
	defer cancel()

	readers := newReaderPool(readDB, s, cfg.ReaderPoolSize, cfg.CheckoutTimeout)
	writer, err := newWriter(openCtx, writeDB, s, readers)
	if err != nil {
		closeAll()
		return nil, err
	}

	if cfg.AfterCommit != nil {
		writer.OnCommit(cfg.AfterCommit)
	}

	p := &Pool{
		path:    cfg.Path,
		writeDB: writeDB,
		readDB:  readDB,
		writer:  writer,
		readers: readers,
		s:       s,
	}

	if err := p.verifyWAL(openCtx); err != nil {
		p.Close() //nolint:errcheck // Reporting the WAL error instead
		return nil, err
	}

	// Ignore error - permissions are best effort on filesystems without modes
	_ = os.Chmod(cfg.Path, filePermissions) //nolint:errcheck // Intentional

	cfg.Logger.Info("database pool opened",
		"path", cfg.Path,
		"readers", cfg.ReaderPoolSize,
		"checkout_timeout", cfg.CheckoutTimeout,
	)
	return p, nil
}

// validatePath rejects paths that cannot back a shared WAL database.
func validatePath(path string) error {
	switch {
	case path == "":
		return fmt.Errorf("%w: path is required", ErrConnectionOpenFailed)
	case path == ":memory:", strings.Contains(path, "mode=memory"):
		return fmt.Errorf("%w: in-memory databases cannot be pooled", ErrConnectionOpenFailed)
	case strings.ContainsAny(path, "?#"):
		return fmt.Errorf("%w: path must not contain URI parameters", ErrConnectionOpenFailed)
	}
	return nil
}

// writerDSN builds the writer connection string.
// See: https://github.com/mattn/go-sqlite3#connection-string
func writerDSN(path string, busy time.Duration) string {
	return fmt.Sprintf(
		"file:%s?_busy_timeout=%d&_foreign_keys=on&_journal_mode=WAL&_synchronous=NORMAL&_txlock=immediate",
		path, busy.Milliseconds(),
	)
}

// readerDSN builds the reader connection string. query_only makes the
// engine reject writes; the journal mode is inherited from the file.
func readerDSN(path string, busy time.Duration) string {
	return fmt.Sprintf(
		"file:%s?_busy_timeout=%d&_foreign_keys=on&_query_only=true",
		path, busy.Milliseconds(),
	)
}

func (p *Pool) verifyWAL(ctx context.Context) error {
	return p.writer.WriteWithoutTransaction(ctx, func(conn *Conn) error {
		var mode string
		if err := conn.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil {
			return fmt.Errorf("%w: reading journal mode: %w", ErrConnectionOpenFailed, err)
		}
		if !strings.EqualFold(mode, "wal") {
			return fmt.Errorf("%w: journal mode is %q, want wal", ErrConnectionOpenFailed, mode)
		}
		return nil
	})
}

// Read runs fn inside a read-only snapshot. See ReaderPool.Read.
func (p *Pool) Read(ctx context.Context, fn func(tx *Tx) error) error {
	return p.readers.Read(ctx, fn)
}

// Write runs fn inside the single write transaction. See Writer.Write;
// it must not be called again from inside fn.
func (p *Pool) Write(ctx context.Context, fn func(tx *Tx) error) error {
	return p.writer.Write(ctx, fn)
}

// WriteWithoutTransaction runs fn on the writer connection outside any
// transaction. See Writer.WriteWithoutTransaction.
func (p *Pool) WriteWithoutTransaction(ctx context.Context, fn func(conn *Conn) error) error {
	return p.writer.WriteWithoutTransaction(ctx, fn)
}

// Barrier runs fn with no other read or write in flight. See Writer.Barrier.
func (p *Pool) Barrier(ctx context.Context, fn func(conn *Conn) error) error {
	return p.writer.Barrier(ctx, fn)
}

// Erase drops every schema object and its data. See Writer.Erase.
func (p *Pool) Erase(ctx context.Context) error {
	return p.writer.Erase(ctx)
}

// Migrate applies m through the writer. See Migrator.Migrate.
func (p *Pool) Migrate(ctx context.Context, m *Migrator) (Report, error) {
	return m.Migrate(ctx, p.writer)
}

// OnCommit registers a hook called after every committed write.
func (p *Pool) OnCommit(hook func(seq uint64)) {
	p.writer.OnCommit(hook)
}

// Writer returns the writer coordinator.
func (p *Pool) Writer() *Writer {
	return p.writer
}

// Readers returns the reader pool.
func (p *Pool) Readers() *ReaderPool {
	return p.readers
}

// Path returns the filesystem path to the database file.
func (p *Pool) Path() string {
	return p.path
}

// HealthCheck verifies a reader can open a snapshot and run a query.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (p *Pool) HealthCheck(ctx context.Context) error {
	err := p.Read(ctx, func(tx *Tx) error {
		var result int
		return tx.QueryRowContext(ctx, "SELECT 1").Scan(&result)
	})
	if err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// Stats returns a snapshot of pool activity.
func (p *Pool) Stats() Stats {
	open, idle := p.readers.counts()
	c := p.s.counters
	return Stats{
		ReaderCapacity: p.readers.capacity,
		ReadersOpen:    open,
		ReadersIdle:    idle,
		ReadersInUse:   open - idle,
		Reads:          c.reads.Value(),
		ReadFailures:   c.readFailures.Value(),
		PoolExhausted:  c.exhausted.Value(),
		Writes:         c.writes.Value(),
		WriteFailures:  c.writeFailures.Value(),
		WriteSequence:  p.writer.Sequence(),
	}
}

// Close waits for in-flight scopes, then closes every connection.
// It should be called when the application shuts down. Safe to call twice.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		var errs []error
		if err := p.readers.close(); err != nil {
			errs = append(errs, err)
		}
		if err := p.writer.close(); err != nil {
			errs = append(errs, err)
		}
		if err := p.readDB.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := p.writeDB.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := errors.Join(errs...); err != nil {
			p.closeErr = fmt.Errorf("closing database: %w", err)
		}
		p.s.logger.Info("database pool closed", "path", p.path)
	})
	return p.closeErr
}

// ReadValue runs fn in a read scope and returns its result.
//
// Example:
//
//	n, err := database.ReadValue(ctx, pool, func(tx *database.Tx) (int, error) {
//	    var n int
//	    err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM t").Scan(&n)
//	    return n, err
//	})
func ReadValue[T any](ctx context.Context, r DatabaseReader, fn func(tx *Tx) (T, error)) (T, error) {
	var value T
	err := r.Read(ctx, func(tx *Tx) error {
		var err error
		value, err = fn(tx)
		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return value, nil
}

// WriteValue runs fn in a write transaction and returns its result once
// the transaction has committed.
func WriteValue[T any](ctx context.Context, w DatabaseWriter, fn func(tx *Tx) (T, error)) (T, error) {
	var value T
	err := w.Write(ctx, func(tx *Tx) error {
		var err error
		value, err = fn(tx)
		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return value, nil
}
