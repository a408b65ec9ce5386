// Package database coordinates concurrent access to a single SQLite file
// in WAL mode.
//
// This package manages:
//   - One read-write connection, behind a gate that admits one write at a time
//   - A bounded pool of read-only connections, created lazily
//   - Transaction scopes that always commit or roll back, and always return
//     their connection, on every exit path (error, panic, cancellation)
//   - Named, apply-once schema migrations executed through the writer
//
// Isolation:
//
// Writes are totally ordered. Every read scope pins a WAL snapshot when it
// opens and sees exactly the writes committed before that instant, however
// many commits happen while it runs. Readers never wait for the writer.
//
// Performance Characteristics:
//   - WAL mode allows concurrent reads during writes
//   - Busy timeout prevents lock contention errors
//   - Each connection keeps an LRU cache of prepared statements
//
// Usage:
//
//	pool, err := database.Open(ctx, database.Config{Path: "data/app.db"})
//	if err != nil {
//	    return err
//	}
//	defer pool.Close()
//
//	m := database.NewMigrator()
//	m.MustRegister("v1", func(ctx context.Context, tx *database.Tx) error {
//	    _, err := tx.ExecContext(ctx, "CREATE TABLE t (id INTEGER PRIMARY KEY, x TEXT)")
//	    return err
//	})
//	if _, err := pool.Migrate(ctx, m); err != nil {
//	    return err
//	}
//
//	err = pool.Write(ctx, func(tx *database.Tx) error {
//	    _, err := tx.ExecContext(ctx, "INSERT INTO t (x) VALUES (?)", "hello")
//	    return err
//	})
//
// Run migrations before serving reads or writes. Nothing enforces this;
// the application is expected to migrate at startup.
package database
