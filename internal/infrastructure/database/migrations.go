package database

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// migrationSuffix marks forward migration files in RegisterFS.
// Other files (including .down.sql) are ignored.
const migrationSuffix = ".up.sql"

// MigrationFunc applies one schema change inside the write scope tx.
type MigrationFunc func(ctx context.Context, tx *Tx) error

// Migration is a named, apply-once schema change.
type Migration struct {
	// Name identifies the migration in the bookkeeping table.
	Name string

	// Apply performs the change.
	Apply MigrationFunc
}

// MigrationRecord represents a row in the schema_migrations table.
type MigrationRecord struct {
	Name      string
	Position  int
	AppliedAt time.Time
}

// Report summarises one Migrate run.
type Report struct {
	// Applied lists the migrations applied by this run, in order.
	Applied []string

	// Skipped lists registered migrations that were already applied.
	Skipped []string

	// Erased is true if the database was erased because the applied
	// migrations no longer matched the registered ones.
	Erased bool
}

// SchemaChangeStrategy decides when EraseOnSchemaChange erases the database.
type SchemaChangeStrategy int

const (
	// CompareSchema erases when CompareOrder would, or when the live schema
	// differs from a scratch database migrated with the same migrations.
	// This catches a migration whose body was edited after it was applied.
	CompareSchema SchemaChangeStrategy = iota

	// CompareOrder erases when the applied migrations are not a prefix of
	// the registered ones, in order.
	CompareOrder

	// CompareNames erases when an applied migration is no longer registered.
	CompareNames
)

// String returns the strategy name used in configuration.
func (s SchemaChangeStrategy) String() string {
	switch s {
	case CompareOrder:
		return "order"
	case CompareNames:
		return "names"
	default:
		return "schema"
	}
}

// ParseSchemaChangeStrategy converts a configuration value.
func ParseSchemaChangeStrategy(s string) (SchemaChangeStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "schema":
		return CompareSchema, nil
	case "order":
		return CompareOrder, nil
	case "names":
		return CompareNames, nil
	default:
		return CompareSchema, fmt.Errorf("unknown schema change strategy %q", s)
	}
}

// Migrator holds an ordered list of migrations and applies the pending ones
// through a Writer.
//
// Register every migration before the first call to Migrate; a Migrator is
// not safe for concurrent registration.
type Migrator struct {
	// EraseOnSchemaChange erases the whole database before migrating when
	// the applied migrations no longer match the registered ones. Use it
	// during development only: it deletes all data.
	EraseOnSchemaChange bool

	// Strategy selects how a schema change is detected.
	Strategy SchemaChangeStrategy

	migrations []Migration
	names      map[string]struct{}
}

// NewMigrator returns an empty Migrator.
func NewMigrator() *Migrator {
	return &Migrator{names: make(map[string]struct{})}
}

// Register appends a migration.
//
// Returns:
//   - error: ErrDuplicateMigrationName if name is already registered
func (m *Migrator) Register(name string, fn MigrationFunc) error {
	if name == "" {
		return fmt.Errorf("registering migration: name is required")
	}
	if fn == nil {
		return fmt.Errorf("registering migration %q: function is required", name)
	}
	if _, exists := m.names[name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateMigrationName, name)
	}
	m.names[name] = struct{}{}
	m.migrations = append(m.migrations, Migration{Name: name, Apply: fn})
	return nil
}

// MustRegister is Register for setup code; it panics on error.
func (m *Migrator) MustRegister(name string, fn MigrationFunc) {
	if err := m.Register(name, fn); err != nil {
		panic(err)
	}
}

// RegisterSQL registers a migration that executes query.
// query may hold several statements separated by semicolons.
func (m *Migrator) RegisterSQL(name, query string) error {
	return m.Register(name, func(ctx context.Context, tx *Tx) error {
		if _, err := tx.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("executing SQL: %w", err)
		}
		return nil
	})
}

// RegisterFS registers every *.up.sql file in dir of fsys, in lexical
// filename order. The migration name is the filename without ".up.sql",
// so files named YYYYMMDD_HHMMSS_description.up.sql apply oldest first.
//
// Usage with an embedded directory:
//
//	//go:embed *.sql
//	var files embed.FS
//
//	err := migrator.RegisterFS(files, ".")
func (m *Migrator) RegisterFS(fsys fs.FS, dir string) error {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), migrationSuffix) {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)

	for _, file := range files {
		content, err := fs.ReadFile(fsys, path.Join(dir, file))
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", file, err)
		}
		if err := m.RegisterSQL(strings.TrimSuffix(file, migrationSuffix), string(content)); err != nil {
			return err
		}
	}
	return nil
}

// Migrations returns the registered migration names in order.
func (m *Migrator) Migrations() []string {
	names := make([]string, len(m.migrations))
	for i, mig := range m.migrations {
		names[i] = mig.Name
	}
	return names
}

// Migrate applies all pending migrations through w, in registration order.
//
// # Atomicity
//
// Each migration runs in its own write transaction together with its
// bookkeeping row. If migration N fails:
//   - Migrations 1 to N-1 remain committed
//   - Migration N is rolled back
//   - Migrations N+1 onwards are not attempted
//
// Re-running Migrate after fixing the issue continues from N.
//
// Returns:
//   - Report: what was applied, skipped or erased
//   - error: ErrMigrationFailed wrapping the cause
func (m *Migrator) Migrate(ctx context.Context, w *Writer) (Report, error) {
	var report Report

	if err := createMigrationsTable(ctx, w); err != nil {
		return report, fmt.Errorf("creating migrations table: %w", err)
	}

	if m.EraseOnSchemaChange {
		changed, err := m.schemaChanged(ctx, w)
		if err != nil {
			return report, fmt.Errorf("checking schema: %w", err)
		}
		if changed {
			w.s.logger.Warn("schema changed, erasing database", "strategy", m.Strategy.String())
			if err := w.Erase(ctx); err != nil {
				return report, err
			}
			if err := createMigrationsTable(ctx, w); err != nil {
				return report, fmt.Errorf("creating migrations table: %w", err)
			}
			report.Erased = true
		}
	}

	applied, err := ReadValue(ctx, w, appliedRecords(ctx))
	if err != nil {
		return report, fmt.Errorf("getting applied migrations: %w", err)
	}
	appliedSet := make(map[string]bool, len(applied))
	for _, r := range applied {
		appliedSet[r.Name] = true
	}

	for position, mig := range m.migrations {
		if appliedSet[mig.Name] {
			report.Skipped = append(report.Skipped, mig.Name)
			continue
		}

		start := time.Now()
		err := applyMigration(ctx, w, mig, position)
		w.s.observer.ObserveMigration(mig.Name, time.Since(start), err)
		if err != nil {
			w.s.logger.Error("migration failed", "migration", mig.Name, "error", err)
			return report, fmt.Errorf("%w: %s: %w", ErrMigrationFailed, mig.Name, err)
		}

		w.s.logger.Info("migration applied", "migration", mig.Name, "duration", time.Since(start))
		report.Applied = append(report.Applied, mig.Name)
	}

	return report, nil
}

// Status returns the applied migrations and the names of registered
// migrations not yet applied. Useful for health checks and debugging.
func (m *Migrator) Status(ctx context.Context, r DatabaseReader) (applied []MigrationRecord, pending []string, err error) {
	applied, err = ReadValue(ctx, r, appliedRecords(ctx))
	if err != nil {
		return nil, nil, fmt.Errorf("getting applied migrations: %w", err)
	}

	appliedSet := make(map[string]bool, len(applied))
	for _, rec := range applied {
		appliedSet[rec.Name] = true
	}
	for _, mig := range m.migrations {
		if !appliedSet[mig.Name] {
			pending = append(pending, mig.Name)
		}
	}
	return applied, pending, nil
}

// AppliedMigrations returns the names of applied migrations in the order
// they were applied.
func (m *Migrator) AppliedMigrations(ctx context.Context, r DatabaseReader) ([]string, error) {
	applied, _, err := m.Status(ctx, r)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(applied))
	for i, rec := range applied {
		names[i] = rec.Name
	}
	return names, nil
}

// HasCompleted reports whether every registered migration has been applied.
func (m *Migrator) HasCompleted(ctx context.Context, r DatabaseReader) (bool, error) {
	_, pending, err := m.Status(ctx, r)
	if err != nil {
		return false, err
	}
	return len(pending) == 0, nil
}

// schemaChanged reports whether the applied migrations diverge from the
// registered ones under the configured strategy.
func (m *Migrator) schemaChanged(ctx context.Context, w *Writer) (bool, error) {
	applied, err := ReadValue(ctx, w, appliedRecords(ctx))
	if err != nil {
		return false, err
	}
	if len(applied) == 0 {
		return false, nil
	}

	for _, rec := range applied {
		if _, ok := m.names[rec.Name]; !ok {
			return true, nil
		}
	}
	if m.Strategy == CompareNames {
		return false, nil
	}

	if len(applied) > len(m.migrations) {
		return true, nil
	}
	for i, rec := range applied {
		if m.migrations[i].Name != rec.Name {
			return true, nil
		}
	}
	if m.Strategy == CompareOrder {
		return false, nil
	}

	live, err := ReadValue(ctx, w, schemaRows(ctx))
	if err != nil {
		return false, fmt.Errorf("reading schema: %w", err)
	}
	expected, err := m.scratchSchema(ctx, len(applied))
	if err != nil {
		return false, fmt.Errorf("building reference schema: %w", err)
	}
	return !slices.Equal(live, expected), nil
}

// scratchSchema migrates a private in-memory database with the first n
// migrations and returns its schema.
func (m *Migrator) scratchSchema(ctx context.Context, n int) ([]string, error) {
	dsn := fmt.Sprintf("file:walpool-scratch-%s?mode=memory&cache=private&_foreign_keys=on", uuid.NewString())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	// The in-memory database lives as long as its only connection.
	db.SetMaxOpenConns(1)

	s := &settings{
		logger:   discardLogger(),
		observer: nopObserver{},
		counters: newCounters(),
	}
	w, err := newWriter(ctx, db, s, nil)
	if err != nil {
		return nil, err
	}
	defer w.close() //nolint:errcheck // Scratch database

	prefix := &Migrator{migrations: m.migrations[:n]}
	if _, err := prefix.Migrate(ctx, w); err != nil {
		return nil, err
	}
	return ReadValue(ctx, w, schemaRows(ctx))
}

func createMigrationsTable(ctx context.Context, w *Writer) error {
	return w.WriteWithoutTransaction(ctx, func(conn *Conn) error {
		_, err := conn.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS schema_migrations (
				name TEXT NOT NULL UNIQUE,
				applied_position INTEGER NOT NULL,
				applied_at TEXT
			)
		`)
		return err
	})
}

// applyMigration runs one migration and records it in the same transaction.
func applyMigration(ctx context.Context, w *Writer, mig Migration, position int) error {
	return w.Write(ctx, func(tx *Tx) error {
		if err := mig.Apply(ctx, tx); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (name, applied_position, applied_at) VALUES (?, ?, ?)",
			mig.Name,
			position,
			time.Now().UTC().Format(time.RFC3339),
		); err != nil {
			return fmt.Errorf("recording migration: %w", err)
		}
		return nil
	})
}

// appliedRecords returns all migrations that have been applied, by position.
// A database without the bookkeeping table has applied nothing.
func appliedRecords(ctx context.Context) func(tx *Tx) ([]MigrationRecord, error) {
	return func(tx *Tx) ([]MigrationRecord, error) {
		return readAppliedRecords(ctx, tx)
	}
}

func readAppliedRecords(ctx context.Context, tx *Tx) ([]MigrationRecord, error) {
	var exists int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_migrations'",
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("checking migrations table: %w", err)
	}
	if exists == 0 {
		return nil, nil
	}

	rows, err := tx.QueryContext(ctx,
		"SELECT name, applied_position, COALESCE(applied_at, '') FROM schema_migrations ORDER BY applied_position, rowid",
	)
	if err != nil {
		return nil, fmt.Errorf("querying migrations: %w", err)
	}
	defer rows.Close()

	var records []MigrationRecord
	for rows.Next() {
		var r MigrationRecord
		var appliedAt string
		if err := rows.Scan(&r.Name, &r.Position, &appliedAt); err != nil {
			return nil, fmt.Errorf("scanning migration row: %w", err)
		}
		// Parse timestamp - ignore error as format is controlled by us
		r.AppliedAt, _ = time.Parse(time.RFC3339, appliedAt) //nolint:errcheck // Format is controlled
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating migrations: %w", err)
	}
	return records, nil
}

// schemaRows returns a canonical listing of user schema objects.
func schemaRows(ctx context.Context) func(tx *Tx) ([]string, error) {
	return func(tx *Tx) ([]string, error) {
		return readSchemaRows(ctx, tx)
	}
}

func readSchemaRows(ctx context.Context, tx *Tx) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT type, name, tbl_name, COALESCE(sql, '')
		FROM sqlite_master
		WHERE name NOT LIKE 'sqlite_%'
		ORDER BY type, name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schema []string
	for rows.Next() {
		var kind, name, table, ddl string
		if err := rows.Scan(&kind, &name, &table, &ddl); err != nil {
			return nil, err
		}
		schema = append(schema, strings.Join([]string{kind, name, table, ddl}, "\x00"))
	}
	return schema, rows.Err()
}
