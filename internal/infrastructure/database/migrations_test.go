package database

import (
	"context"
	"embed"
	"errors"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testMigrationsDir is the directory containing test migration files.
const testMigrationsDir = "testdata"

//go:embed testdata/*.sql
var testMigrationsFS embed.FS

// TestMigrate verifies migration application.
func TestMigrate(t *testing.T) {
	pool := openTestPool(t, nil)

	m := NewMigrator()
	if err := m.RegisterFS(testMigrationsFS, testMigrationsDir); err != nil {
		t.Fatalf("RegisterFS() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Run migrations
	report, err := pool.Migrate(ctx, m)
	if err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if len(report.Applied) != 2 {
		t.Errorf("expected 2 applied migrations, got %v", report.Applied)
	}

	// Verify table was created
	var tableName string
	err = pool.Read(ctx, func(tx *Tx) error {
		return tx.QueryRowContext(ctx,
			"SELECT name FROM sqlite_master WHERE type='table' AND name='test_users'",
		).Scan(&tableName)
	})
	if err != nil {
		t.Fatalf("table test_users not created: %v", err)
	}

	// Verify migrations were recorded
	applied, pending, err := m.Status(ctx, pool)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if len(applied) != 2 {
		t.Errorf("expected 2 applied migrations, got %d", len(applied))
	}
	if len(pending) != 0 {
		t.Errorf("expected 0 pending migrations, got %d", len(pending))
	}

	// Running again should be idempotent
	report, err = pool.Migrate(ctx, m)
	if err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
	if len(report.Applied) != 0 || len(report.Skipped) != 2 {
		t.Errorf("second Migrate() applied %v, skipped %v", report.Applied, report.Skipped)
	}
}

// TestMigrateNoMigrations verifies an empty migrator only creates the
// bookkeeping table.
func TestMigrateNoMigrations(t *testing.T) {
	pool := openTestPool(t, nil)
	ctx := context.Background()

	report, err := pool.Migrate(ctx, NewMigrator())
	if err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if len(report.Applied) != 0 {
		t.Errorf("expected no applied migrations, got %v", report.Applied)
	}
	if n := countRows(t, pool, "schema_migrations"); n != 0 {
		t.Errorf("schema_migrations has %d rows, want 0", n)
	}
}

// TestMigrationStatus verifies status reporting before and after migrating.
func TestMigrationStatus(t *testing.T) {
	pool := openTestPool(t, nil)
	ctx := context.Background()

	m := NewMigrator()
	if err := m.RegisterFS(testMigrationsFS, testMigrationsDir); err != nil {
		t.Fatalf("RegisterFS() error = %v", err)
	}

	// Before Migrate the bookkeeping table does not exist.
	applied, pending, err := m.Status(ctx, pool)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if len(applied) != 0 || len(pending) != 2 {
		t.Errorf("Status() = %d applied, %d pending, want 0, 2", len(applied), len(pending))
	}

	done, err := m.HasCompleted(ctx, pool)
	if err != nil || done {
		t.Errorf("HasCompleted() = %v, %v, want false, nil", done, err)
	}

	if _, err := pool.Migrate(ctx, m); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	names, err := m.AppliedMigrations(ctx, pool)
	if err != nil {
		t.Fatalf("AppliedMigrations() error = %v", err)
	}
	want := []string{"20260101_000000_create_test_users", "20260102_000000_add_test_users_email"}
	if len(names) != len(want) {
		t.Fatalf("AppliedMigrations() = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("AppliedMigrations()[%d] = %q, want %q", i, names[i], want[i])
		}
	}

	done, err = m.HasCompleted(ctx, pool)
	if err != nil || !done {
		t.Errorf("HasCompleted() = %v, %v, want true, nil", done, err)
	}

	applied, _, err = m.Status(ctx, pool)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	for i, rec := range applied {
		if rec.Position != i {
			t.Errorf("applied[%d].Position = %d", i, rec.Position)
		}
		if rec.AppliedAt.IsZero() {
			t.Errorf("applied[%d].AppliedAt not recorded", i)
		}
	}
}

// TestRegisterFS verifies file selection and ordering.
func TestRegisterFS(t *testing.T) {
	tests := []struct {
		name    string
		files   fstest.MapFS
		want    []string
		wantErr bool
	}{
		{
			name: "orders lexically and ignores other files",
			files: fstest.MapFS{
				"m/20260102_000000_b.up.sql":   {Data: []byte("SELECT 1")},
				"m/20260101_000000_a.up.sql":   {Data: []byte("SELECT 1")},
				"m/20260101_000000_a.down.sql": {Data: []byte("SELECT 1")},
				"m/README.md":                  {Data: []byte("notes")},
			},
			want: []string{"20260101_000000_a", "20260102_000000_b"},
		},
		{
			name:  "empty directory",
			files: fstest.MapFS{"m/README.md": {Data: []byte("notes")}},
			want:  []string{},
		},
		{
			name:    "missing directory",
			files:   fstest.MapFS{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMigrator()
			err := m.RegisterFS(tt.files, "m")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, m.Migrations())
		})
	}
}

func TestRegisterDuplicateName(t *testing.T) {
	m := NewMigrator()
	noop := func(context.Context, *Tx) error { return nil }

	require.NoError(t, m.Register("v1", noop))
	err := m.Register("v1", noop)
	assert.ErrorIs(t, err, ErrDuplicateMigrationName)
	assert.Equal(t, []string{"v1"}, m.Migrations())

	assert.ErrorIs(t, m.RegisterSQL("v1", "SELECT 1"), ErrDuplicateMigrationName)
	assert.Panics(t, func() { m.MustRegister("v1", noop) })
}

func TestMigrateFailureStopsRun(t *testing.T) {
	pool := openTestPool(t, nil)
	ctx := context.Background()
	cause := errors.New("bad migration")

	var thirdRan bool
	m := NewMigrator()
	m.MustRegister("first", func(ctx context.Context, tx *Tx) error {
		_, err := tx.ExecContext(ctx, "CREATE TABLE first (x INTEGER)")
		return err
	})
	m.MustRegister("second", func(ctx context.Context, tx *Tx) error {
		if _, err := tx.ExecContext(ctx, "CREATE TABLE second (x INTEGER)"); err != nil {
			return err
		}
		return cause
	})
	m.MustRegister("third", func(context.Context, *Tx) error {
		thirdRan = true
		return nil
	})

	report, err := pool.Migrate(ctx, m)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMigrationFailed)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, []string{"first"}, report.Applied)
	assert.False(t, thirdRan)

	tables, err := ReadValue(ctx, pool, schemaRows(ctx))
	require.NoError(t, err)
	assert.Len(t, tables, 2, "expected only first and schema_migrations")

	_, pending, err := m.Status(ctx, pool)
	require.NoError(t, err)
	assert.Equal(t, []string{"second", "third"}, pending)
}

func TestMigrationStatusThroughWriter(t *testing.T) {
	pool := openTestPool(t, nil)
	ctx := context.Background()

	m := NewMigrator()
	require.NoError(t, m.RegisterSQL("v1", "CREATE TABLE t (x INTEGER)"))
	_, err := pool.Migrate(ctx, m)
	require.NoError(t, err)

	// Status works through a standalone writer as well as the pool.
	applied, _, err := m.Status(ctx, pool.Writer())
	require.NoError(t, err)
	assert.Len(t, applied, 1)
}

func TestEraseOnSchemaChange(t *testing.T) {
	createT := func(ddl string) MigrationFunc {
		return func(ctx context.Context, tx *Tx) error {
			_, err := tx.ExecContext(ctx, ddl)
			return err
		}
	}
	seed := func(t *testing.T, pool *Pool) {
		t.Helper()
		ctx := context.Background()
		require.NoError(t, pool.Write(ctx, func(tx *Tx) error {
			_, err := tx.ExecContext(ctx, "INSERT INTO t (x) VALUES (1)")
			return err
		}))
	}

	tests := []struct {
		name       string
		strategy   SchemaChangeStrategy
		second     []string // migration names of the second run
		secondDDL  string   // body of migration "v1" in the second run
		wantErased bool
	}{
		{"names: unchanged", CompareNames, []string{"v1", "v2"}, "CREATE TABLE t (x INTEGER)", false},
		{"names: migration removed", CompareNames, []string{"v1", "v3"}, "CREATE TABLE t (x INTEGER)", true},
		{"names: reordered", CompareNames, []string{"v2", "v1"}, "CREATE TABLE t (x INTEGER)", false},
		{"order: reordered", CompareOrder, []string{"v2", "v1"}, "CREATE TABLE t (x INTEGER)", true},
		{"order: appended", CompareOrder, []string{"v1", "v2", "v3"}, "CREATE TABLE t (x INTEGER)", false},
		{"order: body edited", CompareOrder, []string{"v1", "v2"}, "CREATE TABLE t (x INTEGER, y TEXT)", false},
		{"schema: unchanged", CompareSchema, []string{"v1", "v2"}, "CREATE TABLE t (x INTEGER)", false},
		{"schema: appended", CompareSchema, []string{"v1", "v2", "v3"}, "CREATE TABLE t (x INTEGER)", false},
		{"schema: body edited", CompareSchema, []string{"v1", "v2"}, "CREATE TABLE t (x INTEGER, y TEXT)", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool := openTestPool(t, nil)
			ctx := context.Background()

			first := NewMigrator()
			first.MustRegister("v1", createT("CREATE TABLE t (x INTEGER)"))
			first.MustRegister("v2", createT("CREATE TABLE u (x INTEGER)"))
			_, err := pool.Migrate(ctx, first)
			require.NoError(t, err)
			seed(t, pool)

			second := NewMigrator()
			second.EraseOnSchemaChange = true
			second.Strategy = tt.strategy
			for _, name := range tt.second {
				switch name {
				case "v1":
					second.MustRegister(name, createT(tt.secondDDL))
				case "v2":
					second.MustRegister(name, createT("CREATE TABLE u (x INTEGER)"))
				default:
					second.MustRegister(name, createT("CREATE TABLE "+name+" (x INTEGER)"))
				}
			}

			report, err := pool.Migrate(ctx, second)
			require.NoError(t, err)
			assert.Equal(t, tt.wantErased, report.Erased)

			if tt.wantErased {
				assert.Zero(t, countRows(t, pool, "t"), "data survived erase")
				assert.Equal(t, tt.second, report.Applied)
			} else {
				assert.Equal(t, 1, countRows(t, pool, "t"), "data lost without erase")
			}

			done, err := second.HasCompleted(ctx, pool)
			require.NoError(t, err)
			assert.True(t, done)
		})
	}
}

func TestEraseOnSchemaChangeDisabled(t *testing.T) {
	pool := openTestPool(t, nil)
	ctx := context.Background()

	first := NewMigrator()
	require.NoError(t, first.RegisterSQL("v1", "CREATE TABLE t (x INTEGER)"))
	_, err := pool.Migrate(ctx, first)
	require.NoError(t, err)

	second := NewMigrator()
	require.NoError(t, second.RegisterSQL("v0", "CREATE TABLE z (x INTEGER)"))
	report, err := pool.Migrate(ctx, second)
	require.NoError(t, err)
	assert.False(t, report.Erased)
	assert.Equal(t, []string{"v0"}, report.Applied)
	assert.Equal(t, 0, countRows(t, pool, "t"))
}

func TestParseSchemaChangeStrategy(t *testing.T) {
	tests := []struct {
		input   string
		want    SchemaChangeStrategy
		wantErr bool
	}{
		{"", CompareSchema, false},
		{"schema", CompareSchema, false},
		{"Order", CompareOrder, false},
		{"names", CompareNames, false},
		{"checksum", CompareSchema, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseSchemaChangeStrategy(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, mustParseStrategy(t, got.String()))
		})
	}
}

func mustParseStrategy(t *testing.T, s string) SchemaChangeStrategy {
	t.Helper()
	got, err := ParseSchemaChangeStrategy(s)
	require.NoError(t, err)
	return got
}
