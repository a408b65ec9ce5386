package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/nerrad567/walpool/internal/infrastructure/database"
	"github.com/nerrad567/walpool/internal/library"
)

// databaseName derives the name used in metrics labels and MQTT topics
// from the database file name.
func databaseName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// openLibrary opens the pool described by the config and the library
// repository on top of it. obs may be nil.
func (a *app) openLibrary(ctx context.Context, obs database.Observer) (*database.Pool, *library.Repository, error) {
	opts := a.cfg.Database.Options()
	opts.Logger = a.log.Component("database").Logger
	opts.Observer = obs
	if a.cfg.Database.TraceSQL {
		opts.StatementTrace = a.log.SQLTrace()
	}

	pool, err := database.Open(ctx, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}

	repo, err := library.NewRepository(pool, a.cfg.Search.NewTokenizer())
	if err != nil {
		pool.Close() //nolint:errcheck // Already failing
		return nil, nil, fmt.Errorf("creating library: %w", err)
	}

	a.log.Info("database opened",
		"path", pool.Path(),
		"readers", a.cfg.Database.ReaderPoolSize,
		"tokenizer", a.cfg.Search.Tokenizer,
	)
	return pool, repo, nil
}

// closePool closes the pool and logs the outcome.
func (a *app) closePool(pool *database.Pool) {
	a.log.Info("closing database")
	if err := pool.Close(); err != nil {
		a.log.Error("error closing database", "error", err)
	}
}

// migrator returns the library migrator configured from the database section.
func (a *app) migrator(repo *library.Repository) (*database.Migrator, error) {
	m, err := repo.Migrator()
	if err != nil {
		return nil, err
	}
	m.EraseOnSchemaChange = a.cfg.Database.EraseOnSchemaChange
	m.Strategy = a.cfg.Database.Strategy()
	return m, nil
}

// migrate applies pending library migrations and logs the report.
func (a *app) migrate(ctx context.Context, pool *database.Pool, repo *library.Repository) (database.Report, error) {
	m, err := a.migrator(repo)
	if err != nil {
		return database.Report{}, err
	}

	report, err := pool.Migrate(ctx, m)
	if err != nil {
		return report, fmt.Errorf("running migrations: %w", err)
	}
	if report.Erased {
		a.log.Warn("database erased after schema change", "strategy", m.Strategy.String())
	}
	a.log.Info("database migrations complete",
		"applied", len(report.Applied),
		"skipped", len(report.Skipped),
	)
	return report, nil
}
