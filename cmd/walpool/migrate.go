package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func (a *app) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Long: `Apply pending schema migrations through the writer.

With database.erase_on_schema_change set, the database is erased first when
the applied migrations no longer match the registered ones.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			pool, repo, err := a.openLibrary(ctx, nil)
			if err != nil {
				return err
			}
			defer a.closePool(pool)

			report, err := a.migrate(ctx, pool, repo)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if report.Erased {
				fmt.Fprintln(out, "erased: schema changed")
			}
			for _, name := range report.Applied {
				fmt.Fprintf(out, "applied  %s\n", name)
			}
			fmt.Fprintf(out, "%d applied, %d already up to date\n", len(report.Applied), len(report.Skipped))
			return nil
		},
	}
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			pool, repo, err := a.openLibrary(ctx, nil)
			if err != nil {
				return err
			}
			defer a.closePool(pool)

			m, err := a.migrator(repo)
			if err != nil {
				return err
			}
			applied, pending, err := m.Status(ctx, pool)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, rec := range applied {
				fmt.Fprintf(out, "applied  %s  %s\n", rec.Name, rec.AppliedAt.UTC().Format(time.RFC3339))
			}
			for _, name := range pending {
				fmt.Fprintf(out, "pending  %s\n", name)
			}

			st := pool.Stats()
			fmt.Fprintf(out, "readers %d/%d open, write sequence %d\n", st.ReadersOpen, st.ReaderCapacity, st.WriteSequence)
			return nil
		},
	}
}
