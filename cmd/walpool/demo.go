package main

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/walpool/internal/library"
)

// demoBooks is the sample batch inserted by the demo command.
func demoBooks() []library.Book {
	return []library.Book{
		{Author: "Herman Melville", Title: "Moby-Dick", Body: "Call me Ishmael. Some years ago, never mind how long precisely."},
		{Author: "Albert Camus", Title: "L'Étranger", Body: "Aujourd'hui, maman est morte. Ou peut-être hier, je ne sais pas."},
		{Author: "Hermann Hesse", Title: "Siddhartha", Body: "In the shade of the house, in the sunshine of the riverbank."},
		{Author: "Mary Shelley", Title: "Frankenstein", Body: "You will rejoice to hear that no disaster has accompanied the commencement."},
		{Author: "Miguel de Cervantes", Title: "Don Quijote de la Mancha", Body: "En un lugar de la Mancha, de cuyo nombre no quiero acordarme."},
	}
}

// demoQueries are searched concurrently once the sample batch is stored.
var demoQueries = []string{"ishmael", "etranger", "MANCHA", "river shade", "hesse", "whale"}

func (a *app) demoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Insert sample books and run concurrent searches",
		Long: `Insert a batch of sample books in one write, then run searches and counts
concurrently on the reader pool while further writes are committed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rounds, err := cmd.Flags().GetInt("rounds")
			if err != nil {
				return err
			}
			return a.demo(cmd.Context(), cmd.OutOrStdout(), rounds)
		},
	}
	cmd.Flags().Int("rounds", 3, "number of times each query is repeated")
	return cmd
}

func (a *app) demo(ctx context.Context, out io.Writer, rounds int) error {
	if rounds < 1 {
		return fmt.Errorf("rounds must be at least 1")
	}

	pool, repo, err := a.openLibrary(ctx, nil)
	if err != nil {
		return err
	}
	defer a.closePool(pool)

	if _, err := a.migrate(ctx, pool, repo); err != nil {
		return err
	}

	base, err := repo.Count(ctx)
	if err != nil {
		return err
	}

	books := demoBooks()
	if err := repo.InsertMany(ctx, books); err != nil {
		return err
	}
	fmt.Fprintf(out, "inserted %d books\n", len(books))

	// Readers run while the writer keeps committing; every count is a
	// multiple of the batch size because batches commit atomically.
	var torn atomic.Int64
	results := make([][]library.Book, len(demoQueries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Database.ReaderPoolSize + 1)

	g.Go(func() error {
		for range rounds {
			if err := repo.InsertMany(gctx, demoBooks()); err != nil {
				return err
			}
		}
		return nil
	})
	for i, q := range demoQueries {
		g.Go(func() error {
			for range rounds {
				found, err := repo.Search(gctx, q)
				if err != nil {
					return fmt.Errorf("searching %q: %w", q, err)
				}
				results[i] = found

				n, err := repo.Count(gctx)
				if err != nil {
					return err
				}
				if (n-base)%len(books) != 0 {
					torn.Add(1)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, q := range demoQueries {
		fmt.Fprintf(out, "search %-12q %d matches\n", q, len(results[i]))
	}
	total, err := repo.Count(ctx)
	if err != nil {
		return err
	}
	st := pool.Stats()
	fmt.Fprintf(out, "%d books, %d reads, %d writes, %d partial batches seen\n",
		total, st.Reads, st.Writes, torn.Load())
	return nil
}
