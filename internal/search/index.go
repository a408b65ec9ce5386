package search

import (
	"context"
	"fmt"
	"regexp"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3" // dialect registration

	"github.com/nerrad567/walpool/internal/infrastructure/database"
)

const (
	dialect = "sqlite3"

	colToken = "token"
	colDocID = "doc_id"
)

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Index is an inverted index stored in an ordinary table named
// <name>_tokens. It is updated inside write scopes and queried inside read
// scopes, so search results always agree with the rows visible in the
// same snapshot.
type Index struct {
	name      string
	table     string
	tokenizer Tokenizer

	insertSQL string
	deleteSQL string
}

// NewIndex returns an index named name using tok.
func NewIndex(name string, tok Tokenizer) (*Index, error) {
	if !identifier.MatchString(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidIndexName, name)
	}
	if tok == nil {
		tok = Unicode61{}
	}
	table := name + "_tokens"
	return &Index{
		name:      name,
		table:     table,
		tokenizer: tok,
		insertSQL: fmt.Sprintf("INSERT OR IGNORE INTO %s (%s, %s) VALUES (?, ?)", table, colToken, colDocID),
		deleteSQL: fmt.Sprintf("DELETE FROM %s WHERE %s = ?", table, colDocID),
	}, nil
}

// Name returns the index name.
func (ix *Index) Name() string { return ix.name }

// Table returns the backing table name.
func (ix *Index) Table() string { return ix.table }

// MigrationName is the name to register Migration under.
func (ix *Index) MigrationName() string {
	return "create_" + ix.table
}

// Migration creates the backing table.
func (ix *Index) Migration() database.MigrationFunc {
	return func(ctx context.Context, tx *database.Tx) error {
		stmts := []string{
			fmt.Sprintf(`CREATE TABLE %s (
				%s TEXT NOT NULL,
				%s TEXT NOT NULL,
				PRIMARY KEY (%s, %s)
			) WITHOUT ROWID`, ix.table, colToken, colDocID, colToken, colDocID),
			fmt.Sprintf("CREATE INDEX idx_%s_doc ON %s (%s)", ix.table, ix.table, colDocID),
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("creating %s: %w", ix.table, err)
			}
		}
		return nil
	}
}

// Add replaces the terms of docID with those of texts.
func (ix *Index) Add(ctx context.Context, tx *database.Tx, docID string, texts ...string) error {
	if err := ix.Remove(ctx, tx, docID); err != nil {
		return err
	}

	var terms []string
	for _, text := range texts {
		terms = append(terms, ix.tokenizer.Tokenize(text)...)
	}
	for _, term := range distinct(terms) {
		if _, err := tx.ExecCached(ctx, ix.insertSQL, term, docID); err != nil {
			return fmt.Errorf("indexing %s: %w", docID, err)
		}
	}
	return nil
}

// Remove deletes every term of docID.
func (ix *Index) Remove(ctx context.Context, tx *database.Tx, docID string) error {
	if _, err := tx.ExecCached(ctx, ix.deleteSQL, docID); err != nil {
		return fmt.Errorf("unindexing %s: %w", docID, err)
	}
	return nil
}

// Matching returns a subquery selecting the IDs of documents that contain
// every term of query, or nil when query has no terms. Embed it in a larger
// statement, e.g. goqu.C("id").In(ix.Matching(q)), to filter without
// binding one parameter per matched document.
func (ix *Index) Matching(query string) *goqu.SelectDataset {
	terms := distinct(ix.tokenizer.Tokenize(query))
	if len(terms) == 0 {
		return nil
	}
	return goqu.Dialect(dialect).
		From(ix.table).
		Prepared(true).
		Select(goqu.C(colDocID)).
		Where(goqu.C(colToken).In(terms)).
		GroupBy(goqu.C(colDocID)).
		Having(goqu.COUNT(goqu.DISTINCT(colToken)).Eq(len(terms)))
}

// Match returns the ids of documents containing every term of query,
// in ascending id order. A query without terms matches nothing.
func (ix *Index) Match(ctx context.Context, tx *database.Tx, query string) ([]string, error) {
	matching := ix.Matching(query)
	if matching == nil {
		return nil, nil
	}

	stmt, args, err := matching.Order(goqu.C(colDocID).Asc()).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("building match query: %w", err)
	}

	rows, err := tx.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("matching %q: %w", query, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning match: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating matches: %w", err)
	}
	return ids, nil
}
