package library

import (
	"context"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3" // dialect registration
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/nerrad567/walpool/internal/infrastructure/database"
	"github.com/nerrad567/walpool/internal/search"
	"github.com/nerrad567/walpool/migrations"
)

const (
	dialect    = "sqlite3"
	tableBooks = "books"
	indexName  = "books"

	colID        = "id"
	colAuthor    = "author"
	colTitle     = "title"
	colBody      = "body"
	colCreatedAt = "created_at"
)

var bookColumns = []interface{}{colID, colAuthor, colTitle, colBody, colCreatedAt}

// Repository stores books through a walpool database.
//
// Every method is a single read or write scope, so a book and its search
// terms are always committed together and searches never see one without
// the other.
type Repository struct {
	db    database.DatabaseWriter
	index *search.Index
	now   func() time.Time
}

// NewRepository returns a repository over db using tok for full-text search.
func NewRepository(db database.DatabaseWriter, tok search.Tokenizer) (*Repository, error) {
	index, err := search.NewIndex(indexName, tok)
	if err != nil {
		return nil, err
	}
	return &Repository{db: db, index: index, now: time.Now}, nil
}

// Migrator returns a migrator holding the library schema: the embedded SQL
// migrations followed by the search index table.
func (r *Repository) Migrator() (*database.Migrator, error) {
	m := database.NewMigrator()
	if err := migrations.Register(m); err != nil {
		return nil, fmt.Errorf("registering library migrations: %w", err)
	}
	if err := m.Register(r.index.MigrationName(), r.index.Migration()); err != nil {
		return nil, fmt.Errorf("registering search migration: %w", err)
	}
	return m, nil
}

// Insert stores b, assigning an ID and creation time when they are unset,
// and indexes its author, title and body.
func (r *Repository) Insert(ctx context.Context, b *Book) error {
	if err := b.Validate(); err != nil {
		return err
	}
	book := *b
	if book.ID == "" {
		book.ID = uuid.NewString()
	}
	if book.CreatedAt.IsZero() {
		book.CreatedAt = r.now().UTC()
	}

	err := r.db.Write(ctx, func(tx *database.Tx) error {
		return r.insertTx(ctx, tx, book)
	})
	if err != nil {
		return fmt.Errorf("inserting book: %w", err)
	}
	*b = book
	return nil
}

// InsertMany stores all books in one write scope: either every book is
// stored or none is.
func (r *Repository) InsertMany(ctx context.Context, books []Book) error {
	prepared := make([]Book, len(books))
	for i, b := range books {
		if err := b.Validate(); err != nil {
			return fmt.Errorf("book %d: %w", i, err)
		}
		if b.ID == "" {
			b.ID = uuid.NewString()
		}
		if b.CreatedAt.IsZero() {
			b.CreatedAt = r.now().UTC()
		}
		prepared[i] = b
	}

	err := r.db.Write(ctx, func(tx *database.Tx) error {
		for _, b := range prepared {
			if err := r.insertTx(ctx, tx, b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("inserting %d books: %w", len(books), err)
	}
	copy(books, prepared)
	return nil
}

func (r *Repository) insertTx(ctx context.Context, tx *database.Tx, b Book) error {
	stmt, args, err := goqu.Dialect(dialect).
		Insert(tableBooks).
		Prepared(true).
		Rows(goqu.Record{
			colID:        b.ID,
			colAuthor:    b.Author,
			colTitle:     b.Title,
			colBody:      b.Body,
			colCreatedAt: b.CreatedAt,
		}).
		ToSQL()
	if err != nil {
		return fmt.Errorf("building insert: %w", err)
	}
	if _, err := tx.ExecCached(ctx, stmt, args...); err != nil {
		return err
	}
	return r.index.Add(ctx, tx, b.ID, b.Author, b.Title, b.Body)
}

// Delete removes a book and its search terms.
func (r *Repository) Delete(ctx context.Context, id string) error {
	stmt, args, err := goqu.Dialect(dialect).
		Delete(tableBooks).
		Prepared(true).
		Where(goqu.C(colID).Eq(id)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("building delete: %w", err)
	}

	return r.db.Write(ctx, func(tx *database.Tx) error {
		res, err := tx.ExecContext(ctx, stmt, args...)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("%w: %s", ErrBookNotFound, id)
		}
		return r.index.Remove(ctx, tx, id)
	})
}

// Get returns the book with the given id.
func (r *Repository) Get(ctx context.Context, id string) (Book, error) {
	books, err := r.query(ctx, r.selectBooks().Where(goqu.C(colID).Eq(id)))
	if err != nil {
		return Book{}, err
	}
	if len(books) == 0 {
		return Book{}, fmt.Errorf("%w: %s", ErrBookNotFound, id)
	}
	return books[0], nil
}

// List returns up to limit books ordered by title. A limit of zero or less
// returns every book.
func (r *Repository) List(ctx context.Context, limit int) ([]Book, error) {
	ds := r.selectBooks().Order(goqu.C(colTitle).Asc(), goqu.C(colID).Asc())
	if limit > 0 {
		ds = ds.Limit(uint(limit))
	}
	return r.query(ctx, ds)
}

// Count returns the number of books.
func (r *Repository) Count(ctx context.Context) (int, error) {
	stmt, args, err := goqu.Dialect(dialect).
		From(tableBooks).
		Prepared(true).
		Select(goqu.COUNT(goqu.Star())).
		ToSQL()
	if err != nil {
		return 0, fmt.Errorf("building count: %w", err)
	}

	return database.ReadValue(ctx, r.db, func(tx *database.Tx) (int, error) {
		var n int
		if err := tx.QueryRowContext(ctx, stmt, args...).Scan(&n); err != nil {
			return 0, fmt.Errorf("counting books: %w", err)
		}
		return n, nil
	})
}

// Search returns the books matching every term of query, ordered by title.
// Matching and loading run as one statement, so the result reflects a
// single snapshot however many books match.
func (r *Repository) Search(ctx context.Context, query string) ([]Book, error) {
	matching := r.index.Matching(query)
	if matching == nil {
		return nil, nil
	}
	return r.query(ctx, r.selectBooks().
		Where(goqu.C(colID).In(matching)).
		Order(goqu.C(colTitle).Asc(), goqu.C(colID).Asc()))
}

func (r *Repository) selectBooks() *goqu.SelectDataset {
	return goqu.Dialect(dialect).From(tableBooks).Prepared(true).Select(bookColumns...)
}

func (r *Repository) query(ctx context.Context, ds *goqu.SelectDataset) ([]Book, error) {
	return database.ReadValue(ctx, r.db, func(tx *database.Tx) ([]Book, error) {
		return r.scan(ctx, tx, ds)
	})
}

func (r *Repository) scan(ctx context.Context, tx *database.Tx, ds *goqu.SelectDataset) ([]Book, error) {
	stmt, args, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("building select: %w", err)
	}

	rows, err := tx.QueryCached(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("querying books: %w", err)
	}
	defer rows.Close()

	var books []Book
	if err := sqlx.StructScan(rows, &books); err != nil {
		return nil, fmt.Errorf("scanning books: %w", err)
	}
	return books, nil
}
