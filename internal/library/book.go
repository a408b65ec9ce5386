package library

import (
	"errors"
	"time"
)

var (
	// ErrBookNotFound is returned when no book has the requested id.
	ErrBookNotFound = errors.New("library: book not found")

	// ErrInvalidBook is returned when a book is missing required fields.
	ErrInvalidBook = errors.New("library: invalid book")
)

// Book is a record of the library database.
type Book struct {
	ID        string    `db:"id" json:"id"`
	Author    string    `db:"author" json:"author"`
	Title     string    `db:"title" json:"title"`
	Body      string    `db:"body" json:"body,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Validate checks the fields the schema requires.
func (b Book) Validate() error {
	if b.Author == "" {
		return errors.Join(ErrInvalidBook, errors.New("author is required"))
	}
	if b.Title == "" {
		return errors.Join(ErrInvalidBook, errors.New("title is required"))
	}
	return nil
}
