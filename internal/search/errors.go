package search

import "errors"

var (
	// ErrInvalidIndexName is returned when an index name is not a plain identifier.
	ErrInvalidIndexName = errors.New("search: invalid index name")

	// ErrUnknownTokenizer is returned by ParseTokenizer.
	ErrUnknownTokenizer = errors.New("search: unknown tokenizer")
)
