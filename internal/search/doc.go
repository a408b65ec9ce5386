// Package search provides tokenizers and a table-backed inverted index
// that is written and queried through walpool transaction scopes.
//
// Three tokenizers are available:
//   - Simple: ASCII case folding, non-ASCII characters kept verbatim
//   - Unicode61: Unicode case folding with diacritics removed
//   - Unicode61{KeepDiacritics: true}: Unicode case folding only
//
// Stemming is not supported: "database" never matches "databases".
package search
