package search

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Tokenizer splits text into index terms. The same tokenizer must be used
// for indexing and querying.
type Tokenizer interface {
	Tokenize(text string) []string
}

// Simple folds ASCII letters to lower case and splits on ASCII characters
// that are not letters or digits. Non-ASCII characters are kept verbatim,
// so "É" and "é" are different terms.
type Simple struct{}

// Tokenize implements Tokenizer.
func (Simple) Tokenize(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return r <= unicode.MaxASCII && !isASCIIAlnum(r)
	})
	for i, f := range fields {
		fields[i] = asciiLower(f)
	}
	return fields
}

func isASCIIAlnum(r rune) bool {
	return ('a' <= r && r <= 'z') || ('A' <= r && r <= 'Z') || ('0' <= r && r <= '9')
}

func asciiLower(s string) string {
	return strings.Map(func(r rune) rune {
		if 'A' <= r && r <= 'Z' {
			return r + ('a' - 'A')
		}
		return r
	}, s)
}

// Unicode61 splits on every character that is not a letter, digit or
// combining mark and applies Unicode case folding. Diacritics are removed
// unless KeepDiacritics is set, so "Èèe" matches "eéÉ".
type Unicode61 struct {
	KeepDiacritics bool
}

// Tokenize implements Tokenizer.
func (u Unicode61) Tokenize(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r) && !unicode.Is(unicode.Mn, r) && !unicode.Is(unicode.Co, r)
	})

	// Casers and transformers are stateful; one per call.
	folder := cases.Fold()
	var strip transform.Transformer
	if !u.KeepDiacritics {
		strip = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	}

	tokens := fields[:0]
	for _, f := range fields {
		term := folder.String(f)
		if strip != nil {
			stripped, _, err := transform.String(strip, term)
			if err == nil {
				term = stripped
			}
		}
		if term != "" {
			tokens = append(tokens, term)
		}
	}
	return tokens
}

// ParseTokenizer returns the tokenizer for a configuration name:
// "simple", "unicode61" or "unicode61-keep-diacritics".
func ParseTokenizer(name string) (Tokenizer, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "simple":
		return Simple{}, nil
	case "", "unicode61":
		return Unicode61{}, nil
	case "unicode61-keep-diacritics":
		return Unicode61{KeepDiacritics: true}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTokenizer, name)
	}
}

// distinct returns terms without duplicates, preserving first occurrence.
func distinct(terms []string) []string {
	seen := make(map[string]struct{}, len(terms))
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
