package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/walpool/internal/library"
)

// maxListLimit caps the limit query parameter of the list endpoint.
const maxListLimit = 1000

// createBooksRequest is the body of POST /books/batch.
type createBooksRequest struct {
	Books []library.Book `json:"books"`
}

// handleListBooks returns books ordered by title.
//
// Query parameters:
//   - limit: maximum number of books (default and cap 1000)
func (s *Server) handleListBooks(w http.ResponseWriter, r *http.Request) {
	limit := maxListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}

	books, err := s.library.List(r.Context(), limit)
	if err != nil {
		s.writeStoreError(w, r, err, "failed to list books")
		return
	}
	if books == nil {
		books = []library.Book{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"books": books, "count": len(books)})
}

// handleGetBook returns a single book by ID.
func (s *Server) handleGetBook(w http.ResponseWriter, r *http.Request) {
	book, err := s.library.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, r, err, "failed to get book")
		return
	}
	writeJSON(w, http.StatusOK, book)
}

// handleCreateBook stores one book and returns it with its assigned ID.
func (s *Server) handleCreateBook(w http.ResponseWriter, r *http.Request) {
	var book library.Book
	if err := json.NewDecoder(r.Body).Decode(&book); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	if err := s.library.Insert(r.Context(), &book); err != nil {
		s.writeStoreError(w, r, err, "failed to create book")
		return
	}
	writeJSON(w, http.StatusCreated, book)
}

// handleCreateBooks stores a batch of books atomically.
func (s *Server) handleCreateBooks(w http.ResponseWriter, r *http.Request) {
	var req createBooksRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if len(req.Books) == 0 {
		writeBadRequest(w, "books must not be empty")
		return
	}

	if err := s.library.InsertMany(r.Context(), req.Books); err != nil {
		s.writeStoreError(w, r, err, "failed to create books")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"books": req.Books, "count": len(req.Books)})
}

// handleDeleteBook removes a book and its search terms.
func (s *Server) handleDeleteBook(w http.ResponseWriter, r *http.Request) {
	if err := s.library.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeStoreError(w, r, err, "failed to delete book")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSearch returns the books matching every term of the q parameter.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeBadRequest(w, "q is required")
		return
	}

	books, err := s.library.Search(r.Context(), q)
	if err != nil {
		s.writeStoreError(w, r, err, "failed to search books")
		return
	}
	if books == nil {
		books = []library.Book{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"query": q, "books": books, "count": len(books)})
}
