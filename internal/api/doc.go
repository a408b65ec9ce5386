// Package api implements the HTTP API of a walpool library database.
//
// This package provides:
//   - REST endpoints for storing, listing, deleting and searching books
//   - Pool health and statistics endpoints
//   - The Prometheus scrape endpoint, when metrics are enabled
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//
// The server follows the same lifecycle pattern as other infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Reads run on the reader pool and writes are serialised through the single
// writer, so concurrent requests never observe a half-written batch.
package api
