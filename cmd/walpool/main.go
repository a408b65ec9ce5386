// walpool - concurrent SQLite access for a single WAL database
//
// This is the entry point for the walpool command. It opens a library
// database through a single-writer, multi-reader pool and exposes it as
// a set of subcommands:
//   - migrate / status: apply and inspect schema migrations
//   - serve: HTTP API, Prometheus metrics and commit notifications
//   - demo: concurrent reads and searches against sample data
//   - watch: print commit notifications from the MQTT broker
//   - checkpoint: fold the WAL back into the database file
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

func main() {
	// Cancel on Ctrl+C and SIGTERM so every command shuts down cleanly.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
