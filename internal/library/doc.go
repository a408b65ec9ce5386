// Package library is a small book catalogue built on walpool.
//
// It shows the intended way to use the pool: the schema is applied by a
// Migrator at startup, every write is one transaction scope, and full-text
// search runs inside a read scope so that matches and rows come from the
// same snapshot.
package library
