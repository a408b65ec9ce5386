// Package migrations embeds the SQL schema of the library database.
//
// Files are named YYYYMMDD_HHMMSS_description.up.sql and applied in
// lexical order. They are compiled into the binary, so no SQL files are
// needed on the filesystem at runtime.
package migrations

import (
	"embed"

	"github.com/nerrad567/walpool/internal/infrastructure/database"
)

//go:embed *.sql
var files embed.FS

// Register adds every embedded migration to m.
func Register(m *database.Migrator) error {
	return m.RegisterFS(files, ".")
}
