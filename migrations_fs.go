package gateway

import (
	"embed"
	"io/fs"
)

// migrationsFS holds the postgres migrations with the sqlite variants under
// data/sql/migrations/sqlite.
//
//go:embed data/sql/migrations/*.sql data/sql/migrations/sqlite/*.sql
var migrationsFS embed.FS

// MigrationsFS returns the embedded migration tree.
func MigrationsFS() fs.FS {
	return migrationsFS
}
