// Package migrations embeds the SQL migration files into the binary, so the
// attempt history schema is applied without the files on disk.
package migrations

import "embed"

// FS holds every *.sql migration at its root. Pass it to DB.Migrate.
//
//go:embed *.sql
var FS embed.FS
