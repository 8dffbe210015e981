// Package migrations embeds the schema migration files so they apply at
// startup regardless of working directory.
package migrations

import "embed"

// FS holds every NNN_name.sql file in this directory, applied in order
// by the forward-only runner in internal/storage.
//
//go:embed *.sql
var FS embed.FS
