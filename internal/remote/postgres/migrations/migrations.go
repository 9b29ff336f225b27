// Package migrations embeds the goose migrations for the canonical
// Postgres schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
