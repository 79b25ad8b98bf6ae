// Package migrations embeds the goose SQL migration set applied by every
// DFM service that owns Postgres state (currently just the audit trail).
package migrations

import "embed"

//go:embed postgres/*.sql
var PostgresMigrations embed.FS
