// Package migrations embeds the SQL schema so the binary is self-contained.
// Files follow golang-migrate naming: NNNNNN_name.up.sql / NNNNNN_name.down.sql.
// Statements are portable between SQLite and PostgreSQL.
package migrations

import "embed"

// FS contains all *.sql migration files embedded at compile time.
//
//go:embed *.sql
var FS embed.FS
