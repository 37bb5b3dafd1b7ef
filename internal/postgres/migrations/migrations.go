// Package migrations embeds the SQL schema applied by `ops-api migrate`.
package migrations

import "embed"

// FS holds the numbered migration files, applied in filename order.
//
//go:embed *.sql
var FS embed.FS
