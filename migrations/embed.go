// Package migrations embeds the SQL schema so the migrate binary ships
// without a separate source tree.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
