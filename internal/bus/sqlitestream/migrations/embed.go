// Package migrations embeds the stream adapter's SQL migrations.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
