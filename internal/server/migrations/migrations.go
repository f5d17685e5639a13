// Package migrations embeds the goose SQL migrations for the notes server.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
