// Package migrations embeds the goose SQL migrations so the migrate
// binary can run them without a checkout.
package migrations

import "embed"

//go:embed *.sql
var EmbeddedFS embed.FS
