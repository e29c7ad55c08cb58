// Package migrations embeds the numbered SQL files applied to each facility
// schema.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
