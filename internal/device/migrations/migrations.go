// Package migrations embeds the device store schema migrations applied with
// goose when the store is opened.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
