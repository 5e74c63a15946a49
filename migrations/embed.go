// Package migrations holds the event log schema, compiled into the binary.
package migrations

import "embed"

// FS contains every *.sql migration at its root.
//
//go:embed *.sql
var FS embed.FS
