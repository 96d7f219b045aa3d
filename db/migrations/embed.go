// Package dbmigrations exposes embedded SQL migrations for Hovercast binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into Hovercast binaries.
//
//go:embed *.sql
var Files embed.FS
