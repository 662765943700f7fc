// Package dbmigrations exposes embedded SQL migrations for fabric binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into fabric binaries.
//
//go:embed *.sql
var Files embed.FS
