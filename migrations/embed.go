package migrations

import "embed"

// Files exposes embedded goose SQL migrations ordered lexicographically.
//
//go:embed *.sql
var Files embed.FS
