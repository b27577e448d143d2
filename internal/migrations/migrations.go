package migrations

import "embed"

// Files holds the schema migrations, applied in lexical order
// (001_init.sql, 002_...).
//
//go:embed *.sql
var Files embed.FS
