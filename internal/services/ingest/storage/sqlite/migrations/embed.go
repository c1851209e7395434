package migrations

import "embed"

// FS contains embedded SQLite migrations for ingest storage.
//
//go:embed *.sql
var FS embed.FS
