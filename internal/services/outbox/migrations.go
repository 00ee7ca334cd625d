package outbox

import "embed"

// Migrations holds the outbox schema, applied with goose under MigrationTable.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// MigrationTable is the goose version table for the outbox schema.
const MigrationTable = "goose_outbox"
