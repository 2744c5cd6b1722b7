// Package sql carries the PostgreSQL schema of the run store.
package sql

import _ "embed"

// Schema creates the ecaci schema and tables. It is idempotent.
//
//go:embed schema.sql
var Schema string
