package sqlstore

import (
	"fmt"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	_ "modernc.org/sqlite"             // pure go sqlite driver
)

// Dialect captures the few places where sqlite and postgres differ.
type Dialect struct {
	Name   string
	Driver string

	// numbered placeholders ($1, $2) instead of ?
	numbered bool
	// appended to the dataset lock query
	lockClause string
}

var (
	SQLite   = Dialect{Name: "sqlite", Driver: "sqlite"}
	Postgres = Dialect{Name: "postgres", Driver: "pgx", numbered: true, lockClause: " FOR UPDATE"}
)

// DialectByName resolves "sqlite" or "postgres".
func DialectByName(name string) (Dialect, error) {
	switch name {
	case SQLite.Name:
		return SQLite, nil
	case Postgres.Name, "postgresql", "pgx":
		return Postgres, nil
	}
	return Dialect{}, fmt.Errorf("unknown sql dialect %q", name)
}

// rebind rewrites ? placeholders for dialects that number them.
func (d Dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// placeholders returns "?, ?, ?" for n values.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS procedures (
		id TEXT PRIMARY KEY,
		deleted INTEGER NOT NULL DEFAULT 0,
		valid_end BIGINT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS procedure_children (
		parent_id TEXT NOT NULL,
		child_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		PRIMARY KEY (parent_id, child_id)
	)`,
	`CREATE TABLE IF NOT EXISTS offerings (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		deleted INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS datasets (
		id TEXT PRIMARY KEY,
		procedure_id TEXT NOT NULL,
		offering_id TEXT NOT NULL,
		observed_property_id TEXT NOT NULL,
		feature_id TEXT NOT NULL,
		value_type TEXT NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0,
		published INTEGER NOT NULL DEFAULT 0,
		first_value_at BIGINT NULL,
		last_value_at BIGINT NULL,
		first_observation_id TEXT NOT NULL DEFAULT '',
		last_observation_id TEXT NOT NULL DEFAULT '',
		first_numeric_value DOUBLE PRECISION NULL,
		last_numeric_value DOUBLE PRECISION NULL
	)`,
	`CREATE TABLE IF NOT EXISTS dataset_references (
		dataset_id TEXT NOT NULL,
		reference_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		PRIMARY KEY (dataset_id, reference_id)
	)`,
	`CREATE TABLE IF NOT EXISTS observations (
		id TEXT PRIMARY KEY,
		dataset_id TEXT NOT NULL,
		parent_id TEXT NOT NULL DEFAULT '',
		identifier TEXT NOT NULL DEFAULT '',
		phenomenon_time BIGINT NOT NULL,
		result_time BIGINT NOT NULL,
		numeric_value DOUBLE PRECISION NULL,
		text_value TEXT NOT NULL DEFAULT '',
		deleted INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS observations_dataset_time ON observations (dataset_id, phenomenon_time)`,
	`CREATE INDEX IF NOT EXISTS observations_parent ON observations (parent_id)`,
	`CREATE INDEX IF NOT EXISTS observations_identifier ON observations (identifier)`,
	`CREATE INDEX IF NOT EXISTS dataset_references_reference ON dataset_references (reference_id)`,
}

// tables in dependency-free deletion order, used by tests to reset state.
var tables = []string{"observations", "dataset_references", "datasets", "offerings", "procedure_children", "procedures"}
