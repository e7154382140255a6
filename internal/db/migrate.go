package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "embed"
)

//go:embed schema_postgres.sql
var postgresSchema string

//go:embed schema_sqlite.sql
var sqliteSchema string

// Dialect names the SQL flavour behind a Repository.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// Migrate applies the session schema for the dialect.  The statements create
// tables and indexes only if they do not already exist.
func Migrate(ctx context.Context, db *sql.DB, dialect Dialect) error {
	var schema string
	switch dialect {
	case DialectPostgres:
		schema = postgresSchema
	case DialectSQLite:
		schema = sqliteSchema
	default:
		return fmt.Errorf("unknown dialect %q", dialect)
	}
	_, err := db.ExecContext(ctx, schema)
	return err
}
