package duckdb

import (
	"context"
	"database/sql"
	"database/sql/driver"

	duckdbDriver "github.com/marcboeker/go-duckdb"
)

// OpenDB opens a DuckDB database file, or an in-memory database for "" and
// ":memory:". bootQueries run on every new pooled connection; a failing
// boot query fails the connection.
func OpenDB(dsn string, bootQueries ...string) (*sql.DB, error) {
	if dsn == ":memory:" {
		dsn = ""
	}

	connector, err := duckdbDriver.NewConnector(dsn, func(execer driver.ExecerContext) error {
		ctx := context.Background()
		for _, query := range bootQueries {
			if _, err := execer.ExecContext(ctx, query, nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return sql.OpenDB(connector), nil
}
