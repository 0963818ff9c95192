// Package duckdb provides a small ORM and query builder over DuckDB.
//
// # ORM
//
// Table maps a struct with `duckdb` tags to a table and derives its DDL:
//
//	type Row struct {
//	    SessionID string `duckdb:"session_id,pk"`
//	    Addr      uint64 `duckdb:"addr,pk"`
//	    Size      uint64 `duckdb:"size"`
//	}
//
//	table := duckdb.NewTable[Row](db, "rows")
//	err := table.Create(ctx)
//	err = table.BatchUpsert(ctx, []*Row{...})
//	rows, err := table.Query(ctx, table.Select().Eq("session_id", id).OrderBy("addr"))
//
// Column types come from the Go field type unless the tag carries
// type=<SQL type>.
//
// # Query Builder
//
//	sql, args, err := duckdb.NewQueryBuilder("sessions").
//	    Select("session_id", "opened_at").
//	    Eq("transport", "core /tmp/core").
//	    OrderBy("-opened_at").
//	    Limit(10).
//	    Build()
//
// The builder only generates SQL. Empty string equality filters are skipped.
package duckdb
