package duckdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/coral-mesh/gcscope/internal/retry"
)

// Execer is an interface that matches both *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type column struct {
	name    string
	sqlType string
	field   int
	pk      bool
}

// Table represents a generic database table wrapper for type T.
type Table[T any] struct {
	db        Execer
	tableName string
	columns   []column
	pkColumns []string
}

var timeType = reflect.TypeOf(time.Time{})

// NewTable creates a new Table[T] instance.
// T must be a struct with `duckdb` tags.
func NewTable[T any](db Execer, tableName string) *Table[T] {
	var zero T
	t := reflect.TypeOf(zero)
	if t.Kind() != reflect.Struct {
		panic("Table generic type T must be a struct")
	}

	tbl := &Table[T]{db: db, tableName: tableName}
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("duckdb")
		if tag == "" || tag == "-" {
			continue
		}

		parts := strings.Split(tag, ",")
		col := column{name: strings.TrimSpace(parts[0]), field: i}
		for _, p := range parts[1:] {
			opt := strings.TrimSpace(p)
			switch {
			case opt == "pk":
				col.pk = true
				tbl.pkColumns = append(tbl.pkColumns, col.name)
			case strings.HasPrefix(opt, "type="):
				col.sqlType = strings.TrimPrefix(opt, "type=")
			}
		}
		if col.sqlType == "" {
			col.sqlType = sqlTypeOf(field.Type)
		}
		if col.sqlType == "" {
			panic(fmt.Sprintf("duckdb: no SQL type for %s.%s (%s)", t.Name(), field.Name, field.Type))
		}
		tbl.columns = append(tbl.columns, col)
	}
	return tbl
}

func sqlTypeOf(t reflect.Type) string {
	if t == timeType {
		return "TIMESTAMP"
	}
	switch t.Kind() {
	case reflect.String:
		return "VARCHAR"
	case reflect.Bool:
		return "BOOLEAN"
	case reflect.Int, reflect.Int64:
		return "BIGINT"
	case reflect.Int32:
		return "INTEGER"
	case reflect.Int16:
		return "SMALLINT"
	case reflect.Uint, reflect.Uint64:
		return "UBIGINT"
	case reflect.Uint32:
		return "UINTEGER"
	case reflect.Uint16:
		return "USMALLINT"
	case reflect.Uint8:
		return "UTINYINT"
	case reflect.Float64:
		return "DOUBLE"
	case reflect.Float32:
		return "FLOAT"
	}
	return ""
}

// Name returns the table name.
func (t *Table[T]) Name() string { return t.tableName }

// Columns returns the column names in declaration order.
func (t *Table[T]) Columns() []string {
	out := make([]string, len(t.columns))
	for i, c := range t.columns {
		out[i] = c.name
	}
	return out
}

// CreateStatement returns the CREATE TABLE IF NOT EXISTS statement for T.
func (t *Table[T]) CreateStatement() string {
	defs := make([]string, 0, len(t.columns)+1)
	for _, c := range t.columns {
		def := c.name + " " + c.sqlType
		if c.pk {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	if len(t.pkColumns) > 0 {
		defs = append(defs, fmt.Sprintf("PRIMARY KEY (%s)", strings.Join(t.pkColumns, ", ")))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", t.tableName, strings.Join(defs, ",\n\t"))
}

// Create creates the table if it does not exist.
func (t *Table[T]) Create(ctx context.Context) error {
	if _, err := t.db.ExecContext(ctx, t.CreateStatement()); err != nil {
		return fmt.Errorf("create table %s: %w", t.tableName, err)
	}
	return nil
}

func (t *Table[T]) values(item *T) []any {
	val := reflect.ValueOf(item).Elem()
	values := make([]any, len(t.columns))
	for i, c := range t.columns {
		values[i] = val.Field(c.field).Interface()
	}
	return values
}

func (t *Table[T]) insertQuery(upsert bool) string {
	placeholders := make([]string, len(t.columns))
	updates := make([]string, 0, len(t.columns))
	for i, c := range t.columns {
		placeholders[i] = "?"
		if !c.pk {
			updates = append(updates, fmt.Sprintf("%s = excluded.%s", c.name, c.name))
		}
	}

	// #nosec G201 - table and column names are not user input, they come from struct tags
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		t.tableName,
		strings.Join(t.Columns(), ", "),
		strings.Join(placeholders, ", "),
	)
	if upsert && len(t.pkColumns) > 0 {
		clause := "DO NOTHING"
		if len(updates) > 0 {
			clause = "DO UPDATE SET " + strings.Join(updates, ", ")
		}
		query += fmt.Sprintf(" ON CONFLICT (%s) %s", strings.Join(t.pkColumns, ", "), clause)
	}
	return query
}

func conflictRetry() retry.Config {
	return retry.Config{
		MaxRetries:     10,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     500 * time.Millisecond,
		Jitter:         0.1,
	}
}

// Insert inserts a new item and fails on a duplicate key.
func (t *Table[T]) Insert(ctx context.Context, item *T) error {
	query := t.insertQuery(false)
	values := t.values(item)
	return retry.Do(ctx, conflictRetry(), func() error {
		_, err := t.db.ExecContext(ctx, query, values...)
		return err
	}, isTransactionConflict)
}

// Upsert inserts or updates an item by primary key.
func (t *Table[T]) Upsert(ctx context.Context, item *T) error {
	query := t.insertQuery(true)
	values := t.values(item)
	return retry.Do(ctx, conflictRetry(), func() error {
		_, err := t.db.ExecContext(ctx, query, values...)
		return err
	}, isTransactionConflict)
}

// BatchUpsert upserts items in one transaction with a prepared statement.
// When the table wraps a *sql.Tx the caller owns the commit.
func (t *Table[T]) BatchUpsert(ctx context.Context, items []*T) (err error) {
	if len(items) == 0 {
		return nil
	}

	var tx *sql.Tx
	switch d := t.db.(type) {
	case *sql.Tx:
		tx = d
	case *sql.DB:
		tx, err = d.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() {
			if err != nil {
				_ = tx.Rollback()
			}
		}()
	default:
		return fmt.Errorf("unsupported Execer type for BatchUpsert: %T", t.db)
	}

	stmt, err := tx.PrepareContext(ctx, t.insertQuery(true))
	if err != nil {
		return fmt.Errorf("prepare stmt: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, item := range items {
		if _, err = stmt.ExecContext(ctx, t.values(item)...); err != nil {
			return fmt.Errorf("batch exec: %w", err)
		}
	}

	if _, started := t.db.(*sql.DB); started {
		if err = tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
	}
	return nil
}

// Select starts a query over this table's columns.
func (t *Table[T]) Select() *Builder {
	return NewQueryBuilder(t.tableName).Select(t.Columns()...)
}

// Query runs a builder from Select and scans every row.
func (t *Table[T]) Query(ctx context.Context, b *Builder) ([]*T, error) {
	query, args, err := b.Build()
	if err != nil {
		return nil, err
	}

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", t.tableName, err)
	}
	defer func() { _ = rows.Close() }()

	var items []*T
	for rows.Next() {
		item, err := t.scan(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Get returns the row with the given primary key values, in pk order.
func (t *Table[T]) Get(ctx context.Context, pk ...any) (*T, error) {
	if len(t.pkColumns) == 0 {
		return nil, errors.New("no primary key defined for table")
	}
	if len(pk) != len(t.pkColumns) {
		return nil, fmt.Errorf("table %s has %d key columns, got %d values", t.tableName, len(t.pkColumns), len(pk))
	}

	b := t.Select()
	for i, col := range t.pkColumns {
		b.Where(col+" = ?", pk[i])
	}
	items, err := t.Query(ctx, b.Limit(1))
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, sql.ErrNoRows
	}
	return items[0], nil
}

// Delete removes rows matching column = value.
func (t *Table[T]) Delete(ctx context.Context, column string, value any) (int64, error) {
	// #nosec G201 - column names come from callers in this module
	res, err := t.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s = ?", t.tableName, column), value)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (t *Table[T]) scan(rows *sql.Rows) (*T, error) {
	var item T
	val := reflect.ValueOf(&item).Elem()
	dest := make([]any, len(t.columns))
	for i, c := range t.columns {
		dest[i] = val.Field(c.field).Addr().Interface()
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, fmt.Errorf("scan %s: %w", t.tableName, err)
	}
	return &item, nil
}

func isTransactionConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "Conflict on update") ||
		strings.Contains(msg, "TransactionContext Error") ||
		strings.Contains(msg, "serialization")
}
