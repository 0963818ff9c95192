package duckdb

import (
	"fmt"
	"strings"
	"time"
)

// InterpolateQuery returns a formatted query for logging.
// The output is valid SQL that can be copy-pasted into DuckDB.
func InterpolateQuery(query string, args []any) string {
	for _, arg := range args {
		var replacement string
		switch v := arg.(type) {
		case string:
			replacement = "'" + strings.ReplaceAll(v, "'", "''") + "'"
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			replacement = fmt.Sprintf("%d", v)
		case float32, float64:
			replacement = fmt.Sprintf("%v", v)
		case bool:
			replacement = fmt.Sprintf("%t", v)
		case time.Time:
			// RFC3339Nano drops the monotonic clock reading.
			replacement = "'" + v.Format(time.RFC3339Nano) + "'"
		case nil:
			replacement = "NULL"
		default:
			replacement = fmt.Sprintf("'%v'", v)
		}
		query = strings.Replace(query, "?", replacement, 1)
	}

	query = strings.ReplaceAll(query, "\t", " ")
	query = strings.ReplaceAll(query, "\n", "")
	return query
}
