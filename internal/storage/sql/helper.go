package sql

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/eval-hub/iteration-hub/internal/storage/sql/schemas"
)

func getUnsupportedDriverError(driver string) error {
	return fmt.Errorf("unsupported driver: %s", driver)
}

func schemasForDriver(driver string) (string, error) {
	switch driver {
	case SQLITE_DRIVER:
		return schemas.SQLITE_SCHEMA, nil
	case POSTGRES_DRIVER:
		return schemas.POSTGRES_SCHEMA, nil
	default:
		return "", getUnsupportedDriverError(driver)
	}
}

// rebind rewrites the ? placeholders used by the statements in this package
// into the $n placeholders expected by PostgreSQL.
func rebind(driver string, query string) string {
	if driver != POSTGRES_DRIVER {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for _, r := range query {
		switch {
		case r == '\'':
			inQuote = !inQuote
			b.WriteRune(r)
		case r == '?' && !inQuote:
			n++
			b.WriteString("$")
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// quoteIdentifier properly quotes an identifier for the given driver
func quoteIdentifier(_ /*driver*/ string, identifier string) string {
	// Escape double quotes by doubling them
	escaped := strings.ReplaceAll(identifier, `"`, `""`)
	return fmt.Sprintf(`"%s"`, escaped)
}

// createGetEntityStatement returns the SELECT statement reading the entity column by id
func createGetEntityStatement(driver, tableName string) string {
	return fmt.Sprintf(`SELECT entity FROM %s WHERE id = ?;`, quoteIdentifier(driver, tableName))
}

// createUsageStatement returns the driver-specific budget sum over the iterations of an experiment
func createUsageStatement(driver string) (string, error) {
	switch driver {
	case POSTGRES_DRIVER:
		// SUM over BIGINT is NUMERIC in PostgreSQL
		return `SELECT COALESCE(SUM(total_cost), 0)::DOUBLE PRECISION, COALESCE(SUM(total_tokens), 0)::BIGINT FROM iterations WHERE experiment_id = ?;`, nil
	case SQLITE_DRIVER:
		return `SELECT COALESCE(SUM(total_cost), 0.0), COALESCE(SUM(total_tokens), 0) FROM iterations WHERE experiment_id = ?;`, nil
	default:
		return "", getUnsupportedDriverError(driver)
	}
}

// createInClause returns "(?, ?, ...)" with n placeholders
func createInClause(n int) string {
	if n <= 0 {
		return "(NULL)"
	}
	return "(" + strings.TrimSuffix(strings.Repeat("?, ", n), ", ") + ")"
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(value string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, value)
}

func parseNullTime(value sql.NullString) (*time.Time, error) {
	if !value.Valid || value.String == "" {
		return nil, nil
	}
	t, err := parseTime(value.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func toArgs(values []string) []any {
	args := make([]any, 0, len(values))
	for _, v := range values {
		args = append(args, v)
	}
	return args
}
