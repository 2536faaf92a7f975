package store

import (
	"errors"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// dialect captures the differences between the supported SQL backends.
// Queries are written with `?` placeholders and rebound per dialect.
type dialect struct {
	name       string
	driver     string
	positional bool // $1, $2, ... placeholders
}

var (
	dialectLibSQL   = dialect{name: "libsql", driver: "libsql"}
	dialectPostgres = dialect{name: "postgres", driver: "pgx", positional: true}
)

// dialectFor picks the backend from a DSN: postgres:// and postgresql:// URLs
// select PostgreSQL, anything else is a libSQL path or URL.
func dialectFor(dsn string) dialect {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return dialectPostgres
	}
	return dialectLibSQL
}

// rebind rewrites `?` placeholders for the dialect, leaving quoted literals alone.
func (d dialect) rebind(query string) string {
	if !d.positional {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// isUniqueViolation reports whether err is a primary key or unique
// constraint failure on either backend.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "constraint failed: unique")
}
