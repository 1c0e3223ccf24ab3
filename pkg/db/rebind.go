package db

import (
	"strconv"
	"strings"
)

// IsPostgres reports whether the driver speaks the $n placeholder dialect.
func IsPostgres(driverName string) bool {
	return driverName == "postgres" || driverName == "pgx"
}

// Rebind converts ? placeholders to $n for postgres-dialect drivers. Other
// drivers get the query back unchanged, so the stores can write one
// statement set for sqlite and postgres.
func Rebind(driverName, query string) string {
	if !IsPostgres(driverName) {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
