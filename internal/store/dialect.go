package store

import (
	"strconv"
	"strings"
)

// Dialect captures the few places where PostgreSQL and SQLite disagree.
// Queries are written with ? placeholders and rebound per dialect.
type Dialect struct {
	Name            string
	DriverName      string
	numbered        bool
	lockClause      string
	uniqueViolation func(error) bool
}

func (d Dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
