package store

import (
	"database/sql"
	"strings"
)

// SQLite serializes writers itself and has no row locks, so lock queries are
// plain reads; OpenSQLite limits the pool to one connection, which makes every
// transaction exclusive.
var SQLite = Dialect{
	Name:            "sqlite",
	DriverName:      "sqlite",
	uniqueViolation: isSQLiteUniqueViolation,
}

func NewSQLiteStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, dialect: SQLite, queries: queries{q: db, d: SQLite}}
}

func isSQLiteUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY")
}
