package store

import (
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var Postgres = Dialect{
	Name:            "postgres",
	DriverName:      "pgx",
	numbered:        true,
	lockClause:      " FOR UPDATE",
	uniqueViolation: isPgUniqueViolation,
}

func NewPostgresStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, dialect: Postgres, queries: queries{q: db, d: Postgres}}
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
