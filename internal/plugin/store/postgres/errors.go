package postgres

import (
	"errors"
	"strings"

	"github.com/chirino/conversation-service/internal/plugin/store/sqlstore"
	"github.com/jackc/pgx/v5/pgconn"
)

// Dialect classifies PostgreSQL errors for the shared SQL store.
var Dialect = sqlstore.Dialect{
	Name:              "postgres",
	IsUniqueViolation: isUniqueViolation,
	IsTransient:       isTransient,
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// isTransient reports connection failures (class 08), serialization failures,
// deadlocks, lock and statement timeouts, and admin shutdowns.
func isTransient(err error) bool {
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	if pgconn.Timeout(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	if strings.HasPrefix(pgErr.Code, "08") {
		return true
	}
	switch pgErr.Code {
	case "40001", "40P01", "55P03", "57014", "57P01", "57P03":
		return true
	}
	return false
}
