package db

import (
	"context"
	"database/sql"
	"errors"

	"github.com/go-sql-driver/mysql"
)

// MySQL server error numbers hive reacts to.
const (
	errDuplicateEntry     = 1062
	errNoReferencedRow    = 1452
	errNoReferencedRowOld = 1216
)

// Querier is the read/write surface shared by Database and Transaction.
type Querier interface {
	Query(ctx context.Context, query string, args ...interface{}) (Rows, error)
	QueryRow(ctx context.Context, query string, args ...interface{}) Row
	Exec(ctx context.Context, query string, args ...interface{}) (Result, error)
}

// IsNoRows reports sql.ErrNoRows anywhere in the chain.
func IsNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// IsDuplicateKey reports a unique or primary key collision.
func IsDuplicateKey(err error) bool {
	return mysqlErrorNumber(err) == errDuplicateEntry
}

// IsMissingReference reports an insert whose foreign key points at no row,
// e.g. a submission for an unknown user.
func IsMissingReference(err error) bool {
	n := mysqlErrorNumber(err)
	return n == errNoReferencedRow || n == errNoReferencedRowOld
}

func mysqlErrorNumber(err error) uint16 {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number
	}
	return 0
}
