package db

import "context"

// Database is the handle repositories hold. Implementations own a pool and
// are safe for concurrent use.
type Database interface {
	Querier
	Transaction(ctx context.Context, fn func(tx Transaction) error) error
	Ping(ctx context.Context) error
	Close() error
}

// Transaction is a Querier bound to one open transaction.
type Transaction interface {
	Querier
	Commit() error
	Rollback() error
}

// Rows is a forward-only cursor.
type Rows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
	Close() error
}

// Row is the result of QueryRow. Scan reports sql.ErrNoRows when empty.
type Row interface {
	Scan(dest ...interface{}) error
}

// Result summarizes an Exec.
type Result interface {
	LastInsertId() (int64, error)
	RowsAffected() (int64, error)
}
