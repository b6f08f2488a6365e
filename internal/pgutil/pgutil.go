package pgutil

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	uniqueViolation  = "23505"
	lockNotAvailable = "55P03"
	deadlockDetected = "40P01"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx, so repositories can run
// standalone or inside an enclosing transaction. Begin on a pgx.Tx opens a savepoint.
type DBTX interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// IsUniqueViolation reports whether err is a Postgres unique constraint violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// IsLockTimeout reports whether err was raised because lock_timeout elapsed.
func IsLockTimeout(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == lockNotAvailable
}

// IsDeadlock reports whether Postgres aborted the transaction to break a lock cycle.
func IsDeadlock(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == deadlockDetected
}

// IsLockContention reports lock waits that ended without the lock: a lock_timeout
// or a detected deadlock. Both leave the transaction safe to retry.
func IsLockContention(err error) bool {
	return IsLockTimeout(err) || IsDeadlock(err)
}
