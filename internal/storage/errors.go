package storage

import (
	"database/sql"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

var (
	// ErrDuplicate is returned when an external identifier (message id,
	// user id or thread timestamp) already exists.
	ErrDuplicate = errors.New("duplicate key")
	// ErrInvalidArgument is returned before any statement runs when the
	// input cannot be sent to the database.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrThreadChannelMismatch is returned when a thread timestamp is
	// already taken by a thread in another channel.
	ErrThreadChannelMismatch = errors.New("thread belongs to another channel")
	// ErrClosed is returned by a Manager after Close.
	ErrClosed = errors.New("storage manager is closed")
)

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == uniqueViolation
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}
	return false
}

// translate maps driver errors onto the package sentinels and adds context.
func translate(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) {
		return errors.Wrapf(ErrDuplicate, format, args...)
	}
	return errors.Wrapf(err, format, args...)
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func invalidArgument(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidArgument, format, args...)
}
