package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"net"
)

// ErrNotFound is returned when an object addressed by id does not exist.
var ErrNotFound = errors.New("storage: not found")

// fatalError marks an error that leaves the connection or transaction
// unusable.
type fatalError struct{ err error }

func (e fatalError) Error() string { return e.err.Error() }
func (e fatalError) Unwrap() error { return e.err }
func (fatalError) Fatal() bool     { return true }

// Fatal wraps err so that IsFatal reports true. Backends use it for
// driver-specific connection failures (e.g. SQLSTATE class 08).
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return fatalError{err: err}
}

// IsFatal reports whether err means the current connection or transaction
// can no longer be used, so in-flight work must be rolled back instead of
// continuing with the next item.
//
// Not fatal: constraint violations, ErrNotFound, bad input. Those fail one
// item only.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var f interface{ Fatal() bool }
	if errors.As(err, &f) && f.Fatal() {
		return true
	}
	switch {
	case errors.Is(err, driver.ErrBadConn),
		errors.Is(err, sql.ErrConnDone),
		errors.Is(err, sql.ErrTxDone),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}
