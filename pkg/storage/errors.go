package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an entry id does not exist in the owner scope.
	ErrNotFound = errors.New("entry not found")
	// ErrUnavailable marks a backend that could not be reached or timed out.
	ErrUnavailable = errors.New("store unavailable")
	// ErrInvalidOwner is returned for an empty owner scope.
	ErrInvalidOwner = errors.New("invalid owner scope")
)

// classify wraps backend errors so callers can match on ErrUnavailable.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidOwner) || errors.Is(err, ErrUnavailable) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) ||
		errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn) {
		return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
