package store

import (
	"context"
	"errors"
	"strings"

	"github.com/josephgoksu/taskgraph/types"
)

// Errors returned by Storage Port implementations.
var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrEndpointNotFound  = errors.New("relationship endpoint not found")
	ErrTransactionActive = errors.New("storage transaction already active")
	ErrNoTransaction     = errors.New("no active storage transaction")
	ErrClosed            = errors.New("store closed")
)

// IsNotFound reports whether err means the identity does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// wrapErr classifies a backend failure as a *types.StorageError. Not-found,
// conflict and concurrency errors pass through unchanged so callers can match
// them directly.
func wrapErr(op, identity string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrAlreadyExists) || errors.Is(err, ErrEndpointNotFound) {
		return err
	}
	var ce *types.ConcurrencyError
	if errors.As(err, &ce) {
		return err
	}
	var se *types.StorageError
	if errors.As(err, &se) {
		return err
	}
	return &types.StorageError{Op: op, Identity: identity, Transient: isTransient(err), Err: err}
}

// isTransient checks for SQLite BUSY (5) / LOCKED (6) and timeout-style errors.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)") ||
		strings.Contains(msg, "timeout")
}
