package storage

import (
	"context"
	"errors"
	"io"
	"net"
	"regexp"
	"syscall"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Typed errors surfaced by the repository layer. The HTTP layer maps these
// to status codes; callers can test them with errors.Is.
var (
	ErrNotFound          = errors.New("storage: not found")
	ErrUniqueViolation   = errors.New("storage: unique violation")
	ErrFKViolation       = errors.New("storage: foreign key violation")
	ErrCheckViolation    = errors.New("storage: check violation")
	ErrInvalidIdentifier = errors.New("storage: invalid identifier")
	ErrInvalidPagination = errors.New("storage: invalid pagination")
	ErrBatchTooLarge     = errors.New("storage: batch exceeds 1000 rows")
	ErrQueryTimeout      = errors.New("storage: query timeout")
	ErrResourceBusy      = errors.New("storage: resource busy")
)

// IsNotFound reports whether err is (or wraps) ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// classify maps low-level pgx errors onto the typed error set, preserving
// the original error in the chain.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(ErrQueryTimeout, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return errors.Join(ErrUniqueViolation, err)
		case "23503": // foreign_key_violation
			return errors.Join(ErrFKViolation, err)
		case "23514": // check_violation
			return errors.Join(ErrCheckViolation, err)
		case "57014": // query_canceled (statement_timeout)
			return errors.Join(ErrQueryTimeout, err)
		case "53300": // too_many_connections
			return errors.Join(ErrResourceBusy, err)
		}
	}
	return err
}

// isConnectionError reports whether err is a connection-layer failure
// (refused, reset, broken pipe) as opposed to a server-side error.
// Only these are safe to retry on read paths.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	return pgconn.SafeToRetry(err)
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// ValidateIdentifier rejects any caller-supplied SQL identifier (column name,
// sort key) that does not match ^[A-Za-z0-9_]+$. This runs before the
// identifier is embedded in any query text.
func ValidateIdentifier(ident string) error {
	if !identifierPattern.MatchString(ident) {
		return ErrInvalidIdentifier
	}
	return nil
}

// Page is a validated pagination window.
type Page struct {
	Page  int
	Limit int
}

// ValidatePage enforces page >= 1 and 1 <= limit <= 1000.
func ValidatePage(page, limit int) (Page, error) {
	if page < 1 || limit < 1 || limit > 1000 {
		return Page{}, ErrInvalidPagination
	}
	return Page{Page: page, Limit: limit}, nil
}

// Offset returns the SQL OFFSET for this window.
func (p Page) Offset() int {
	return (p.Page - 1) * p.Limit
}
