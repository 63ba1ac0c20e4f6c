package db

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound           = errors.New("db: not found")
	ErrAlreadyClaimed     = errors.New("db: request already claimed")
	ErrNotAHelper         = errors.New("db: profile is not a helper")
	ErrClosed             = errors.New("db: request closed")
	ErrDuplicateActive    = errors.New("db: active request already exists for caller")
	ErrReferenceCodeTaken = errors.New("db: reference code in use")
)

const (
	uniqueViolation = "23505"

	activeExternalIndex = "requests_active_external_uq"
	activeUserIndex     = "requests_active_user_uq"
	activeRefcodeIndex  = "requests_active_refcode_uq"
)

// IsTransient reports whether err means the statement certainly did not take
// effect and a retry may succeed: serialization failures, deadlocks, admin
// shutdowns, connection setup failures, and errors pgconn marks as raised
// before anything was sent. Any statement may be retried on these.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"):
			return true
		case pgErr.Code == "40001", pgErr.Code == "40P01":
			return true
		case pgErr.Code == "57P01", pgErr.Code == "57P03", pgErr.Code == "53300":
			return true
		}
		return false
	}
	return pgconn.SafeToRetry(err)
}

// IsRetryable widens IsTransient with lost connections and timeouts, where
// the statement may or may not have committed. Only reads and writes that
// are idempotent may be retried on these.
func IsRetryable(err error) bool {
	if IsTransient(err) {
		return true
	}
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return false
	}
	if pgconn.Timeout(err) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func translateUnique(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return err
	}
	switch pgErr.ConstraintName {
	case activeRefcodeIndex:
		return ErrReferenceCodeTaken
	case activeExternalIndex, activeUserIndex:
		return ErrDuplicateActive
	}
	return err
}
