package comment

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

const (
	defaultMaxAttempts = 3
	defaultRetryWait   = 200 * time.Millisecond
)

// IsConnectionUnavailable reports whether err means the database could not be
// reached or the pooled connection behind a transaction was already broken.
func IsConnectionUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, sql.ErrTxDone) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// class 08: connection exception; 57P0x: server shutting down
		return strings.HasPrefix(pgErr.Code, "08") ||
			pgErr.Code == "57P01" || pgErr.Code == "57P02" || pgErr.Code == "57P03"
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return pgconn.SafeToRetry(err)
}

// runInTransaction runs fn in a transaction, retrying on connection failures.
// Each attempt opens a fresh session so a broken pooled connection is not reused.
func (s *service) runInTransaction(ctx context.Context, operation string, fn func(tx *gorm.DB) error) error {
	for attempt := 1; ; attempt++ {
		session := s.dbConn.Session(&gorm.Session{NewDB: true, Context: ctx})
		err := session.Transaction(fn)
		if err == nil {
			return nil
		}
		if !IsConnectionUnavailable(err) || attempt >= s.maxAttempts {
			return err
		}

		s.logger.Warnw("Transaction failed on a broken connection, retrying",
			"operation", operation,
			"attempt", attempt,
			"max_attempts", s.maxAttempts,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.retryWait * time.Duration(attempt)):
		}
	}
}
