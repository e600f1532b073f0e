package comment

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

func TestIsConnectionUnavailable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"bad conn", driver.ErrBadConn, true},
		{"wrapped eof", fmt.Errorf("failed to read: %w", io.EOF), true},
		{"unexpected eof", io.ErrUnexpectedEOF, true},
		{"connection refused", &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}, true},
		{"connection exception class", &pgconn.PgError{Code: "08006"}, true},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"context canceled", context.Canceled, false},
		{"counter missing", ErrCounterMissing, false},
		{"plain error", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsConnectionUnavailable(tt.err); got != tt.want {
				t.Fatalf("expected %v, got %v for %v", tt.want, got, tt.err)
			}
		})
	}
}

func TestRunInTransaction_RetriesOnlyConnectionFailures(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	attempts := 0
	err := f.svc.runInTransaction(ctx, "test", func(tx *gorm.DB) error {
		attempts++
		if attempts < 3 {
			return driver.ErrBadConn
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}

	attempts = 0
	err = f.svc.runInTransaction(ctx, "test", func(tx *gorm.DB) error {
		attempts++
		return driver.ErrBadConn
	})
	if !errors.Is(err, driver.ErrBadConn) || attempts != 3 {
		t.Fatalf("expected ErrBadConn after 3 attempts, got %v after %d", err, attempts)
	}

	attempts = 0
	boom := errors.New("constraint violated")
	err = f.svc.runInTransaction(ctx, "test", func(tx *gorm.DB) error {
		attempts++
		return boom
	})
	if !errors.Is(err, boom) || attempts != 1 {
		t.Fatalf("expected immediate failure, got %v after %d attempts", err, attempts)
	}
}
