// AngelaMos | 2026
// errors.go

package session

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"

	"github.com/farmerssoko/soko-auth/internal/core"
	"github.com/farmerssoko/soko-auth/internal/identity"
)

type Kind string

const (
	KindInvalidCredentials  Kind = "invalid_credentials"
	KindProviderUnavailable Kind = "provider_unavailable"
	KindProvider            Kind = "provider_error"
)

var (
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrProviderUnavailable = errors.New("identity provider unavailable")
	ErrProvider            = errors.New("identity provider error")
)

// Error is the only error shape that leaves a Store.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Op + ": " + e.sentinel().Error()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return target == e.sentinel()
}

func (e *Error) sentinel() error {
	switch e.Kind {
	case KindInvalidCredentials:
		return ErrInvalidCredentials
	case KindProviderUnavailable:
		return ErrProviderUnavailable
	default:
		return ErrProvider
	}
}

// Normalize maps any provider, storage or transport error into an *Error.
func Normalize(op string, err error) error {
	if err == nil {
		return nil
	}

	var sessErr *Error
	if errors.As(err, &sessErr) {
		return err
	}

	return &Error{Kind: classify(err), Op: op, Err: err}
}

func classify(err error) Kind {
	switch {
	case errors.Is(err, identity.ErrInvalidCredentials):
		return KindInvalidCredentials
	case isTransportError(err):
		return KindProviderUnavailable
	default:
		return KindProvider
	}
}

func isTransportError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, core.ErrUnavailable) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, redis.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	if pgconn.Timeout(err) {
		return true
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// isInvalidSession reports whether err means the stored credentials are no
// longer usable and should be discarded.
func isInvalidSession(err error) bool {
	return errors.Is(err, core.ErrTokenInvalid) ||
		errors.Is(err, core.ErrTokenRevoked) ||
		errors.Is(err, core.ErrTokenExpired) ||
		errors.Is(err, core.ErrNotFound) ||
		errors.Is(err, identity.ErrTokenReuse)
}
