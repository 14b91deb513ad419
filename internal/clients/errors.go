package clients

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"marketplace-sync-service/internal/models"
)

var (
	// ErrInvalidSignature is returned when a webhook signature does not verify
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrInvalidPayload is returned when a webhook body cannot be decoded
	ErrInvalidPayload = errors.New("invalid webhook payload")
	// ErrRevokeUnsupported is returned by adapters whose marketplace has no
	// revocation endpoint
	ErrRevokeUnsupported = errors.New("token revocation not supported")
)

// TransientError is an upstream failure worth retrying: rate limiting,
// timeouts, 5xx and network errors.
type TransientError struct {
	Marketplace models.Marketplace
	StatusCode  int
	RetryAfter  time.Duration
	Err         error
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s transient error (status %d): %v", e.Marketplace, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s transient error: %v", e.Marketplace, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// AuthError means the credentials are unusable and a human must reconnect.
type AuthError struct {
	Marketplace models.Marketplace
	StatusCode  int
	Err         error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s authorization failed: %v", e.Marketplace, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// UnsupportedMarketplaceError is returned when a marketplace has no registered adapter
type UnsupportedMarketplaceError struct {
	Marketplace string
}

func (e *UnsupportedMarketplaceError) Error() string {
	return "unsupported marketplace: " + e.Marketplace
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsAuth reports whether err is (or wraps) an AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsUnsupported reports whether err is (or wraps) an UnsupportedMarketplaceError.
func IsUnsupported(err error) bool {
	var ue *UnsupportedMarketplaceError
	return errors.As(err, &ue)
}

// IsPageFatal reports whether an error loading one record of a page must fail
// the whole page. Anything else is charged to that record alone.
func IsPageFatal(err error) bool {
	return IsTransient(err) || IsAuth(err) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// ClassifyStatus maps a non-2xx upstream response into the error taxonomy.
func ClassifyStatus(m models.Marketplace, status int, retryAfter time.Duration, body []byte) error {
	err := fmt.Errorf("upstream returned %d: %s", status, truncate(body, 512))
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &AuthError{Marketplace: m, StatusCode: status, Err: err}
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500:
		return &TransientError{Marketplace: m, StatusCode: status, RetryAfter: retryAfter, Err: err}
	default:
		return err
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
