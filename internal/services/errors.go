package services

import (
	"errors"
	"fmt"
)

var (
	// ErrIntegrationNotFound is returned when the tenant never connected the marketplace
	ErrIntegrationNotFound = errors.New("integration not found")
	// ErrIntegrationNotActive is returned when a sync is requested for an
	// integration that is INACTIVE or ERROR
	ErrIntegrationNotActive = errors.New("integration is not active")
	// ErrSyncInProgress is returned when a sync for the integration is already
	// claimed or queued
	ErrSyncInProgress = errors.New("sync already in progress")
	// ErrInvalidState is returned for unknown, expired or tampered OAuth state
	ErrInvalidState = errors.New("invalid or expired oauth state")
	// ErrWebhookSecretMissing is returned in strict mode when no secret is configured
	ErrWebhookSecretMissing = errors.New("webhook secret not configured")
	// ErrInvalidRefund is returned for non-positive refund amounts
	ErrInvalidRefund = errors.New("refund amount must be positive")
	// ErrInvalidWindow is returned for empty or inverted sync windows
	ErrInvalidWindow = errors.New("invalid sync window")
	// ErrOrderNotFound is returned when an order does not exist for the tenant
	ErrOrderNotFound = errors.New("order not found")
)

// RecordError is a per-order failure. The sync collects these and carries on
// with the rest of the page.
type RecordError struct {
	ExternalOrderID string
	Err             error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("order %s: %v", e.ExternalOrderID, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }

// IsRecordError reports whether err is (or wraps) a RecordError
func IsRecordError(err error) bool {
	var re *RecordError
	return errors.As(err, &re)
}
