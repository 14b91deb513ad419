package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"marketplace-sync-service/internal/cache"
	"marketplace-sync-service/internal/clients"
	"marketplace-sync-service/internal/encryption"
	"marketplace-sync-service/internal/metrics"
	"marketplace-sync-service/internal/models"
)

const lockPollInterval = 50 * time.Millisecond

// TokenStore loads and persists integration credentials
type TokenStore interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.Integration, error)
	UpdateTokens(ctx context.Context, id uuid.UUID, tokens *clients.TokenSet) error
}

// LockFactory builds the cross-replica lock guarding one integration's refresh
type LockFactory func(key string) (cache.Lock, error)

// TokenManager hands out access tokens that are valid for at least the
// refresh margin, refreshing them through the adapter when needed.
// Refreshes of one integration are serialized: marketplaces that rotate
// refresh tokens reject the second of two concurrent refreshes.
type TokenManager struct {
	registry *clients.Registry
	store    TokenStore
	margin   time.Duration
	now      func() time.Time
	metrics  *metrics.Metrics
	logger   *logrus.Entry

	mu       sync.Mutex
	slots    map[uuid.UUID]chan struct{}
	locks    LockFactory
	lockWait time.Duration
}

// NewTokenManager creates a new token manager
func NewTokenManager(registry *clients.Registry, store TokenStore, margin time.Duration, logger *logrus.Logger, m *metrics.Metrics) *TokenManager {
	if margin <= 0 {
		margin = 5 * time.Minute
	}
	return &TokenManager{
		registry: registry,
		store:    store,
		margin:   margin,
		now:      time.Now,
		metrics:  m,
		logger:   logger.WithField("component", "token-manager"),
		slots:    make(map[uuid.UUID]chan struct{}),
		lockWait: 30 * time.Second,
	}
}

// UseLocks serializes refreshes across replicas as well as within this
// process. wait bounds how long a caller queues behind another refresh.
func (tm *TokenManager) UseLocks(locks LockFactory, wait time.Duration) {
	tm.locks = locks
	if wait > 0 {
		tm.lockWait = wait
	}
}

// SetClock replaces the time source. Used by tests.
func (tm *TokenManager) SetClock(now func() time.Time) {
	tm.now = now
}

// EnsureValidToken returns a usable access token for the integration. A token
// whose remaining life exceeds the margin is returned untouched; otherwise it
// is refreshed and persisted, and integration is updated in place. Refresh
// failures are not retried here.
func (tm *TokenManager) EnsureValidToken(ctx context.Context, integration *models.Integration) (string, error) {
	if tm.fresh(integration) {
		return *integration.AccessToken, nil
	}

	m := integration.Marketplace
	unlock, err := tm.lock(ctx, integration)
	if err != nil {
		return "", err
	}
	defer unlock()

	// a concurrent holder may have refreshed while this caller waited
	current, err := tm.store.FindByID(ctx, integration.ID)
	if err != nil {
		return "", fmt.Errorf("failed to reload integration: %w", err)
	}
	adoptTokens(integration, current)
	if tm.fresh(integration) {
		tm.metrics.TokenRefresh(string(m), "reused")
		return *integration.AccessToken, nil
	}

	if integration.RefreshToken == nil || *integration.RefreshToken == "" {
		tm.metrics.TokenRefresh(string(m), "missing")
		return "", &clients.AuthError{Marketplace: m, Err: errors.New("no refresh token stored, reconnect required")}
	}

	adapter, err := tm.registry.Get(m)
	if err != nil {
		return "", err
	}

	log := tm.logger.WithFields(logrus.Fields{
		"tenant_id":   integration.TenantID,
		"marketplace": m,
	})

	tokens, err := adapter.RefreshToken(ctx, *integration.RefreshToken, integration.SellerID)
	if err != nil {
		tm.metrics.TokenRefresh(string(m), "failed")
		log.WithError(err).Warn("token refresh failed")
		return "", fmt.Errorf("failed to refresh token: %w", err)
	}
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = *integration.RefreshToken
	}

	if err := tm.store.UpdateTokens(ctx, integration.ID, tokens); err != nil {
		tm.metrics.TokenRefresh(string(m), "failed")
		return "", fmt.Errorf("failed to persist refreshed token: %w", err)
	}
	tm.metrics.TokenRefresh(string(m), "refreshed")

	integration.AccessToken = &tokens.AccessToken
	integration.RefreshToken = &tokens.RefreshToken
	expiresAt := tokens.ExpiresAt
	integration.TokenExpiresAt = &expiresAt
	if tokens.SellerID != "" {
		integration.SellerID = tokens.SellerID
	}

	log.WithFields(logrus.Fields{
		"token":      encryption.MaskToken(tokens.AccessToken),
		"expires_at": expiresAt,
	}).Info("token refreshed")
	return tokens.AccessToken, nil
}

func (tm *TokenManager) fresh(integration *models.Integration) bool {
	return integration.HasTokens() && integration.TokenExpiresAt != nil &&
		integration.TokenExpiresAt.Sub(tm.now()) > tm.margin
}

// lock takes the in-process slot for the integration, then the distributed
// lock when one is configured.
func (tm *TokenManager) lock(ctx context.Context, integration *models.Integration) (func(), error) {
	tm.mu.Lock()
	slot, ok := tm.slots[integration.ID]
	if !ok {
		slot = make(chan struct{}, 1)
		tm.slots[integration.ID] = slot
	}
	tm.mu.Unlock()

	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	releaseSlot := func() { <-slot }
	if tm.locks == nil {
		return releaseSlot, nil
	}

	lock, err := tm.locks("marketplace-sync:token-refresh:" + integration.ID.String())
	if err != nil {
		releaseSlot()
		return nil, fmt.Errorf("failed to create token refresh lock: %w", err)
	}
	if err := tm.waitFor(ctx, lock); err != nil {
		releaseSlot()
		if errors.Is(err, errLockWait) {
			return nil, &clients.TransientError{Marketplace: integration.Marketplace, Err: err}
		}
		return nil, err
	}
	return func() {
		bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := lock.Release(bg); err != nil {
			tm.logger.WithError(err).Warn("failed to release token refresh lock")
		}
		releaseSlot()
	}, nil
}

var errLockWait = errors.New("timed out waiting for token refresh lock")

func (tm *TokenManager) waitFor(ctx context.Context, lock cache.Lock) error {
	ctx, cancel := context.WithTimeout(ctx, tm.lockWait)
	defer cancel()
	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()
	for {
		ok, err := lock.Acquire(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return errLockWait
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func adoptTokens(dst, src *models.Integration) {
	dst.AccessToken = src.AccessToken
	dst.RefreshToken = src.RefreshToken
	dst.TokenExpiresAt = src.TokenExpiresAt
	if src.SellerID != "" {
		dst.SellerID = src.SellerID
	}
}
