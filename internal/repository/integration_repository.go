package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"marketplace-sync-service/internal/clients"
	"marketplace-sync-service/internal/encryption"
	"marketplace-sync-service/internal/models"
)

// ErrClaimLost is returned when a sync run no longer owns the integration
var ErrClaimLost = errors.New("sync claim lost")

// IntegrationRepository handles database operations for integrations.
// Tokens are encrypted on write and decrypted on read, so callers only ever
// see plaintext.
type IntegrationRepository struct {
	db     *gorm.DB
	cipher *encryption.TokenCipher
}

// NewIntegrationRepository creates a new integration repository
func NewIntegrationRepository(db *gorm.DB, cipher *encryption.TokenCipher) *IntegrationRepository {
	return &IntegrationRepository{db: db, cipher: cipher}
}

// Find retrieves a tenant's integration for one marketplace
func (r *IntegrationRepository) Find(ctx context.Context, tenantID string, m models.Marketplace) (*models.Integration, error) {
	var integration models.Integration
	err := r.db.WithContext(ctx).
		Scopes(TenantScope(tenantID)).
		Where("marketplace = ?", m).
		First(&integration).Error
	if err != nil {
		return nil, translate(err)
	}
	return r.open(&integration)
}

// FindByID retrieves an integration by ID
func (r *IntegrationRepository) FindByID(ctx context.Context, id uuid.UUID) (*models.Integration, error) {
	var integration models.Integration
	if err := r.db.WithContext(ctx).First(&integration, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return r.open(&integration)
}

// FindBySeller resolves the integration that owns a marketplace seller
// account. This is one of two cross-tenant lookups and exists only for
// webhook routing. Disconnected integrations are ignored.
func (r *IntegrationRepository) FindBySeller(ctx context.Context, m models.Marketplace, sellerID string) (*models.Integration, error) {
	var integration models.Integration
	err := r.db.WithContext(ctx).
		Where("marketplace = ? AND seller_id = ? AND status <> ?", m, sellerID, models.IntegrationInactive).
		Order("updated_at DESC").
		First(&integration).Error
	if err != nil {
		return nil, translate(err)
	}
	return r.open(&integration)
}

// ListByTenant lists every integration of a tenant
func (r *IntegrationRepository) ListByTenant(ctx context.Context, tenantID string) ([]models.Integration, error) {
	var integrations []models.Integration
	err := r.db.WithContext(ctx).
		Scopes(TenantScope(tenantID)).
		Order("marketplace ASC").
		Find(&integrations).Error
	if err != nil {
		return nil, err
	}
	return r.openAll(integrations)
}

// ListActive lists ACTIVE integrations across all tenants for the sweep
func (r *IntegrationRepository) ListActive(ctx context.Context) ([]models.Integration, error) {
	var integrations []models.Integration
	err := r.db.WithContext(ctx).
		Where("status = ?", models.IntegrationActive).
		Order("last_sync_at ASC NULLS FIRST").
		Find(&integrations).Error
	if err != nil {
		return nil, err
	}
	return r.openAll(integrations)
}

// UpsertConnected stores a fresh credential after a successful OAuth
// exchange. The integration becomes ACTIVE unless a sync currently holds it,
// and any previous sync error is cleared.
func (r *IntegrationRepository) UpsertConnected(ctx context.Context, tenantID string, m models.Marketplace, tokens *clients.TokenSet) (*models.Integration, error) {
	access, err := r.cipher.Encrypt(tokens.AccessToken)
	if err != nil {
		return nil, err
	}
	refresh, err := r.cipher.Encrypt(tokens.RefreshToken)
	if err != nil {
		return nil, err
	}
	expiresAt := tokens.ExpiresAt

	var id uuid.UUID
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Integration
		err := tx.Scopes(TenantScope(tenantID)).Where("marketplace = ?", m).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			integration := &models.Integration{
				TenantID:       tenantID,
				Marketplace:    m,
				Status:         models.IntegrationActive,
				SellerID:       tokens.SellerID,
				AccessToken:    &access,
				RefreshToken:   refreshPtr(refresh),
				TokenExpiresAt: &expiresAt,
			}
			if err := tx.Create(integration).Error; err != nil {
				return err
			}
			id = integration.ID
			return nil
		}
		if err != nil {
			return err
		}

		status := models.IntegrationActive
		if existing.Status == models.IntegrationSyncing {
			status = models.IntegrationSyncing
		}
		updates := map[string]interface{}{
			"status":           status,
			"access_token":     access,
			"refresh_token":    nullable(refresh),
			"token_expires_at": expiresAt,
			"sync_error":       nil,
			"error_count":      0,
		}
		if tokens.SellerID != "" {
			updates["seller_id"] = tokens.SellerID
		}
		id = existing.ID
		return tx.Model(&models.Integration{}).Where("id = ?", existing.ID).Updates(updates).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert integration: %w", err)
	}
	return r.FindByID(ctx, id)
}

// UpdateTokens persists a refreshed credential pair
func (r *IntegrationRepository) UpdateTokens(ctx context.Context, id uuid.UUID, tokens *clients.TokenSet) error {
	access, err := r.cipher.Encrypt(tokens.AccessToken)
	if err != nil {
		return err
	}
	refresh, err := r.cipher.Encrypt(tokens.RefreshToken)
	if err != nil {
		return err
	}
	updates := map[string]interface{}{
		"access_token":     access,
		"refresh_token":    nullable(refresh),
		"token_expires_at": tokens.ExpiresAt,
	}
	if tokens.SellerID != "" {
		updates["seller_id"] = tokens.SellerID
	}
	return r.db.WithContext(ctx).
		Model(&models.Integration{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// ClaimSync moves the integration to SYNCING for runID. It succeeds when the
// integration is ACTIVE, already claimed by the same run, or claimed by a run
// whose lease has expired. The conditional UPDATE is the only cross-worker
// lock for a sync.
func (r *IntegrationRepository) ClaimSync(ctx context.Context, id, runID uuid.UUID, leaseUntil, now time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Integration{}).
		Where("id = ?", id).
		Where(r.db.
			Where("status = ?", models.IntegrationActive).
			Or("status = ? AND (sync_run_id = ? OR sync_run_id IS NULL OR sync_lease_until IS NULL OR sync_lease_until < ?)",
				models.IntegrationSyncing, runID, now)).
		Updates(map[string]interface{}{
			"status":           models.IntegrationSyncing,
			"sync_run_id":      runID,
			"sync_lease_until": leaseUntil,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// ExtendLease pushes the lease of a held claim forward
func (r *IntegrationRepository) ExtendLease(ctx context.Context, id, runID uuid.UUID, leaseUntil time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&models.Integration{}).
		Where("id = ? AND sync_run_id = ? AND status = ?", id, runID, models.IntegrationSyncing).
		Update("sync_lease_until", leaseUntil)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrClaimLost
	}
	return nil
}

// CompleteSync releases the claim held by runID and returns the integration
// to ACTIVE. syncError is stored as given, an empty string clears it.
func (r *IntegrationRepository) CompleteSync(ctx context.Context, id, runID uuid.UUID, syncError string, at time.Time) error {
	var errValue interface{}
	if syncError != "" {
		errValue = syncError
	}
	result := r.db.WithContext(ctx).
		Model(&models.Integration{}).
		Where("id = ? AND sync_run_id = ?", id, runID).
		Updates(map[string]interface{}{
			"status":           models.IntegrationActive,
			"last_sync_at":     at,
			"sync_error":       errValue,
			"error_count":      0,
			"sync_run_id":      nil,
			"sync_lease_until": nil,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrClaimLost
	}
	return nil
}

// MarkError moves the integration to ERROR, releasing any claim
func (r *IntegrationRepository) MarkError(ctx context.Context, id uuid.UUID, message string) error {
	return r.db.WithContext(ctx).
		Model(&models.Integration{}).
		Where("id = ? AND status <> ?", id, models.IntegrationInactive).
		Updates(map[string]interface{}{
			"status":           models.IntegrationError,
			"sync_error":       message,
			"error_count":      gorm.Expr("error_count + 1"),
			"sync_run_id":      nil,
			"sync_lease_until": nil,
		}).Error
}

// Disconnect clears the credential and marks the integration INACTIVE. The
// row itself is kept.
func (r *IntegrationRepository) Disconnect(ctx context.Context, tenantID string, m models.Marketplace) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Integration{}).
		Scopes(TenantScope(tenantID)).
		Where("marketplace = ?", m).
		Updates(map[string]interface{}{
			"status":           models.IntegrationInactive,
			"access_token":     nil,
			"refresh_token":    nil,
			"token_expires_at": nil,
			"sync_run_id":      nil,
			"sync_lease_until": nil,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *IntegrationRepository) open(i *models.Integration) (*models.Integration, error) {
	var err error
	if i.AccessToken, err = r.cipher.DecryptPtr(i.AccessToken); err != nil {
		return nil, fmt.Errorf("failed to decrypt access token: %w", err)
	}
	if i.RefreshToken, err = r.cipher.DecryptPtr(i.RefreshToken); err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}
	return i, nil
}

func (r *IntegrationRepository) openAll(list []models.Integration) ([]models.Integration, error) {
	for i := range list {
		if _, err := r.open(&list[i]); err != nil {
			return nil, err
		}
	}
	return list, nil
}

func refreshPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
