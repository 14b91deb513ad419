package repository

import (
	"context"

	"gorm.io/gorm"

	"marketplace-sync-service/internal/models"
)

// CatalogRepository reads the tenant's product costs and tax settings. Both
// are maintained elsewhere; this service never writes them.
type CatalogRepository struct {
	db *gorm.DB
}

// NewCatalogRepository creates a new catalog repository
func NewCatalogRepository(db *gorm.DB) *CatalogRepository {
	return &CatalogRepository{db: db}
}

// FindProductsBySKU returns the tenant's products keyed by SKU. SKUs with no
// product are simply absent from the map.
func (r *CatalogRepository) FindProductsBySKU(ctx context.Context, tenantID string, skus []string) (map[string]models.Product, error) {
	out := make(map[string]models.Product, len(skus))
	if len(skus) == 0 {
		return out, nil
	}

	var products []models.Product
	err := r.db.WithContext(ctx).
		Scopes(TenantScope(tenantID)).
		Where("sku IN ?", skus).
		Find(&products).Error
	if err != nil {
		return nil, err
	}
	for _, p := range products {
		out[p.SKU] = p
	}
	return out, nil
}

// GetTaxSettings retrieves the tenant's tax settings, or ErrNotFound
func (r *CatalogRepository) GetTaxSettings(ctx context.Context, tenantID string) (*models.TaxSettings, error) {
	var settings models.TaxSettings
	err := r.db.WithContext(ctx).
		Scopes(TenantScope(tenantID)).
		First(&settings).Error
	if err != nil {
		return nil, translate(err)
	}
	return &settings, nil
}
