package repository

import (
	"errors"

	"gorm.io/gorm"
)

// ErrNotFound is returned when a tenant-scoped lookup matches no row
var ErrNotFound = errors.New("record not found")

// TenantScope restricts a query to one tenant's rows
func TenantScope(tenantID string) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("tenant_id = ?", tenantID)
	}
}

// setTenantContext sets app.tenant_id for row level security policies.
// SET LOCAL only lasts for the surrounding transaction and only exists on
// Postgres, so other dialects skip it.
func setTenantContext(tx *gorm.DB, tenantID string) error {
	if tx.Dialector.Name() != "postgres" {
		return nil
	}
	return tx.Exec("SELECT set_config('app.tenant_id', ?, true)", tenantID).Error
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
