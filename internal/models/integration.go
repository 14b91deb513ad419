package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// IntegrationStatus represents the lifecycle status of an integration
type IntegrationStatus string

const (
	IntegrationActive   IntegrationStatus = "ACTIVE"
	IntegrationInactive IntegrationStatus = "INACTIVE"
	IntegrationSyncing  IntegrationStatus = "SYNCING"
	IntegrationError    IntegrationStatus = "ERROR"
)

// Integration is a tenant's connected credential and sync state for one
// marketplace. At most one exists per (tenant, marketplace).
type Integration struct {
	ID          uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID    string            `gorm:"type:varchar(255);not null;uniqueIndex:idx_integrations_tenant_marketplace" json:"tenantId"`
	Marketplace Marketplace       `gorm:"type:varchar(50);not null;uniqueIndex:idx_integrations_tenant_marketplace;index:idx_integrations_seller" json:"marketplace"`
	Status      IntegrationStatus `gorm:"type:varchar(20);not null;default:'INACTIVE';index:idx_integrations_status" json:"status"`
	SellerID    string            `gorm:"type:varchar(255);index:idx_integrations_seller" json:"sellerId,omitempty"`

	// Stored encrypted when a token key is configured; never serialized.
	AccessToken    *string    `gorm:"type:text" json:"-"`
	RefreshToken   *string    `gorm:"type:text" json:"-"`
	TokenExpiresAt *time.Time `json:"tokenExpiresAt,omitempty"`

	LastSyncAt *time.Time `json:"lastSyncAt,omitempty"`
	SyncError  *string    `gorm:"type:text" json:"syncError,omitempty"`
	ErrorCount int        `gorm:"default:0" json:"errorCount"`

	// Single-flight claim marker, owned by the sync run holding SYNCING.
	SyncRunID      *uuid.UUID `gorm:"type:uuid" json:"syncRunId,omitempty"`
	SyncLeaseUntil *time.Time `json:"-"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName specifies the table name for Integration
func (Integration) TableName() string {
	return "integrations"
}

func (i *Integration) BeforeCreate(tx *gorm.DB) error {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	return nil
}

// HasTokens reports whether the integration holds a usable credential pair.
func (i *Integration) HasTokens() bool {
	return i.AccessToken != nil && *i.AccessToken != ""
}
