package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Product is the tenant's catalog entry used to resolve unit cost by SKU
type Product struct {
	ID        uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID  string          `gorm:"type:varchar(255);not null;uniqueIndex:idx_products_tenant_sku" json:"tenantId"`
	SKU       string          `gorm:"type:varchar(255);not null;uniqueIndex:idx_products_tenant_sku" json:"sku"`
	Name      string          `gorm:"type:varchar(500)" json:"name"`
	CostPrice decimal.Decimal `gorm:"type:decimal(14,2);not null" json:"costPrice"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// TableName specifies the table name for Product
func (Product) TableName() string {
	return "products"
}

func (p *Product) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

// TaxRegime selects how taxes are computed for a tenant
type TaxRegime string

const (
	TaxRegimeSimplesNacional TaxRegime = "SIMPLES_NACIONAL"
	TaxRegimeLucroPresumido  TaxRegime = "LUCRO_PRESUMIDO"
	TaxRegimeLucroReal       TaxRegime = "LUCRO_REAL"
)

// TaxSettings holds a tenant's tax regime and rates. Rates are fractions (0.18 = 18%).
type TaxSettings struct {
	ID            uuid.UUID           `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID      string              `gorm:"type:varchar(255);not null;uniqueIndex" json:"tenantId"`
	Regime        TaxRegime           `gorm:"type:varchar(30);not null" json:"regime"`
	ICMSRate      decimal.Decimal     `gorm:"column:icms_rate;type:decimal(6,4);not null" json:"icmsRate"`
	PISCOFINSRate decimal.Decimal     `gorm:"column:pis_cofins_rate;type:decimal(6,4);not null" json:"pisCofinsRate"`
	ISSRate       decimal.NullDecimal `gorm:"column:iss_rate;type:decimal(6,4)" json:"issRate"`
	SimplesRate   decimal.NullDecimal `gorm:"column:simples_rate;type:decimal(6,4)" json:"simplesRate"`
	CreatedAt     time.Time           `json:"createdAt"`
	UpdatedAt     time.Time           `json:"updatedAt"`
}

// TableName specifies the table name for TaxSettings
func (TaxSettings) TableName() string {
	return "tax_settings"
}

func (s *TaxSettings) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// DefaultTaxSettings returns the settings applied when a tenant has none.
func DefaultTaxSettings(tenantID string) *TaxSettings {
	return &TaxSettings{
		TenantID:      tenantID,
		Regime:        TaxRegimeSimplesNacional,
		ICMSRate:      decimal.RequireFromString("0.18"),
		PISCOFINSRate: decimal.RequireFromString("0.0465"),
		SimplesRate:   decimal.NewNullDecimal(decimal.RequireFromString("0.06")),
	}
}
