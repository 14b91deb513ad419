package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// OrderStatus is the internal order status vocabulary every marketplace maps into
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderPaid      OrderStatus = "PAID"
	OrderShipped   OrderStatus = "SHIPPED"
	OrderDelivered OrderStatus = "DELIVERED"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderRefunded  OrderStatus = "REFUNDED"
)

// Order is the reconciled view of one marketplace order, keyed by
// (tenant, marketplace, external order id).
type Order struct {
	ID              uuid.UUID   `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID        string      `gorm:"type:varchar(255);not null;uniqueIndex:idx_orders_external" json:"tenantId"`
	Marketplace     Marketplace `gorm:"type:varchar(50);not null;uniqueIndex:idx_orders_external" json:"marketplace"`
	ExternalOrderID string      `gorm:"type:varchar(255);not null;uniqueIndex:idx_orders_external" json:"externalOrderId"`
	Status          OrderStatus `gorm:"type:varchar(20);not null;index:idx_orders_status" json:"status"`
	OrderDate       time.Time   `gorm:"index:idx_orders_date" json:"orderDate"`

	CustomerName  string `gorm:"type:varchar(255)" json:"customerName,omitempty"`
	CustomerEmail string `gorm:"type:varchar(255)" json:"customerEmail,omitempty"`
	ShipmentID    string `gorm:"type:varchar(255);index:idx_orders_shipment" json:"shipmentId,omitempty"`
	Currency      string `gorm:"type:varchar(3)" json:"currency,omitempty"`

	GrossAmount         decimal.Decimal `gorm:"type:decimal(14,2);not null" json:"grossAmount"`
	TotalFees           decimal.Decimal `gorm:"type:decimal(14,2);not null" json:"totalFees"`
	ShippingCost        decimal.Decimal `gorm:"type:decimal(14,2);not null" json:"shippingCost"`
	ShippingPaidByBuyer decimal.Decimal `gorm:"type:decimal(14,2);not null" json:"shippingPaidByBuyer"`
	NetShippingCost     decimal.Decimal `gorm:"type:decimal(14,2);not null" json:"netShippingCost"`
	ProductCost         decimal.Decimal `gorm:"type:decimal(14,2);not null" json:"productCost"`

	TaxICMS      decimal.Decimal `gorm:"column:tax_icms;type:decimal(14,2);not null" json:"taxIcms"`
	TaxPISCOFINS decimal.Decimal `gorm:"column:tax_pis_cofins;type:decimal(14,2);not null" json:"taxPisCofins"`
	TaxISS       decimal.Decimal `gorm:"column:tax_iss;type:decimal(14,2);not null" json:"taxIss"`
	TaxSimples   decimal.Decimal `gorm:"column:tax_simples;type:decimal(14,2);not null" json:"taxSimples"`
	TotalTaxes   decimal.Decimal `gorm:"type:decimal(14,2);not null" json:"totalTaxes"`

	NetProfit    decimal.Decimal `gorm:"type:decimal(14,2);not null" json:"netProfit"`
	ProfitMargin decimal.Decimal `gorm:"type:decimal(8,2);not null" json:"profitMargin"`

	RawData          JSONB     `gorm:"type:jsonb" json:"rawData,omitempty"`
	LastReconciledAt time.Time `json:"lastReconciledAt"`

	Items   []OrderItem `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE" json:"items,omitempty"`
	Refunds []Refund    `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE" json:"refunds,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName specifies the table name for Order
func (Order) TableName() string {
	return "orders"
}

func (o *Order) BeforeCreate(tx *gorm.DB) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	return nil
}

// OrderItem is one line of an order, replaced wholesale on every reconcile
type OrderItem struct {
	ID                uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	OrderID           uuid.UUID       `gorm:"type:uuid;not null;index:idx_order_items_order" json:"orderId"`
	ProductID         *uuid.UUID      `gorm:"type:uuid" json:"productId,omitempty"`
	ExternalProductID string          `gorm:"type:varchar(255)" json:"externalProductId,omitempty"`
	SKU               string          `gorm:"type:varchar(255);index:idx_order_items_sku" json:"sku,omitempty"`
	Name              string          `gorm:"type:varchar(500)" json:"name"`
	Quantity          int             `gorm:"not null" json:"quantity"`
	UnitPrice         decimal.Decimal `gorm:"type:decimal(14,2);not null" json:"unitPrice"`
	UnitCost          decimal.Decimal `gorm:"type:decimal(14,2);not null" json:"unitCost"`
	TotalPrice        decimal.Decimal `gorm:"type:decimal(14,2);not null" json:"totalPrice"`
	CostEstimated     bool            `gorm:"default:false" json:"costEstimated"`
}

// TableName specifies the table name for OrderItem
func (OrderItem) TableName() string {
	return "order_items"
}

func (i *OrderItem) BeforeCreate(tx *gorm.DB) error {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	return nil
}

// Refund is an append-only refund recorded against an order
type Refund struct {
	ID         uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	OrderID    uuid.UUID       `gorm:"type:uuid;not null;index:idx_refunds_order" json:"orderId"`
	TenantID   string          `gorm:"type:varchar(255);not null;index:idx_refunds_tenant" json:"tenantId"`
	Amount     decimal.Decimal `gorm:"type:decimal(14,2);not null" json:"amount"`
	Reason     string          `gorm:"type:text" json:"reason,omitempty"`
	RefundedAt time.Time       `gorm:"not null" json:"refundedAt"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// TableName specifies the table name for Refund
func (Refund) TableName() string {
	return "refunds"
}

func (r *Refund) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}
