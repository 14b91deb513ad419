package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"marketplace-sync-service/internal/models"
)

// derivedColumns are recomputed on every reconcile and overwritten on
// conflict. Status is handled separately so REFUNDED survives.
var derivedColumns = []string{
	"order_date", "customer_name", "customer_email", "shipment_id", "currency",
	"gross_amount", "total_fees", "shipping_cost", "shipping_paid_by_buyer",
	"net_shipping_cost", "product_cost",
	"tax_icms", "tax_pis_cofins", "tax_iss", "tax_simples", "total_taxes",
	"net_profit", "profit_margin", "raw_data", "last_reconciled_at", "updated_at",
}

// OrderRepository handles database operations for orders and their items
type OrderRepository struct {
	db *gorm.DB
}

// NewOrderRepository creates a new order repository
func NewOrderRepository(db *gorm.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// Upsert inserts or updates an order keyed by (tenant, marketplace, external
// order id) and replaces its items, all in one transaction. On return
// order.ID and order.Status reflect the stored row.
func (r *OrderRepository) Upsert(ctx context.Context, order *models.Order) error {
	items := order.Items
	order.Items = nil

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := setTenantContext(tx, order.TenantID); err != nil {
			return err
		}

		updates := clause.AssignmentColumns(derivedColumns)
		updates = append(updates, clause.Assignment{
			Column: clause.Column{Name: "status"},
			Value:  gorm.Expr("CASE WHEN orders.status = ? THEN orders.status ELSE excluded.status END", models.OrderRefunded),
		})
		err := tx.Omit(clause.Associations).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "marketplace"}, {Name: "external_order_id"}},
				DoUpdates: updates,
			}).
			Create(order).Error
		if err != nil {
			return fmt.Errorf("failed to upsert order: %w", err)
		}

		// On conflict the generated id was discarded; read back the stored one.
		var stored models.Order
		err = tx.Select("id", "status", "created_at").
			Where("tenant_id = ? AND marketplace = ? AND external_order_id = ?",
				order.TenantID, order.Marketplace, order.ExternalOrderID).
			First(&stored).Error
		if err != nil {
			return err
		}
		order.ID = stored.ID
		order.Status = stored.Status
		order.CreatedAt = stored.CreatedAt

		if err := tx.Where("order_id = ?", order.ID).Delete(&models.OrderItem{}).Error; err != nil {
			return fmt.Errorf("failed to clear order items: %w", err)
		}
		for i := range items {
			items[i].ID = uuid.Nil
			items[i].OrderID = order.ID
		}
		if len(items) > 0 {
			if err := tx.Create(&items).Error; err != nil {
				return fmt.Errorf("failed to insert order items: %w", err)
			}
		}
		return nil
	})
	order.Items = items
	return err
}

// FindByID retrieves an order with its items and refunds
func (r *OrderRepository) FindByID(ctx context.Context, tenantID string, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).
		Scopes(TenantScope(tenantID)).
		Preload("Items").
		Preload("Refunds").
		First(&order, "id = ?", id).Error
	if err != nil {
		return nil, translate(err)
	}
	return &order, nil
}

// FindByExternalID retrieves an order by its marketplace identifier
func (r *OrderRepository) FindByExternalID(ctx context.Context, tenantID string, m models.Marketplace, externalID string) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).
		Scopes(TenantScope(tenantID)).
		Preload("Items").
		Where("marketplace = ? AND external_order_id = ?", m, externalID).
		First(&order).Error
	if err != nil {
		return nil, translate(err)
	}
	return &order, nil
}

// FindByShipmentID retrieves the order a shipment belongs to
func (r *OrderRepository) FindByShipmentID(ctx context.Context, tenantID string, m models.Marketplace, shipmentID string) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).
		Scopes(TenantScope(tenantID)).
		Where("marketplace = ? AND shipment_id = ?", m, shipmentID).
		First(&order).Error
	if err != nil {
		return nil, translate(err)
	}
	return &order, nil
}

// UpdateStatus sets an order's status. REFUNDED orders are left alone; the
// returned flag reports whether a row changed.
func (r *OrderRepository) UpdateStatus(ctx context.Context, tenantID string, id uuid.UUID, status models.OrderStatus) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Order{}).
		Scopes(TenantScope(tenantID)).
		Where("id = ? AND status <> ?", id, models.OrderRefunded).
		Update("status", status)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// AddRefund appends a refund and flips the order to REFUNDED once the refunds
// cover the gross amount. It returns the updated order.
func (r *OrderRepository) AddRefund(ctx context.Context, tenantID string, orderID uuid.UUID, amount decimal.Decimal, reason string, at time.Time) (*models.Order, error) {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := setTenantContext(tx, tenantID); err != nil {
			return err
		}

		var order models.Order
		if err := tx.Scopes(TenantScope(tenantID)).First(&order, "id = ?", orderID).Error; err != nil {
			return translate(err)
		}

		refund := &models.Refund{
			OrderID:    order.ID,
			TenantID:   tenantID,
			Amount:     amount,
			Reason:     reason,
			RefundedAt: at,
		}
		if err := tx.Create(refund).Error; err != nil {
			return fmt.Errorf("failed to create refund: %w", err)
		}

		var refunds []models.Refund
		if err := tx.Where("order_id = ?", order.ID).Find(&refunds).Error; err != nil {
			return err
		}
		total := decimal.Zero
		for _, rf := range refunds {
			total = total.Add(rf.Amount)
		}
		if total.GreaterThanOrEqual(order.GrossAmount) && order.Status != models.OrderRefunded {
			return tx.Model(&models.Order{}).Where("id = ?", order.ID).Update("status", models.OrderRefunded).Error
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r.FindByID(ctx, tenantID, orderID)
}
