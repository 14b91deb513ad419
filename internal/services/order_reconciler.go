package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"marketplace-sync-service/internal/clients"
	"marketplace-sync-service/internal/metrics"
	"marketplace-sync-service/internal/models"
	"marketplace-sync-service/internal/profit"
	"marketplace-sync-service/internal/repository"
)

// ReconcileResult is the stored order and the input its profit was computed from
type ReconcileResult struct {
	Order     *models.Order
	Input     profit.Input
	Breakdown profit.Breakdown
}

// OrderReconciler turns a normalized marketplace order into a stored order
// with its profit breakdown. Reconciling the same order twice yields the
// same row.
type OrderReconciler struct {
	orders    *repository.OrderRepository
	catalog   *repository.CatalogRepository
	calc      *profit.Calculator
	costRatio decimal.Decimal
	now       func() time.Time
	metrics   *metrics.Metrics
	logger    *logrus.Entry
}

// NewOrderReconciler creates a new reconciler. costRatio estimates unit cost
// as a fraction of unit price for SKUs with no product record.
func NewOrderReconciler(orders *repository.OrderRepository, catalog *repository.CatalogRepository, costRatio decimal.Decimal, logger *logrus.Logger, m *metrics.Metrics) *OrderReconciler {
	return &OrderReconciler{
		orders:    orders,
		catalog:   catalog,
		calc:      profit.NewCalculator(),
		costRatio: costRatio,
		now:       time.Now,
		metrics:   m,
		logger:    logger.WithField("component", "order-reconciler"),
	}
}

// Reconcile computes and upserts one order. Invalid orders return a
// *RecordError; storage failures are returned as is.
func (r *OrderReconciler) Reconcile(ctx context.Context, tenantID string, m models.Marketplace, ext *clients.ExternalOrder) (*ReconcileResult, error) {
	result, err := r.reconcile(ctx, tenantID, m, ext)
	if err != nil {
		r.metrics.OrdersReconciled(string(m), "failed", 1)
		return nil, err
	}
	r.metrics.OrdersReconciled(string(m), "reconciled", 1)
	return result, nil
}

func (r *OrderReconciler) reconcile(ctx context.Context, tenantID string, m models.Marketplace, ext *clients.ExternalOrder) (*ReconcileResult, error) {
	if err := validate(ext); err != nil {
		return nil, err
	}

	skus := make([]string, 0, len(ext.Items))
	for _, item := range ext.Items {
		if item.SKU != "" {
			skus = append(skus, item.SKU)
		}
	}
	products, err := r.catalog.FindProductsBySKU(ctx, tenantID, skus)
	if err != nil {
		return nil, fmt.Errorf("failed to load products: %w", err)
	}

	items := make([]models.OrderItem, 0, len(ext.Items))
	productCost := decimal.Zero
	for _, line := range ext.Items {
		qty := decimal.NewFromInt(int64(line.Quantity))
		item := models.OrderItem{
			ExternalProductID: line.ExternalProductID,
			SKU:               line.SKU,
			Name:              line.Name,
			Quantity:          line.Quantity,
			UnitPrice:         line.UnitPrice,
			TotalPrice:        line.UnitPrice.Mul(qty),
		}
		if p, ok := products[line.SKU]; ok && line.SKU != "" {
			productID := p.ID
			item.ProductID = &productID
			item.UnitCost = p.CostPrice
		} else {
			item.UnitCost = line.UnitPrice.Mul(r.costRatio)
			item.CostEstimated = true
		}
		productCost = productCost.Add(item.UnitCost.Mul(qty))
		items = append(items, item)
	}

	settings, err := r.catalog.GetTaxSettings(ctx, tenantID)
	if errors.Is(err, repository.ErrNotFound) {
		settings = models.DefaultTaxSettings(tenantID)
	} else if err != nil {
		return nil, fmt.Errorf("failed to load tax settings: %w", err)
	}

	input := profit.Input{
		Gross:               ext.GrossAmount,
		Fees:                ext.Fees,
		ShippingCost:        ext.ShippingCost,
		ShippingPaidByBuyer: ext.ShippingPaidByBuyer,
		ProductCost:         productCost,
		Tax:                 profit.TaxConfigFrom(settings),
	}
	b := r.calc.Calculate(input)

	order := &models.Order{
		TenantID:            tenantID,
		Marketplace:         m,
		ExternalOrderID:     ext.ExternalOrderID,
		Status:              ext.Status,
		OrderDate:           ext.OrderDate.UTC(),
		CustomerName:        ext.CustomerName,
		CustomerEmail:       ext.CustomerEmail,
		ShipmentID:          ext.ShipmentID,
		Currency:            ext.Currency,
		GrossAmount:         b.Gross,
		TotalFees:           b.TotalFees,
		ShippingCost:        ext.ShippingCost.Round(2),
		ShippingPaidByBuyer: ext.ShippingPaidByBuyer.Round(2),
		NetShippingCost:     b.NetShipping,
		ProductCost:         b.ProductCost,
		TaxICMS:             b.ICMS,
		TaxPISCOFINS:        b.PISCOFINS,
		TaxISS:              b.ISS,
		TaxSimples:          b.Simples,
		TotalTaxes:          b.TotalTaxes,
		NetProfit:           b.NetProfit,
		ProfitMargin:        b.Margin,
		RawData:             models.JSONB(ext.Raw),
		LastReconciledAt:    r.now().UTC(),
		Items:               items,
	}
	if err := r.orders.Upsert(ctx, order); err != nil {
		return nil, err
	}

	r.logger.WithFields(logrus.Fields{
		"tenant_id":   tenantID,
		"marketplace": m,
		"order_id":    ext.ExternalOrderID,
		"net_profit":  b.NetProfit.String(),
	}).Debug("order reconciled")

	return &ReconcileResult{Order: order, Input: input, Breakdown: b}, nil
}

func validate(ext *clients.ExternalOrder) error {
	if ext == nil {
		return &RecordError{Err: errors.New("empty order")}
	}
	if ext.ExternalOrderID == "" {
		return &RecordError{Err: errors.New("missing external order id")}
	}
	if ext.GrossAmount.IsNegative() {
		return &RecordError{ExternalOrderID: ext.ExternalOrderID, Err: errors.New("negative gross amount")}
	}
	for _, item := range ext.Items {
		if item.Quantity <= 0 {
			return &RecordError{ExternalOrderID: ext.ExternalOrderID, Err: fmt.Errorf("item %q has non-positive quantity", item.SKU)}
		}
	}
	if ext.Status == "" {
		ext.Status = models.OrderPending
	}
	return nil
}
