package services

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace-sync-service/internal/clients"
	"marketplace-sync-service/internal/models"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func normalize(t *testing.T, env *testEnv, raw clients.RawOrder) *clients.ExternalOrder {
	t.Helper()
	ext, err := env.adapter.NormalizeOrder(raw)
	require.NoError(t, err)
	return ext
}

func TestReconcile_UsesCatalogCost(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.db.Create(&models.Product{TenantID: "t1", SKU: "A", Name: "Widget", CostPrice: dec("20")}).Error)

	res, err := env.reconciler.Reconcile(ctx, "t1", testMarketplace, normalize(t, env, rawOrder("o1", "paid", "100", "A", 2, "50")))
	require.NoError(t, err)

	// 100 - 16 fees - 40 cost - 6 simples
	assert.True(t, res.Breakdown.NetProfit.Equal(dec("38")), res.Breakdown.NetProfit.String())
	assert.True(t, res.Breakdown.Margin.Equal(dec("38")))

	stored, err := env.orders.FindByExternalID(ctx, "t1", testMarketplace, "o1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderPaid, stored.Status)
	assert.True(t, stored.ProductCost.Equal(dec("40")))
	assert.True(t, stored.TaxSimples.Equal(dec("6")))

	full, err := env.orders.FindByID(ctx, "t1", stored.ID)
	require.NoError(t, err)
	require.Len(t, full.Items, 1)
	assert.False(t, full.Items[0].CostEstimated)
	require.NotNil(t, full.Items[0].ProductID)
}

func TestReconcile_EstimatesUnknownCost(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.reconciler.Reconcile(context.Background(), "t1", testMarketplace, normalize(t, env, rawOrder("o1", "paid", "100", "missing", 2, "50")))
	require.NoError(t, err)

	// cost is 60% of the unit price
	assert.True(t, res.Breakdown.ProductCost.Equal(dec("60")))
	assert.True(t, res.Breakdown.NetProfit.Equal(dec("18")))
	require.Len(t, res.Order.Items, 1)
	assert.True(t, res.Order.Items[0].CostEstimated)
}

func TestReconcile_TenantTaxSettings(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.db.Create(&models.TaxSettings{
		TenantID:      "t1",
		Regime:        models.TaxRegimeLucroPresumido,
		ICMSRate:      dec("0.18"),
		PISCOFINSRate: dec("0.0465"),
	}).Error)
	require.NoError(t, env.db.Create(&models.Product{TenantID: "t1", SKU: "A", CostPrice: dec("20")}).Error)

	res, err := env.reconciler.Reconcile(context.Background(), "t1", testMarketplace, normalize(t, env, rawOrder("o1", "paid", "100", "A", 2, "50")))
	require.NoError(t, err)

	assert.True(t, res.Breakdown.TotalTaxes.Equal(dec("22.65")))
	assert.True(t, res.Breakdown.Simples.IsZero())
	assert.True(t, res.Breakdown.NetProfit.Equal(dec("21.35")))
}

func TestReconcile_IsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ext := normalize(t, env, rawOrder("o1", "paid", "100", "A", 1, "100"))

	first, err := env.reconciler.Reconcile(ctx, "t1", testMarketplace, ext)
	require.NoError(t, err)
	second, err := env.reconciler.Reconcile(ctx, "t1", testMarketplace, normalize(t, env, rawOrder("o1", "shipped", "100", "A", 1, "100")))
	require.NoError(t, err)

	assert.Equal(t, first.Order.ID, second.Order.ID)
	var count int64
	require.NoError(t, env.db.Model(&models.Order{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
	require.NoError(t, env.db.Model(&models.OrderItem{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)

	stored, err := env.orders.FindByExternalID(ctx, "t1", testMarketplace, "o1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderShipped, stored.Status)
}

func TestReconcile_RejectsInvalidOrders(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name string
		ext  *clients.ExternalOrder
	}{
		{name: "nil order", ext: nil},
		{name: "missing id", ext: &clients.ExternalOrder{GrossAmount: dec("10")}},
		{name: "negative gross", ext: &clients.ExternalOrder{ExternalOrderID: "o1", GrossAmount: dec("-1")}},
		{name: "zero quantity", ext: &clients.ExternalOrder{
			ExternalOrderID: "o2",
			GrossAmount:     dec("10"),
			Items:           []clients.ExternalLineItem{{SKU: "A", Quantity: 0, UnitPrice: dec("10")}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.reconciler.Reconcile(ctx, "t1", testMarketplace, tt.ext)
			require.Error(t, err)
			assert.True(t, IsRecordError(err))
		})
	}

	var count int64
	require.NoError(t, env.db.Model(&models.Order{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestReconcile_DefaultsEmptyStatusToPending(t *testing.T) {
	env := newTestEnv(t)
	raw := clients.RawOrder{ID: "o1", Data: json.RawMessage(`{"id":"o1","gross":"10","items":[]}`)}
	ext := normalize(t, env, raw)
	ext.Status = ""

	res, err := env.reconciler.Reconcile(context.Background(), "t1", testMarketplace, ext)
	require.NoError(t, err)
	assert.Equal(t, models.OrderPending, res.Order.Status)
}
