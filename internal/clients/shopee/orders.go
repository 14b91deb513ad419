package shopee

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"marketplace-sync-service/internal/clients"
)

type order struct {
	OrderSN           string           `json:"order_sn"`
	OrderStatus       string           `json:"order_status"`
	CreateTime        int64            `json:"create_time"`
	TotalAmount       *decimal.Decimal `json:"total_amount"`
	Currency          string           `json:"currency"`
	BuyerUsername     string           `json:"buyer_username"`
	ActualShippingFee *decimal.Decimal `json:"actual_shipping_fee"`
	EstimatedShipping decimal.Decimal  `json:"estimated_shipping_fee"`
	CommissionFee     *decimal.Decimal `json:"commission_fee"`
	ServiceFee        *decimal.Decimal `json:"service_fee"`
	ItemList          []struct {
		ItemID                 int64           `json:"item_id"`
		ItemName               string          `json:"item_name"`
		ItemSKU                string          `json:"item_sku"`
		ModelSKU               string          `json:"model_sku"`
		ModelQuantityPurchased int             `json:"model_quantity_purchased"`
		ModelDiscountedPrice   decimal.Decimal `json:"model_discounted_price"`
	} `json:"item_list"`
}

// NormalizeOrder converts a get_order_detail entry
func (c *Client) NormalizeOrder(raw clients.RawOrder) (*clients.ExternalOrder, error) {
	var o order
	if err := json.Unmarshal(raw.Data, &o); err != nil {
		return nil, fmt.Errorf("decode order %s: %w", raw.ID, err)
	}
	if o.OrderSN == "" {
		return nil, errors.New("order without order_sn")
	}
	if o.TotalAmount == nil {
		return nil, fmt.Errorf("order %s: missing total_amount", o.OrderSN)
	}
	if o.CreateTime <= 0 {
		return nil, fmt.Errorf("order %s: missing create_time", o.OrderSN)
	}

	var rawMap map[string]interface{}
	_ = json.Unmarshal(raw.Data, &rawMap)

	out := &clients.ExternalOrder{
		ExternalOrderID: o.OrderSN,
		NativeStatus:    o.OrderStatus,
		Status:          c.MapStatus(o.OrderStatus),
		OrderDate:       time.Unix(o.CreateTime, 0).UTC(),
		Currency:        o.Currency,
		GrossAmount:     *o.TotalAmount,
		CustomerName:    o.BuyerUsername,
		ShippingCost:    o.EstimatedShipping,
		Raw:             rawMap,
	}
	if o.ActualShippingFee != nil {
		out.ShippingCost = *o.ActualShippingFee
	}

	for _, it := range o.ItemList {
		if it.ModelQuantityPurchased <= 0 {
			return nil, fmt.Errorf("order %s: item %d has quantity %d", o.OrderSN, it.ItemID, it.ModelQuantityPurchased)
		}
		sku := it.ModelSKU
		if sku == "" {
			sku = it.ItemSKU
		}
		out.Items = append(out.Items, clients.ExternalLineItem{
			ExternalProductID: strconv.FormatInt(it.ItemID, 10),
			SKU:               sku,
			Name:              it.ItemName,
			Quantity:          it.ModelQuantityPurchased,
			UnitPrice:         it.ModelDiscountedPrice,
		})
	}

	if o.CommissionFee != nil || o.ServiceFee != nil {
		if o.CommissionFee != nil {
			out.Fees = append(out.Fees, *o.CommissionFee)
		}
		if o.ServiceFee != nil {
			out.Fees = append(out.Fees, *o.ServiceFee)
		}
	} else {
		out.Fees = []decimal.Decimal{out.GrossAmount.Mul(c.cfg.CommissionRate)}
	}
	return out, nil
}
