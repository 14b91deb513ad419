package mercadolivre

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"marketplace-sync-service/internal/clients"
)

type order struct {
	ID          json.Number      `json:"id"`
	Status      string           `json:"status"`
	DateCreated string           `json:"date_created"`
	TotalAmount *decimal.Decimal `json:"total_amount"`
	CurrencyID  string           `json:"currency_id"`
	Shipping    struct {
		ID   json.Number     `json:"id"`
		Cost decimal.Decimal `json:"cost"`
	} `json:"shipping"`
	ShippingCost *decimal.Decimal `json:"shipping_cost"`
	OrderItems   []struct {
		Item struct {
			ID        string `json:"id"`
			Title     string `json:"title"`
			SellerSKU string `json:"seller_sku"`
		} `json:"item"`
		Quantity  int              `json:"quantity"`
		UnitPrice decimal.Decimal  `json:"unit_price"`
		SaleFee   *decimal.Decimal `json:"sale_fee"`
	} `json:"order_items"`
	Buyer struct {
		Nickname string `json:"nickname"`
		Email    string `json:"email"`
	} `json:"buyer"`
	FeeDetails []struct {
		Type   string          `json:"type"`
		Amount decimal.Decimal `json:"amount"`
	} `json:"fee_details"`
	Payments []struct {
		ShippingCost decimal.Decimal `json:"shipping_cost"`
	} `json:"payments"`
}

// NormalizeOrder converts an order resource into the internal shape
func (c *Client) NormalizeOrder(raw clients.RawOrder) (*clients.ExternalOrder, error) {
	var o order
	if err := json.Unmarshal(raw.Data, &o); err != nil {
		return nil, fmt.Errorf("decode order %s: %w", raw.ID, err)
	}
	if o.ID.String() == "" {
		return nil, errors.New("order without id")
	}
	if o.TotalAmount == nil {
		return nil, fmt.Errorf("order %s: missing total_amount", o.ID)
	}
	created, err := time.Parse(time.RFC3339, o.DateCreated)
	if err != nil {
		return nil, fmt.Errorf("order %s: invalid date_created %q", o.ID, o.DateCreated)
	}

	var rawMap map[string]interface{}
	_ = json.Unmarshal(raw.Data, &rawMap)

	out := &clients.ExternalOrder{
		ExternalOrderID: o.ID.String(),
		NativeStatus:    o.Status,
		Status:          c.MapStatus(o.Status),
		OrderDate:       created,
		Currency:        o.CurrencyID,
		GrossAmount:     *o.TotalAmount,
		CustomerName:    o.Buyer.Nickname,
		CustomerEmail:   o.Buyer.Email,
		ShipmentID:      o.Shipping.ID.String(),
		ShippingCost:    o.Shipping.Cost,
		Raw:             rawMap,
	}
	if o.ShippingCost != nil {
		out.ShippingCost = *o.ShippingCost
	}
	for _, p := range o.Payments {
		out.ShippingPaidByBuyer = out.ShippingPaidByBuyer.Add(p.ShippingCost)
	}

	saleFees := decimal.Zero
	haveSaleFee := false
	for _, it := range o.OrderItems {
		if it.Quantity <= 0 {
			return nil, fmt.Errorf("order %s: item %s has quantity %d", o.ID, it.Item.ID, it.Quantity)
		}
		out.Items = append(out.Items, clients.ExternalLineItem{
			ExternalProductID: it.Item.ID,
			SKU:               it.Item.SellerSKU,
			Name:              it.Item.Title,
			Quantity:          it.Quantity,
			UnitPrice:         it.UnitPrice,
		})
		if it.SaleFee != nil {
			haveSaleFee = true
			saleFees = saleFees.Add(it.SaleFee.Mul(decimal.NewFromInt(int64(it.Quantity))))
		}
	}

	switch {
	case len(o.FeeDetails) > 0:
		for _, f := range o.FeeDetails {
			out.Fees = append(out.Fees, f.Amount.Abs())
		}
	case haveSaleFee:
		out.Fees = []decimal.Decimal{saleFees}
	default:
		out.Fees = []decimal.Decimal{out.GrossAmount.Mul(c.cfg.DefaultCommissionRate)}
	}
	return out, nil
}
