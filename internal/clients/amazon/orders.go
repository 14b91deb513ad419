package amazon

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"marketplace-sync-service/internal/clients"
)

type money struct {
	CurrencyCode string `json:"CurrencyCode"`
	Amount       string `json:"Amount"`
}

func (m *money) decimal() (decimal.Decimal, error) {
	if m == nil || m.Amount == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(m.Amount)
}

type order struct {
	AmazonOrderID string `json:"AmazonOrderId"`
	PurchaseDate  string `json:"PurchaseDate"`
	OrderStatus   string `json:"OrderStatus"`
	OrderTotal    *money `json:"OrderTotal"`
	BuyerInfo     struct {
		BuyerName  string `json:"BuyerName"`
		BuyerEmail string `json:"BuyerEmail"`
	} `json:"BuyerInfo"`
}

type orderItem struct {
	ASIN            string `json:"ASIN"`
	SellerSKU       string `json:"SellerSKU"`
	OrderItemID     string `json:"OrderItemId"`
	Title           string `json:"Title"`
	QuantityOrdered int    `json:"QuantityOrdered"`
	ItemPrice       *money `json:"ItemPrice"`
	ShippingPrice   *money `json:"ShippingPrice"`
}

// NormalizeOrder converts the composite order+items record. Amazon does not
// expose referral fees on the Orders API, so fees use the configured rate.
func (c *Client) NormalizeOrder(raw clients.RawOrder) (*clients.ExternalOrder, error) {
	var rec record
	if err := json.Unmarshal(raw.Data, &rec); err != nil {
		return nil, fmt.Errorf("decode order %s: %w", raw.ID, err)
	}
	var o order
	if len(rec.Order) == 0 {
		return nil, errors.New("record without order")
	}
	if err := json.Unmarshal(rec.Order, &o); err != nil {
		return nil, fmt.Errorf("decode order %s: %w", raw.ID, err)
	}
	if o.AmazonOrderID == "" {
		return nil, errors.New("order without AmazonOrderId")
	}
	purchased, err := time.Parse(time.RFC3339, o.PurchaseDate)
	if err != nil {
		return nil, fmt.Errorf("order %s: invalid PurchaseDate %q", o.AmazonOrderID, o.PurchaseDate)
	}
	gross, err := o.OrderTotal.decimal()
	if err != nil {
		return nil, fmt.Errorf("order %s: invalid OrderTotal: %w", o.AmazonOrderID, err)
	}

	var rawMap map[string]interface{}
	_ = json.Unmarshal(raw.Data, &rawMap)

	out := &clients.ExternalOrder{
		ExternalOrderID: o.AmazonOrderID,
		NativeStatus:    o.OrderStatus,
		Status:          c.MapStatus(o.OrderStatus),
		OrderDate:       purchased,
		GrossAmount:     gross,
		CustomerName:    o.BuyerInfo.BuyerName,
		CustomerEmail:   o.BuyerInfo.BuyerEmail,
		Fees:            []decimal.Decimal{gross.Mul(c.cfg.CommissionRate)},
		Raw:             rawMap,
	}
	if o.OrderTotal != nil {
		out.Currency = o.OrderTotal.CurrencyCode
	}

	for _, itemRaw := range rec.OrderItems {
		var it orderItem
		if err := json.Unmarshal(itemRaw, &it); err != nil {
			return nil, fmt.Errorf("order %s: decode item: %w", o.AmazonOrderID, err)
		}
		if it.QuantityOrdered <= 0 {
			// cancelled lines report zero quantity
			continue
		}
		total, err := it.ItemPrice.decimal()
		if err != nil {
			return nil, fmt.Errorf("order %s: item %s price: %w", o.AmazonOrderID, it.OrderItemID, err)
		}
		shipping, err := it.ShippingPrice.decimal()
		if err != nil {
			return nil, fmt.Errorf("order %s: item %s shipping: %w", o.AmazonOrderID, it.OrderItemID, err)
		}
		out.ShippingPaidByBuyer = out.ShippingPaidByBuyer.Add(shipping)

		productID := it.ASIN
		if productID == "" {
			productID = it.OrderItemID
		}
		out.Items = append(out.Items, clients.ExternalLineItem{
			ExternalProductID: productID,
			SKU:               it.SellerSKU,
			Name:              it.Title,
			Quantity:          it.QuantityOrdered,
			// ItemPrice is the line total
			UnitPrice: total.Div(decimal.NewFromInt(int64(it.QuantityOrdered))),
		})
	}
	return out, nil
}
