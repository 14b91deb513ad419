package shopee

import (
	"encoding/json"
	"fmt"
	"strconv"

	"marketplace-sync-service/internal/clients"
	"marketplace-sync-service/internal/models"
)

// push codes
const (
	codeOrderStatus = 3
	codeTrackingNo  = 4
)

type push struct {
	ShopID    int64 `json:"shop_id"`
	Code      int   `json:"code"`
	Timestamp int64 `json:"timestamp"`
	Data      struct {
		OrderSN  string `json:"ordersn"`
		Status   string `json:"status"`
		Tracking string `json:"tracking_no"`
	} `json:"data"`
}

// SignatureHeader is the header Shopee puts the push signature in
func (c *Client) SignatureHeader() string {
	return "authorization"
}

// VerifyWebhook checks the hex HMAC-SHA256 of the raw body
func (c *Client) VerifyWebhook(payload []byte, signature, secret string) error {
	return clients.VerifyHexHMAC(payload, signature, secret)
}

// ParseWebhook decodes a push notification keyed by its numeric code
func (c *Client) ParseWebhook(payload []byte, _ map[string]string) (*clients.WebhookNotification, error) {
	var p push
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", clients.ErrInvalidPayload, err)
	}
	var body map[string]interface{}
	_ = json.Unmarshal(payload, &body)

	out := &clients.WebhookNotification{
		Kind:    models.WebhookKindUnknown,
		Payload: body,
	}
	if p.ShopID != 0 {
		out.SellerID = strconv.FormatInt(p.ShopID, 10)
	}

	switch p.Code {
	case codeOrderStatus:
		out.EventType = "order_status_update"
		out.Kind = models.WebhookKindStatus
		out.ExternalOrderID = p.Data.OrderSN
		out.ResourceID = p.Data.OrderSN
		out.NativeStatus = p.Data.Status
	case codeTrackingNo:
		out.EventType = "order_trackingno_push"
		out.Kind = models.WebhookKindOrder
		out.ExternalOrderID = p.Data.OrderSN
		out.ResourceID = p.Data.OrderSN
	default:
		out.EventType = "code_" + strconv.Itoa(p.Code)
	}
	return out, nil
}
