package amazon

import (
	"encoding/json"
	"fmt"
	"strings"

	"marketplace-sync-service/internal/clients"
	"marketplace-sync-service/internal/models"
)

const messageTypeHeader = "x-amz-sns-message-type"

// snsEnvelope wraps SP-API notifications delivered over SNS. Message may
// hold the notification as an embedded JSON string.
type snsEnvelope struct {
	Type    string          `json:"Type"`
	Message json.RawMessage `json:"Message"`
}

type notification struct {
	NotificationType string `json:"NotificationType"`
	EventTime        string `json:"EventTime"`
	Payload          struct {
		OrderChangeNotification *struct {
			SellerID      string `json:"SellerId"`
			AmazonOrderID string `json:"AmazonOrderId"`
			Summary       struct {
				OrderStatus string `json:"OrderStatus"`
			} `json:"Summary"`
		} `json:"OrderChangeNotification"`
		OrderStatusChangeNotification *struct {
			SellerID          string `json:"SellerId"`
			AmazonOrderID     string `json:"AmazonOrderId"`
			OrderStatus       string `json:"OrderStatus"`
			OrderItemStatus   string `json:"OrderItemStatus"`
			FulfillmentStatus string `json:"FulfillmentStatus"`
		} `json:"OrderStatusChangeNotification"`
		FulfillmentOrderStatusNotification *struct {
			SellerID                 string `json:"SellerId"`
			SellerFulfillmentOrderID string `json:"SellerFulfillmentOrderId"`
			FulfillmentOrderStatus   string `json:"FulfillmentOrderStatus"`
		} `json:"FulfillmentOrderStatusNotification"`
	} `json:"Payload"`
}

// SignatureHeader is the header carrying the shared-secret signature
func (c *Client) SignatureHeader() string {
	return "x-amz-sns-signature"
}

// VerifyWebhook checks the base64 HMAC-SHA256 of the raw body
func (c *Client) VerifyWebhook(payload []byte, signature, secret string) error {
	return clients.VerifyBase64HMAC(payload, signature, secret)
}

// ParseWebhook decodes an SP-API notification, unwrapping the SNS envelope
func (c *Client) ParseWebhook(payload []byte, headers map[string]string) (*clients.WebhookNotification, error) {
	var body map[string]interface{}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("%w: %v", clients.ErrInvalidPayload, err)
	}

	var env snsEnvelope
	_ = json.Unmarshal(payload, &env)
	if strings.EqualFold(headers[messageTypeHeader], "SubscriptionConfirmation") || env.Type == "SubscriptionConfirmation" {
		return &clients.WebhookNotification{
			EventType: "SubscriptionConfirmation",
			Kind:      models.WebhookKindSubscription,
			Payload:   body,
		}, nil
	}

	inner := []byte(payload)
	if len(env.Message) > 0 {
		var s string
		if err := json.Unmarshal(env.Message, &s); err == nil {
			inner = []byte(s)
		} else {
			inner = env.Message
		}
	}

	var n notification
	if err := json.Unmarshal(inner, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", clients.ErrInvalidPayload, err)
	}

	out := &clients.WebhookNotification{
		EventType: n.NotificationType,
		Kind:      models.WebhookKindUnknown,
		Payload:   body,
	}
	if out.EventType == "" {
		out.EventType = "unknown"
	}

	switch n.NotificationType {
	case "ORDER_CHANGE":
		if p := n.Payload.OrderChangeNotification; p != nil {
			out.Kind = models.WebhookKindOrder
			out.SellerID = p.SellerID
			out.ExternalOrderID = p.AmazonOrderID
			out.ResourceID = p.AmazonOrderID
			out.NativeStatus = p.Summary.OrderStatus
		}
	case "ORDER_STATUS_CHANGE":
		if p := n.Payload.OrderStatusChangeNotification; p != nil {
			out.Kind = models.WebhookKindStatus
			out.SellerID = p.SellerID
			out.ExternalOrderID = p.AmazonOrderID
			out.ResourceID = p.AmazonOrderID
			out.NativeStatus = p.OrderStatus
		}
	case "FULFILLMENT_ORDER_STATUS":
		if p := n.Payload.FulfillmentOrderStatusNotification; p != nil {
			out.Kind = models.WebhookKindStatus
			out.SellerID = p.SellerID
			out.ExternalOrderID = p.SellerFulfillmentOrderID
			out.ResourceID = p.SellerFulfillmentOrderID
			out.NativeStatus = p.FulfillmentOrderStatus
		}
	}
	return out, nil
}
