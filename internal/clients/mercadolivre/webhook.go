package mercadolivre

import (
	"encoding/json"
	"fmt"
	"strings"

	"marketplace-sync-service/internal/clients"
	"marketplace-sync-service/internal/models"
)

type notification struct {
	Resource      string      `json:"resource"`
	UserID        json.Number `json:"user_id"`
	Topic         string      `json:"topic"`
	ApplicationID json.Number `json:"application_id"`
	Attempts      int         `json:"attempts"`
}

// SignatureHeader is the header Mercado Livre signs notifications with
func (c *Client) SignatureHeader() string {
	return "x-signature"
}

// VerifyWebhook checks the hex HMAC-SHA256 of the raw body
func (c *Client) VerifyWebhook(payload []byte, signature, secret string) error {
	return clients.VerifyHexHMAC(payload, signature, secret)
}

// ParseWebhook decodes a notification. The topic names the event; the
// resource path carries the id of the affected entity.
func (c *Client) ParseWebhook(payload []byte, _ map[string]string) (*clients.WebhookNotification, error) {
	var n notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", clients.ErrInvalidPayload, err)
	}
	var body map[string]interface{}
	_ = json.Unmarshal(payload, &body)

	segments := strings.Split(strings.Trim(n.Resource, "/"), "/")
	eventType := n.Topic
	if eventType == "" && len(segments) > 0 {
		eventType = segments[0]
	}
	resourceID := ""
	if len(segments) > 1 {
		resourceID = segments[len(segments)-1]
	}

	out := &clients.WebhookNotification{
		EventType:  eventType,
		Kind:       models.WebhookKindUnknown,
		SellerID:   n.UserID.String(),
		ResourceID: resourceID,
		Payload:    body,
	}
	if eventType == "" {
		out.EventType = "unknown"
	}

	switch eventType {
	case "orders_v2", "orders":
		out.Kind = models.WebhookKindOrder
		out.ExternalOrderID = resourceID
	case "shipments":
		out.Kind = models.WebhookKindStatus
		out.ShipmentID = resourceID
	case "payments":
		out.Kind = models.WebhookKindPayment
	}
	return out, nil
}
