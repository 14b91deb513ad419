package clients

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"marketplace-sync-service/internal/models"
)

// Adapter is the capability set every marketplace implements. Adapters
// translate between the marketplace dialect and the internal shapes; they
// never persist anything.
type Adapter interface {
	// Marketplace returns the identifier this adapter is registered under
	Marketplace() models.Marketplace

	// OAuth
	GetAuthURL(state string) (string, error)
	ExchangeCode(ctx context.Context, code string, params url.Values) (*TokenSet, error)
	RefreshToken(ctx context.Context, refreshToken, sellerID string) (*TokenSet, error)
	RevokeToken(ctx context.Context, accessToken string) error

	// Orders
	FetchOrdersPage(ctx context.Context, req PageRequest) (*OrdersPage, error)
	FetchOrder(ctx context.Context, accessToken, sellerID, orderID string) (*RawOrder, error)
	NormalizeOrder(raw RawOrder) (*ExternalOrder, error)
	MapStatus(native string) models.OrderStatus

	// Webhooks
	SignatureHeader() string
	VerifyWebhook(payload []byte, signature, secret string) error
	ParseWebhook(payload []byte, headers map[string]string) (*WebhookNotification, error)
}

// TokenSet is the result of a code exchange or refresh
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	SellerID     string
}

// Window is a half-open [Start, End) date range
type Window struct {
	Start time.Time
	End   time.Time
}

// PageRequest asks an adapter for one page of orders
type PageRequest struct {
	AccessToken string
	SellerID    string
	Window      Window
	Cursor      string
	PageSize    int
}

// RawOrder is one upstream order record, untouched
type RawOrder struct {
	ID   string
	Data json.RawMessage
}

// RecordFailure is an order the marketplace listed but could not be loaded.
// It counts against the page as one failed record.
type RecordFailure struct {
	ID  string
	Err error
}

// OrdersPage is the uniform pagination triple every adapter returns
type OrdersPage struct {
	Records    []RawOrder
	Failures   []RecordFailure
	NextCursor string
	HasMore    bool
	Total      int // 0 when the marketplace does not report it
}

// ExternalOrder is a normalized marketplace order ready for reconciliation
type ExternalOrder struct {
	ExternalOrderID     string
	NativeStatus        string
	Status              models.OrderStatus
	OrderDate           time.Time
	Currency            string
	GrossAmount         decimal.Decimal
	Fees                []decimal.Decimal
	ShippingCost        decimal.Decimal
	ShippingPaidByBuyer decimal.Decimal
	CustomerName        string
	CustomerEmail       string
	ShipmentID          string
	Items               []ExternalLineItem
	Raw                 map[string]interface{}
}

// ExternalLineItem is one normalized order line
type ExternalLineItem struct {
	ExternalProductID string
	SKU               string
	Name              string
	Quantity          int
	UnitPrice         decimal.Decimal
}

// WebhookNotification is the normalized shape every marketplace webhook is
// decoded into at the boundary.
type WebhookNotification struct {
	EventType       string
	Kind            models.WebhookKind
	SellerID        string
	ResourceID      string
	ExternalOrderID string
	ShipmentID      string
	NativeStatus    string
	Payload         map[string]interface{}
}

// ShipmentResolver is implemented by adapters whose shipment notifications
// carry only a reference, so the current status has to be fetched.
type ShipmentResolver interface {
	FetchShipmentStatus(ctx context.Context, accessToken, shipmentID string) (string, error)
}
