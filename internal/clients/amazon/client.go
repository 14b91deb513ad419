package amazon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"marketplace-sync-service/internal/clients"
	"marketplace-sync-service/internal/models"
)

const (
	// Amazon SP-API regional endpoints
	naEndpoint = "https://sellingpartnerapi-na.amazon.com"
	euEndpoint = "https://sellingpartnerapi-eu.amazon.com"
	feEndpoint = "https://sellingpartnerapi-fe.amazon.com"

	// Amazon LWA token endpoint
	lwaTokenEndpoint = "https://api.amazon.com/auth/o2/token"

	defaultConsentURL = "https://sellercentral.amazon.com.br/apps/authorize/consent"
	maxPageSize       = 100

	// CreatedBefore must trail the request time by at least two minutes
	createdBeforeLag = 2 * time.Minute
)

var statusMap = map[string]models.OrderStatus{
	"pending":             models.OrderPending,
	"pendingavailability": models.OrderPending,
	"unshipped":           models.OrderPaid,
	"partiallyshipped":    models.OrderShipped,
	"shipped":             models.OrderShipped,
	"invoiceunconfirmed":  models.OrderShipped,
	"delivered":           models.OrderDelivered,
	"canceled":            models.OrderCancelled,
	"unfulfillable":       models.OrderCancelled,
	// fulfillment order statuses
	"received":           models.OrderPaid,
	"planning":           models.OrderPaid,
	"processing":         models.OrderPaid,
	"complete":           models.OrderShipped,
	"completepartialled": models.OrderShipped,
	"cancelled":          models.OrderCancelled,
	"invalid":            models.OrderCancelled,
}

// Config holds the SP-API application credentials
type Config struct {
	ClientID       string
	ClientSecret   string
	ApplicationID  string
	RedirectURI    string
	Region         string // na, eu, fe
	APIURL         string
	TokenURL       string
	ConsentURL     string
	MarketplaceIDs []string
	CommissionRate decimal.Decimal
	HTTP           clients.HTTPOptions
	Now            func() time.Time
}

// Client implements clients.Adapter for Amazon Seller Central
type Client struct {
	cfg  Config
	http *clients.HTTPClient
}

// NewClient creates an Amazon SP-API adapter
func NewClient(cfg Config) *Client {
	if cfg.APIURL == "" {
		cfg.APIURL = getRegionalEndpoint(cfg.Region)
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = lwaTokenEndpoint
	}
	if cfg.ConsentURL == "" {
		cfg.ConsentURL = defaultConsentURL
	}
	if cfg.ApplicationID == "" {
		cfg.ApplicationID = cfg.ClientID
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	return &Client{
		cfg:  cfg,
		http: clients.NewHTTPClient(models.MarketplaceAmazon, cfg.HTTP),
	}
}

func getRegionalEndpoint(region string) string {
	switch region {
	case "eu":
		return euEndpoint
	case "fe":
		return feEndpoint
	default:
		return naEndpoint
	}
}

// Marketplace returns the marketplace identifier
func (c *Client) Marketplace() models.Marketplace {
	return models.MarketplaceAmazon
}

// GetAuthURL builds the Seller Central consent URL
func (c *Client) GetAuthURL(state string) (string, error) {
	if c.cfg.ApplicationID == "" {
		return "", errors.New("amazon application id is not configured")
	}
	q := url.Values{}
	q.Set("application_id", c.cfg.ApplicationID)
	q.Set("redirect_uri", c.cfg.RedirectURI)
	q.Set("state", state)
	q.Set("version", "beta")
	return c.cfg.ConsentURL + "?" + q.Encode(), nil
}

type lwaResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// ExchangeCode trades the spapi_oauth_code for LWA tokens. The seller id
// arrives on the consent redirect as selling_partner_id.
func (c *Client) ExchangeCode(ctx context.Context, code string, params url.Values) (*clients.TokenSet, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", c.cfg.RedirectURI)
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)

	set, err := c.requestToken(ctx, form)
	if err != nil {
		return nil, err
	}
	set.SellerID = params.Get("selling_partner_id")
	return set, nil
}

// RefreshToken refreshes the LWA access token. Amazon does not rotate
// refresh tokens, so the existing one is kept when none is returned.
func (c *Client) RefreshToken(ctx context.Context, refreshToken, sellerID string) (*clients.TokenSet, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)

	set, err := c.requestToken(ctx, form)
	if err != nil {
		return nil, err
	}
	if set.RefreshToken == "" {
		set.RefreshToken = refreshToken
	}
	set.SellerID = sellerID
	return set, nil
}

func (c *Client) requestToken(ctx context.Context, form url.Values) (*clients.TokenSet, error) {
	var resp lwaResponse
	err := c.http.DoJSON(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	}, &resp)
	if err != nil {
		if !clients.IsTransient(err) && !clients.IsAuth(err) {
			return nil, &clients.AuthError{Marketplace: models.MarketplaceAmazon, Err: err}
		}
		return nil, err
	}
	if resp.AccessToken == "" {
		return nil, &clients.AuthError{Marketplace: models.MarketplaceAmazon, Err: errors.New("token response without access_token")}
	}
	return &clients.TokenSet{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    c.cfg.Now().Add(time.Duration(resp.ExpiresIn) * time.Second),
	}, nil
}

// RevokeToken is not available for LWA refresh tokens; sellers revoke from Seller Central
func (c *Client) RevokeToken(ctx context.Context, accessToken string) error {
	return clients.ErrRevokeUnsupported
}

// record is the raw shape stored for every Amazon order: the order resource
// and its items, which the Orders API serves from a separate endpoint.
type record struct {
	Order      json.RawMessage   `json:"Order"`
	OrderItems []json.RawMessage `json:"OrderItems"`
}

type ordersResponse struct {
	Payload struct {
		Orders    []json.RawMessage `json:"Orders"`
		NextToken string            `json:"NextToken"`
	} `json:"payload"`
}

type orderItemsResponse struct {
	Payload struct {
		OrderItems []json.RawMessage `json:"OrderItems"`
		NextToken  string            `json:"NextToken"`
	} `json:"payload"`
}

// FetchOrdersPage pages with the opaque NextToken
func (c *Client) FetchOrdersPage(ctx context.Context, req clients.PageRequest) (*clients.OrdersPage, error) {
	q := url.Values{}
	q.Set("MarketplaceIds", strings.Join(c.cfg.MarketplaceIDs, ","))
	if req.Cursor != "" {
		q.Set("NextToken", req.Cursor)
	} else {
		q.Set("CreatedAfter", req.Window.Start.UTC().Format(time.RFC3339))
		end := req.Window.End
		if latest := c.cfg.Now().Add(-createdBeforeLag); end.After(latest) {
			end = latest
		}
		q.Set("CreatedBefore", end.UTC().Format(time.RFC3339))
		size := req.PageSize
		if size <= 0 || size > maxPageSize {
			size = maxPageSize
		}
		q.Set("MaxResultsPerPage", strconv.Itoa(size))
	}

	var resp ordersResponse
	if err := c.http.DoJSON(ctx, c.get("/orders/v0/orders?"+q.Encode(), req.AccessToken), &resp); err != nil {
		return nil, err
	}

	page := &clients.OrdersPage{
		NextCursor: resp.Payload.NextToken,
		HasMore:    resp.Payload.NextToken != "",
	}
	for _, raw := range resp.Payload.Orders {
		id := orderID(raw)
		rec, err := c.withItems(ctx, req.AccessToken, id, raw)
		if err != nil {
			if clients.IsPageFatal(err) {
				return nil, err
			}
			// fees come from the items, so the order cannot be costed without them
			page.Failures = append(page.Failures, clients.RecordFailure{ID: id, Err: err})
			continue
		}
		page.Records = append(page.Records, *rec)
	}
	return page, nil
}

// FetchOrder retrieves a single order and its items
func (c *Client) FetchOrder(ctx context.Context, accessToken, _ string, id string) (*clients.RawOrder, error) {
	var resp struct {
		Payload json.RawMessage `json:"payload"`
	}
	if err := c.http.DoJSON(ctx, c.get("/orders/v0/orders/"+url.PathEscape(id), accessToken), &resp); err != nil {
		return nil, err
	}
	return c.withItems(ctx, accessToken, id, resp.Payload)
}

func (c *Client) withItems(ctx context.Context, accessToken, id string, order json.RawMessage) (*clients.RawOrder, error) {
	rec := record{Order: order}
	if id != "" {
		next := ""
		for {
			path := "/orders/v0/orders/" + url.PathEscape(id) + "/orderItems"
			if next != "" {
				path += "?NextToken=" + url.QueryEscape(next)
			}
			var items orderItemsResponse
			if err := c.http.DoJSON(ctx, c.get(path, accessToken), &items); err != nil {
				return nil, fmt.Errorf("order %s items: %w", id, err)
			}
			rec.OrderItems = append(rec.OrderItems, items.Payload.OrderItems...)
			if next = items.Payload.NextToken; next == "" {
				break
			}
		}
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	return &clients.RawOrder{ID: id, Data: data}, nil
}

func (c *Client) get(path, accessToken string) clients.RequestBuilder {
	return func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.APIURL+path, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("x-amz-access-token", accessToken)
		req.Header.Set("Accept", "application/json")
		return req, nil
	}
}

// MapStatus maps order and fulfillment statuses; unknown values are PENDING
func (c *Client) MapStatus(native string) models.OrderStatus {
	if s, ok := statusMap[strings.ToLower(native)]; ok {
		return s
	}
	return models.OrderPending
}

func orderID(raw json.RawMessage) string {
	var head struct {
		AmazonOrderID string `json:"AmazonOrderId"`
	}
	_ = json.Unmarshal(raw, &head)
	return head.AmazonOrderID
}
