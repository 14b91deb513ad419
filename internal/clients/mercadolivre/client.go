package mercadolivre

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
	defaultAPIURL  = "https://api.mercadolibre.com"
	defaultAuthURL = "https://auth.mercadolivre.com.br/authorization"
	maxPageSize    = 50
	dateLayout     = "2006-01-02T15:04:05.000Z07:00"
)

var statusMap = map[string]models.OrderStatus{
	// order statuses
	"confirmed":          models.OrderPending,
	"payment_required":   models.OrderPending,
	"payment_in_process": models.OrderPending,
	"paid":               models.OrderPaid,
	"partially_paid":     models.OrderPaid,
	"shipped":            models.OrderShipped,
	"delivered":          models.OrderDelivered,
	"cancelled":          models.OrderCancelled,
	"invalid":            models.OrderCancelled,
	// shipment statuses
	"handling":      models.OrderPaid,
	"ready_to_ship": models.OrderPaid,
	"not_delivered": models.OrderShipped,
}

// Config holds the application credentials for Mercado Livre
type Config struct {
	ClientID              string
	ClientSecret          string
	RedirectURI           string
	APIURL                string
	AuthURL               string
	DefaultCommissionRate decimal.Decimal
	HTTP                  clients.HTTPOptions
}

// Client implements clients.Adapter for Mercado Livre
type Client struct {
	cfg  Config
	http *clients.HTTPClient
}

// NewClient creates a Mercado Livre adapter
func NewClient(cfg Config) *Client {
	if cfg.APIURL == "" {
		cfg.APIURL = defaultAPIURL
	}
	if cfg.AuthURL == "" {
		cfg.AuthURL = defaultAuthURL
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	return &Client{
		cfg:  cfg,
		http: clients.NewHTTPClient(models.MarketplaceMercadoLivre, cfg.HTTP),
	}
}

// Marketplace returns the marketplace identifier
func (c *Client) Marketplace() models.Marketplace {
	return models.MarketplaceMercadoLivre
}

// GetAuthURL builds the seller consent URL
func (c *Client) GetAuthURL(state string) (string, error) {
	if c.cfg.ClientID == "" {
		return "", errors.New("mercado livre client id is not configured")
	}
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", c.cfg.ClientID)
	q.Set("redirect_uri", c.cfg.RedirectURI)
	q.Set("state", state)
	return c.cfg.AuthURL + "?" + q.Encode(), nil
}

type tokenResponse struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	ExpiresIn    int         `json:"expires_in"`
	UserID       json.Number `json:"user_id"`
}

// ExchangeCode trades an authorization code for tokens
func (c *Client) ExchangeCode(ctx context.Context, code string, _ url.Values) (*clients.TokenSet, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	form.Set("code", code)
	form.Set("redirect_uri", c.cfg.RedirectURI)
	return c.requestToken(ctx, form)
}

// RefreshToken obtains a new access token; Mercado Livre rotates refresh tokens
func (c *Client) RefreshToken(ctx context.Context, refreshToken, _ string) (*clients.TokenSet, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	form.Set("refresh_token", refreshToken)

	set, err := c.requestToken(ctx, form)
	if err != nil {
		return nil, err
	}
	if set.RefreshToken == "" {
		set.RefreshToken = refreshToken
	}
	return set, nil
}

func (c *Client) requestToken(ctx context.Context, form url.Values) (*clients.TokenSet, error) {
	var resp tokenResponse
	err := c.http.DoJSON(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIURL+"/oauth/token", strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")
		return req, nil
	}, &resp)
	if err != nil {
		// 400 invalid_grant from the token endpoint means the grant is dead
		if !clients.IsTransient(err) && !clients.IsAuth(err) {
			return nil, &clients.AuthError{Marketplace: models.MarketplaceMercadoLivre, Err: err}
		}
		return nil, err
	}
	if resp.AccessToken == "" {
		return nil, &clients.AuthError{Marketplace: models.MarketplaceMercadoLivre, Err: errors.New("token response without access_token")}
	}
	return &clients.TokenSet{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second),
		SellerID:     resp.UserID.String(),
	}, nil
}

// RevokeToken is not offered by Mercado Livre; tokens lapse on their own
func (c *Client) RevokeToken(ctx context.Context, accessToken string) error {
	return clients.ErrRevokeUnsupported
}

type searchResponse struct {
	Results []json.RawMessage `json:"results"`
	Paging  struct {
		Total  int `json:"total"`
		Offset int `json:"offset"`
		Limit  int `json:"limit"`
	} `json:"paging"`
}

// FetchOrdersPage pages with offset/limit; the cursor is the next offset
func (c *Client) FetchOrdersPage(ctx context.Context, req clients.PageRequest) (*clients.OrdersPage, error) {
	offset := 0
	if req.Cursor != "" {
		n, err := strconv.Atoi(req.Cursor)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid mercado livre cursor %q", req.Cursor)
		}
		offset = n
	}
	limit := req.PageSize
	if limit <= 0 || limit > maxPageSize {
		limit = maxPageSize
	}

	q := url.Values{}
	q.Set("seller", req.SellerID)
	q.Set("order.date_created.from", req.Window.Start.UTC().Format(dateLayout))
	q.Set("order.date_created.to", req.Window.End.UTC().Format(dateLayout))
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))
	q.Set("sort", "date_desc")

	var resp searchResponse
	if err := c.http.DoJSON(ctx, c.get("/orders/search?"+q.Encode(), req.AccessToken), &resp); err != nil {
		return nil, err
	}

	page := &clients.OrdersPage{Total: resp.Paging.Total}
	for _, raw := range resp.Results {
		page.Records = append(page.Records, clients.RawOrder{ID: recordID(raw), Data: raw})
	}
	next := offset + limit
	page.HasMore = next < resp.Paging.Total
	if page.HasMore {
		page.NextCursor = strconv.Itoa(next)
	}
	return page, nil
}

// FetchOrder retrieves a single order
func (c *Client) FetchOrder(ctx context.Context, accessToken, _ string, orderID string) (*clients.RawOrder, error) {
	body, err := c.http.Do(ctx, c.get("/orders/"+url.PathEscape(orderID), accessToken))
	if err != nil {
		return nil, err
	}
	return &clients.RawOrder{ID: orderID, Data: body}, nil
}

// FetchShipmentStatus resolves the current status of a shipment
func (c *Client) FetchShipmentStatus(ctx context.Context, accessToken, shipmentID string) (string, error) {
	var resp struct {
		Status string `json:"status"`
	}
	if err := c.http.DoJSON(ctx, c.get("/shipments/"+url.PathEscape(shipmentID), accessToken), &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

func (c *Client) get(path, accessToken string) clients.RequestBuilder {
	return func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.APIURL+path, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)
		req.Header.Set("Accept", "application/json")
		return req, nil
	}
}

// MapStatus maps order and shipment statuses; unknown values are PENDING
func (c *Client) MapStatus(native string) models.OrderStatus {
	if s, ok := statusMap[strings.ToLower(native)]; ok {
		return s
	}
	return models.OrderPending
}

func recordID(raw json.RawMessage) string {
	var head struct {
		ID json.Number `json:"id"`
	}
	_ = json.Unmarshal(raw, &head)
	return head.ID.String()
}
