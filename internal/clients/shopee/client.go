package shopee

import (
	"bytes"
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
	defaultAPIURL = "https://partner.shopeemobile.com"
	maxPageSize   = 100
	// get_order_detail accepts at most fifty order_sn values per call
	maxDetailBatch = 50
	// get_order_list rejects ranges wider than fifteen days
	maxRange = 15 * 24 * time.Hour

	pathAuthPartner  = "/api/v2/shop/auth_partner"
	pathTokenGet     = "/api/v2/auth/token/get"
	pathTokenRefresh = "/api/v2/auth/access_token/get"
	pathOrderList    = "/api/v2/order/get_order_list"
	pathOrderDetail  = "/api/v2/order/get_order_detail"

	detailFields = "buyer_username,item_list,total_amount,actual_shipping_fee,estimated_shipping_fee,currency,pay_time"
)

var statusMap = map[string]models.OrderStatus{
	"unpaid":             models.OrderPending,
	"ready_to_ship":      models.OrderPaid,
	"processed":          models.OrderPaid,
	"retry_ship":         models.OrderPaid,
	"shipped":            models.OrderShipped,
	"to_confirm_receive": models.OrderShipped,
	"completed":          models.OrderDelivered,
	"in_cancel":          models.OrderCancelled,
	"cancelled":          models.OrderCancelled,
	"to_return":          models.OrderCancelled,
}

// Config holds the Shopee Open Platform partner credentials
type Config struct {
	PartnerID      int64
	PartnerKey     string
	RedirectURI    string
	APIURL         string
	CommissionRate decimal.Decimal
	HTTP           clients.HTTPOptions
	Now            func() time.Time
}

// Client implements clients.Adapter for Shopee
type Client struct {
	cfg  Config
	http *clients.HTTPClient
}

// NewClient creates a Shopee adapter
func NewClient(cfg Config) *Client {
	if cfg.APIURL == "" {
		cfg.APIURL = defaultAPIURL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	return &Client{
		cfg:  cfg,
		http: clients.NewHTTPClient(models.MarketplaceShopee, cfg.HTTP),
	}
}

// Marketplace returns the marketplace identifier
func (c *Client) Marketplace() models.Marketplace {
	return models.MarketplaceShopee
}

// sign computes the v2 request signature. Shop-level calls append the
// access token and shop id to the base string.
func (c *Client) sign(path string, ts int64, accessToken, shopID string) string {
	base := strconv.FormatInt(c.cfg.PartnerID, 10) + path + strconv.FormatInt(ts, 10) + accessToken + shopID
	return clients.SignHex([]byte(base), c.cfg.PartnerKey)
}

func (c *Client) signedQuery(path, accessToken, shopID string) url.Values {
	ts := c.cfg.Now().Unix()
	q := url.Values{}
	q.Set("partner_id", strconv.FormatInt(c.cfg.PartnerID, 10))
	q.Set("timestamp", strconv.FormatInt(ts, 10))
	q.Set("sign", c.sign(path, ts, accessToken, shopID))
	if accessToken != "" {
		q.Set("access_token", accessToken)
	}
	if shopID != "" {
		q.Set("shop_id", shopID)
	}
	return q
}

// GetAuthURL builds the shop authorization URL. Shopee does not echo an
// OAuth state, so it is carried on the redirect URL.
func (c *Client) GetAuthURL(state string) (string, error) {
	if c.cfg.PartnerID == 0 || c.cfg.PartnerKey == "" {
		return "", errors.New("shopee partner credentials are not configured")
	}
	redirect, err := url.Parse(c.cfg.RedirectURI)
	if err != nil {
		return "", fmt.Errorf("invalid shopee redirect uri: %w", err)
	}
	rq := redirect.Query()
	rq.Set("state", state)
	redirect.RawQuery = rq.Encode()

	q := c.signedQuery(pathAuthPartner, "", "")
	q.Set("redirect", redirect.String())
	return c.cfg.APIURL + pathAuthPartner + "?" + q.Encode(), nil
}

// apiError is embedded in every Shopee response; a non-empty Error is a failure
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (e apiError) err(op string) error {
	if e.Error == "" {
		return nil
	}
	cause := fmt.Errorf("%s: %s: %s", op, e.Error, e.Message)
	if isAuthCode(e.Error) {
		return &clients.AuthError{Marketplace: models.MarketplaceShopee, Err: cause}
	}
	return cause
}

func isAuthCode(code string) bool {
	code = strings.ToLower(code)
	return strings.HasPrefix(code, "error_auth") ||
		strings.Contains(code, "invalid_access_token") ||
		strings.Contains(code, "invalid_token") ||
		code == "error_permission"
}

type tokenResponse struct {
	apiError
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpireIn     int    `json:"expire_in"`
	ShopID       int64  `json:"shop_id"`
}

// ExchangeCode trades the code for shop tokens; shop_id comes from the callback
func (c *Client) ExchangeCode(ctx context.Context, code string, params url.Values) (*clients.TokenSet, error) {
	shopID := params.Get("shop_id")
	id, err := strconv.ParseInt(shopID, 10, 64)
	if err != nil {
		return nil, &clients.AuthError{Marketplace: models.MarketplaceShopee, Err: fmt.Errorf("callback without valid shop_id %q", shopID)}
	}
	body := map[string]interface{}{
		"code":       code,
		"shop_id":    id,
		"partner_id": c.cfg.PartnerID,
	}
	set, err := c.requestToken(ctx, pathTokenGet, body)
	if err != nil {
		return nil, err
	}
	set.SellerID = shopID
	return set, nil
}

// RefreshToken refreshes shop tokens. Shopee rotates the refresh token on
// every call, and the shop id is part of the request.
func (c *Client) RefreshToken(ctx context.Context, refreshToken, sellerID string) (*clients.TokenSet, error) {
	id, err := strconv.ParseInt(sellerID, 10, 64)
	if err != nil {
		return nil, &clients.AuthError{Marketplace: models.MarketplaceShopee, Err: fmt.Errorf("integration without valid shop id %q", sellerID)}
	}
	body := map[string]interface{}{
		"refresh_token": refreshToken,
		"partner_id":    c.cfg.PartnerID,
		"shop_id":       id,
	}
	set, err := c.requestToken(ctx, pathTokenRefresh, body)
	if err != nil {
		return nil, err
	}
	if set.RefreshToken == "" {
		set.RefreshToken = refreshToken
	}
	set.SellerID = sellerID
	return set, nil
}

func (c *Client) requestToken(ctx context.Context, path string, body map[string]interface{}) (*clients.TokenSet, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	q := c.signedQuery(path, "", "")

	var resp tokenResponse
	err = c.http.DoJSON(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIURL+path+"?"+q.Encode(), bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, &resp)
	if err != nil {
		if !clients.IsTransient(err) && !clients.IsAuth(err) {
			return nil, &clients.AuthError{Marketplace: models.MarketplaceShopee, Err: err}
		}
		return nil, err
	}
	if resp.Error != "" {
		return nil, &clients.AuthError{Marketplace: models.MarketplaceShopee, Err: fmt.Errorf("%s: %s", resp.Error, resp.Message)}
	}
	if resp.AccessToken == "" {
		return nil, &clients.AuthError{Marketplace: models.MarketplaceShopee, Err: errors.New("token response without access_token")}
	}
	return &clients.TokenSet{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    c.cfg.Now().Add(time.Duration(resp.ExpireIn) * time.Second),
	}, nil
}

// RevokeToken is not exposed to partners; sellers cancel authorization in Seller Centre
func (c *Client) RevokeToken(ctx context.Context, accessToken string) error {
	return clients.ErrRevokeUnsupported
}

type orderListResponse struct {
	apiError
	Response struct {
		More       bool   `json:"more"`
		NextCursor string `json:"next_cursor"`
		OrderList  []struct {
			OrderSN string `json:"order_sn"`
		} `json:"order_list"`
	} `json:"response"`
}

type orderDetailResponse struct {
	apiError
	Response struct {
		OrderList []json.RawMessage `json:"order_list"`
	} `json:"response"`
}

// cursor is "<chunk start unix>:<shopee cursor>". The window is walked in
// fifteen-day chunks because get_order_list rejects wider ranges.
func parseCursor(cursor string, window clients.Window) (time.Time, string, error) {
	if cursor == "" {
		return window.Start, "", nil
	}
	head, tail, ok := strings.Cut(cursor, ":")
	if !ok {
		return time.Time{}, "", fmt.Errorf("invalid shopee cursor %q", cursor)
	}
	sec, err := strconv.ParseInt(head, 10, 64)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("invalid shopee cursor %q", cursor)
	}
	return time.Unix(sec, 0).UTC(), tail, nil
}

// FetchOrdersPage lists order numbers for the current chunk then loads their details
func (c *Client) FetchOrdersPage(ctx context.Context, req clients.PageRequest) (*clients.OrdersPage, error) {
	chunkStart, inner, err := parseCursor(req.Cursor, req.Window)
	if err != nil {
		return nil, err
	}
	chunkEnd := chunkStart.Add(maxRange)
	if chunkEnd.After(req.Window.End) {
		chunkEnd = req.Window.End
	}
	size := req.PageSize
	if size <= 0 || size > maxPageSize {
		size = maxPageSize
	}

	q := c.signedQuery(pathOrderList, req.AccessToken, req.SellerID)
	q.Set("time_range_field", "create_time")
	q.Set("time_from", strconv.FormatInt(chunkStart.Unix(), 10))
	q.Set("time_to", strconv.FormatInt(chunkEnd.Unix(), 10))
	q.Set("page_size", strconv.Itoa(size))
	q.Set("cursor", inner)

	var list orderListResponse
	if err := c.http.DoJSON(ctx, c.get(pathOrderList, q), &list); err != nil {
		return nil, err
	}
	if err := list.err("get_order_list"); err != nil {
		return nil, err
	}

	page := &clients.OrdersPage{}
	if len(list.Response.OrderList) > 0 {
		sns := make([]string, 0, len(list.Response.OrderList))
		for _, o := range list.Response.OrderList {
			sns = append(sns, o.OrderSN)
		}
		if err := c.loadDetails(ctx, req, sns, page); err != nil {
			return nil, err
		}
	}

	switch {
	case list.Response.More:
		page.HasMore = true
		page.NextCursor = strconv.FormatInt(chunkStart.Unix(), 10) + ":" + list.Response.NextCursor
	case chunkEnd.Before(req.Window.End):
		page.HasMore = true
		page.NextCursor = strconv.FormatInt(chunkEnd.Unix(), 10) + ":"
	}
	return page, nil
}

// loadDetails fills page with the details of sns in batches. A batch that
// fails for a reason other than transport or auth is charged to its orders,
// as is any order the detail call silently omits.
func (c *Client) loadDetails(ctx context.Context, req clients.PageRequest, sns []string, page *clients.OrdersPage) error {
	for start := 0; start < len(sns); start += maxDetailBatch {
		batch := sns[start:min(start+maxDetailBatch, len(sns))]
		records, err := c.details(ctx, req.AccessToken, req.SellerID, batch)
		if err != nil {
			if clients.IsPageFatal(err) {
				return err
			}
			for _, sn := range batch {
				page.Failures = append(page.Failures, clients.RecordFailure{ID: sn, Err: err})
			}
			continue
		}

		returned := make(map[string]bool, len(records))
		for _, r := range records {
			returned[r.ID] = true
		}
		page.Records = append(page.Records, records...)
		for _, sn := range batch {
			if !returned[sn] {
				page.Failures = append(page.Failures, clients.RecordFailure{ID: sn, Err: errors.New("order missing from get_order_detail response")})
			}
		}
	}
	return nil
}

// FetchOrder retrieves a single order by order_sn
func (c *Client) FetchOrder(ctx context.Context, accessToken, sellerID, orderID string) (*clients.RawOrder, error) {
	records, err := c.details(ctx, accessToken, sellerID, []string{orderID})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("shopee order %s not found", orderID)
	}
	return &records[0], nil
}

func (c *Client) details(ctx context.Context, accessToken, shopID string, sns []string) ([]clients.RawOrder, error) {
	q := c.signedQuery(pathOrderDetail, accessToken, shopID)
	q.Set("order_sn_list", strings.Join(sns, ","))
	q.Set("response_optional_fields", detailFields)

	var resp orderDetailResponse
	if err := c.http.DoJSON(ctx, c.get(pathOrderDetail, q), &resp); err != nil {
		return nil, err
	}
	if err := resp.err("get_order_detail"); err != nil {
		return nil, err
	}
	out := make([]clients.RawOrder, 0, len(resp.Response.OrderList))
	for _, raw := range resp.Response.OrderList {
		var head struct {
			OrderSN string `json:"order_sn"`
		}
		_ = json.Unmarshal(raw, &head)
		out = append(out, clients.RawOrder{ID: head.OrderSN, Data: raw})
	}
	return out, nil
}

func (c *Client) get(path string, q url.Values) clients.RequestBuilder {
	// the signature embeds a timestamp, so it is computed once per logical call
	target := c.cfg.APIURL + path + "?" + q.Encode()
	return func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		return req, nil
	}
}

// MapStatus maps Shopee order statuses; unknown values are PENDING
func (c *Client) MapStatus(native string) models.OrderStatus {
	if s, ok := statusMap[strings.ToLower(native)]; ok {
		return s
	}
	return models.OrderPending
}
