package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"marketplace-sync-service/internal/cache"
	"marketplace-sync-service/internal/clients"
	"marketplace-sync-service/internal/database"
	"marketplace-sync-service/internal/logger"
	"marketplace-sync-service/internal/models"
	"marketplace-sync-service/internal/queue"
	"marketplace-sync-service/internal/repository"
)

const testMarketplace = models.MarketplaceMercadoLivre

// ----------------------------------------------------------------------------
// Fake adapter
// ----------------------------------------------------------------------------

type fakeOrder struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Gross    string `json:"gross"`
	Shipment string `json:"shipment,omitempty"`
	Items    []struct {
		SKU   string `json:"sku"`
		Qty   int    `json:"qty"`
		Price string `json:"price"`
	} `json:"items"`
}

type fakeNotification struct {
	Kind     models.WebhookKind `json:"kind"`
	Event    string             `json:"event"`
	Seller   string             `json:"seller"`
	Order    string             `json:"order,omitempty"`
	Shipment string             `json:"shipment,omitempty"`
	Status   string             `json:"status,omitempty"`
}

type fakeAdapter struct {
	mu sync.Mutex

	pages     map[string]*clients.OrdersPage // keyed by cursor
	fetchErr  error
	fetchErrs int // fetchErr is returned this many times, 0 means always
	cursors   []string

	orders        map[string]json.RawMessage
	fetchOrderErr error

	exchange   *clients.TokenSet
	refresh    *clients.TokenSet
	refreshErr error
	refreshed  int
	// rotating makes refresh tokens single use, like Mercado Livre
	rotating     bool
	usedRefresh  map[string]bool
	refreshDelay time.Duration

	revoked   []string
	revokeErr error

	shipmentStatus string
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		pages:  make(map[string]*clients.OrdersPage),
		orders: make(map[string]json.RawMessage),
	}
}

func rawOrder(id, status, gross string, sku string, qty int, price string) clients.RawOrder {
	body := `{"id":"` + id + `","status":"` + status + `","gross":"` + gross + `","items":[{"sku":"` + sku + `","qty":` + itoa(qty) + `,"price":"` + price + `"}]}`
	return clients.RawOrder{ID: id, Data: json.RawMessage(body)}
}

func itoa(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func (f *fakeAdapter) Marketplace() models.Marketplace { return testMarketplace }

func (f *fakeAdapter) GetAuthURL(state string) (string, error) {
	return "https://auth.example.com/authorize?state=" + url.QueryEscape(state), nil
}

func (f *fakeAdapter) ExchangeCode(_ context.Context, code string, _ url.Values) (*clients.TokenSet, error) {
	if code == "bad" {
		return nil, &clients.AuthError{Marketplace: testMarketplace, Err: errors.New("invalid_grant")}
	}
	return f.exchange, nil
}

func (f *fakeAdapter) RefreshToken(_ context.Context, refreshToken, _ string) (*clients.TokenSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshed++
	time.Sleep(f.refreshDelay)
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	if f.rotating {
		if f.usedRefresh == nil {
			f.usedRefresh = make(map[string]bool)
		}
		if f.usedRefresh[refreshToken] {
			return nil, &clients.AuthError{Marketplace: testMarketplace, Err: errors.New("invalid_grant")}
		}
		f.usedRefresh[refreshToken] = true
	}
	if f.refresh == nil {
		return nil, errors.New("no refresh response configured")
	}
	out := *f.refresh
	return &out, nil
}

func (f *fakeAdapter) RevokeToken(_ context.Context, accessToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, accessToken)
	return f.revokeErr
}

func (f *fakeAdapter) FetchOrdersPage(_ context.Context, req clients.PageRequest) (*clients.OrdersPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursors = append(f.cursors, req.Cursor)
	if err := f.fetchErr; err != nil {
		if f.fetchErrs > 0 {
			f.fetchErrs--
			if f.fetchErrs == 0 {
				f.fetchErr = nil
			}
		}
		return nil, err
	}
	page, ok := f.pages[req.Cursor]
	if !ok {
		return &clients.OrdersPage{}, nil
	}
	return page, nil
}

func (f *fakeAdapter) FetchOrder(_ context.Context, _, _ string, orderID string) (*clients.RawOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchOrderErr != nil {
		return nil, f.fetchOrderErr
	}
	data, ok := f.orders[orderID]
	if !ok {
		return nil, errors.New("upstream returned 404")
	}
	return &clients.RawOrder{ID: orderID, Data: data}, nil
}

func (f *fakeAdapter) FetchShipmentStatus(_ context.Context, _, _ string) (string, error) {
	return f.shipmentStatus, nil
}

func (f *fakeAdapter) NormalizeOrder(raw clients.RawOrder) (*clients.ExternalOrder, error) {
	var o fakeOrder
	if err := json.Unmarshal(raw.Data, &o); err != nil {
		return nil, err
	}
	if o.ID == "" {
		return nil, errors.New("missing id")
	}
	gross, err := decimal.NewFromString(o.Gross)
	if err != nil {
		return nil, err
	}
	ext := &clients.ExternalOrder{
		ExternalOrderID: o.ID,
		NativeStatus:    o.Status,
		Status:          f.MapStatus(o.Status),
		OrderDate:       time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Currency:        "BRL",
		GrossAmount:     gross,
		Fees:            []decimal.Decimal{gross.Mul(decimal.RequireFromString("0.16"))},
		ShipmentID:      o.Shipment,
	}
	for _, it := range o.Items {
		price, _ := decimal.NewFromString(it.Price)
		ext.Items = append(ext.Items, clients.ExternalLineItem{SKU: it.SKU, Name: it.SKU, Quantity: it.Qty, UnitPrice: price})
	}
	return ext, nil
}

func (f *fakeAdapter) MapStatus(native string) models.OrderStatus {
	switch native {
	case "paid":
		return models.OrderPaid
	case "shipped":
		return models.OrderShipped
	case "delivered":
		return models.OrderDelivered
	case "cancelled":
		return models.OrderCancelled
	}
	return models.OrderPending
}

func (f *fakeAdapter) SignatureHeader() string { return "x-test-signature" }

func (f *fakeAdapter) VerifyWebhook(payload []byte, signature, secret string) error {
	return clients.VerifyHexHMAC(payload, signature, secret)
}

func (f *fakeAdapter) ParseWebhook(payload []byte, _ map[string]string) (*clients.WebhookNotification, error) {
	var n fakeNotification
	if err := json.Unmarshal(payload, &n); err != nil {
		return nil, clients.ErrInvalidPayload
	}
	var body map[string]interface{}
	_ = json.Unmarshal(payload, &body)
	return &clients.WebhookNotification{
		EventType:       n.Event,
		Kind:            n.Kind,
		SellerID:        n.Seller,
		ResourceID:      n.Shipment,
		ExternalOrderID: n.Order,
		ShipmentID:      n.Shipment,
		NativeStatus:    n.Status,
		Payload:         body,
	}, nil
}

var (
	_ clients.Adapter          = (*fakeAdapter)(nil)
	_ clients.ShipmentResolver = (*fakeAdapter)(nil)
)

// ----------------------------------------------------------------------------
// Environment
// ----------------------------------------------------------------------------

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	db           *gorm.DB
	clock        *testClock
	queue        *queue.MemoryQueue
	adapter      *fakeAdapter
	registry     *clients.Registry
	states       *cache.MemoryStateStore
	integrations *repository.IntegrationRepository
	orders       *repository.OrderRepository
	catalog      *repository.CatalogRepository
	runs         *repository.SyncRepository
	events       *repository.WebhookRepository
	tokens       *TokenManager
	reconciler   *OrderReconciler
	orchestrator *SyncOrchestrator
	service      *IntegrationService
	webhooks     *WebhookService
	processor    *WebhookProcessor
	worker       *queue.Worker
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.OpenSQLite(uuid.NewString())
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	log := logger.Discard()
	clock := &testClock{t: time.Now().UTC().Truncate(time.Second)}

	env := &testEnv{
		db:           db,
		clock:        clock,
		queue:        queue.NewMemoryQueue(),
		adapter:      newFakeAdapter(),
		states:       cache.NewMemoryStateStore(),
		integrations: repository.NewIntegrationRepository(db, nil),
		orders:       repository.NewOrderRepository(db),
		catalog:      repository.NewCatalogRepository(db),
		runs:         repository.NewSyncRepository(db),
		events:       repository.NewWebhookRepository(db),
	}
	env.queue.SetClock(clock.Now)
	env.registry = clients.NewRegistry(env.adapter)

	env.tokens = NewTokenManager(env.registry, env.integrations, 5*time.Minute, log, nil)
	env.tokens.SetClock(clock.Now)

	env.reconciler = NewOrderReconciler(env.orders, env.catalog, decimal.RequireFromString("0.6"), log, nil)
	env.reconciler.now = clock.Now

	backoff := queue.Backoff{Type: "exponential", Delay: 5 * time.Second}
	env.orchestrator = NewSyncOrchestrator(env.integrations, env.runs, env.registry, env.tokens, env.reconciler,
		env.queue, NewTenantSemaphore(nil),
		SyncConfig{PageSize: 2, LeaseDuration: 15 * time.Minute, Attempts: 3, Backoff: backoff},
		log, nil)
	env.orchestrator.SetClock(clock.Now)

	env.service = NewIntegrationService(env.integrations, env.runs, env.registry, env.states, env.queue,
		env.orchestrator.JobOptions(), IntegrationConfig{}, log)
	env.service.SetClock(clock.Now)

	env.webhooks = NewWebhookService(env.events, env.registry, env.queue, WebhookConfig{
		Secrets: map[models.Marketplace]string{testMarketplace: "whsec"},
	}, log, nil)
	env.processor = NewWebhookProcessor(env.events, env.integrations, env.orders, env.registry,
		env.tokens, env.reconciler, log, nil)

	env.worker = queue.NewWorker(env.queue, 1, time.Millisecond, log, nil)
	env.worker.Register(queue.OrderSync, time.Minute, env.orchestrator.HandleSyncJob)
	env.worker.Register(queue.WebhookProcessing, time.Minute, env.processor.HandleWebhookJob)
	return env
}

// connect stores an ACTIVE integration with a token valid for an hour
func (e *testEnv) connect(t *testing.T, tenantID, sellerID string) *models.Integration {
	t.Helper()
	in, err := e.integrations.UpsertConnected(context.Background(), tenantID, testMarketplace, &clients.TokenSet{
		AccessToken:  "access-" + tenantID,
		RefreshToken: "refresh-" + tenantID,
		ExpiresAt:    e.clock.Now().Add(time.Hour),
		SellerID:     sellerID,
	})
	require.NoError(t, err)
	return in
}

// drain runs ready jobs until none are left, returning how many ran
func (e *testEnv) drain(t *testing.T) int {
	t.Helper()
	ran := 0
	for i := 0; i < 50; i++ {
		worked, err := e.worker.ProcessOne(context.Background(), 0)
		require.NoError(t, err)
		if !worked {
			return ran
		}
		ran++
	}
	t.Fatal("queue did not drain")
	return ran
}

func (e *testEnv) integration(t *testing.T, tenantID string) *models.Integration {
	t.Helper()
	in, err := e.integrations.Find(context.Background(), tenantID, testMarketplace)
	require.NoError(t, err)
	return in
}
