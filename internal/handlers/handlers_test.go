package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"marketplace-sync-service/internal/clients"
	"marketplace-sync-service/internal/logger"
	"marketplace-sync-service/internal/middleware"
	"marketplace-sync-service/internal/models"
	"marketplace-sync-service/internal/queue"
	"marketplace-sync-service/internal/services"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// ----------------------------------------------------------------------------
// Mocks
// ----------------------------------------------------------------------------

type mockIntegrations struct{ mock.Mock }

func (m *mockIntegrations) Connect(ctx context.Context, tenantID string, mp models.Marketplace) (*services.ConnectResult, error) {
	args := m.Called(ctx, tenantID, mp)
	res, _ := args.Get(0).(*services.ConnectResult)
	return res, args.Error(1)
}

func (m *mockIntegrations) HandleOAuthCallback(ctx context.Context, state, code string, params url.Values) (*models.Integration, error) {
	args := m.Called(ctx, state, code, params)
	res, _ := args.Get(0).(*models.Integration)
	return res, args.Error(1)
}

func (m *mockIntegrations) Disconnect(ctx context.Context, tenantID string, mp models.Marketplace) (bool, error) {
	args := m.Called(ctx, tenantID, mp)
	return args.Bool(0), args.Error(1)
}

func (m *mockIntegrations) RequestSync(ctx context.Context, tenantID string, mp models.Marketplace, window *clients.Window, trigger models.TriggerType, mode models.SyncMode) (*services.SyncAccepted, error) {
	args := m.Called(ctx, tenantID, mp, window, trigger, mode)
	res, _ := args.Get(0).(*services.SyncAccepted)
	return res, args.Error(1)
}

func (m *mockIntegrations) GetStatus(ctx context.Context, tenantID string, mp models.Marketplace) (*models.Integration, error) {
	args := m.Called(ctx, tenantID, mp)
	res, _ := args.Get(0).(*models.Integration)
	return res, args.Error(1)
}

func (m *mockIntegrations) List(ctx context.Context, tenantID string) ([]models.Integration, error) {
	args := m.Called(ctx, tenantID)
	res, _ := args.Get(0).([]models.Integration)
	return res, args.Error(1)
}

func (m *mockIntegrations) ListRuns(ctx context.Context, tenantID string, mp models.Marketplace, limit int) ([]models.SyncRun, error) {
	args := m.Called(ctx, tenantID, mp, limit)
	res, _ := args.Get(0).([]models.SyncRun)
	return res, args.Error(1)
}

func (m *mockIntegrations) JobProgress(ctx context.Context, jobID string) ([]byte, error) {
	args := m.Called(ctx, jobID)
	res, _ := args.Get(0).([]byte)
	return res, args.Error(1)
}

type mockIngestor struct{ mock.Mock }

func (m *mockIngestor) Ingest(ctx context.Context, mp models.Marketplace, body []byte, headers map[string]string) (*models.WebhookEvent, error) {
	args := m.Called(ctx, mp, body, headers)
	res, _ := args.Get(0).(*models.WebhookEvent)
	return res, args.Error(1)
}

type mockSweeper struct{ mock.Mock }

func (m *mockSweeper) SweepOnce(ctx context.Context) (*services.SweepResult, error) {
	args := m.Called(ctx)
	res, _ := args.Get(0).(*services.SweepResult)
	return res, args.Error(1)
}

type mockRefunds struct{ mock.Mock }

func (m *mockRefunds) RecordRefund(ctx context.Context, tenantID string, orderID uuid.UUID, amount decimal.Decimal, reason string, refundedAt *time.Time) (*models.Order, error) {
	args := m.Called(ctx, tenantID, orderID, amount, reason, refundedAt)
	res, _ := args.Get(0).(*models.Order)
	return res, args.Error(1)
}

// ----------------------------------------------------------------------------
// Router
// ----------------------------------------------------------------------------

type testRouter struct {
	engine       *gin.Engine
	integrations *mockIntegrations
	ingestor     *mockIngestor
	sweeper      *mockSweeper
	refunds      *mockRefunds
}

func newTestRouter() *testRouter {
	tr := &testRouter{
		engine:       gin.New(),
		integrations: &mockIntegrations{},
		ingestor:     &mockIngestor{},
		sweeper:      &mockSweeper{},
		refunds:      &mockRefunds{},
	}
	log := logger.Discard()
	ih := NewIntegrationHandler(tr.integrations, log)
	wh := NewWebhookHandler(tr.ingestor, log)
	ch := NewCronHandler(tr.sweeper, "cron-secret", log)
	oh := NewOrderHandler(tr.refunds, log)
	hh := NewHealthHandler(map[string]Check{"db": func(context.Context) error { return nil }})

	r := tr.engine
	r.Use(middleware.TenantMiddleware())
	r.GET("/health", hh.Health)
	r.GET("/ready", hh.Ready)
	r.GET("/api/v1/integrations/oauth/callback", ih.OAuthCallback)
	r.POST("/api/v1/webhooks/mercado-livre", wh.HandleMercadoLivreWebhook)
	r.POST("/api/cron/sync-orders", ch.SyncOrders)

	v1 := r.Group("/api/v1")
	v1.Use(middleware.RequireTenantID())
	v1.GET("/integrations", ih.List)
	v1.GET("/integrations/:marketplace", ih.Get)
	v1.DELETE("/integrations/:marketplace", ih.Disconnect)
	v1.POST("/integrations/:marketplace/connect", ih.Connect)
	v1.POST("/integrations/:marketplace/sync", ih.Sync)
	v1.GET("/integrations/:marketplace/runs", ih.Runs)
	v1.GET("/sync/jobs/:jobId", ih.JobProgress)
	v1.POST("/orders/:id/refunds", oh.CreateRefund)
	return tr
}

func (tr *testRouter) do(method, path, tenant string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if tenant != "" {
		req.Header.Set(middleware.TenantHeader, tenant)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	tr.engine.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

// ----------------------------------------------------------------------------
// Integration endpoints
// ----------------------------------------------------------------------------

func TestTenantRequired(t *testing.T) {
	tr := newTestRouter()
	w := tr.do(http.MethodGet, "/api/v1/integrations", "", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	tr.integrations.AssertNotCalled(t, "List", mock.Anything, mock.Anything)
}

func TestConnect(t *testing.T) {
	tr := newTestRouter()
	tr.integrations.On("Connect", mock.Anything, "t1", models.MarketplaceMercadoLivre).
		Return(&services.ConnectResult{AuthURL: "https://auth", State: "abc"}, nil)

	w := tr.do(http.MethodPost, "/api/v1/integrations/mercado-livre/connect", "t1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := decode(t, w)["data"].(map[string]interface{})
	assert.Equal(t, "https://auth", data["authUrl"])
	assert.Equal(t, "abc", data["state"])
	tr.integrations.AssertExpectations(t)
}

func TestUnknownMarketplaceIs404(t *testing.T) {
	tr := newTestRouter()
	w := tr.do(http.MethodPost, "/api/v1/integrations/ebay/connect", "t1", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	tr.integrations.On("Connect", mock.Anything, "t1", models.MarketplaceShopee).
		Return(nil, &clients.UnsupportedMarketplaceError{Marketplace: "SHOPEE"})
	w = tr.do(http.MethodPost, "/api/v1/integrations/shopee/connect", "t1", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestOAuthCallback(t *testing.T) {
	tr := newTestRouter()
	tr.integrations.On("HandleOAuthCallback", mock.Anything, "good", "code", mock.Anything).
		Return(&models.Integration{TenantID: "t1", Status: models.IntegrationActive}, nil)
	tr.integrations.On("HandleOAuthCallback", mock.Anything, "stale", "code", mock.Anything).
		Return(nil, services.ErrInvalidState)

	w := tr.do(http.MethodGet, "/api/v1/integrations/oauth/callback?state=good&code=code", "", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ACTIVE", decode(t, w)["data"].(map[string]interface{})["status"])

	w = tr.do(http.MethodGet, "/api/v1/integrations/oauth/callback?state=stale&code=code", "", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = tr.do(http.MethodGet, "/api/v1/integrations/oauth/callback?error=access_denied", "", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetStatus(t *testing.T) {
	tr := newTestRouter()
	tr.integrations.On("GetStatus", mock.Anything, "t1", models.MarketplaceAmazon).Return(nil, nil)

	w := tr.do(http.MethodGet, "/api/v1/integrations/amazon", "t1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Contains(t, body, "data")
	assert.Nil(t, body["data"])
}

func TestDisconnect(t *testing.T) {
	tr := newTestRouter()
	tr.integrations.On("Disconnect", mock.Anything, "t1", models.MarketplaceShopee).Return(true, nil)

	w := tr.do(http.MethodDelete, "/api/v1/integrations/SHOPEE", "t1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["disconnected"])
}

func TestSync(t *testing.T) {
	runID := uuid.New()

	t.Run("accepted without body", func(t *testing.T) {
		tr := newTestRouter()
		tr.integrations.On("RequestSync", mock.Anything, "t1", models.MarketplaceMercadoLivre, (*clients.Window)(nil), models.TriggerManual, models.SyncModePaged).
			Return(&services.SyncAccepted{JobID: "job-1", RunID: runID}, nil)

		w := tr.do(http.MethodPost, "/api/v1/integrations/mercado-livre/sync", "t1", nil, nil)
		require.Equal(t, http.StatusAccepted, w.Code)
		assert.Equal(t, "job-1", decode(t, w)["data"].(map[string]interface{})["jobId"])
	})

	t.Run("window and mode are passed through", func(t *testing.T) {
		tr := newTestRouter()
		start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		end := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
		tr.integrations.On("RequestSync", mock.Anything, "t1", models.MarketplaceMercadoLivre,
			mock.MatchedBy(func(w *clients.Window) bool { return w != nil && w.Start.Equal(start) && w.End.Equal(end) }),
			models.TriggerManual, models.SyncModeFull).
			Return(&services.SyncAccepted{JobID: "job-2", RunID: runID}, nil)

		body := []byte(`{"startDate":"2024-01-01T00:00:00Z","endDate":"2024-02-01T00:00:00Z","mode":"FULL"}`)
		w := tr.do(http.MethodPost, "/api/v1/integrations/mercado-livre/sync", "t1", body, nil)
		assert.Equal(t, http.StatusAccepted, w.Code)
		tr.integrations.AssertExpectations(t)
	})

	t.Run("in flight is a conflict", func(t *testing.T) {
		tr := newTestRouter()
		tr.integrations.On("RequestSync", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(nil, services.ErrSyncInProgress)
		w := tr.do(http.MethodPost, "/api/v1/integrations/mercado-livre/sync", "t1", nil, nil)
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("missing integration", func(t *testing.T) {
		tr := newTestRouter()
		tr.integrations.On("RequestSync", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(nil, services.ErrIntegrationNotFound)
		w := tr.do(http.MethodPost, "/api/v1/integrations/mercado-livre/sync", "t1", nil, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("half a window is rejected", func(t *testing.T) {
		tr := newTestRouter()
		w := tr.do(http.MethodPost, "/api/v1/integrations/mercado-livre/sync", "t1", []byte(`{"startDate":"2024-01-01T00:00:00Z"}`), nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Empty(t, tr.integrations.Calls)
	})

	t.Run("bad mode is rejected", func(t *testing.T) {
		tr := newTestRouter()
		w := tr.do(http.MethodPost, "/api/v1/integrations/mercado-livre/sync", "t1", []byte(`{"mode":"SOMETIMES"}`), nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestRunsAndProgress(t *testing.T) {
	tr := newTestRouter()
	tr.integrations.On("ListRuns", mock.Anything, "t1", models.MarketplaceAmazon, 5).
		Return([]models.SyncRun{{Status: models.SyncStatusSuccess}}, nil)
	tr.integrations.On("JobProgress", mock.Anything, "job-1").Return([]byte(`{"percent":40}`), nil)
	tr.integrations.On("JobProgress", mock.Anything, "job-2").Return(nil, queue.ErrJobNotFound)

	w := tr.do(http.MethodGet, "/api/v1/integrations/amazon/runs?limit=5", "t1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["data"], 1)

	w = tr.do(http.MethodGet, "/api/v1/sync/jobs/job-1", "t1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 40, decode(t, w)["percent"])

	w = tr.do(http.MethodGet, "/api/v1/sync/jobs/job-2", "t1", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestInternalErrorsAreNotEchoed(t *testing.T) {
	tr := newTestRouter()
	tr.integrations.On("List", mock.Anything, "t1").Return(nil, errors.New("pq: connection refused"))

	w := tr.do(http.MethodGet, "/api/v1/integrations", "t1", nil, nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "pq:")
}

// ----------------------------------------------------------------------------
// Webhooks, cron, refunds, health
// ----------------------------------------------------------------------------

func TestWebhook(t *testing.T) {
	tr := newTestRouter()
	eventID := uuid.New()
	tr.ingestor.On("Ingest", mock.Anything, models.MarketplaceMercadoLivre, []byte(`{"topic":"orders_v2"}`),
		mock.MatchedBy(func(h map[string]string) bool { return h["x-signature"] == "sig" })).
		Return(&models.WebhookEvent{ID: eventID}, nil)
	tr.ingestor.On("Ingest", mock.Anything, models.MarketplaceMercadoLivre, []byte(`{"topic":"bad"}`), mock.Anything).
		Return(nil, clients.ErrInvalidSignature)
	tr.ingestor.On("Ingest", mock.Anything, models.MarketplaceMercadoLivre, []byte(`{`), mock.Anything).
		Return(nil, clients.ErrInvalidPayload)

	w := tr.do(http.MethodPost, "/api/v1/webhooks/mercado-livre", "", []byte(`{"topic":"orders_v2"}`), map[string]string{"X-Signature": "sig"})
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["received"])
	assert.Equal(t, eventID.String(), body["eventId"])

	w = tr.do(http.MethodPost, "/api/v1/webhooks/mercado-livre", "", []byte(`{"topic":"bad"}`), nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = tr.do(http.MethodPost, "/api/v1/webhooks/mercado-livre", "", []byte(`{`), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCron(t *testing.T) {
	tr := newTestRouter()
	tr.sweeper.On("SweepOnce", mock.Anything).Return(&services.SweepResult{Queued: 2}, nil).Once()

	w := tr.do(http.MethodPost, "/api/cron/sync-orders", "", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = tr.do(http.MethodPost, "/api/cron/sync-orders", "", nil, map[string]string{"x-cron-secret": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	tr.sweeper.AssertNotCalled(t, "SweepOnce", mock.Anything)

	w = tr.do(http.MethodPost, "/api/cron/sync-orders", "", nil, map[string]string{"x-cron-secret": "cron-secret"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, decode(t, w)["data"].(map[string]interface{})["queued"])

	tr.sweeper.On("SweepOnce", mock.Anything).Return(nil, nil).Once()
	w = tr.do(http.MethodPost, "/api/cron/sync-orders", "", nil, map[string]string{"x-cron-secret": "cron-secret"})
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestCronDisabledWithoutSecret(t *testing.T) {
	r := gin.New()
	r.POST("/cron", NewCronHandler(&mockSweeper{}, "", logger.Discard()).SyncOrders)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/cron", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestCreateRefund(t *testing.T) {
	tr := newTestRouter()
	orderID := uuid.New()
	tr.refunds.On("RecordRefund", mock.Anything, "t1", orderID,
		mock.MatchedBy(func(d decimal.Decimal) bool { return d.Equal(decimal.RequireFromString("25.50")) }),
		"damaged", (*time.Time)(nil)).
		Return(&models.Order{ID: orderID, Status: models.OrderPaid}, nil)
	tr.refunds.On("RecordRefund", mock.Anything, "t1", mock.Anything,
		mock.MatchedBy(func(d decimal.Decimal) bool { return !d.IsPositive() }), mock.Anything, mock.Anything).
		Return(nil, services.ErrInvalidRefund)

	w := tr.do(http.MethodPost, "/api/v1/orders/"+orderID.String()+"/refunds", "t1", []byte(`{"amount":"25.50","reason":"damaged"}`), nil)
	require.Equal(t, http.StatusCreated, w.Code)

	w = tr.do(http.MethodPost, "/api/v1/orders/"+orderID.String()+"/refunds", "t1", []byte(`{"amount":"0"}`), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = tr.do(http.MethodPost, "/api/v1/orders/not-a-uuid/refunds", "t1", []byte(`{"amount":"1"}`), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealth(t *testing.T) {
	tr := newTestRouter()
	w := tr.do(http.MethodGet, "/health", "", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = tr.do(http.MethodGet, "/ready", "", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	r := gin.New()
	r.GET("/ready", NewHealthHandler(map[string]Check{
		"redis": func(context.Context) error { return errors.New("dial tcp: refused") },
	}).Ready)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "redis")
}
