package services

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"marketplace-sync-service/internal/cache"
	"marketplace-sync-service/internal/clients"
	"marketplace-sync-service/internal/models"
	"marketplace-sync-service/internal/queue"
	"marketplace-sync-service/internal/repository"
)

// ConnectResult is returned by Connect
type ConnectResult struct {
	AuthURL string `json:"authUrl"`
	State   string `json:"state"`
}

// SyncAccepted is returned when a sync job was queued
type SyncAccepted struct {
	JobID string    `json:"jobId"`
	RunID uuid.UUID `json:"runId"`
}

// IntegrationConfig holds the lifecycle settings
type IntegrationConfig struct {
	StateTTL      time.Duration
	DefaultWindow time.Duration
	DedupeWindow  time.Duration
}

// IntegrationService owns the connect, callback, disconnect and sync request
// operations for a tenant's marketplace integrations.
type IntegrationService struct {
	integrations *repository.IntegrationRepository
	runs         *repository.SyncRepository
	registry     *clients.Registry
	states       cache.StateStore
	queue        queue.Queue
	syncOpts     queue.Options
	cfg          IntegrationConfig
	now          func() time.Time
	logger       *logrus.Entry
}

// NewIntegrationService creates a new integration service. syncOpts carries
// the attempts and backoff used for every sync job it queues.
func NewIntegrationService(
	integrations *repository.IntegrationRepository,
	runs *repository.SyncRepository,
	registry *clients.Registry,
	states cache.StateStore,
	q queue.Queue,
	syncOpts queue.Options,
	cfg IntegrationConfig,
	logger *logrus.Logger,
) *IntegrationService {
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = 10 * time.Minute
	}
	if cfg.DefaultWindow <= 0 {
		cfg.DefaultWindow = 30 * 24 * time.Hour
	}
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = time.Minute
	}
	return &IntegrationService{
		integrations: integrations,
		runs:         runs,
		registry:     registry,
		states:       states,
		queue:        q,
		syncOpts:     syncOpts,
		cfg:          cfg,
		now:          time.Now,
		logger:       logger.WithField("component", "integration-service"),
	}
}

// SetClock replaces the time source. Used by tests.
func (s *IntegrationService) SetClock(now func() time.Time) {
	s.now = now
}

// Connect starts the OAuth flow and returns the marketplace consent URL
func (s *IntegrationService) Connect(ctx context.Context, tenantID string, m models.Marketplace) (*ConnectResult, error) {
	adapter, err := s.registry.Get(m)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	state, err := newState(tenantID, m, now)
	if err != nil {
		return nil, err
	}
	authURL, err := adapter.GetAuthURL(state)
	if err != nil {
		return nil, fmt.Errorf("failed to build auth url: %w", err)
	}
	data := cache.OAuthState{TenantID: tenantID, Marketplace: m, CreatedAt: now}
	if err := s.states.Save(ctx, state, data, s.cfg.StateTTL); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{"tenant_id": tenantID, "marketplace": m}).Info("oauth flow started")
	return &ConnectResult{AuthURL: authURL, State: state}, nil
}

// HandleOAuthCallback exchanges the authorization code, stores the
// credential and queues the initial sync. params carries marketplace extras
// such as Amazon's selling_partner_id or Shopee's shop_id.
func (s *IntegrationService) HandleOAuthCallback(ctx context.Context, state, code string, params url.Values) (*models.Integration, error) {
	if state == "" || code == "" {
		return nil, ErrInvalidState
	}
	data, err := s.states.Consume(ctx, state)
	if errors.Is(err, cache.ErrStateNotFound) {
		return nil, ErrInvalidState
	}
	if err != nil {
		return nil, err
	}
	tenantID, m, err := parseState(state)
	if err != nil || tenantID != data.TenantID || m != data.Marketplace {
		return nil, ErrInvalidState
	}

	adapter, err := s.registry.Get(m)
	if err != nil {
		return nil, err
	}
	tokens, err := adapter.ExchangeCode(ctx, code, params)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}

	integration, err := s.integrations.UpsertConnected(ctx, tenantID, m, tokens)
	if err != nil {
		return nil, err
	}

	log := s.logger.WithFields(logrus.Fields{
		"tenant_id":   tenantID,
		"marketplace": m,
		"seller_id":   integration.SellerID,
	})
	log.Info("integration connected")

	if _, err := s.RequestSync(ctx, tenantID, m, nil, models.TriggerOAuth, models.SyncModePaged); err != nil {
		// the connection itself succeeded; the next sweep covers the sync
		log.WithError(err).Warn("failed to queue initial sync")
	}
	return integration, nil
}

// Disconnect revokes the token best-effort, clears it and marks the
// integration INACTIVE. It reports false when there was nothing to disconnect.
func (s *IntegrationService) Disconnect(ctx context.Context, tenantID string, m models.Marketplace) (bool, error) {
	adapter, err := s.registry.Get(m)
	if err != nil {
		return false, err
	}
	integration, err := s.integrations.Find(ctx, tenantID, m)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	log := s.logger.WithFields(logrus.Fields{"tenant_id": tenantID, "marketplace": m})
	if integration.HasTokens() {
		if err := adapter.RevokeToken(ctx, *integration.AccessToken); err != nil && !errors.Is(err, clients.ErrRevokeUnsupported) {
			log.WithError(err).Warn("token revocation failed, disconnecting anyway")
		}
	}

	ok, err := s.integrations.Disconnect(ctx, tenantID, m)
	if err != nil {
		return false, err
	}
	log.Info("integration disconnected")
	return ok, nil
}

// RequestSync queues a sync over window, or the default window ending now
// when nil. At most one sync per integration is queued inside the dedupe
// window.
func (s *IntegrationService) RequestSync(ctx context.Context, tenantID string, m models.Marketplace, window *clients.Window, trigger models.TriggerType, mode models.SyncMode) (*SyncAccepted, error) {
	if _, err := s.registry.Get(m); err != nil {
		return nil, err
	}
	integration, err := s.integrations.Find(ctx, tenantID, m)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrIntegrationNotFound
	}
	if err != nil {
		return nil, err
	}
	switch integration.Status {
	case models.IntegrationSyncing:
		return nil, ErrSyncInProgress
	case models.IntegrationActive:
	default:
		return nil, ErrIntegrationNotActive
	}

	w := s.defaultWindow()
	if window != nil {
		if !window.End.After(window.Start) {
			return nil, fmt.Errorf("%w: window end must be after start", ErrInvalidWindow)
		}
		w = *window
	}
	if mode == "" {
		mode = models.SyncModePaged
	}

	payload := SyncJobPayload{
		TenantID:    tenantID,
		Marketplace: m,
		WindowStart: w.Start.UTC(),
		WindowEnd:   w.End.UTC(),
		RunID:       uuid.New(),
		Mode:        mode,
		Trigger:     trigger,
	}
	opts := s.syncOpts
	opts.DedupeKey = fmt.Sprintf("sync:%s:%s", tenantID, m)
	opts.DedupeWindow = s.cfg.DedupeWindow

	job, err := s.queue.Enqueue(ctx, queue.OrderSync, payload, opts)
	if errors.Is(err, queue.ErrDuplicateJob) {
		return nil, ErrSyncInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue sync: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"tenant_id":    tenantID,
		"marketplace":  m,
		"job_id":       job.ID,
		"run_id":       payload.RunID,
		"trigger":      trigger,
		"window_start": payload.WindowStart,
		"window_end":   payload.WindowEnd,
	}).Info("sync queued")
	return &SyncAccepted{JobID: job.ID, RunID: payload.RunID}, nil
}

// GetStatus returns the integration, or nil when the tenant never connected
func (s *IntegrationService) GetStatus(ctx context.Context, tenantID string, m models.Marketplace) (*models.Integration, error) {
	if _, err := s.registry.Get(m); err != nil {
		return nil, err
	}
	integration, err := s.integrations.Find(ctx, tenantID, m)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	return integration, err
}

// List returns every integration of the tenant
func (s *IntegrationService) List(ctx context.Context, tenantID string) ([]models.Integration, error) {
	return s.integrations.ListByTenant(ctx, tenantID)
}

// ListRuns returns recent sync runs for one marketplace
func (s *IntegrationService) ListRuns(ctx context.Context, tenantID string, m models.Marketplace, limit int) ([]models.SyncRun, error) {
	if _, err := s.registry.Get(m); err != nil {
		return nil, err
	}
	return s.runs.ListByIntegration(ctx, tenantID, m, limit)
}

// JobProgress returns the stored progress of a queued sync job
func (s *IntegrationService) JobProgress(ctx context.Context, jobID string) ([]byte, error) {
	return s.queue.Progress(ctx, jobID)
}

func (s *IntegrationService) defaultWindow() clients.Window {
	end := s.now().UTC()
	return clients.Window{Start: end.Add(-s.cfg.DefaultWindow), End: end}
}

// newState encodes base64url(tenant:marketplace:unixMillis:nonce)
func newState(tenantID string, m models.Marketplace, now time.Time) (string, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate state nonce: %w", err)
	}
	raw := strings.Join([]string{tenantID, string(m), strconv.FormatInt(now.UnixMilli(), 10), hex.EncodeToString(nonce)}, ":")
	return base64.RawURLEncoding.EncodeToString([]byte(raw)), nil
}

func parseState(state string) (string, models.Marketplace, error) {
	raw, err := base64.RawURLEncoding.DecodeString(state)
	if err != nil {
		return "", "", err
	}
	// tenant ids may themselves contain colons, so split from the right
	parts := strings.Split(string(raw), ":")
	if len(parts) < 4 {
		return "", "", errors.New("malformed state")
	}
	n := len(parts)
	m, err := models.ParseMarketplace(parts[n-3])
	if err != nil {
		return "", "", err
	}
	return strings.Join(parts[:n-3], ":"), m, nil
}
