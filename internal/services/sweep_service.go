package services

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"marketplace-sync-service/internal/cache"
	"marketplace-sync-service/internal/clients"
	"marketplace-sync-service/internal/models"
	"marketplace-sync-service/internal/repository"
)

// SweepResult summarizes one sweep
type SweepResult struct {
	Queued           int      `json:"queued"`
	Skipped          int      `json:"skipped"`
	Failed           int      `json:"failed"`
	WebhooksReplayed int      `json:"webhooksReplayed"`
	Errors           []string `json:"errors,omitempty"`
}

// SweepConfig holds the scheduled sync settings
type SweepConfig struct {
	Overlap       time.Duration
	DefaultWindow time.Duration
	ReplayGrace   time.Duration
	Interval      time.Duration
}

// SweepService queues an incremental sync for every ACTIVE integration and
// replays webhook events that were never processed.
type SweepService struct {
	integrations *repository.IntegrationRepository
	syncs        *IntegrationService
	webhooks     *WebhookService
	lock         cache.Lock
	cfg          SweepConfig
	now          func() time.Time
	logger       *logrus.Entry
}

// NewSweepService creates a new sweep service. lock guards the sweep across
// replicas; use cache.NoopLock for a single instance.
func NewSweepService(integrations *repository.IntegrationRepository, syncs *IntegrationService, webhooks *WebhookService, lock cache.Lock, cfg SweepConfig, logger *logrus.Logger) *SweepService {
	if cfg.DefaultWindow <= 0 {
		cfg.DefaultWindow = 30 * 24 * time.Hour
	}
	if cfg.ReplayGrace <= 0 {
		cfg.ReplayGrace = 10 * time.Minute
	}
	return &SweepService{
		integrations: integrations,
		syncs:        syncs,
		webhooks:     webhooks,
		lock:         lock,
		cfg:          cfg,
		now:          time.Now,
		logger:       logger.WithField("component", "sweep"),
	}
}

// SetClock replaces the time source. Used by tests.
func (s *SweepService) SetClock(now func() time.Time) {
	s.now = now
}

// SweepOnce runs a single sweep. It returns a nil result, without error, when
// another replica holds the lock.
func (s *SweepService) SweepOnce(ctx context.Context) (*SweepResult, error) {
	acquired, err := s.lock.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if !acquired {
		s.logger.Debug("sweep already running elsewhere")
		return nil, nil
	}
	defer func() {
		if err := s.lock.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.WithError(err).Warn("failed to release sweep lock")
		}
	}()

	integrations, err := s.integrations.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	result := &SweepResult{}
	for i := range integrations {
		integration := &integrations[i]
		window := s.windowFor(integration)
		_, err := s.syncs.RequestSync(ctx, integration.TenantID, integration.Marketplace, &window, models.TriggerScheduled, models.SyncModeFull)
		switch {
		case err == nil:
			result.Queued++
		case errors.Is(err, ErrSyncInProgress), errors.Is(err, ErrIntegrationNotActive):
			result.Skipped++
		default:
			result.Failed++
			result.Errors = append(result.Errors, integration.TenantID+"/"+string(integration.Marketplace)+": "+err.Error())
		}
	}

	if s.webhooks != nil {
		replayed, err := s.webhooks.ReplayPending(ctx, s.cfg.ReplayGrace, 0)
		result.WebhooksReplayed = replayed
		if err != nil {
			result.Errors = append(result.Errors, "webhook replay: "+err.Error())
		}
	}

	s.logger.WithFields(logrus.Fields{
		"queued":   result.Queued,
		"skipped":  result.Skipped,
		"failed":   result.Failed,
		"replayed": result.WebhooksReplayed,
	}).Info("sweep finished")
	return result, nil
}

// Run sweeps on every tick until ctx is cancelled. A zero interval disables it.
func (s *SweepService) Run(ctx context.Context) {
	if s.cfg.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.WithError(err).Error("sweep failed")
			}
		}
	}
}

// windowFor starts at the last sync minus the overlap, or the default window
// for integrations that never synced.
func (s *SweepService) windowFor(integration *models.Integration) clients.Window {
	end := s.now().UTC()
	start := end.Add(-s.cfg.DefaultWindow)
	if integration.LastSyncAt != nil {
		if from := integration.LastSyncAt.UTC().Add(-s.cfg.Overlap); from.After(start) {
			start = from
		}
	}
	return clients.Window{Start: start, End: end}
}
