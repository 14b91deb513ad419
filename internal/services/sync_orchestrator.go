package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"marketplace-sync-service/internal/clients"
	"marketplace-sync-service/internal/metrics"
	"marketplace-sync-service/internal/models"
	"marketplace-sync-service/internal/profit"
	"marketplace-sync-service/internal/queue"
	"marketplace-sync-service/internal/repository"
)

// SyncJobPayload is the order-sync queue message. Paged runs re-enqueue it
// with the next cursor and the same run id.
type SyncJobPayload struct {
	TenantID    string             `json:"tenantId"`
	Marketplace models.Marketplace `json:"marketplace"`
	WindowStart time.Time          `json:"windowStart"`
	WindowEnd   time.Time          `json:"windowEnd"`
	Cursor      string             `json:"cursor,omitempty"`
	RunID       uuid.UUID          `json:"runId"`
	Page        int                `json:"page"`
	Mode        models.SyncMode    `json:"mode"`
	Trigger     models.TriggerType `json:"trigger"`
}

// SyncProgress is stored as the job's progress after every page
type SyncProgress struct {
	RunID      uuid.UUID `json:"runId"`
	Page       int       `json:"page"`
	Percent    int       `json:"percent"`
	Fetched    int       `json:"fetched"`
	Reconciled int       `json:"reconciled"`
	Failed     int       `json:"failed"`
}

// SyncConfig holds the orchestrator's tunables
type SyncConfig struct {
	PageSize       int
	InterPageDelay time.Duration
	LeaseDuration  time.Duration
	Attempts       int
	Backoff        queue.Backoff
}

// SyncOrchestrator runs order-sync jobs: it claims the integration, pages
// through the marketplace's orders and hands every record to the reconciler.
type SyncOrchestrator struct {
	integrations *repository.IntegrationRepository
	runs         *repository.SyncRepository
	registry     *clients.Registry
	tokens       *TokenManager
	reconciler   *OrderReconciler
	queue        queue.Queue
	semaphore    *TenantSemaphore
	calc         *profit.Calculator
	cfg          SyncConfig
	now          func() time.Time
	metrics      *metrics.Metrics
	logger       *logrus.Entry
}

// NewSyncOrchestrator creates a new sync orchestrator
func NewSyncOrchestrator(
	integrations *repository.IntegrationRepository,
	runs *repository.SyncRepository,
	registry *clients.Registry,
	tokens *TokenManager,
	reconciler *OrderReconciler,
	q queue.Queue,
	semaphore *TenantSemaphore,
	cfg SyncConfig,
	logger *logrus.Logger,
	m *metrics.Metrics,
) *SyncOrchestrator {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 15 * time.Minute
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	return &SyncOrchestrator{
		integrations: integrations,
		runs:         runs,
		registry:     registry,
		tokens:       tokens,
		reconciler:   reconciler,
		queue:        q,
		semaphore:    semaphore,
		calc:         profit.NewCalculator(),
		cfg:          cfg,
		now:          time.Now,
		metrics:      m,
		logger:       logger.WithField("component", "sync-orchestrator"),
	}
}

// SetClock replaces the time source. Used by tests.
func (o *SyncOrchestrator) SetClock(now func() time.Time) {
	o.now = now
}

// JobOptions returns the delivery options for a sync job
func (o *SyncOrchestrator) JobOptions() queue.Options {
	return queue.Options{Attempts: o.cfg.Attempts, Backoff: o.cfg.Backoff}
}

// HandleSyncJob is the queue handler for order-sync jobs
func (o *SyncOrchestrator) HandleSyncJob(ctx context.Context, job *queue.Job) error {
	var p SyncJobPayload
	if err := job.Decode(&p); err != nil {
		return queue.Permanent(fmt.Errorf("invalid sync payload: %w", err))
	}
	if p.RunID == uuid.Nil {
		p.RunID = uuid.New()
	}
	if p.Mode == "" {
		p.Mode = models.SyncModePaged
	}

	log := o.logger.WithFields(logrus.Fields{
		"tenant_id":   p.TenantID,
		"marketplace": p.Marketplace,
		"run_id":      p.RunID,
		"page":        p.Page,
		"attempt":     job.Attempt,
	})

	integration, err := o.integrations.Find(ctx, p.TenantID, p.Marketplace)
	if errors.Is(err, repository.ErrNotFound) {
		return queue.Permanent(ErrIntegrationNotFound)
	}
	if err != nil {
		return err
	}

	adapter, err := o.registry.Get(p.Marketplace)
	if err != nil {
		if markErr := o.integrations.MarkError(ctx, integration.ID, err.Error()); markErr != nil {
			log.WithError(markErr).Error("failed to mark integration error")
		}
		return queue.Permanent(err)
	}

	release, err := o.semaphore.Acquire(ctx, p.TenantID)
	if err != nil {
		return err
	}
	defer release()

	claimed, err := o.integrations.ClaimSync(ctx, integration.ID, p.RunID, o.now().Add(o.cfg.LeaseDuration), o.now())
	if err != nil {
		return fmt.Errorf("failed to claim integration: %w", err)
	}
	if !claimed {
		log.Info("integration busy or not active, skipping sync job")
		return nil
	}

	run, err := o.ensureRun(ctx, integration, &p)
	if err != nil {
		return err
	}

	runErr := o.run(ctx, job, adapter, integration, run, &p, log)
	if runErr == nil {
		return nil
	}
	return o.fail(ctx, job, integration, run, runErr, log)
}

func (o *SyncOrchestrator) ensureRun(ctx context.Context, integration *models.Integration, p *SyncJobPayload) (*models.SyncRun, error) {
	run, err := o.runs.Get(ctx, p.RunID)
	if err == nil {
		return run, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	trigger := p.Trigger
	if trigger == "" {
		trigger = models.TriggerManual
	}
	run = &models.SyncRun{
		ID:            p.RunID,
		TenantID:      p.TenantID,
		IntegrationID: integration.ID,
		Marketplace:   p.Marketplace,
		TriggeredBy:   trigger,
		Mode:          p.Mode,
		WindowStart:   p.WindowStart,
		WindowEnd:     p.WindowEnd,
		Cursor:        p.Cursor,
		StartedAt:     o.now().UTC(),
	}
	if err := o.runs.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create sync run: %w", err)
	}
	return run, nil
}

// run processes pages until the window is exhausted (FULL) or one page is
// done and the next one queued (PAGED).
func (o *SyncOrchestrator) run(ctx context.Context, job *queue.Job, adapter clients.Adapter, integration *models.Integration, run *models.SyncRun, p *SyncJobPayload, log *logrus.Entry) error {
	token, err := o.tokens.EnsureValidToken(ctx, integration)
	if err != nil {
		return err
	}

	window := clients.Window{Start: p.WindowStart, End: p.WindowEnd}
	cursor := p.Cursor
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		page, err := adapter.FetchOrdersPage(ctx, clients.PageRequest{
			AccessToken: token,
			SellerID:    integration.SellerID,
			Window:      window,
			Cursor:      cursor,
			PageSize:    o.cfg.PageSize,
		})
		if err != nil {
			return fmt.Errorf("failed to fetch orders page: %w", err)
		}

		result := o.processPage(ctx, adapter, p, page)
		result.Cursor = page.NextCursor
		run, err = o.runs.RecordPage(ctx, run.ID, result)
		if err != nil {
			return fmt.Errorf("failed to record page: %w", err)
		}
		p.Page++

		progress := SyncProgress{
			RunID:      run.ID,
			Page:       p.Page,
			Percent:    percent(run.OrdersFetched, page.Total, page.HasMore),
			Fetched:    run.OrdersFetched,
			Reconciled: run.OrdersReconciled,
			Failed:     run.OrdersFailed,
		}
		if err := o.queue.UpdateProgress(ctx, job.ID, progress); err != nil {
			log.WithError(err).Warn("failed to update job progress")
		}
		log.WithFields(logrus.Fields{
			"fetched":    result.Fetched,
			"reconciled": result.Reconciled,
			"failed":     result.Failed,
			"has_more":   page.HasMore,
		}).Info("sync page processed")

		if !page.HasMore {
			return o.complete(ctx, integration, run, log)
		}
		if page.NextCursor == "" || page.NextCursor == cursor {
			log.Warn("marketplace reported more pages without advancing the cursor, finishing run")
			return o.complete(ctx, integration, run, log)
		}
		cursor = page.NextCursor

		if p.Mode == models.SyncModePaged {
			next := *p
			next.Cursor = cursor
			opts := o.JobOptions()
			opts.Delay = o.cfg.InterPageDelay
			if _, err := o.queue.Enqueue(ctx, queue.OrderSync, next, opts); err != nil {
				return fmt.Errorf("failed to enqueue next page: %w", err)
			}
			return o.integrations.ExtendLease(ctx, integration.ID, run.ID, o.now().Add(o.cfg.LeaseDuration+o.cfg.InterPageDelay))
		}

		if err := o.integrations.ExtendLease(ctx, integration.ID, run.ID, o.now().Add(o.cfg.LeaseDuration)); err != nil {
			return err
		}
	}
}

func (o *SyncOrchestrator) processPage(ctx context.Context, adapter clients.Adapter, p *SyncJobPayload, page *clients.OrdersPage) repository.PageResult {
	result := repository.PageResult{Fetched: len(page.Records) + len(page.Failures)}
	inputs := make([]profit.Input, 0, len(page.Records))

	for _, f := range page.Failures {
		result.Failed++
		result.Errors = append(result.Errors, (&RecordError{ExternalOrderID: f.ID, Err: f.Err}).Error())
	}

	for _, raw := range page.Records {
		ext, err := adapter.NormalizeOrder(raw)
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, (&RecordError{ExternalOrderID: raw.ID, Err: err}).Error())
			continue
		}
		res, err := o.reconciler.Reconcile(ctx, p.TenantID, p.Marketplace, ext)
		if err != nil {
			result.Failed++
			if !IsRecordError(err) {
				err = &RecordError{ExternalOrderID: ext.ExternalOrderID, Err: err}
			}
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		result.Reconciled++
		inputs = append(inputs, res.Input)
	}

	summary := o.calc.Aggregate(inputs)
	result.Revenue = summary.TotalRevenue
	result.Profit = summary.TotalProfit
	return result
}

func (o *SyncOrchestrator) complete(ctx context.Context, integration *models.Integration, run *models.SyncRun, log *logrus.Entry) error {
	now := o.now().UTC()
	syncError := strings.Join(run.Errors, "; ")
	if err := o.integrations.CompleteSync(ctx, integration.ID, run.ID, syncError, now); err != nil {
		if errors.Is(err, repository.ErrClaimLost) {
			log.Warn("sync claim was taken over before completion")
			return nil
		}
		return fmt.Errorf("failed to complete sync: %w", err)
	}

	status := run.Outcome()
	if err := o.runs.Complete(ctx, run.ID, status, "", now); err != nil {
		log.WithError(err).Error("failed to close sync run")
	}
	o.metrics.SyncFinished(string(integration.Marketplace), string(status), now.Sub(run.StartedAt))

	log.WithFields(logrus.Fields{
		"status":        status,
		"pages":         run.Pages,
		"fetched":       run.OrdersFetched,
		"reconciled":    run.OrdersReconciled,
		"failed":        run.OrdersFailed,
		"total_revenue": run.TotalRevenue.String(),
		"total_profit":  run.TotalProfit.String(),
	}).Info("sync completed")
	return nil
}

// fail applies the failure policy. Auth and unsupported errors end the run
// immediately; anything else is retried by the queue under the same run id
// until the last attempt.
func (o *SyncOrchestrator) fail(ctx context.Context, job *queue.Job, integration *models.Integration, run *models.SyncRun, cause error, log *logrus.Entry) error {
	terminal := clients.IsAuth(cause) || clients.IsUnsupported(cause)
	if !terminal && !job.FinalAttempt() {
		log.WithError(cause).Warn("sync attempt failed, will retry")
		return cause
	}

	// the job context may already be done; the bookkeeping must still land
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := o.integrations.MarkError(bg, integration.ID, cause.Error()); err != nil {
		log.WithError(err).Error("failed to mark integration error")
	}
	if err := o.runs.Complete(bg, run.ID, models.SyncStatusFailed, cause.Error(), o.now().UTC()); err != nil {
		log.WithError(err).Error("failed to close sync run")
	}
	o.metrics.SyncFinished(string(integration.Marketplace), string(models.SyncStatusFailed), o.now().Sub(run.StartedAt))
	log.WithError(cause).Error("sync failed")

	if terminal {
		return queue.Permanent(cause)
	}
	return cause
}

func percent(fetched, total int, hasMore bool) int {
	if !hasMore {
		return 100
	}
	if total <= 0 {
		return 0
	}
	p := fetched * 100 / total
	if p > 99 {
		p = 99
	}
	return p
}
