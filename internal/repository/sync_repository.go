package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"marketplace-sync-service/internal/models"
)

// maxRunErrors caps the error list kept on a run row
const maxRunErrors = 100

// PageResult is the delta one processed page adds to its run
type PageResult struct {
	Fetched    int
	Reconciled int
	Failed     int
	Errors     []string
	Cursor     string
	Revenue    decimal.Decimal
	Profit     decimal.Decimal
}

// SyncRepository handles database operations for sync runs
type SyncRepository struct {
	db *gorm.DB
}

// NewSyncRepository creates a new sync run repository
func NewSyncRepository(db *gorm.DB) *SyncRepository {
	return &SyncRepository{db: db}
}

// Create creates a new sync run
func (r *SyncRepository) Create(ctx context.Context, run *models.SyncRun) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.Status == "" {
		run.Status = models.SyncStatusRunning
	}
	return r.db.WithContext(ctx).Create(run).Error
}

// Get retrieves a sync run by ID
func (r *SyncRepository) Get(ctx context.Context, id uuid.UUID) (*models.SyncRun, error) {
	var run models.SyncRun
	if err := r.db.WithContext(ctx).First(&run, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &run, nil
}

// RecordPage folds one page's counts, errors and totals into the run
func (r *SyncRepository) RecordPage(ctx context.Context, id uuid.UUID, page PageResult) (*models.SyncRun, error) {
	var run models.SyncRun
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&run, "id = ?", id).Error; err != nil {
			return translate(err)
		}
		run.Pages++
		run.OrdersFetched += page.Fetched
		run.OrdersReconciled += page.Reconciled
		run.OrdersFailed += page.Failed
		run.TotalRevenue = run.TotalRevenue.Add(page.Revenue)
		run.TotalProfit = run.TotalProfit.Add(page.Profit)
		run.Cursor = page.Cursor
		for _, e := range page.Errors {
			if len(run.Errors) >= maxRunErrors {
				break
			}
			run.Errors = append(run.Errors, e)
		}
		if len(page.Errors) > 0 {
			run.LastError = page.Errors[len(page.Errors)-1]
		}
		return tx.Model(&run).Updates(map[string]interface{}{
			"pages":             run.Pages,
			"orders_fetched":    run.OrdersFetched,
			"orders_reconciled": run.OrdersReconciled,
			"orders_failed":     run.OrdersFailed,
			"total_revenue":     run.TotalRevenue,
			"total_profit":      run.TotalProfit,
			"cursor":            run.Cursor,
			"errors":            run.Errors,
			"last_error":        run.LastError,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// Complete sets the terminal status of a run
func (r *SyncRepository) Complete(ctx context.Context, id uuid.UUID, status models.SyncStatus, lastError string, at time.Time) error {
	updates := map[string]interface{}{
		"status":       status,
		"completed_at": at,
	}
	if lastError != "" {
		updates["last_error"] = lastError
	}
	return r.db.WithContext(ctx).
		Model(&models.SyncRun{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// ListByIntegration lists a tenant's most recent runs for one marketplace
func (r *SyncRepository) ListByIntegration(ctx context.Context, tenantID string, m models.Marketplace, limit int) ([]models.SyncRun, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var runs []models.SyncRun
	err := r.db.WithContext(ctx).
		Scopes(TenantScope(tenantID)).
		Where("marketplace = ?", m).
		Order("started_at DESC").
		Limit(limit).
		Find(&runs).Error
	return runs, err
}
