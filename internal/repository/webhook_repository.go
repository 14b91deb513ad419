package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"marketplace-sync-service/internal/models"
)

// WebhookRepository handles database operations for webhook events
type WebhookRepository struct {
	db *gorm.DB
}

// NewWebhookRepository creates a new webhook repository
func NewWebhookRepository(db *gorm.DB) *WebhookRepository {
	return &WebhookRepository{db: db}
}

// Create creates a new webhook event
func (r *WebhookRepository) Create(ctx context.Context, event *models.WebhookEvent) error {
	return r.db.WithContext(ctx).Create(event).Error
}

// GetByID retrieves a webhook event by ID
func (r *WebhookRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	if err := r.db.WithContext(ctx).First(&event, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &event, nil
}

// MarkProcessed marks a webhook event as processed. tenantID is recorded when
// the seller was resolved, note when processing ended without effect.
func (r *WebhookRepository) MarkProcessed(ctx context.Context, id uuid.UUID, tenantID, note string) error {
	updates := map[string]interface{}{
		"processed":    true,
		"processed_at": time.Now().UTC(),
	}
	if tenantID != "" {
		updates["tenant_id"] = tenantID
	}
	if note != "" {
		updates["processing_error"] = note
	}
	return r.db.WithContext(ctx).
		Model(&models.WebhookEvent{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// RecordFailure stores the latest processing error without marking the event
// processed, so a later retry or replay picks it up again.
func (r *WebhookRepository) RecordFailure(ctx context.Context, id uuid.UUID, cause error) error {
	return r.db.WithContext(ctx).
		Model(&models.WebhookEvent{}).
		Where("id = ? AND processed = ?", id, false).
		Update("processing_error", cause.Error()).Error
}

// MarkReplayed counts one more replay of an unprocessed event
func (r *WebhookRepository) MarkReplayed(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).
		Model(&models.WebhookEvent{}).
		Where("id = ? AND processed = ?", id, false).
		Updates(map[string]interface{}{
			"replay_count":     gorm.Expr("replay_count + 1"),
			"last_replayed_at": time.Now().UTC(),
		}).Error
}

// ListUnprocessedBefore lists events still unprocessed after their grace
// period, least replayed first so repeat failures cannot starve newer events.
func (r *WebhookRepository) ListUnprocessedBefore(ctx context.Context, before time.Time, limit int) ([]models.WebhookEvent, error) {
	var events []models.WebhookEvent
	err := r.db.WithContext(ctx).
		Where("processed = ? AND created_at < ?", false, before).
		Order("replay_count ASC").
		Order("created_at ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

// CountByHash counts deliveries sharing a payload hash, which makes duplicate
// deliveries visible without rejecting them.
func (r *WebhookRepository) CountByHash(ctx context.Context, m models.Marketplace, hash string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.WebhookEvent{}).
		Where("marketplace = ? AND payload_hash = ?", m, hash).
		Count(&count).Error
	return count, err
}
