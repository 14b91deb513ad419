package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SyncMode selects how a multi-page sync advances
type SyncMode string

const (
	// SyncModeFull walks every page inside one job execution (cron sweeps).
	SyncModeFull SyncMode = "FULL"
	// SyncModePaged processes one page per job and re-enqueues the next cursor.
	SyncModePaged SyncMode = "PAGED"
)

// SyncStatus represents the status of a sync run
type SyncStatus string

const (
	SyncStatusRunning SyncStatus = "RUNNING"
	SyncStatusSuccess SyncStatus = "SUCCESS"
	SyncStatusPartial SyncStatus = "PARTIAL"
	SyncStatusFailed  SyncStatus = "FAILED"
)

// TriggerType represents what triggered the sync
type TriggerType string

const (
	TriggerManual    TriggerType = "MANUAL"
	TriggerScheduled TriggerType = "SCHEDULED"
	TriggerWebhook   TriggerType = "WEBHOOK"
	TriggerOAuth     TriggerType = "OAUTH"
)

// SyncRun records one logical sync pass over a window. Paged runs span many
// queue jobs that share the run id.
type SyncRun struct {
	ID            uuid.UUID   `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID      string      `gorm:"type:varchar(255);not null;index:idx_sync_runs_tenant" json:"tenantId"`
	IntegrationID uuid.UUID   `gorm:"type:uuid;not null;index:idx_sync_runs_integration" json:"integrationId"`
	Marketplace   Marketplace `gorm:"type:varchar(50);not null" json:"marketplace"`
	TriggeredBy   TriggerType `gorm:"type:varchar(20);not null" json:"triggeredBy"`
	Mode          SyncMode    `gorm:"type:varchar(10);not null" json:"mode"`
	Status        SyncStatus  `gorm:"type:varchar(20);not null;index:idx_sync_runs_status" json:"status"`

	WindowStart time.Time `json:"windowStart"`
	WindowEnd   time.Time `json:"windowEnd"`
	Cursor      string    `gorm:"type:text" json:"cursor,omitempty"`

	Pages            int `gorm:"default:0" json:"pages"`
	OrdersFetched    int `gorm:"default:0" json:"ordersFetched"`
	OrdersReconciled int `gorm:"default:0" json:"ordersReconciled"`
	OrdersFailed     int `gorm:"default:0" json:"ordersFailed"`

	TotalRevenue decimal.Decimal `gorm:"type:decimal(14,2);not null;default:0" json:"totalRevenue"`
	TotalProfit  decimal.Decimal `gorm:"type:decimal(14,2);not null;default:0" json:"totalProfit"`

	Errors    StringList `gorm:"type:jsonb" json:"errors,omitempty"`
	LastError string     `gorm:"type:text" json:"lastError,omitempty"`

	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// TableName specifies the table name for SyncRun
func (SyncRun) TableName() string {
	return "sync_runs"
}

// Outcome derives the terminal status from the record counts.
func (r *SyncRun) Outcome() SyncStatus {
	switch {
	case r.OrdersFailed == 0:
		return SyncStatusSuccess
	case r.OrdersReconciled > 0:
		return SyncStatusPartial
	default:
		return SyncStatusFailed
	}
}
