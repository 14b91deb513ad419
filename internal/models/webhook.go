package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// WebhookKind classifies a decoded webhook notification
type WebhookKind string

const (
	WebhookKindOrder        WebhookKind = "ORDER"
	WebhookKindStatus       WebhookKind = "STATUS"
	WebhookKindPayment      WebhookKind = "PAYMENT"
	WebhookKindSubscription WebhookKind = "SUBSCRIPTION"
	WebhookKindUnknown      WebhookKind = "UNKNOWN"
)

// WebhookEvent is the append-only record of one inbound webhook delivery.
// Normalized fields are decoded at ingestion so processing never touches the
// marketplace-specific payload shape.
type WebhookEvent struct {
	ID          uuid.UUID   `gorm:"type:uuid;primaryKey" json:"id"`
	Marketplace Marketplace `gorm:"type:varchar(50);not null;index:idx_webhook_events_marketplace" json:"marketplace"`
	EventType   string      `gorm:"type:varchar(100);not null" json:"eventType"`
	Kind        WebhookKind `gorm:"type:varchar(20);not null" json:"kind"`

	SellerID        string `gorm:"type:varchar(255)" json:"sellerId,omitempty"`
	ResourceID      string `gorm:"type:varchar(255)" json:"resourceId,omitempty"`
	ExternalOrderID string `gorm:"type:varchar(255)" json:"externalOrderId,omitempty"`
	NativeStatus    string `gorm:"type:varchar(100)" json:"nativeStatus,omitempty"`

	Payload     JSONB  `gorm:"type:jsonb;not null" json:"payload"`
	Signature   string `gorm:"type:text" json:"-"`
	PayloadHash string `gorm:"type:varchar(64);index:idx_webhook_events_hash" json:"payloadHash"`

	TenantID        string     `gorm:"type:varchar(255);index:idx_webhook_events_tenant" json:"tenantId,omitempty"`
	Processed       bool       `gorm:"default:false;index:idx_webhook_events_processed" json:"processed"`
	ProcessedAt     *time.Time `json:"processedAt,omitempty"`
	ProcessingError *string    `gorm:"type:text" json:"processingError,omitempty"`
	ReplayCount     int        `gorm:"not null;default:0" json:"replayCount"`
	LastReplayedAt  *time.Time `json:"lastReplayedAt,omitempty"`

	CreatedAt time.Time `gorm:"index:idx_webhook_events_created" json:"createdAt"`
}

// TableName specifies the table name for WebhookEvent
func (WebhookEvent) TableName() string {
	return "webhook_events"
}

func (e *WebhookEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}
