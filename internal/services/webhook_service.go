package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"marketplace-sync-service/internal/clients"
	"marketplace-sync-service/internal/metrics"
	"marketplace-sync-service/internal/models"
	"marketplace-sync-service/internal/queue"
	"marketplace-sync-service/internal/repository"
)

// WebhookJobPayload is the webhook-processing queue message
type WebhookJobPayload struct {
	EventID uuid.UUID `json:"eventId"`
}

// WebhookConfig holds ingestion settings
type WebhookConfig struct {
	Secrets      map[models.Marketplace]string
	Strict       bool
	Attempts     int
	Backoff      queue.Backoff
	DedupeWindow time.Duration
	// MaxReplays bounds how often the sweep re-enqueues one event before
	// giving up on it.
	MaxReplays int
}

// WebhookService verifies, persists and enqueues inbound marketplace
// notifications. It never processes them inline.
type WebhookService struct {
	events   *repository.WebhookRepository
	registry *clients.Registry
	queue    queue.Queue
	cfg      WebhookConfig
	metrics  *metrics.Metrics
	logger   *logrus.Entry
}

// NewWebhookService creates a new webhook service
func NewWebhookService(events *repository.WebhookRepository, registry *clients.Registry, q queue.Queue, cfg WebhookConfig, logger *logrus.Logger, m *metrics.Metrics) *WebhookService {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.Backoff.Delay <= 0 {
		cfg.Backoff = queue.Backoff{Type: "exponential", Delay: time.Second}
	}
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = 10 * time.Minute
	}
	if cfg.MaxReplays <= 0 {
		cfg.MaxReplays = 5
	}
	return &WebhookService{
		events:   events,
		registry: registry,
		queue:    q,
		cfg:      cfg,
		metrics:  m,
		logger:   logger.WithField("component", "webhook-ingestor"),
	}
}

// Ingest handles one delivery. headers must be keyed by lower-case name.
// Nothing is persisted when the signature or the body is rejected.
func (s *WebhookService) Ingest(ctx context.Context, m models.Marketplace, body []byte, headers map[string]string) (*models.WebhookEvent, error) {
	adapter, err := s.registry.Get(m)
	if err != nil {
		return nil, err
	}
	log := s.logger.WithField("marketplace", m)

	signature := headers[strings.ToLower(adapter.SignatureHeader())]
	secret := s.cfg.Secrets[m]
	switch {
	case secret == "" && s.cfg.Strict:
		s.metrics.Webhook(string(m), "rejected")
		return nil, ErrWebhookSecretMissing
	case secret == "":
		log.Debug("no webhook secret configured, skipping signature verification")
	case signature == "":
		s.metrics.Webhook(string(m), "rejected")
		return nil, clients.ErrInvalidSignature
	default:
		if err := adapter.VerifyWebhook(body, signature, secret); err != nil {
			s.metrics.Webhook(string(m), "rejected")
			log.Warn("webhook signature mismatch")
			return nil, clients.ErrInvalidSignature
		}
	}

	n, err := adapter.ParseWebhook(body, headers)
	if err != nil {
		s.metrics.Webhook(string(m), "invalid")
		if errors.Is(err, clients.ErrInvalidPayload) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", clients.ErrInvalidPayload, err)
	}
	payload := n.Payload
	if payload == nil {
		if err := json.Unmarshal(body, &payload); err != nil {
			s.metrics.Webhook(string(m), "invalid")
			return nil, fmt.Errorf("%w: %v", clients.ErrInvalidPayload, err)
		}
	}

	sum := sha256.Sum256(body)
	event := &models.WebhookEvent{
		Marketplace:     m,
		EventType:       n.EventType,
		Kind:            n.Kind,
		SellerID:        n.SellerID,
		ResourceID:      firstNonEmpty(n.ResourceID, n.ShipmentID),
		ExternalOrderID: n.ExternalOrderID,
		NativeStatus:    n.NativeStatus,
		Payload:         models.JSONB(payload),
		Signature:       signature,
		PayloadHash:     hex.EncodeToString(sum[:]),
	}
	if err := s.events.Create(ctx, event); err != nil {
		return nil, fmt.Errorf("failed to persist webhook event: %w", err)
	}

	if deliveries, err := s.events.CountByHash(ctx, m, event.PayloadHash); err != nil {
		log.WithError(err).Warn("failed to count deliveries by payload hash")
	} else if deliveries > 1 {
		s.metrics.Webhook(string(m), "duplicate")
		log.WithFields(logrus.Fields{
			"event_id":     event.ID,
			"payload_hash": event.PayloadHash,
			"deliveries":   deliveries,
		}).Info("duplicate webhook delivery")
	}

	// A failed enqueue is logged only: the row is durable and the replay
	// sweep re-enqueues it.
	if err := s.enqueue(ctx, event.ID); err != nil && !errors.Is(err, queue.ErrDuplicateJob) {
		log.WithError(err).WithField("event_id", event.ID).Error("failed to enqueue webhook event")
	}

	s.metrics.Webhook(string(m), "accepted")
	log.WithFields(logrus.Fields{
		"event_id":   event.ID,
		"event_type": event.EventType,
		"kind":       event.Kind,
		"seller_id":  event.SellerID,
	}).Info("webhook received")
	return event, nil
}

// ReplayPending re-enqueues events still unprocessed after grace. It returns
// how many were queued. An event already replayed MaxReplays times is marked
// processed with its last error instead.
func (s *WebhookService) ReplayPending(ctx context.Context, grace time.Duration, limit int) (int, error) {
	if limit <= 0 {
		limit = 500
	}
	events, err := s.events.ListUnprocessedBefore(ctx, time.Now().UTC().Add(-grace), limit)
	if err != nil {
		return 0, err
	}
	queued, abandoned := 0, 0
	for _, e := range events {
		if e.ReplayCount >= s.cfg.MaxReplays {
			if err := s.events.MarkProcessed(ctx, e.ID, "", abandonNote(e, s.cfg.MaxReplays)); err != nil {
				return queued, err
			}
			s.metrics.Webhook(string(e.Marketplace), "abandoned")
			s.logger.WithFields(logrus.Fields{
				"event_id":     e.ID,
				"marketplace":  e.Marketplace,
				"replay_count": e.ReplayCount,
			}).Warn("giving up on webhook event")
			abandoned++
			continue
		}
		err := s.enqueue(ctx, e.ID)
		if errors.Is(err, queue.ErrDuplicateJob) {
			continue
		}
		if err != nil {
			return queued, err
		}
		if err := s.events.MarkReplayed(ctx, e.ID); err != nil {
			s.logger.WithError(err).WithField("event_id", e.ID).Warn("failed to record webhook replay")
		}
		queued++
	}
	if queued > 0 || abandoned > 0 {
		s.logger.WithFields(logrus.Fields{
			"queued":    queued,
			"abandoned": abandoned,
		}).Info("replayed unprocessed webhook events")
	}
	return queued, nil
}

func (s *WebhookService) enqueue(ctx context.Context, id uuid.UUID) error {
	_, err := s.queue.Enqueue(ctx, queue.WebhookProcessing, WebhookJobPayload{EventID: id}, queue.Options{
		Attempts:     s.cfg.Attempts,
		Backoff:      s.cfg.Backoff,
		DedupeKey:    "webhook:" + id.String(),
		DedupeWindow: s.cfg.DedupeWindow,
	})
	return err
}

func abandonNote(e models.WebhookEvent, limit int) string {
	last := "no error recorded"
	if e.ProcessingError != nil && *e.ProcessingError != "" {
		last = *e.ProcessingError
	}
	return fmt.Sprintf("gave up after %d replays: %s", limit, last)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
