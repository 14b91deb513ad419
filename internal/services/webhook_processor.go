package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"marketplace-sync-service/internal/clients"
	"marketplace-sync-service/internal/metrics"
	"marketplace-sync-service/internal/models"
	"marketplace-sync-service/internal/queue"
	"marketplace-sync-service/internal/repository"
)

// WebhookProcessor applies stored webhook events: it resolves the tenant
// from the seller id, then reconciles the order or updates its status.
// Processing an event twice has no further effect.
type WebhookProcessor struct {
	events       *repository.WebhookRepository
	integrations *repository.IntegrationRepository
	orders       *repository.OrderRepository
	registry     *clients.Registry
	tokens       *TokenManager
	reconciler   *OrderReconciler
	metrics      *metrics.Metrics
	logger       *logrus.Entry
}

// NewWebhookProcessor creates a new webhook processor
func NewWebhookProcessor(
	events *repository.WebhookRepository,
	integrations *repository.IntegrationRepository,
	orders *repository.OrderRepository,
	registry *clients.Registry,
	tokens *TokenManager,
	reconciler *OrderReconciler,
	logger *logrus.Logger,
	m *metrics.Metrics,
) *WebhookProcessor {
	return &WebhookProcessor{
		events:       events,
		integrations: integrations,
		orders:       orders,
		registry:     registry,
		tokens:       tokens,
		reconciler:   reconciler,
		metrics:      m,
		logger:       logger.WithField("component", "webhook-processor"),
	}
}

// HandleWebhookJob is the queue handler for webhook-processing jobs
func (p *WebhookProcessor) HandleWebhookJob(ctx context.Context, job *queue.Job) error {
	var payload WebhookJobPayload
	if err := job.Decode(&payload); err != nil {
		return queue.Permanent(fmt.Errorf("invalid webhook payload: %w", err))
	}

	event, err := p.events.GetByID(ctx, payload.EventID)
	if errors.Is(err, repository.ErrNotFound) {
		return queue.Permanent(fmt.Errorf("webhook event %s not found", payload.EventID))
	}
	if err != nil {
		return err
	}
	if event.Processed {
		return nil
	}

	log := p.logger.WithFields(logrus.Fields{
		"event_id":    event.ID,
		"marketplace": event.Marketplace,
		"event_type":  event.EventType,
		"seller_id":   event.SellerID,
	})

	tenantID, note, err := p.process(ctx, event, log)
	if err != nil {
		if !queue.IsPermanent(err) {
			if recErr := p.events.RecordFailure(ctx, event.ID, err); recErr != nil {
				log.WithError(recErr).Warn("failed to record webhook failure")
			}
			p.metrics.Webhook(string(event.Marketplace), "retried")
			return err
		}
		note = err.Error()
	}

	if err := p.events.MarkProcessed(ctx, event.ID, tenantID, note); err != nil {
		return fmt.Errorf("failed to mark webhook processed: %w", err)
	}
	outcome := "processed"
	if note != "" {
		outcome = "skipped"
	}
	p.metrics.Webhook(string(event.Marketplace), outcome)
	log.WithFields(logrus.Fields{"tenant_id": tenantID, "note": note}).Info("webhook processed")
	return nil
}

// process returns the resolved tenant and a note explaining why the event had
// no effect. Errors marked Permanent end processing without a retry.
func (p *WebhookProcessor) process(ctx context.Context, event *models.WebhookEvent, log *logrus.Entry) (string, string, error) {
	switch event.Kind {
	case models.WebhookKindSubscription:
		return "", "subscription confirmation acknowledged", nil
	case models.WebhookKindPayment:
		return "", "payment notification acknowledged, order events carry the financial update", nil
	case models.WebhookKindUnknown:
		return "", fmt.Sprintf("unhandled event type %q", event.EventType), nil
	}

	if event.SellerID == "" {
		return "", "notification carries no seller id", nil
	}
	integration, err := p.integrations.FindBySeller(ctx, event.Marketplace, event.SellerID)
	if errors.Is(err, repository.ErrNotFound) {
		return "", fmt.Sprintf("no integration for seller %s", event.SellerID), nil
	}
	if err != nil {
		return "", "", err
	}
	tenantID := integration.TenantID

	adapter, err := p.registry.Get(event.Marketplace)
	if err != nil {
		return tenantID, "", queue.Permanent(err)
	}

	switch event.Kind {
	case models.WebhookKindOrder:
		orderID := firstNonEmpty(event.ExternalOrderID, event.ResourceID)
		if orderID == "" {
			return tenantID, "order notification carries no order id", nil
		}
		return tenantID, "", p.reconcileOrder(ctx, adapter, integration, orderID)
	case models.WebhookKindStatus:
		return p.updateStatus(ctx, adapter, integration, event, log)
	}
	return tenantID, fmt.Sprintf("unhandled event kind %q", event.Kind), nil
}

func (p *WebhookProcessor) reconcileOrder(ctx context.Context, adapter clients.Adapter, integration *models.Integration, orderID string) error {
	token, err := p.token(ctx, integration)
	if err != nil {
		return err
	}
	raw, err := adapter.FetchOrder(ctx, token, integration.SellerID, orderID)
	if err != nil {
		return p.classify(ctx, integration, err)
	}
	ext, err := adapter.NormalizeOrder(*raw)
	if err != nil {
		return queue.Permanent(&RecordError{ExternalOrderID: orderID, Err: err})
	}
	if _, err := p.reconciler.Reconcile(ctx, integration.TenantID, integration.Marketplace, ext); err != nil {
		if IsRecordError(err) {
			return queue.Permanent(err)
		}
		return err
	}
	return nil
}

func (p *WebhookProcessor) updateStatus(ctx context.Context, adapter clients.Adapter, integration *models.Integration, event *models.WebhookEvent, log *logrus.Entry) (string, string, error) {
	tenantID := integration.TenantID

	var (
		order *models.Order
		err   error
	)
	shipmentID := ""
	if event.ExternalOrderID != "" {
		order, err = p.orders.FindByExternalID(ctx, tenantID, integration.Marketplace, event.ExternalOrderID)
	} else {
		shipmentID = event.ResourceID
		order, err = p.orders.FindByShipmentID(ctx, tenantID, integration.Marketplace, shipmentID)
	}
	if errors.Is(err, repository.ErrNotFound) {
		// an unseen order is fetched in full when we know its id
		if event.ExternalOrderID != "" {
			return tenantID, "", p.reconcileOrder(ctx, adapter, integration, event.ExternalOrderID)
		}
		return tenantID, fmt.Sprintf("no order for shipment %s", shipmentID), nil
	}
	if err != nil {
		return tenantID, "", err
	}

	native := event.NativeStatus
	if native == "" {
		resolver, ok := adapter.(clients.ShipmentResolver)
		if !ok || shipmentID == "" {
			return tenantID, "status notification carries no status", nil
		}
		token, err := p.token(ctx, integration)
		if err != nil {
			return tenantID, "", err
		}
		if native, err = resolver.FetchShipmentStatus(ctx, token, shipmentID); err != nil {
			return tenantID, "", p.classify(ctx, integration, err)
		}
	}

	status := adapter.MapStatus(native)
	changed, err := p.orders.UpdateStatus(ctx, tenantID, order.ID, status)
	if err != nil {
		return tenantID, "", err
	}
	if !changed {
		return tenantID, "order is refunded, status kept", nil
	}
	log.WithFields(logrus.Fields{
		"order_id": order.ExternalOrderID,
		"native":   native,
		"status":   status,
	}).Info("order status updated from webhook")
	return tenantID, "", nil
}

func (p *WebhookProcessor) token(ctx context.Context, integration *models.Integration) (string, error) {
	token, err := p.tokens.EnsureValidToken(ctx, integration)
	if err != nil {
		return "", p.classify(ctx, integration, err)
	}
	return token, nil
}

// classify marks the integration ERROR on auth failures and makes them
// permanent; everything else is retried.
func (p *WebhookProcessor) classify(ctx context.Context, integration *models.Integration, err error) error {
	if !clients.IsAuth(err) {
		return err
	}
	if markErr := p.integrations.MarkError(ctx, integration.ID, err.Error()); markErr != nil {
		p.logger.WithError(markErr).Warn("failed to mark integration error")
	}
	return queue.Permanent(err)
}
