package handlers

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"marketplace-sync-service/internal/models"
)

// maxWebhookBody bounds the body read from a webhook delivery
const maxWebhookBody = 1 << 20

// WebhookIngestor persists and queues one webhook delivery
type WebhookIngestor interface {
	Ingest(ctx context.Context, m models.Marketplace, body []byte, headers map[string]string) (*models.WebhookEvent, error)
}

// WebhookHandler handles marketplace webhook endpoints
type WebhookHandler struct {
	service WebhookIngestor
	logger  *logrus.Entry
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(service WebhookIngestor, logger *logrus.Logger) *WebhookHandler {
	return &WebhookHandler{
		service: service,
		logger:  logger.WithField("component", "webhook-handler"),
	}
}

// HandleMercadoLivreWebhook handles notifications from Mercado Livre
func (h *WebhookHandler) HandleMercadoLivreWebhook(c *gin.Context) {
	h.handleWebhook(c, models.MarketplaceMercadoLivre)
}

// HandleAmazonWebhook handles notifications from Amazon
func (h *WebhookHandler) HandleAmazonWebhook(c *gin.Context) {
	h.handleWebhook(c, models.MarketplaceAmazon)
}

// HandleShopeeWebhook handles push notifications from Shopee
func (h *WebhookHandler) HandleShopeeWebhook(c *gin.Context) {
	h.handleWebhook(c, models.MarketplaceShopee)
}

// handleWebhook acknowledges fast: the event is stored and processed by the
// worker, never inline.
func (h *WebhookHandler) handleWebhook(c *gin.Context, m models.Marketplace) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	headers := make(map[string]string, len(c.Request.Header))
	for key, values := range c.Request.Header {
		if len(values) > 0 {
			headers[strings.ToLower(key)] = values[0]
		}
	}

	event, err := h.service.Ingest(c.Request.Context(), m, payload, headers)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true, "eventId": event.ID})
}
