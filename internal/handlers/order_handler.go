package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"marketplace-sync-service/internal/middleware"
	"marketplace-sync-service/internal/models"
)

// RefundRecorder records refunds against stored orders
type RefundRecorder interface {
	RecordRefund(ctx context.Context, tenantID string, orderID uuid.UUID, amount decimal.Decimal, reason string, refundedAt *time.Time) (*models.Order, error)
}

// OrderHandler handles order endpoints
type OrderHandler struct {
	refunds RefundRecorder
	logger  *logrus.Entry
}

// NewOrderHandler creates a new order handler
func NewOrderHandler(refunds RefundRecorder, logger *logrus.Logger) *OrderHandler {
	return &OrderHandler{
		refunds: refunds,
		logger:  logger.WithField("component", "order-handler"),
	}
}

// RefundRequest is the body of a refund
type RefundRequest struct {
	Amount     decimal.Decimal `json:"amount"`
	Reason     string          `json:"reason"`
	RefundedAt *time.Time      `json:"refundedAt"`
}

// CreateRefund records a refund against an order
func (h *OrderHandler) CreateRefund(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	var req RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	order, err := h.refunds.RecordRefund(c.Request.Context(), middleware.GetTenantID(c), id, req.Amount, req.Reason, req.RefundedAt)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": order})
}
