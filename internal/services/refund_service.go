package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"marketplace-sync-service/internal/models"
	"marketplace-sync-service/internal/repository"
)

// RefundService records refunds against stored orders
type RefundService struct {
	orders *repository.OrderRepository
	now    func() time.Time
	logger *logrus.Entry
}

// NewRefundService creates a new refund service
func NewRefundService(orders *repository.OrderRepository, logger *logrus.Logger) *RefundService {
	return &RefundService{
		orders: orders,
		now:    time.Now,
		logger: logger.WithField("component", "refund-service"),
	}
}

// RecordRefund appends a refund. Once the order's refunds cover its gross
// amount the order becomes REFUNDED, and later reconciles keep that status.
func (s *RefundService) RecordRefund(ctx context.Context, tenantID string, orderID uuid.UUID, amount decimal.Decimal, reason string, refundedAt *time.Time) (*models.Order, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidRefund
	}
	at := s.now().UTC()
	if refundedAt != nil {
		at = refundedAt.UTC()
	}

	order, err := s.orders.AddRefund(ctx, tenantID, orderID, amount.Round(2), reason, at)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"tenant_id": tenantID,
		"order_id":  orderID,
		"amount":    amount.String(),
		"status":    order.Status,
	}).Info("refund recorded")
	return order, nil
}
