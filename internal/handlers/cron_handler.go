package handlers

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"marketplace-sync-service/internal/services"
)

// Sweeper runs one scheduled sync sweep
type Sweeper interface {
	SweepOnce(ctx context.Context) (*services.SweepResult, error)
}

// CronHandler exposes the scheduled sweep to an external scheduler
type CronHandler struct {
	sweeper Sweeper
	secret  string
	logger  *logrus.Entry
}

// NewCronHandler creates a new cron handler. An empty secret disables the
// endpoint.
func NewCronHandler(sweeper Sweeper, secret string, logger *logrus.Logger) *CronHandler {
	return &CronHandler{
		sweeper: sweeper,
		secret:  secret,
		logger:  logger.WithField("component", "cron-handler"),
	}
}

// SyncOrders queues a sync for every active integration
func (h *CronHandler) SyncOrders(c *gin.Context) {
	if h.secret == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "cron endpoint not configured"})
		return
	}
	got := c.GetHeader("x-cron-secret")
	if subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid cron secret"})
		return
	}

	result, err := h.sweeper.SweepOnce(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if result == nil {
		c.JSON(http.StatusAccepted, gin.H{"skipped": true, "reason": "sweep already running"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": result})
}
