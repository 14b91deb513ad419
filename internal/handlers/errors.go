package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"marketplace-sync-service/internal/clients"
	"marketplace-sync-service/internal/models"
	"marketplace-sync-service/internal/queue"
	"marketplace-sync-service/internal/services"
)

// statusFor maps service and client errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrIntegrationNotFound),
		errors.Is(err, services.ErrOrderNotFound),
		errors.Is(err, queue.ErrJobNotFound),
		clients.IsUnsupported(err):
		return http.StatusNotFound
	case errors.Is(err, services.ErrSyncInProgress),
		errors.Is(err, services.ErrIntegrationNotActive):
		return http.StatusConflict
	case errors.Is(err, services.ErrInvalidState),
		errors.Is(err, services.ErrInvalidWindow),
		errors.Is(err, services.ErrInvalidRefund),
		errors.Is(err, clients.ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, clients.ErrInvalidSignature):
		return http.StatusUnauthorized
	case errors.Is(err, services.ErrWebhookSecretMissing):
		return http.StatusServiceUnavailable
	case clients.IsAuth(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes the mapped status. Internal errors are logged and never
// echoed to the caller.
func respondError(c *gin.Context, logger *logrus.Entry, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.WithError(err).WithFields(logrus.Fields{
			"method": c.Request.Method,
			"path":   c.FullPath(),
		}).Error("request failed")
		if status == http.StatusInternalServerError {
			c.JSON(status, gin.H{"error": "internal error"})
			return
		}
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// marketplaceParam resolves the :marketplace route segment, writing a 404 when
// it names nothing we know.
func marketplaceParam(c *gin.Context) (models.Marketplace, bool) {
	m, err := models.ParseMarketplace(c.Param("marketplace"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return "", false
	}
	return m, true
}
