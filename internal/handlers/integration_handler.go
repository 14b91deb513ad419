package handlers

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"marketplace-sync-service/internal/clients"
	"marketplace-sync-service/internal/middleware"
	"marketplace-sync-service/internal/models"
	"marketplace-sync-service/internal/services"
)

// IntegrationService is the integration lifecycle the handler depends on
type IntegrationService interface {
	Connect(ctx context.Context, tenantID string, m models.Marketplace) (*services.ConnectResult, error)
	HandleOAuthCallback(ctx context.Context, state, code string, params url.Values) (*models.Integration, error)
	Disconnect(ctx context.Context, tenantID string, m models.Marketplace) (bool, error)
	RequestSync(ctx context.Context, tenantID string, m models.Marketplace, window *clients.Window, trigger models.TriggerType, mode models.SyncMode) (*services.SyncAccepted, error)
	GetStatus(ctx context.Context, tenantID string, m models.Marketplace) (*models.Integration, error)
	List(ctx context.Context, tenantID string) ([]models.Integration, error)
	ListRuns(ctx context.Context, tenantID string, m models.Marketplace, limit int) ([]models.SyncRun, error)
	JobProgress(ctx context.Context, jobID string) ([]byte, error)
}

// IntegrationHandler handles marketplace integration endpoints
type IntegrationHandler struct {
	service IntegrationService
	logger  *logrus.Entry
}

// NewIntegrationHandler creates a new integration handler
func NewIntegrationHandler(service IntegrationService, logger *logrus.Logger) *IntegrationHandler {
	return &IntegrationHandler{
		service: service,
		logger:  logger.WithField("component", "integration-handler"),
	}
}

// SyncRequest is the optional body of a sync request
type SyncRequest struct {
	StartDate *time.Time `json:"startDate"`
	EndDate   *time.Time `json:"endDate"`
	Mode      string     `json:"mode"`
}

// List returns all integrations for a tenant
func (h *IntegrationHandler) List(c *gin.Context) {
	integrations, err := h.service.List(c.Request.Context(), middleware.GetTenantID(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"data":  integrations,
		"total": len(integrations),
	})
}

// Connect starts the OAuth flow
func (h *IntegrationHandler) Connect(c *gin.Context) {
	m, ok := marketplaceParam(c)
	if !ok {
		return
	}
	result, err := h.service.Connect(c.Request.Context(), middleware.GetTenantID(c), m)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": result})
}

// OAuthCallback completes the OAuth flow. The tenant comes from the state.
func (h *IntegrationHandler) OAuthCallback(c *gin.Context) {
	query := c.Request.URL.Query()
	if errParam := query.Get("error"); errParam != "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":       "authorization denied",
			"description": query.Get("error_description"),
		})
		return
	}

	integration, err := h.service.HandleOAuthCallback(c.Request.Context(), query.Get("state"), query.Get("code"), query)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": integration})
}

// Get returns the integration status, or null when never connected
func (h *IntegrationHandler) Get(c *gin.Context) {
	m, ok := marketplaceParam(c)
	if !ok {
		return
	}
	integration, err := h.service.GetStatus(c.Request.Context(), middleware.GetTenantID(c), m)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": integration})
}

// Disconnect revokes and clears the integration's credential
func (h *IntegrationHandler) Disconnect(c *gin.Context) {
	m, ok := marketplaceParam(c)
	if !ok {
		return
	}
	disconnected, err := h.service.Disconnect(c.Request.Context(), middleware.GetTenantID(c), m)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disconnected": disconnected})
}

// Sync queues a sync. The body is optional; without dates the default
// window is used.
func (h *IntegrationHandler) Sync(c *gin.Context) {
	m, ok := marketplaceParam(c)
	if !ok {
		return
	}

	var req SyncRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	var window *clients.Window
	if req.StartDate != nil || req.EndDate != nil {
		if req.StartDate == nil || req.EndDate == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "startDate and endDate must be given together"})
			return
		}
		window = &clients.Window{Start: *req.StartDate, End: *req.EndDate}
	}

	mode := models.SyncModePaged
	switch req.Mode {
	case "", string(models.SyncModePaged):
	case string(models.SyncModeFull):
		mode = models.SyncModeFull
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode must be PAGED or FULL"})
		return
	}

	accepted, err := h.service.RequestSync(c.Request.Context(), middleware.GetTenantID(c), m, window, models.TriggerManual, mode)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"data": accepted})
}

// Runs returns the integration's recent sync runs
func (h *IntegrationHandler) Runs(c *gin.Context) {
	m, ok := marketplaceParam(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	runs, err := h.service.ListRuns(c.Request.Context(), middleware.GetTenantID(c), m, limit)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": runs})
}

// JobProgress returns the stored progress of a queued sync job
func (h *IntegrationHandler) JobProgress(c *gin.Context) {
	progress, err := h.service.JobProgress(c.Request.Context(), c.Param("jobId"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", progress)
}
