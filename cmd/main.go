package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"marketplace-sync-service/internal/cache"
	"marketplace-sync-service/internal/clients"
	"marketplace-sync-service/internal/clients/amazon"
	"marketplace-sync-service/internal/clients/mercadolivre"
	"marketplace-sync-service/internal/clients/shopee"
	"marketplace-sync-service/internal/config"
	"marketplace-sync-service/internal/database"
	"marketplace-sync-service/internal/encryption"
	"marketplace-sync-service/internal/handlers"
	"marketplace-sync-service/internal/logger"
	"marketplace-sync-service/internal/metrics"
	"marketplace-sync-service/internal/middleware"
	"marketplace-sync-service/internal/models"
	"marketplace-sync-service/internal/queue"
	"marketplace-sync-service/internal/repository"
	"marketplace-sync-service/internal/secrets"
	"marketplace-sync-service/internal/services"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration
	cfg := config.Load()

	// Marketplace app credentials from GCP Secret Manager override the environment
	if cfg.GCPProjectID != "" {
		secretManager, err := secrets.NewGCPSecretManager(ctx, cfg.GCPProjectID, cfg.SecretPrefix)
		if err != nil {
			log.Printf("Warning: Failed to initialize GCP Secret Manager: %v", err)
		} else {
			if err := secretManager.OverlayConfig(ctx, cfg); err != nil {
				log.Printf("Warning: Failed to load marketplace credentials: %v", err)
			}
			secretManager.Close()
			log.Println("GCP Secret Manager credentials loaded")
		}
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	appLogger := logger.New(cfg.LogLevel)

	// Connect to database
	db, err := database.Connect(cfg.DatabaseURL, cfg.Environment)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}
	log.Println("Database models migrated")

	cipher, err := encryption.NewTokenCipher(cfg.TokenEncryptionKey)
	if err != nil {
		log.Fatalf("Invalid TOKEN_ENCRYPTION_KEY: %v", err)
	}
	if cfg.TokenEncryptionKey == "" {
		log.Println("Warning: TOKEN_ENCRYPTION_KEY not set, tokens are stored unencrypted")
	}

	// Queue, OAuth state and sweep lock live in Redis when configured
	var (
		redisClient *redis.Client
		jobQueue    queue.Queue
		stateStore  cache.StateStore
		sweepLock   cache.Lock
	)
	if cfg.RedisURL != "" {
		redisClient, err = cache.Connect(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		jobQueue = queue.NewRedisQueue(redisClient)
		stateStore = cache.NewRedisStateStore(redisClient)
		lock, err := cache.NewRedisLock(redisClient, "marketplace-sync:sweep", cfg.SyncTimeout)
		if err != nil {
			log.Fatalf("Failed to create sweep lock: %v", err)
		}
		sweepLock = lock
		log.Println("Redis connected")
	} else {
		log.Println("Warning: REDIS_URL not set, using in-memory queue and state (single replica only)")
		jobQueue = queue.NewMemoryQueue()
		stateStore = cache.NewMemoryStateStore()
		sweepLock = cache.NoopLock{}
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	registry := buildRegistry(cfg)
	if len(registry.Marketplaces()) == 0 {
		log.Println("Warning: no marketplace credentials configured")
	}

	// Initialize repositories
	integrationRepo := repository.NewIntegrationRepository(db, cipher)
	orderRepo := repository.NewOrderRepository(db)
	catalogRepo := repository.NewCatalogRepository(db)
	syncRepo := repository.NewSyncRepository(db)
	webhookRepo := repository.NewWebhookRepository(db)

	// Initialize services
	tokenManager := services.NewTokenManager(registry, integrationRepo, cfg.TokenRefreshMargin, appLogger, m)
	if redisClient != nil {
		tokenManager.UseLocks(func(key string) (cache.Lock, error) {
			return cache.NewRedisLock(redisClient, key, time.Minute)
		}, 30*time.Second)
	}
	reconciler := services.NewOrderReconciler(orderRepo, catalogRepo, decimal.NewFromFloat(cfg.CostEstimateRatio), appLogger, m)
	semaphore := services.NewTenantSemaphore(&services.ConcurrencyConfig{
		MaxConcurrentPerTenant: cfg.MaxConcurrentPerTenant,
		QueueTimeout:           30 * time.Second,
	})
	orchestrator := services.NewSyncOrchestrator(integrationRepo, syncRepo, registry, tokenManager, reconciler, jobQueue, semaphore, services.SyncConfig{
		PageSize:       cfg.SyncPageSize,
		InterPageDelay: cfg.SyncInterPageDelay,
		LeaseDuration:  cfg.SyncLeaseDuration,
		Attempts:       cfg.JobAttempts,
		Backoff:        queue.Backoff{Type: "exponential", Delay: cfg.SyncBackoffBase},
	}, appLogger, m)
	integrationService := services.NewIntegrationService(integrationRepo, syncRepo, registry, stateStore, jobQueue, orchestrator.JobOptions(), services.IntegrationConfig{
		StateTTL:      cfg.OAuthStateTTL,
		DefaultWindow: cfg.SyncDefaultWindow,
		DedupeWindow:  cfg.SyncDedupeWindow,
	}, appLogger)
	webhookService := services.NewWebhookService(webhookRepo, registry, jobQueue, services.WebhookConfig{
		Secrets: map[models.Marketplace]string{
			models.MarketplaceMercadoLivre: cfg.MercadoLivre.WebhookSecret,
			models.MarketplaceAmazon:       cfg.Amazon.WebhookSecret,
			models.MarketplaceShopee:       cfg.Shopee.WebhookSecret,
		},
		Strict:       cfg.StrictWebhookSignatures,
		Attempts:     cfg.JobAttempts,
		Backoff:      queue.Backoff{Type: "exponential", Delay: cfg.WebhookBackoffBase},
		DedupeWindow: cfg.WebhookReplayGrace,
		MaxReplays:   cfg.WebhookMaxReplays,
	}, appLogger, m)
	webhookProcessor := services.NewWebhookProcessor(webhookRepo, integrationRepo, orderRepo, registry, tokenManager, reconciler, appLogger, m)
	refundService := services.NewRefundService(orderRepo, appLogger)
	sweepService := services.NewSweepService(integrationRepo, integrationService, webhookService, sweepLock, services.SweepConfig{
		Overlap:       cfg.SyncWindowOverlap,
		DefaultWindow: cfg.SyncDefaultWindow,
		ReplayGrace:   cfg.WebhookReplayGrace,
		Interval:      cfg.SweepInterval,
	}, appLogger)

	// Background workers
	worker := queue.NewWorker(jobQueue, cfg.QueueWorkers, cfg.QueuePollInterval, appLogger, m)
	worker.Register(queue.OrderSync, cfg.SyncTimeout, orchestrator.HandleSyncJob)
	worker.Register(queue.WebhookProcessing, cfg.WebhookJobTimeout, webhookProcessor.HandleWebhookJob)
	go worker.Run(ctx)
	go sweepService.Run(ctx)

	// Initialize handlers
	healthHandler := handlers.NewHealthHandler(readinessChecks(db, redisClient))
	integrationHandler := handlers.NewIntegrationHandler(integrationService, appLogger)
	webhookHandler := handlers.NewWebhookHandler(webhookService, appLogger)
	orderHandler := handlers.NewOrderHandler(refundService, appLogger)
	cronHandler := handlers.NewCronHandler(sweepService, cfg.CronSecret, appLogger)

	// Setup router
	router := setupRouter(cfg, appLogger, healthHandler, integrationHandler, webhookHandler, orderHandler, cronHandler)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("Marketplace Sync Service starting on port %s (env: %s, marketplaces: %v)", cfg.Port, cfg.Environment, registry.Marketplaces())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Warning: server shutdown: %v", err)
	}
	if redisClient != nil {
		redisClient.Close()
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
}

// buildRegistry registers an adapter for every marketplace whose app
// credentials are configured.
func buildRegistry(cfg *config.Config) *clients.Registry {
	registry := clients.NewRegistry()
	httpOpts := clients.HTTPOptions{RateLimit: float64(cfg.DefaultRateLimit)}

	if cfg.MercadoLivre.ClientID != "" {
		registry.Register(mercadolivre.NewClient(mercadolivre.Config{
			ClientID:              cfg.MercadoLivre.ClientID,
			ClientSecret:          cfg.MercadoLivre.ClientSecret,
			RedirectURI:           cfg.MercadoLivre.RedirectURI,
			APIURL:                cfg.MercadoLivre.BaseURL,
			DefaultCommissionRate: decimal.NewFromFloat(cfg.DefaultCommissionRate),
			HTTP:                  httpOpts,
		}))
	}
	if cfg.Amazon.ClientID != "" {
		registry.Register(amazon.NewClient(amazon.Config{
			ClientID:       cfg.Amazon.ClientID,
			ClientSecret:   cfg.Amazon.ClientSecret,
			ApplicationID:  cfg.AmazonApplicationID,
			RedirectURI:    cfg.Amazon.RedirectURI,
			Region:         cfg.AmazonRegion,
			APIURL:         cfg.Amazon.BaseURL,
			MarketplaceIDs: cfg.AmazonMarketplaceIDs,
			CommissionRate: decimal.NewFromFloat(cfg.AmazonCommissionRate),
			HTTP:           httpOpts,
		}))
	}
	if partnerID := shopeePartnerID(cfg); partnerID != 0 && cfg.Shopee.ClientSecret != "" {
		registry.Register(shopee.NewClient(shopee.Config{
			PartnerID:      partnerID,
			PartnerKey:     cfg.Shopee.ClientSecret,
			RedirectURI:    cfg.Shopee.RedirectURI,
			APIURL:         cfg.Shopee.BaseURL,
			CommissionRate: decimal.NewFromFloat(cfg.DefaultCommissionRate),
			HTTP:           httpOpts,
		}))
	}
	return registry
}

// shopeePartnerID reads the id from the credentials so secret manager
// overlays win over SHOPEE_PARTNER_ID.
func shopeePartnerID(cfg *config.Config) int64 {
	if id, err := strconv.ParseInt(cfg.Shopee.ClientID, 10, 64); err == nil {
		return id
	}
	return cfg.ShopeePartnerID
}

func readinessChecks(db *gorm.DB, redisClient *redis.Client) map[string]handlers.Check {
	checks := map[string]handlers.Check{
		"database": func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}
	if redisClient != nil {
		checks["redis"] = func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}
	}
	return checks
}

// setupRouter configures the HTTP router
func setupRouter(
	cfg *config.Config,
	appLogger *logrus.Logger,
	healthHandler *handlers.HealthHandler,
	integrationHandler *handlers.IntegrationHandler,
	webhookHandler *handlers.WebhookHandler,
	orderHandler *handlers.OrderHandler,
	cronHandler *handlers.CronHandler,
) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(appLogger))

	// Security headers middleware
	router.Use(middleware.SecurityHeaders())

	// CORS middleware
	allowedOrigins := os.Getenv("CORS_ALLOWED_ORIGINS")
	var origins []string
	if allowedOrigins != "" {
		origins = strings.Split(allowedOrigins, ",")
	} else {
		origins = []string{
			"https://*.tesserix.app",
			"http://localhost:3000",
			"http://localhost:3001",
		}
	}
	router.Use(middleware.CORS(origins))

	// Tenant context middleware
	router.Use(middleware.TenantMiddleware())

	// Health check
	router.GET("/health", healthHandler.Health)
	router.GET("/ready", healthHandler.Ready)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Marketplace redirects carry no tenant header; the state identifies it
	router.GET("/api/v1/integrations/oauth/callback", integrationHandler.OAuthCallback)

	// Webhooks (no tenant ID required, verified by signature)
	webhooks := router.Group("/api/v1/webhooks")
	{
		webhooks.POST("/mercado-livre", webhookHandler.HandleMercadoLivreWebhook)
		webhooks.POST("/amazon", webhookHandler.HandleAmazonWebhook)
		webhooks.POST("/shopee", webhookHandler.HandleShopeeWebhook)
	}

	// Scheduler entry point, authenticated by x-cron-secret
	router.POST("/api/cron/sync-orders", cronHandler.SyncOrders)

	// API routes - require tenant ID
	v1 := router.Group("/api/v1")
	v1.Use(middleware.RequireTenantID())
	{
		integrations := v1.Group("/integrations")
		{
			integrations.GET("", integrationHandler.List)
			integrations.GET("/:marketplace", integrationHandler.Get)
			integrations.DELETE("/:marketplace", integrationHandler.Disconnect)
			integrations.POST("/:marketplace/connect", integrationHandler.Connect)
			integrations.POST("/:marketplace/sync", integrationHandler.Sync)
			integrations.GET("/:marketplace/runs", integrationHandler.Runs)
		}

		v1.GET("/sync/jobs/:jobId", integrationHandler.JobProgress)
		v1.POST("/orders/:id/refunds", orderHandler.CreateRefund)
	}

	return router
}
