package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/Moxxcompany/lockbay-core/internal/auth"
	"github.com/Moxxcompany/lockbay-core/internal/config"
	"github.com/Moxxcompany/lockbay-core/internal/database"
	"github.com/Moxxcompany/lockbay-core/internal/locks"
	"github.com/Moxxcompany/lockbay-core/internal/maintenance"
	"github.com/Moxxcompany/lockbay-core/internal/notify"
	"github.com/Moxxcompany/lockbay-core/internal/rates"
	"github.com/Moxxcompany/lockbay-core/internal/reconcile"
	"github.com/Moxxcompany/lockbay-core/internal/webhook"
	"github.com/Moxxcompany/lockbay-core/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	// Configure pretty logging for development
	if os.Getenv("ENVIRONMENT") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set global log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main initializes and runs the payment reconciliation server with graceful
// shutdown support.
func main() {
	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Initialize database
	db, err := database.NewDatabase(cfg.DBPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// Initialize router
	router := gin.Default()

	// Initialize services and handlers
	middleware.Configure(cfg.JWTSecret)
	authService := auth.NewService(cfg.JWTSecret)
	authHandlers := auth.NewGinHandlers(authService)
	if cfg.Environment != "production" {
		// Register development credentials
		authService.RegisterAPICredentials("dev-api-key", "dev-api-secret")
		authService.RegisterAdminCredentials("dev-admin-key", "dev-admin-secret")
	}

	lockManager := locks.NewManager(db)
	rateService := rates.NewService(rates.DefaultVenues()...)

	engine := reconcile.NewEngine(db, lockManager, rateService, notify.LogDispatcher{}, reconcile.Config{
		LockTTL:                  cfg.LockTTL,
		LockWait:                 cfg.LockWait,
		OperationTimeout:         cfg.OperationTimeout,
		IdempotencyTTL:           cfg.IdempotencyTTL,
		UnderpaymentTolerancePct: cfg.UnderpaymentTolerancePct,
		FuzzyMatchTolerance:      cfg.FuzzyMatchTolerance,
		FuzzyMatchWindow:         cfg.FuzzyMatchWindow,
	})
	reconcileHandlers := reconcile.NewGinHandlers(engine)

	webhookService := webhook.NewService(cfg.FincraWebhookSecret, cfg.KrakenWebhookSecret)
	webhookHandlers := webhook.NewGinHandlers(webhookService, engine)

	// Create and start the maintenance sweeper
	sweeper := maintenance.NewSweeper(db, lockManager, cfg.SweeperInterval)
	sweeperCtx, sweeperCancel := context.WithCancel(context.Background())
	defer sweeperCancel()

	go sweeper.Start(sweeperCtx)

	// Setup middleware
	router.Use(middleware.RateLimit())

	// Setup API routes
	setupRoutes(router, authHandlers, webhookHandlers, reconcileHandlers)

	// Create server
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Give in-flight reconciliations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth routes: Public endpoints for authentication
// - Webhook routes: Authenticated by provider HMAC signatures, not JWT
// - Status routes: Protected by JWT authentication
// - Admin routes: JWT plus the admin role
func setupRoutes(
	router *gin.Engine,
	authHandlers *auth.GinHandlers,
	webhookHandlers *webhook.GinHandlers,
	reconcileHandlers *reconcile.GinHandlers,
) {
	// Provider callbacks live outside the versioned API surface
	router.POST("/webhooks/:provider", webhookHandlers.ProviderWebhookHandler())

	v1 := router.Group("/api/v1")
	{
		// Auth routes
		auth := v1.Group("/auth")
		{
			auth.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Status routes
		status := v1.Group("/status")
		status.Use(middleware.JWTAuth())
		{
			status.GET("/:reference", reconcileHandlers.GetEntityStatusHandler())
		}

		// Admin routes for manual intervention
		admin := v1.Group("/admin")
		admin.Use(middleware.JWTAuth(), middleware.AdminOnly())
		{
			admin.POST("/entities/:reference/status", reconcileHandlers.OverrideStatusHandler())
			admin.GET("/audit/:correlation_id", reconcileHandlers.GetAuditTrailHandler())
			admin.GET("/operations/:reference", reconcileHandlers.GetOperationsHandler())
		}
	}
}
