package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/demandcast/demandcast-go/internal/api"
	"github.com/demandcast/demandcast-go/internal/cache"
	"github.com/demandcast/demandcast-go/internal/config"
	"github.com/demandcast/demandcast-go/internal/database"
	"github.com/demandcast/demandcast-go/internal/logging"
	"github.com/demandcast/demandcast-go/internal/middleware"
	"github.com/demandcast/demandcast-go/internal/registry"
	"github.com/demandcast/demandcast-go/internal/services"
	"github.com/demandcast/demandcast-go/internal/telemetry"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// main serves as the entry point for the application.
// It delegates execution to the run function and handles exit codes based on success or failure.
func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Application failed: %v\n", err)
		os.Exit(1)
	}
}

// run orchestrates the startup sequence of the server.
// It loads configuration, initializes telemetry, storage, the forecasting
// services, and the HTTP server, and manages graceful shutdown upon
// receiving termination signals.
//
// Returns:
//   - An error if initialization fails at any critical step.
func run() error {
	// Load .env if present. Deployed environments set variables directly.
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logging.New(cfg.LogLevel, cfg.Environment)

	ctx := context.Background()

	// Initialize tracing
	tracing, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:      cfg.Telemetry.Enabled,
		Exporter:     cfg.Telemetry.Exporter,
		OTLPEndpoint: cfg.Telemetry.Endpoint,
		Environment:  cfg.Environment,
		SampleRate:   cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(flushCtx); err != nil {
			logger.WithError(err).Warn("Telemetry shutdown failed")
		}
	}()

	// Mirror log entries to the OTLP collector when log export is enabled
	if cfg.Telemetry.LogsEnabled {
		hook, err := logging.NewOTLPHook(ctx, logging.OTLPConfig{
			Endpoint:       cfg.Telemetry.Endpoint,
			ServiceName:    telemetry.ServiceName,
			ServiceVersion: telemetry.ServiceVersion,
			Environment:    cfg.Environment,
		})
		if err != nil {
			logger.WithError(err).Warn("OTLP log export disabled")
		} else {
			logger.AddHook(hook)
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := hook.Shutdown(flushCtx); err != nil {
					logger.WithError(err).Warn("OTLP log flush failed")
				}
			}()
		}
	}

	// Initialize database
	db, err := database.NewPostgresConnection(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	// Initialize Redis
	redisClient, err := database.NewRedisConnection(cfg.Redis)
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	defer redisClient.Close()

	// Repositories share one traced pool so every query lands on a span
	pool := database.NewTracedDB(db.Pool)
	salesRepo := database.NewSalesRepository(pool)
	forecastRepo := database.NewForecastRepository(pool)
	quarantineRepo := database.NewQuarantineRepository(pool)

	// Initialize caches
	forecastCache := cache.NewForecastCache(redisClient.Client, cfg.Cache.ForecastTTLDuration())
	quarantineCache := cache.NewRedisQuarantineCache(redisClient.Client, quarantineRepo)
	if err := quarantineCache.LoadFromDatabase(ctx); err != nil {
		logger.WithError(err).Warn("Quarantine warm start failed, continuing with an empty cache")
	}

	// Fitted ensembles stay resident until the next batch cycle replaces them
	modelRegistry, err := registry.New(0, cfg.Batch.IntervalDuration())
	if err != nil {
		return fmt.Errorf("failed to create model registry: %w", err)
	}

	// Initialize resource monitor for fit admission and health reporting
	monitor := services.NewResourceMonitor(logger)

	// Initialize stockout alerting
	alertService := services.NewAlertService(cfg.Alerts, salesRepo, logger)

	// Initialize accuracy tracking
	tracker := services.NewAccuracyTracker(forecastRepo, salesRepo, logger)

	// Initialize forecast orchestrator
	forecastService := services.NewForecastService(cfg, services.ForecastServiceDeps{
		Sales:      salesRepo,
		Forecasts:  forecastRepo,
		Cache:      forecastCache,
		Registry:   modelRegistry,
		Quarantine: quarantineCache,
		Failures:   quarantineRepo,
		Tracker:    tracker,
		Alerts:     alertService,
		Monitor:    monitor,
	}, logger)

	// Start the scheduled batch runner
	runner := services.NewBatchRunner(forecastService, modelRegistry, quarantineRepo, monitor, cfg.Batch.IntervalDuration(), logger)
	if err := runner.Start(); err != nil {
		return fmt.Errorf("failed to start batch runner: %w", err)
	}
	defer runner.Stop()

	// Start the retention sweep
	retentionService := services.NewRetentionService(pool, services.RetentionConfig{}, logger)
	retentionService.Start()
	defer retentionService.Stop()

	// Start periodic cache stats reporting
	statsReporter := services.NewStatsReporter(redisClient.Client, forecastCache, quarantineCache, modelRegistry, logger)
	statsReporter.StartPeriodicReporting(5 * time.Minute)
	defer statsReporter.Stop()

	// Initialize JWT authentication middleware
	authMiddleware := middleware.NewAuthMiddleware(cfg.Security.JWTSecret)

	// Setup Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(telemetry.ServiceName))

	// Setup routes
	api.SetupRoutes(router, cfg, db, redisClient, forecastService, runner, monitor, alertService, retentionService, statsReporter, authMiddleware, logger)

	// Create HTTP server with security timeouts
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       15 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.WithField("port", cfg.Server.Port).Info("Server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Server stopped unexpectedly")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	// Give outstanding requests a deadline for completion
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("Server exited gracefully")
	return nil
}
