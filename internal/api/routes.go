package api

import (
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/demandcast/demandcast-go/internal/api/handlers"
	"github.com/demandcast/demandcast-go/internal/config"
	"github.com/demandcast/demandcast-go/internal/database"
	"github.com/demandcast/demandcast-go/internal/middleware"
	"github.com/demandcast/demandcast-go/internal/services"
)

// SetupRoutes configures all the HTTP routes for the application.
// It sets up middleware, health checks, and API endpoints (v1), and injects necessary dependencies into handlers.
//
// Parameters:
//
//	router: The Gin engine instance to register routes on.
//	cfg: Application configuration, used for CORS origins and forecast defaults.
//	db: The PostgreSQL database connection wrapper.
//	redisClient: The Redis client wrapper.
//	forecastService: Service computing and serving demand forecasts.
//	runner: Scheduler driving the periodic batch forecast cycle.
//	monitor: Host resource monitor reported on the health endpoint.
//	alertService: Stockout alert delivery service.
//	retentionService: Service enforcing data retention windows.
//	statsReporter: Aggregator for cache and registry statistics.
//	authMiddleware: Middleware for handling authentication.
//	logger: Structured logger shared by the handlers.
func SetupRoutes(router *gin.Engine, cfg *config.Config, db *database.PostgresDB, redisClient *database.RedisClient, forecastService *services.ForecastService, runner *services.BatchRunner, monitor *services.ResourceMonitor, alertService *services.AlertService, retentionService *services.RetentionService, statsReporter *services.StatsReporter, authMiddleware *middleware.AuthMiddleware, logger *logrus.Logger) {
	// Initialize admin middleware
	adminMiddleware := middleware.NewAdminMiddleware(authMiddleware)

	// CORS applies to every route, health checks included
	router.Use(middleware.CORS(cfg.Server.AllowedOrigins))

	// Initialize health handler
	healthHandler := handlers.NewHealthHandler(db, redisClient, runner, monitor, alertService, retentionService)

	// Health check endpoints
	router.GET("/health", gin.WrapF(healthHandler.HealthCheck))
	router.HEAD("/health", gin.WrapF(healthHandler.HealthCheck))
	router.GET("/ready", gin.WrapF(healthHandler.ReadinessCheck))
	router.GET("/live", gin.WrapF(healthHandler.LivenessCheck))

	// Initialize handlers
	forecastHandler := handlers.NewForecastHandler(forecastService, cfg.Forecast.Horizon, logger)
	batchHandler := handlers.NewBatchHandler(forecastService, runner, logger)
	statsHandler := handlers.NewStatsHandler(statsReporter)
	retentionHandler := handlers.NewRetentionHandler(retentionService)

	// API v1 routes with telemetry
	v1 := router.Group("/api/v1")
	v1.Use(middleware.RequestTelemetry())
	{
		// Forecast routes
		forecasts := v1.Group("/forecasts")
		{
			forecasts.GET("/:product/:store", forecastHandler.GetForecast)
			forecasts.GET("/:product/:store/accuracy", forecastHandler.GetAccuracy)
			forecasts.POST("/generate", forecastHandler.GenerateForecast)
		}

		// Model introspection routes
		models := v1.Group("/models")
		{
			models.GET("/weights/:product/:store", forecastHandler.GetModelWeights)
		}

		// Cache monitoring
		cache := v1.Group("/cache")
		cache.Use(authMiddleware.RequireAuth())
		{
			cache.GET("/stats", statsHandler.GetCacheStats)
		}

		// Data management
		data := v1.Group("/data")
		data.Use(authMiddleware.RequireAuth())
		{
			data.GET("/stats", retentionHandler.GetDataStats)
		}

		// Admin endpoints (require admin authentication)
		admin := v1.Group("/admin")
		admin.Use(adminMiddleware.RequireAdminAuth())
		{
			admin.POST("/batch", batchHandler.TriggerBatchRun)
			admin.GET("/runner", batchHandler.GetRunnerStatus)
			admin.POST("/retention/sweep", retentionHandler.TriggerSweep)
		}
	}
}
