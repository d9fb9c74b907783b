package api

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/matbakh-app/matbakh-visibility-boost-sub010/internal/cache"
	"github.com/matbakh-app/matbakh-visibility-boost-sub010/internal/orchestrator"
	"github.com/matbakh-app/matbakh-visibility-boost-sub010/internal/queue"
	"github.com/matbakh-app/matbakh-visibility-boost-sub010/pkg/config"
	"github.com/matbakh-app/matbakh-visibility-boost-sub010/pkg/health"
	"github.com/matbakh-app/matbakh-visibility-boost-sub010/pkg/metrics"
	"github.com/matbakh-app/matbakh-visibility-boost-sub010/pkg/tracing"
)

// Dependencies bundles everything the router needs
type Dependencies struct {
	Config       *config.Config
	Orchestrator *orchestrator.Orchestrator
	Redis        *queue.RedisClient
	Queue        *queue.AdmissionQueue
	Cache        *cache.ResponseCache
	Invoker      Invoker
	Health       *health.Service
	Metrics      *metrics.Metrics
	Tracing      *tracing.TracingService
}

// NewRouter creates and configures the API router
func NewRouter(deps Dependencies) *gin.Engine {
	if deps.Config.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	router.Use(RequestIDMiddleware())
	router.Use(LoggingMiddleware())
	router.Use(ErrorHandlingMiddleware())
	router.Use(SecurityHeadersMiddleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "X-Request-ID"},
		ExposeHeaders:    []string{"X-Request-ID"},
		MaxAge:           12 * time.Hour,
		AllowCredentials: false,
	}))

	if deps.Metrics != nil {
		router.Use(deps.Metrics.PrometheusMiddleware())
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}
	if deps.Tracing != nil {
		router.Use(deps.Tracing.TracingMiddleware())
	}

	if deps.Health != nil {
		router.GET("/health", deps.Health.Handler())
		router.GET("/health/live", deps.Health.LivenessHandler())
		router.GET("/health/ready", deps.Health.ReadinessHandler())
	}

	router.GET("/api/v1", func(c *gin.Context) {
		SuccessResponse(c, gin.H{
			"name":    "Visibility Boost Reliability API",
			"version": "1.0.0",
			"status":  "ok",
		})
	})

	handler := NewProcessHandler(deps.Orchestrator, deps.Queue, deps.Cache, deps.Invoker)

	v1 := router.Group("/api/v1")
	if deps.Redis != nil {
		v1.Use(RateLimitMiddleware(deps.Redis, DefaultRateLimitConfig()))
	}
	{
		v1.POST("/process", handler.Process)
		v1.GET("/requests/:id", handler.GetRequest)
		v1.GET("/requests/:id/result", handler.GetResult)
		v1.GET("/status", handler.Status)
		v1.DELETE("/cache", handler.FlushCache)
	}

	return router
}
