package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/matbakh-app/matbakh-visibility-boost-sub010/internal/api"
	"github.com/matbakh-app/matbakh-visibility-boost-sub010/internal/cache"
	"github.com/matbakh-app/matbakh-visibility-boost-sub010/internal/orchestrator"
	"github.com/matbakh-app/matbakh-visibility-boost-sub010/internal/queue"
	"github.com/matbakh-app/matbakh-visibility-boost-sub010/pkg/alerting"
	"github.com/matbakh-app/matbakh-visibility-boost-sub010/pkg/config"
	"github.com/matbakh-app/matbakh-visibility-boost-sub010/pkg/health"
	"github.com/matbakh-app/matbakh-visibility-boost-sub010/pkg/logging"
	"github.com/matbakh-app/matbakh-visibility-boost-sub010/pkg/metrics"
	"github.com/matbakh-app/matbakh-visibility-boost-sub010/pkg/resilience"
	"github.com/matbakh-app/matbakh-visibility-boost-sub010/pkg/tracing"
)

func main() {
	// .env is optional; real deployments set env vars directly
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		ServiceName: "visibility-boost",
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logging.SetGlobalLogger(logger)

	redisClient, err := queue.NewRedisClient(&cfg.Redis)
	if err != nil {
		logger.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Health(ctx); err != nil {
		cancel()
		logger.Error("Redis health check failed", "error", err)
		os.Exit(1)
	}
	cancel()
	logger.Info("Redis connection established", "addr", cfg.RedisAddr())

	m := metrics.NewMetrics(&metrics.Config{
		Namespace: "visibility_boost",
		Enabled:   cfg.Features.EnablePerformanceMonitoring,
	})

	tracingService, err := tracing.NewTracingService(&tracing.Config{
		ServiceName:    "visibility-boost",
		ServiceVersion: "1.0.0",
		Environment:    cfg.Tracing.Environment,
		JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		logger.Error("Failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	alertManager := alerting.NewAlertManager()
	alertManager.AddHandler(alerting.NewLoggingAlertHandler())
	errorAlerts := alerting.NewErrorAlertGenerator(alertManager)

	registry := resilience.NewRegistry(resilience.BreakerSettings{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
		MonitoringWindow: cfg.Breaker.MonitoringWindow,
		HalfOpenMaxCalls: cfg.Breaker.HalfOpenMaxCalls,
		OnStateChange: func(serviceKey string, from, to resilience.CircuitState) {
			m.RecordBreakerTransition(serviceKey, to.String())
			m.UpdateBreakerState(serviceKey, int(to))
			if to == resilience.StateOpen {
				alertManager.SendAlert(context.Background(), alerting.Alert{
					Severity:    alerting.SeverityError,
					Title:       "Circuit breaker opened",
					Description: fmt.Sprintf("circuit for %s transitioned %s -> %s", serviceKey, from, to),
					Source:      "circuit-breaker",
					Tags:        map[string]string{"service_key": serviceKey},
				})
			}
		},
	})

	degradation := resilience.NewDegradationController(resilience.DegradationSettings{
		PartialThreshold: cfg.Degradation.PartialThreshold,
		SevereThreshold:  cfg.Degradation.SevereThreshold,
		SmoothingFactor:  cfg.Degradation.SmoothingFactor,
		OnLevelChange: func(from, to resilience.DegradationLevel) {
			m.UpdateDegradationLevel("orchestrator", int(to))
			if to > from {
				alertManager.SendAlert(context.Background(), alerting.Alert{
					Severity:    alerting.SeverityWarning,
					Title:       "Degradation level escalated",
					Description: fmt.Sprintf("degradation escalated %s -> %s", from, to),
					Source:      "degradation-controller",
				})
			}
		},
	})

	admissionQueue := queue.NewAdmissionQueue(redisClient, "reliability", queue.Config{
		MaxQueueSize:          cfg.Queue.MaxQueueSize,
		MaxConcurrentRequests: cfg.Queue.MaxConcurrentRequests,
		DefaultTimeout:        cfg.Queue.DefaultTimeout,
		MaxRetries:            cfg.Queue.MaxRetries,
		RequestTTL:            cfg.Queue.RequestTTL,
	})

	responseCache := cache.NewResponseCache(redisClient, cache.Config{
		DefaultTTL:          cfg.Cache.DefaultTTL,
		CacheableOperations: cfg.Cache.CacheableOperations,
		DenyMarkers:         cfg.Cache.DenyMarkers,
		HotTierSize:         cfg.Cache.HotTierSize,
		HotTierTTL:          cfg.Cache.HotTierTTL,
	})

	orch := orchestrator.New(orchestrator.Options{
		Registry:       registry,
		Degradation:    degradation,
		Queue:          admissionQueue,
		Cache:          responseCache,
		Metrics:        m,
		Alerts:         errorAlerts,
		Flags:          cfg.Features,
		DefaultTimeout: cfg.Queue.DefaultTimeout,
	})

	invoker := api.NewHTTPInvoker(cfg.Upstream)

	// Background worker drains the admission queue. Queued work runs
	// through the same breaker, degradation and cache stages as inline
	// execution; only admission is skipped, the worker already holds the
	// slot its dequeue claimed.
	worker := queue.NewWorker(admissionQueue, queue.DefaultWorkerConfig())
	worker.RegisterHandler("*", queue.HandlerFunc(
		func(ctx context.Context, req *queue.QueuedRequest) (map[string]interface{}, error) {
			return orch.ProcessQueued(ctx, req,
				func(callCtx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
					return invoker.Invoke(callCtx, req.Operation, payload)
				})
		}))

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	if err := worker.Start(workerCtx); err != nil {
		logger.Error("Failed to start queue worker", "error", err)
		os.Exit(1)
	}

	// Scheduled sweep replaces an in-process polling loop: the queue
	// exposes an explicit tick, the scheduler drives it.
	scheduler := cron.New(cron.WithSeconds())
	sweepSpec := fmt.Sprintf("@every %s", cfg.Queue.SweepInterval)
	if _, err := scheduler.AddFunc(sweepSpec, func() {
		sweepCtx, sweepCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer sweepCancel()

		swept, err := admissionQueue.Sweep(sweepCtx)
		if err != nil {
			logger.Warn("Queue sweep failed", "error", err)
			return
		}
		if swept > 0 {
			logger.Info("Queue sweep completed", "timed_out", swept)
		}

		if stats, err := admissionQueue.Stats(sweepCtx); err == nil {
			m.UpdateQueueGauges("reliability", stats.QueuedCount, stats.InFlightCount)
		}
		m.UpdateCacheHitRatio("response", responseCache.Stats().HitRate())
	}); err != nil {
		logger.Error("Failed to schedule queue sweep", "error", err)
		os.Exit(1)
	}
	scheduler.Start()

	healthService := health.NewService(logger, health.DefaultConfig())
	healthService.RegisterChecker("redis", health.NewRedisChecker(redisClient, "redis"))
	healthService.RegisterChecker("reliability", health.NewReliabilityChecker(orch, "reliability"))
	healthService.RegisterChecker("admission", health.NewQueueChecker(admissionQueue, "admission"))

	router := api.NewRouter(api.Dependencies{
		Config:       cfg,
		Orchestrator: orch,
		Redis:        redisClient,
		Queue:        admissionQueue,
		Cache:        responseCache,
		Invoker:      invoker,
		Health:       healthService,
		Metrics:      m,
		Tracing:      tracingService,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("Starting API server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down")

	scheduler.Stop()
	workerCancel()
	if err := worker.Stop(); err != nil {
		logger.Warn("Worker shutdown incomplete", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}
	if err := tracingService.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Tracing shutdown incomplete", "error", err)
	}

	logger.Info("Server exited")
}
