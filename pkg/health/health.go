package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/matbakh-app/matbakh-visibility-boost-sub010/internal/orchestrator"
	"github.com/matbakh-app/matbakh-visibility-boost-sub010/internal/queue"
	"github.com/matbakh-app/matbakh-visibility-boost-sub010/pkg/logging"
)

// Status represents the health status of a component
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
	StatusUnknown   Status = "unknown"
)

// Check represents a health check result
type Check struct {
	Name      string            `json:"name"`
	Status    Status            `json:"status"`
	Message   string            `json:"message,omitempty"`
	Error     string            `json:"error,omitempty"`
	Duration  time.Duration     `json:"duration"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// HealthResponse represents the overall health response
type HealthResponse struct {
	Status    Status            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Duration  time.Duration     `json:"duration"`
	Checks    map[string]*Check `json:"checks"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Checker interface for health checks
type Checker interface {
	Check(ctx context.Context) *Check
}

// Service provides health checking functionality
type Service struct {
	checkers map[string]Checker
	logger   *logging.Logger
	metadata map[string]string
	mutex    sync.RWMutex
}

// Config holds health check configuration
type Config struct {
	Timeout  time.Duration     `json:"timeout"`
	Metadata map[string]string `json:"metadata"`
}

// DefaultConfig returns default health check configuration
func DefaultConfig() *Config {
	return &Config{
		Timeout:  5 * time.Second,
		Metadata: make(map[string]string),
	}
}

// NewService creates a new health check service
func NewService(logger *logging.Logger, config *Config) *Service {
	if config == nil {
		config = DefaultConfig()
	}

	return &Service{
		checkers: make(map[string]Checker),
		logger:   logger,
		metadata: config.Metadata,
	}
}

// RegisterChecker registers a health checker
func (s *Service) RegisterChecker(name string, checker Checker) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.checkers[name] = checker
}

// UnregisterChecker unregisters a health checker
func (s *Service) UnregisterChecker(name string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.checkers, name)
}

// CheckHealth performs all health checks
func (s *Service) CheckHealth(ctx context.Context) *HealthResponse {
	start := time.Now()

	s.mutex.RLock()
	checkers := make(map[string]Checker, len(s.checkers))
	for name, checker := range s.checkers {
		checkers[name] = checker
	}
	s.mutex.RUnlock()

	checks := make(map[string]*Check, len(checkers))
	overallStatus := StatusHealthy

	var wg sync.WaitGroup
	var mutex sync.Mutex

	for name, checker := range checkers {
		wg.Add(1)
		go func(name string, checker Checker) {
			defer wg.Done()

			check := checker.Check(ctx)

			mutex.Lock()
			checks[name] = check

			switch check.Status {
			case StatusUnhealthy:
				overallStatus = StatusUnhealthy
			case StatusDegraded:
				if overallStatus == StatusHealthy {
					overallStatus = StatusDegraded
				}
			}
			mutex.Unlock()
		}(name, checker)
	}

	wg.Wait()

	return &HealthResponse{
		Status:    overallStatus,
		Timestamp: time.Now(),
		Duration:  time.Since(start),
		Checks:    checks,
		Metadata:  s.metadata,
	}
}

// Handler returns a Gin handler for health checks
func (s *Service) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
		defer cancel()

		health := s.CheckHealth(ctx)

		statusCode := http.StatusOK
		switch health.Status {
		case StatusUnhealthy:
			statusCode = http.StatusServiceUnavailable
		case StatusDegraded:
			statusCode = http.StatusPartialContent
		}

		c.JSON(statusCode, health)
	}
}

// LivenessHandler returns a simple liveness check handler
func (s *Service) LivenessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "alive",
			"timestamp": time.Now(),
		})
	}
}

// ReadinessHandler returns a readiness check handler
func (s *Service) ReadinessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		health := s.CheckHealth(ctx)

		statusCode := http.StatusOK
		if health.Status == StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}

		c.JSON(statusCode, gin.H{
			"status":    health.Status,
			"timestamp": health.Timestamp,
			"ready":     health.Status != StatusUnhealthy,
		})
	}
}

// RedisChecker checks Redis connectivity
type RedisChecker struct {
	redis *queue.RedisClient
	name  string
}

// NewRedisChecker creates a new Redis health checker
func NewRedisChecker(redis *queue.RedisClient, name string) *RedisChecker {
	return &RedisChecker{
		redis: redis,
		name:  name,
	}
}

// Check performs Redis health check
func (rc *RedisChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	check := &Check{
		Name:      rc.name,
		Timestamp: start,
	}

	if rc.redis == nil {
		check.Status = StatusUnhealthy
		check.Error = "redis connection is nil"
		check.Duration = time.Since(start)
		return check
	}

	if err := rc.redis.Health(ctx); err != nil {
		check.Status = StatusUnhealthy
		check.Error = err.Error()
		check.Duration = time.Since(start)
		return check
	}

	stats := rc.redis.Client().PoolStats()
	check.Status = StatusHealthy
	check.Message = "redis is healthy"
	check.Duration = time.Since(start)
	check.Metadata = map[string]string{
		"total_connections": fmt.Sprintf("%d", stats.TotalConns),
		"idle_connections":  fmt.Sprintf("%d", stats.IdleConns),
		"stale_connections": fmt.Sprintf("%d", stats.StaleConns),
	}

	return check
}

// ReliabilityChecker reports the orchestrator's health snapshot as a
// health check component
type ReliabilityChecker struct {
	orch *orchestrator.Orchestrator
	name string
}

// NewReliabilityChecker creates a checker backed by the orchestrator
func NewReliabilityChecker(orch *orchestrator.Orchestrator, name string) *ReliabilityChecker {
	return &ReliabilityChecker{
		orch: orch,
		name: name,
	}
}

// Check reports the reliability layer's aggregate health
func (rc *ReliabilityChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	check := &Check{
		Name:      rc.name,
		Timestamp: start,
	}

	if rc.orch == nil {
		check.Status = StatusUnknown
		check.Error = "orchestrator is nil"
		check.Duration = time.Since(start)
		return check
	}

	snapshot := rc.orch.Snapshot(ctx)
	check.Duration = time.Since(start)
	check.Metadata = map[string]string{
		"degradation_level": snapshot.DegradationLevel,
	}
	if snapshot.QueueStats != nil {
		check.Metadata["queue_depth"] = fmt.Sprintf("%d", snapshot.QueueStats.QueuedCount)
		check.Metadata["in_flight"] = fmt.Sprintf("%d", snapshot.QueueStats.InFlightCount)
	}

	openCircuits := 0
	for _, state := range snapshot.CircuitStates {
		if state.State == "OPEN" {
			openCircuits++
		}
	}
	check.Metadata["open_circuits"] = fmt.Sprintf("%d", openCircuits)

	switch snapshot.OverallHealth {
	case "unhealthy":
		check.Status = StatusUnhealthy
		check.Message = "reliability layer in severe degradation"
	case "degraded":
		check.Status = StatusDegraded
		check.Message = "reliability layer partially degraded"
	default:
		check.Status = StatusHealthy
		check.Message = "reliability layer is healthy"
	}

	return check
}

// QueueChecker reports admission queue load as a health check component
type QueueChecker struct {
	queue *queue.AdmissionQueue
	name  string
}

// NewQueueChecker creates a checker backed by the admission queue
func NewQueueChecker(q *queue.AdmissionQueue, name string) *QueueChecker {
	return &QueueChecker{
		queue: q,
		name:  name,
	}
}

// Check reports whether the queue has capacity for inline work
func (qc *QueueChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	check := &Check{
		Name:      qc.name,
		Timestamp: start,
	}

	if qc.queue == nil {
		check.Status = StatusUnknown
		check.Error = "admission queue is nil"
		check.Duration = time.Since(start)
		return check
	}

	saturated, err := qc.queue.Saturated(ctx)
	if err != nil {
		check.Status = StatusUnhealthy
		check.Error = err.Error()
		check.Duration = time.Since(start)
		return check
	}

	depth, _ := qc.queue.Depth(ctx)
	inFlight, _ := qc.queue.InFlight(ctx)
	check.Duration = time.Since(start)
	check.Metadata = map[string]string{
		"depth":     fmt.Sprintf("%d", depth),
		"in_flight": fmt.Sprintf("%d", inFlight),
	}

	if saturated {
		check.Status = StatusDegraded
		check.Message = "admission queue is saturated, new work is being deferred"
		return check
	}

	check.Status = StatusHealthy
	check.Message = "admission queue has capacity"
	return check
}
