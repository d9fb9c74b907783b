package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the application configuration
type Config struct {
	Server      ServerConfig      `json:"server"`
	Redis       RedisConfig       `json:"redis"`
	Queue       QueueConfig       `json:"queue"`
	Breaker     BreakerConfig     `json:"breaker"`
	Cache       CacheConfig       `json:"cache"`
	Degradation DegradationConfig `json:"degradation"`
	Upstream    UpstreamConfig    `json:"upstream"`
	Logging     LoggingConfig     `json:"logging"`
	Tracing     TracingConfig     `json:"tracing"`
	Features    FeatureFlags      `json:"features"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
}

// RedisConfig contains Redis connection configuration
type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// QueueConfig contains admission queue configuration
type QueueConfig struct {
	MaxQueueSize          int           `json:"max_queue_size"`
	MaxConcurrentRequests int           `json:"max_concurrent_requests"`
	DefaultTimeout        time.Duration `json:"default_timeout"`
	MaxRetries            int           `json:"max_retries"`
	SweepInterval         time.Duration `json:"sweep_interval"`
	RequestTTL            time.Duration `json:"request_ttl"`
}

// BreakerConfig contains circuit breaker configuration
type BreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold"`
	RecoveryTimeout  time.Duration `json:"recovery_timeout"`
	MonitoringWindow time.Duration `json:"monitoring_window"`
	HalfOpenMaxCalls int           `json:"half_open_max_calls"`
}

// CacheConfig contains response cache configuration
type CacheConfig struct {
	DefaultTTL          time.Duration `json:"default_ttl"`
	CacheableOperations []string      `json:"cacheable_operations"`
	DenyMarkers         []string      `json:"deny_markers"`
	HotTierSize         int           `json:"hot_tier_size"`
	HotTierTTL          time.Duration `json:"hot_tier_ttl"`
}

// DegradationConfig contains degradation controller configuration
type DegradationConfig struct {
	PartialThreshold float64 `json:"partial_threshold"`
	SevereThreshold  float64 `json:"severe_threshold"`
	SmoothingFactor  float64 `json:"smoothing_factor"`
}

// UpstreamConfig locates the processing backend the reliability layer
// fronts
type UpstreamConfig struct {
	URL     string        `json:"url"`
	Timeout time.Duration `json:"timeout"`
}

// TracingConfig contains distributed tracing configuration
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	JaegerEndpoint string  `json:"jaeger_endpoint"`
	SamplingRate   float64 `json:"sampling_rate"`
	Environment    string  `json:"environment"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

// FeatureFlags toggles individual reliability stages
type FeatureFlags struct {
	EnableRequestQueuing        bool `json:"enable_request_queuing"`
	EnableResponseCaching       bool `json:"enable_response_caching"`
	EnableGracefulDegradation   bool `json:"enable_graceful_degradation"`
	EnablePerformanceMonitoring bool `json:"enable_performance_monitoring"`
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	config := &Config{
		Server: ServerConfig{
			Host:         getEnvString("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
		},
		Redis: RedisConfig{
			Host:     getEnvString("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnvString("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 10),
		},
		Queue: QueueConfig{
			MaxQueueSize:          getEnvInt("QUEUE_MAX_SIZE", 500),
			MaxConcurrentRequests: getEnvInt("QUEUE_MAX_CONCURRENT", 10),
			DefaultTimeout:        getEnvDuration("QUEUE_DEFAULT_TIMEOUT", 45*time.Second),
			MaxRetries:            getEnvInt("QUEUE_MAX_RETRIES", 3),
			SweepInterval:         getEnvDuration("QUEUE_SWEEP_INTERVAL", 30*time.Second),
			RequestTTL:            getEnvDuration("QUEUE_REQUEST_TTL", 24*time.Hour),
		},
		Breaker: BreakerConfig{
			FailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
			RecoveryTimeout:  getEnvDuration("BREAKER_RECOVERY_TIMEOUT", 60*time.Second),
			MonitoringWindow: getEnvDuration("BREAKER_MONITORING_WINDOW", 5*time.Minute),
			HalfOpenMaxCalls: getEnvInt("BREAKER_HALF_OPEN_MAX_CALLS", 3),
		},
		Cache: CacheConfig{
			DefaultTTL:          getEnvDuration("CACHE_DEFAULT_TTL", 24*time.Hour),
			CacheableOperations: getEnvStringSlice("CACHE_OPERATIONS", []string{"persona-detect", "visibility-analysis", "recommendation", "translation"}),
			DenyMarkers:         getEnvStringSlice("CACHE_DENY_MARKERS", []string{"real-time", "live-data"}),
			HotTierSize:         getEnvInt("CACHE_HOT_TIER_SIZE", 256),
			HotTierTTL:          getEnvDuration("CACHE_HOT_TIER_TTL", 5*time.Minute),
		},
		Degradation: DegradationConfig{
			PartialThreshold: getEnvFloat("DEGRADATION_PARTIAL_THRESHOLD", 0.3),
			SevereThreshold:  getEnvFloat("DEGRADATION_SEVERE_THRESHOLD", 0.6),
			SmoothingFactor:  getEnvFloat("DEGRADATION_SMOOTHING_FACTOR", 0.2),
		},
		Upstream: UpstreamConfig{
			URL:     getEnvString("UPSTREAM_URL", "http://localhost:9090"),
			Timeout: getEnvDuration("UPSTREAM_TIMEOUT", 60*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
			Output: getEnvString("LOG_OUTPUT", "stdout"),
		},
		Tracing: TracingConfig{
			Enabled:        getEnvBool("TRACING_ENABLED", false),
			JaegerEndpoint: getEnvString("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
			SamplingRate:   getEnvFloat("TRACING_SAMPLING_RATE", 1.0),
			Environment:    getEnvString("ENVIRONMENT", "development"),
		},
		Features: FeatureFlags{
			EnableRequestQueuing:        getEnvBool("ENABLE_REQUEST_QUEUING", true),
			EnableResponseCaching:       getEnvBool("ENABLE_RESPONSE_CACHING", true),
			EnableGracefulDegradation:   getEnvBool("ENABLE_GRACEFUL_DEGRADATION", true),
			EnablePerformanceMonitoring: getEnvBool("ENABLE_PERFORMANCE_MONITORING", true),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Queue.MaxQueueSize <= 0 {
		return fmt.Errorf("queue max size must be positive")
	}
	if c.Queue.MaxConcurrentRequests <= 0 {
		return fmt.Errorf("max concurrent requests must be positive")
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker failure threshold must be positive")
	}
	if c.Breaker.HalfOpenMaxCalls <= 0 {
		return fmt.Errorf("breaker half-open max calls must be positive")
	}
	if c.Degradation.PartialThreshold <= 0 || c.Degradation.PartialThreshold >= 1 {
		return fmt.Errorf("degradation partial threshold must be in (0,1)")
	}
	if c.Degradation.SevereThreshold <= c.Degradation.PartialThreshold {
		return fmt.Errorf("degradation severe threshold must exceed partial threshold")
	}
	return nil
}

// RedisAddr returns the Redis host:port address
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
