package api

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/matbakh-app/matbakh-visibility-boost-sub010/internal/queue"
	"github.com/matbakh-app/matbakh-visibility-boost-sub010/pkg/logging"
)

// RateLimitConfig holds the per-client request budget. Counters live in
// Redis so the limit holds across replicas.
type RateLimitConfig struct {
	RequestsPerWindow int           `json:"requests_per_window"`
	Window            time.Duration `json:"window"`
	KeyPrefix         string        `json:"key_prefix"`
}

// DefaultRateLimitConfig returns the default rate limit configuration
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerWindow: 300,
		Window:            time.Minute,
		KeyPrefix:         "ratelimit",
	}
}

// RateLimitMiddleware enforces a fixed-window per-client request limit.
// Clients are identified by owner ID when the request carries one, by
// remote IP otherwise. When Redis is unreachable the request is allowed
// through; admission control is the reliability gate, this is abuse
// protection.
func RateLimitMiddleware(redis *queue.RedisClient, config RateLimitConfig) gin.HandlerFunc {
	if config.RequestsPerWindow <= 0 {
		config.RequestsPerWindow = 300
	}
	if config.Window <= 0 {
		config.Window = time.Minute
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "ratelimit"
	}

	logger := logging.GetLogger()

	return func(c *gin.Context) {
		client := c.GetHeader("X-Owner-ID")
		if client == "" {
			client = c.ClientIP()
		}

		window := time.Now().Unix() / int64(config.Window.Seconds())
		key := fmt.Sprintf("%s:%s:%d", config.KeyPrefix, client, window)

		count, err := redis.IncrWithExpiry(c.Request.Context(), key, config.Window)
		if err != nil {
			logger.Warn("Rate limit check failed, allowing request", "error", err)
			c.Next()
			return
		}

		remaining := int64(config.RequestsPerWindow) - count
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(config.RequestsPerWindow))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

		if count > int64(config.RequestsPerWindow) {
			c.Header("Retry-After", strconv.Itoa(int(config.Window.Seconds())))
			c.AbortWithStatusJSON(429, APIResponse{
				Success: false,
				Error: &APIError{
					Code:    "RATE_LIMITED",
					Message: "request rate limit exceeded",
				},
				RequestID: requestIDFrom(c),
				Timestamp: time.Now(),
			})
			return
		}

		c.Next()
	}
}
