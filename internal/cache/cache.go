package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/matbakh-app/matbakh-visibility-boost-sub010/internal/queue"
	"github.com/matbakh-app/matbakh-visibility-boost-sub010/pkg/errors"
	"github.com/matbakh-app/matbakh-visibility-boost-sub010/pkg/logging"
)

// ResponseCache stores successful responses keyed by a content
// fingerprint of the request. Redis is the durable tier; a small
// in-process LRU fronts it for repeated lookups within one instance.
type ResponseCache struct {
	redis  *queue.RedisClient
	hot    *lru.LRU[string, *CachedResponse]
	config Config
	logger *logging.Logger

	hits      atomic.Int64
	hotHits   atomic.Int64
	misses    atomic.Int64
	stores    atomic.Int64
	evictions atomic.Int64

	// hitMu serializes per-entry hit accounting
	hitMu sync.Mutex
}

// Config holds response cache configuration
type Config struct {
	// DefaultTTL applies when no per-operation TTL is configured
	DefaultTTL time.Duration
	// PerOperationTTL overrides DefaultTTL for specific operations
	PerOperationTTL map[string]time.Duration
	// CacheableOperations is the allow-list; operations not listed are
	// never cached
	CacheableOperations []string
	// DenyMarkers veto caching even for allow-listed operations when
	// they appear in the operation name or payload
	DenyMarkers []string
	// HotTierSize bounds the in-process LRU
	HotTierSize int
	// HotTierTTL bounds in-process retention; entries still carry their
	// own expiry and are double-checked on read
	HotTierTTL time.Duration
}

// DefaultConfig returns default response cache configuration
func DefaultConfig() Config {
	return Config{
		DefaultTTL: 24 * time.Hour,
		CacheableOperations: []string{
			"persona-detect",
			"visibility-analysis",
			"recommendation",
			"translation",
		},
		DenyMarkers: []string{"real-time", "live-data"},
		HotTierSize: 256,
		HotTierTTL:  5 * time.Minute,
	}
}

// CachedResponse is the stored form of a cached result. HitCount and
// LastAccessed are best-effort accounting, persisted asynchronously on
// hits.
type CachedResponse struct {
	Key          string                 `json:"key"`
	Operation    string                 `json:"operation"`
	OwnerID      string                 `json:"owner_id,omitempty"`
	Response     map[string]interface{} `json:"response"`
	CreatedAt    time.Time              `json:"created_at"`
	ExpiresAt    time.Time              `json:"expires_at"`
	HitCount     int64                  `json:"hit_count"`
	LastAccessed time.Time              `json:"last_accessed,omitempty"`
}

// Expired reports whether the entry's own expiry has passed
func (r *CachedResponse) Expired() bool {
	return time.Now().After(r.ExpiresAt)
}

// CacheStats contains response cache statistics
type CacheStats struct {
	Hits      int64 `json:"hits"`
	HotHits   int64 `json:"hot_hits"`
	Misses    int64 `json:"misses"`
	Stores    int64 `json:"stores"`
	Evictions int64 `json:"evictions"`
	HotSize   int   `json:"hot_size"`
}

// HitRate returns the fraction of lookups served from cache
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// NewResponseCache creates a response cache backed by Redis
func NewResponseCache(redis *queue.RedisClient, config Config) *ResponseCache {
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = 24 * time.Hour
	}
	if config.HotTierSize <= 0 {
		config.HotTierSize = 256
	}
	if config.HotTierTTL <= 0 {
		config.HotTierTTL = 5 * time.Minute
	}

	c := &ResponseCache{
		redis:  redis,
		config: config,
		logger: logging.GetLogger(),
	}
	c.hot = lru.NewLRU[string, *CachedResponse](config.HotTierSize, func(string, *CachedResponse) {
		c.evictions.Add(1)
	}, config.HotTierTTL)

	return c
}

// redisKey embeds operation and owner so invalidation can address
// entries by pattern; the fingerprint keeps keys unique per request
// identity.
func (c *ResponseCache) redisKey(operation, ownerID, fingerprint string) string {
	return fmt.Sprintf("respcache:%s:%s:%s", operation, ownerID, fingerprint)
}

// Cacheable reports whether a response for this request may be cached.
// Deny markers veto the allow-list: an allow-listed operation whose name
// or payload carries a freshness marker is still excluded.
func (c *ResponseCache) Cacheable(operation string, payload map[string]interface{}) bool {
	for _, marker := range c.config.DenyMarkers {
		if strings.Contains(operation, marker) {
			return false
		}
		if payloadHasMarker(payload, marker) {
			return false
		}
	}

	for _, allowed := range c.config.CacheableOperations {
		if operation == allowed {
			return true
		}
	}
	return false
}

func payloadHasMarker(payload map[string]interface{}, marker string) bool {
	for key, value := range payload {
		if strings.Contains(key, marker) {
			return true
		}
		switch v := value.(type) {
		case string:
			if strings.Contains(v, marker) {
				return true
			}
		case map[string]interface{}:
			if payloadHasMarker(v, marker) {
				return true
			}
		}
	}
	return false
}

// TTLFor returns the retention for an operation
func (c *ResponseCache) TTLFor(operation string) time.Duration {
	if ttl, ok := c.config.PerOperationTTL[operation]; ok && ttl > 0 {
		return ttl
	}
	return c.config.DefaultTTL
}

// Lookup returns the cached response for a request, or nil on a miss.
// Expired entries are treated as misses even when the backing store
// still returns them.
func (c *ResponseCache) Lookup(ctx context.Context, operation string, payload map[string]interface{}, ownerID, variant string) (*CachedResponse, error) {
	if !c.Cacheable(operation, payload) {
		return nil, nil
	}

	fingerprint := Fingerprint(operation, payload, ownerID, variant)

	if entry, ok := c.hot.Get(fingerprint); ok {
		if entry.Expired() {
			c.hot.Remove(fingerprint)
		} else {
			c.hits.Add(1)
			c.hotHits.Add(1)
			c.recordHit(entry)
			return entry, nil
		}
	}

	data, err := c.redis.Get(ctx, c.redisKey(operation, ownerID, fingerprint))
	if err != nil {
		if errors.IsNotFound(err) {
			c.misses.Add(1)
			return nil, nil
		}
		return nil, errors.NewInternalError("cache lookup failed").WithCause(err)
	}

	var entry CachedResponse
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		// A corrupt entry is a miss; drop it so it cannot recur.
		c.dropEntry(ctx, operation, ownerID, fingerprint)
		c.misses.Add(1)
		return nil, nil
	}

	if entry.Expired() {
		c.dropEntry(ctx, operation, ownerID, fingerprint)
		c.misses.Add(1)
		return nil, nil
	}

	c.hot.Add(fingerprint, &entry)
	c.hits.Add(1)
	c.recordHit(&entry)
	return &entry, nil
}

// recordHit updates the entry's hit accounting and persists it to Redis
// in the background. Accounting is best effort; a failed write is logged
// and never surfaces to the caller.
func (c *ResponseCache) recordHit(entry *CachedResponse) {
	c.hitMu.Lock()
	entry.HitCount++
	entry.LastAccessed = time.Now()
	snapshot := *entry
	c.hitMu.Unlock()

	go func() {
		ttl := time.Until(snapshot.ExpiresAt)
		if ttl <= 0 {
			return
		}

		data, err := json.Marshal(&snapshot)
		if err != nil {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		key := c.redisKey(snapshot.Operation, snapshot.OwnerID, snapshot.Key)
		if err := c.redis.Set(ctx, key, data, ttl); err != nil {
			c.logger.Warn("Cache hit accounting failed",
				"operation", snapshot.Operation,
				"fingerprint", snapshot.Key[:12],
				"error", err,
			)
		}
	}()
}

// Store caches a successful response. Non-cacheable requests are
// silently skipped; the caller does not need to pre-check.
func (c *ResponseCache) Store(ctx context.Context, operation string, payload map[string]interface{}, ownerID, variant string, response map[string]interface{}) error {
	if !c.Cacheable(operation, payload) {
		return nil
	}

	fingerprint := Fingerprint(operation, payload, ownerID, variant)
	ttl := c.TTLFor(operation)
	now := time.Now()

	entry := &CachedResponse{
		Key:       fingerprint,
		Operation: operation,
		OwnerID:   ownerID,
		Response:  response,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return errors.NewInternalError("failed to serialize cache entry").WithCause(err)
	}

	if err := c.redis.Set(ctx, c.redisKey(operation, ownerID, fingerprint), data, ttl); err != nil {
		return errors.NewInternalError("failed to store cache entry").WithCause(err)
	}

	c.hot.Add(fingerprint, entry)
	c.stores.Add(1)

	c.logger.Debug("Response cached",
		"operation", operation,
		"fingerprint", fingerprint[:12],
		"ttl", ttl,
	)
	return nil
}

// Invalidate removes every cached response for an operation, or for a
// single owner within that operation when ownerID is non-empty. Returns
// the number of entries removed from the durable tier.
func (c *ResponseCache) Invalidate(ctx context.Context, operation, ownerID string) (int64, error) {
	for _, fingerprint := range c.hot.Keys() {
		entry, ok := c.hot.Peek(fingerprint)
		if !ok {
			continue
		}
		if entry.Operation != operation {
			continue
		}
		if ownerID != "" && entry.OwnerID != ownerID {
			continue
		}
		c.hot.Remove(fingerprint)
	}

	pattern := fmt.Sprintf("respcache:%s:%s:*", operation, ownerID)
	if ownerID == "" {
		pattern = fmt.Sprintf("respcache:%s:*", operation)
	}
	return c.deleteByPattern(ctx, pattern)
}

// InvalidateAll removes every cached response. Intended for model or
// prompt rollouts where all prior responses are stale at once.
func (c *ResponseCache) InvalidateAll(ctx context.Context) (int64, error) {
	c.hot.Purge()
	return c.deleteByPattern(ctx, "respcache:*")
}

func (c *ResponseCache) deleteByPattern(ctx context.Context, pattern string) (int64, error) {
	keys, err := c.redis.Keys(ctx, pattern)
	if err != nil {
		return 0, errors.NewInternalError("failed to list cache keys").WithCause(err)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	deleted, err := c.redis.Del(ctx, keys...)
	if err != nil {
		return 0, errors.NewInternalError("failed to flush cache").WithCause(err)
	}
	return deleted, nil
}

// Stats returns response cache statistics
func (c *ResponseCache) Stats() CacheStats {
	return CacheStats{
		Hits:      c.hits.Load(),
		HotHits:   c.hotHits.Load(),
		Misses:    c.misses.Load(),
		Stores:    c.stores.Load(),
		Evictions: c.evictions.Load(),
		HotSize:   c.hot.Len(),
	}
}

func (c *ResponseCache) dropEntry(ctx context.Context, operation, ownerID, fingerprint string) {
	c.hot.Remove(fingerprint)
	if _, err := c.redis.Del(ctx, c.redisKey(operation, ownerID, fingerprint)); err != nil {
		c.logger.Debug("Failed to drop cache entry", "fingerprint", fingerprint[:12], "error", err)
	}
}
