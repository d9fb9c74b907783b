package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matbakh-app/matbakh-visibility-boost-sub010/internal/queue"
)

func setupTestCache(t *testing.T, config Config) (*ResponseCache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewResponseCache(queue.NewRedisClientFromExisting(client), config), mr
}

func TestStoreAndLookup(t *testing.T) {
	c, _ := setupTestCache(t, DefaultConfig())
	ctx := context.Background()

	payload := map[string]interface{}{"business": "cafe-monaco"}
	response := map[string]interface{}{"score": 0.82, "persona": "traditionalist"}

	err := c.Store(ctx, "visibility-analysis", payload, "owner-1", "", response)
	require.NoError(t, err)

	entry, err := c.Lookup(ctx, "visibility-analysis", payload, "owner-1", "")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "visibility-analysis", entry.Operation)
	assert.Equal(t, 0.82, entry.Response["score"])

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Stores)
	assert.Equal(t, int64(1), stats.Hits)
}

func TestLookupMiss(t *testing.T) {
	c, _ := setupTestCache(t, DefaultConfig())

	entry, err := c.Lookup(context.Background(), "visibility-analysis",
		map[string]interface{}{"business": "unknown"}, "owner-1", "")
	require.NoError(t, err)
	assert.Nil(t, entry)
	assert.Equal(t, int64(1), c.Stats().Misses)
}

func TestVolatileFieldsHitSameEntry(t *testing.T) {
	c, _ := setupTestCache(t, DefaultConfig())
	ctx := context.Background()

	err := c.Store(ctx, "persona-detect", map[string]interface{}{
		"business":  "cafe-monaco",
		"requestId": "first-call",
	}, "owner-1", "", map[string]interface{}{"persona": "modernist"})
	require.NoError(t, err)

	entry, err := c.Lookup(ctx, "persona-detect", map[string]interface{}{
		"business":  "cafe-monaco",
		"requestId": "second-call",
		"timestamp": "2026-08-30T11:00:00Z",
	}, "owner-1", "")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "modernist", entry.Response["persona"])
}

func TestAllowListExcludesUnlistedOperations(t *testing.T) {
	c, _ := setupTestCache(t, DefaultConfig())
	ctx := context.Background()

	payload := map[string]interface{}{"q": "anything"}

	err := c.Store(ctx, "ad-hoc-query", payload, "", "", map[string]interface{}{"a": 1})
	require.NoError(t, err)

	entry, err := c.Lookup(ctx, "ad-hoc-query", payload, "", "")
	require.NoError(t, err)
	assert.Nil(t, entry)
	assert.Equal(t, int64(0), c.Stats().Stores)
}

func TestDenyMarkersVetoAllowList(t *testing.T) {
	c, _ := setupTestCache(t, DefaultConfig())

	// Marker in the operation name.
	assert.False(t, c.Cacheable("visibility-analysis-real-time", nil))

	// Marker in a payload key.
	assert.False(t, c.Cacheable("visibility-analysis", map[string]interface{}{
		"live-data": true,
	}))

	// Marker in a payload value.
	assert.False(t, c.Cacheable("visibility-analysis", map[string]interface{}{
		"mode": "real-time",
	}))

	// Marker nested deeper.
	assert.False(t, c.Cacheable("visibility-analysis", map[string]interface{}{
		"options": map[string]interface{}{
			"source": "live-data",
		},
	}))

	assert.True(t, c.Cacheable("visibility-analysis", map[string]interface{}{
		"business": "cafe-monaco",
	}))
}

func TestExpiredEntryIsMiss(t *testing.T) {
	config := DefaultConfig()
	config.PerOperationTTL = map[string]time.Duration{
		"translation": 50 * time.Millisecond,
	}
	c, _ := setupTestCache(t, config)
	ctx := context.Background()

	payload := map[string]interface{}{"text": "Speisekarte"}
	err := c.Store(ctx, "translation", payload, "", "", map[string]interface{}{"text": "menu"})
	require.NoError(t, err)

	// The backing store still holds the entry, but it is past its own
	// expiry; the lookup must not trust the store's retention.
	c.hot.Purge()
	time.Sleep(60 * time.Millisecond)

	entry, err := c.Lookup(ctx, "translation", payload, "", "")
	require.NoError(t, err)
	assert.Nil(t, entry)
	assert.Equal(t, int64(1), c.Stats().Misses)
}

func TestHotTierServesRepeatLookups(t *testing.T) {
	c, mr := setupTestCache(t, DefaultConfig())
	ctx := context.Background()

	payload := map[string]interface{}{"business": "cafe-monaco"}
	err := c.Store(ctx, "recommendation", payload, "owner-1", "", map[string]interface{}{"tip": "add photos"})
	require.NoError(t, err)

	// Remove the Redis copy; the hot tier alone must serve the lookup.
	mr.FlushAll()

	entry, err := c.Lookup(ctx, "recommendation", payload, "owner-1", "")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, int64(1), c.Stats().HotHits)
}

func TestLookupPromotesToHotTier(t *testing.T) {
	c, _ := setupTestCache(t, DefaultConfig())
	ctx := context.Background()

	payload := map[string]interface{}{"business": "cafe-monaco"}
	err := c.Store(ctx, "recommendation", payload, "", "", map[string]interface{}{"tip": "respond to reviews"})
	require.NoError(t, err)

	c.hot.Purge()

	_, err = c.Lookup(ctx, "recommendation", payload, "", "")
	require.NoError(t, err)

	_, err = c.Lookup(ctx, "recommendation", payload, "", "")
	require.NoError(t, err)

	stats := c.Stats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.HotHits)
}

func TestInvalidateOperation(t *testing.T) {
	c, _ := setupTestCache(t, DefaultConfig())
	ctx := context.Background()

	payload := map[string]interface{}{"business": "cafe-monaco"}
	err := c.Store(ctx, "visibility-analysis", payload, "owner-1", "", map[string]interface{}{"score": 0.5})
	require.NoError(t, err)
	err = c.Store(ctx, "persona-detect", payload, "owner-1", "", map[string]interface{}{"persona": "modernist"})
	require.NoError(t, err)

	deleted, err := c.Invalidate(ctx, "visibility-analysis", "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	entry, err := c.Lookup(ctx, "visibility-analysis", payload, "owner-1", "")
	require.NoError(t, err)
	assert.Nil(t, entry)

	// Other operations keep their entries.
	entry, err = c.Lookup(ctx, "persona-detect", payload, "owner-1", "")
	require.NoError(t, err)
	require.NotNil(t, entry)
}

func TestInvalidateOwnerScoped(t *testing.T) {
	c, _ := setupTestCache(t, DefaultConfig())
	ctx := context.Background()

	payload := map[string]interface{}{"business": "cafe-monaco"}
	err := c.Store(ctx, "recommendation", payload, "owner-1", "", map[string]interface{}{"tip": "add photos"})
	require.NoError(t, err)
	err = c.Store(ctx, "recommendation", payload, "owner-2", "", map[string]interface{}{"tip": "respond to reviews"})
	require.NoError(t, err)

	deleted, err := c.Invalidate(ctx, "recommendation", "owner-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	entry, err := c.Lookup(ctx, "recommendation", payload, "owner-1", "")
	require.NoError(t, err)
	assert.Nil(t, entry)

	entry, err = c.Lookup(ctx, "recommendation", payload, "owner-2", "")
	require.NoError(t, err)
	require.NotNil(t, entry)
}

func TestInvalidatePurgesHotTier(t *testing.T) {
	c, mr := setupTestCache(t, DefaultConfig())
	ctx := context.Background()

	payload := map[string]interface{}{"business": "cafe-monaco"}
	err := c.Store(ctx, "recommendation", payload, "owner-1", "", map[string]interface{}{"tip": "add photos"})
	require.NoError(t, err)

	_, err = c.Invalidate(ctx, "recommendation", "owner-1")
	require.NoError(t, err)

	// A hot-tier leftover would serve the stale entry even with Redis
	// empty; the invalidation must have removed both copies.
	mr.FlushAll()
	entry, err := c.Lookup(ctx, "recommendation", payload, "owner-1", "")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestHitAccounting(t *testing.T) {
	c, _ := setupTestCache(t, DefaultConfig())
	ctx := context.Background()

	payload := map[string]interface{}{"business": "cafe-monaco"}
	err := c.Store(ctx, "visibility-analysis", payload, "owner-1", "", map[string]interface{}{"score": 0.82})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		entry, err := c.Lookup(ctx, "visibility-analysis", payload, "owner-1", "")
		require.NoError(t, err)
		require.NotNil(t, entry)
	}

	entry, err := c.Lookup(ctx, "visibility-analysis", payload, "owner-1", "")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, int64(4), entry.HitCount)
	assert.False(t, entry.LastAccessed.IsZero())

	// The accounting writes back to Redis off the request path.
	key := c.redisKey("visibility-analysis", "owner-1", entry.Key)
	require.Eventually(t, func() bool {
		data, err := c.redis.Get(ctx, key)
		if err != nil {
			return false
		}
		var stored CachedResponse
		if err := json.Unmarshal([]byte(data), &stored); err != nil {
			return false
		}
		return stored.HitCount >= 4
	}, 2*time.Second, 20*time.Millisecond)
}

func TestInvalidateAll(t *testing.T) {
	c, _ := setupTestCache(t, DefaultConfig())
	ctx := context.Background()

	for _, business := range []string{"a", "b", "c"} {
		err := c.Store(ctx, "visibility-analysis",
			map[string]interface{}{"business": business}, "", "",
			map[string]interface{}{"ok": true})
		require.NoError(t, err)
	}

	deleted, err := c.InvalidateAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)

	entry, err := c.Lookup(ctx, "visibility-analysis",
		map[string]interface{}{"business": "a"}, "", "")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestHitRate(t *testing.T) {
	assert.Equal(t, 0.0, CacheStats{}.HitRate())
	assert.Equal(t, 0.75, CacheStats{Hits: 3, Misses: 1}.HitRate())
}
