package resilience

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/matbakh-app/matbakh-visibility-boost-sub010/pkg/errors"
)

func TestRegistry_LazyPerKeyBreakers(t *testing.T) {
	registry := NewRegistry(testSettings())

	a := registry.Breaker("proxy-rds_query")
	b := registry.Breaker("ai-invoke")
	assert.NotSame(t, a, b)

	// Same key returns the same breaker.
	assert.Same(t, a, registry.Breaker("proxy-rds_query"))
}

func TestRegistry_ConcurrentBreakerCreation(t *testing.T) {
	registry := NewRegistry(testSettings())

	var wg sync.WaitGroup
	breakers := make([]*CircuitBreaker, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			breakers[i] = registry.Breaker("svc-x")
		}(i)
	}
	wg.Wait()

	for i := 1; i < 20; i++ {
		assert.Same(t, breakers[0], breakers[i])
	}
}

func TestRegistry_GuardReturnsLiveResult(t *testing.T) {
	registry := NewRegistry(testSettings())

	result, err := registry.Guard(context.Background(), "svc-x", "visibility-analysis", FallbackAnalysis, succeedingCall)
	require.NoError(t, err)
	assert.False(t, result.FromFallback())
	assert.Equal(t, "ok", result.Value)
}

func TestRegistry_GuardServesFallbackWhenOpen(t *testing.T) {
	registry := NewRegistry(testSettings())

	for i := 0; i < 5; i++ {
		registry.Guard(context.Background(), "svc-x", "visibility-analysis", FallbackAnalysis, failingCall)
	}
	require.Equal(t, StateOpen, registry.Breaker("svc-x").State())

	invoked := false
	result, err := registry.Guard(context.Background(), "svc-x", "visibility-analysis", FallbackAnalysis,
		func(ctx context.Context) (interface{}, error) {
			invoked = true
			return "live", nil
		})
	require.NoError(t, err)
	assert.False(t, invoked)
	require.True(t, result.FromFallback())
	assert.Equal(t, "visibility-analysis", result.Fallback.Operation)
	assert.Equal(t, FallbackAnalysis, result.Fallback.Kind)
	assert.NotEmpty(t, result.Fallback.Reason)
	assert.True(t, result.Fallback.Degraded)
}

func TestRegistry_GuardPropagatesApplicationErrors(t *testing.T) {
	registry := NewRegistry(testSettings())

	_, err := registry.Guard(context.Background(), "svc-x", "visibility-analysis", FallbackAnalysis, failingCall)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrorTypeExternal, apperrors.GetType(err))
}

func TestRegistry_OpenCountAndSnapshot(t *testing.T) {
	registry := NewRegistry(testSettings())

	registry.Guard(context.Background(), "healthy", "recommendation", FallbackRecommendation, succeedingCall)
	for i := 0; i < 5; i++ {
		registry.Guard(context.Background(), "broken", "recommendation", FallbackRecommendation, failingCall)
	}

	assert.Equal(t, 1, registry.OpenCount())

	snap := registry.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "CLOSED", snap["healthy"].State)
	assert.Equal(t, "OPEN", snap["broken"].State)
	assert.Equal(t, uint64(5), snap["broken"].TotalCalls)
}

func TestKindForOperation(t *testing.T) {
	assert.Equal(t, FallbackAnalysis, KindForOperation("visibility-analysis"))
	assert.Equal(t, FallbackAnalysis, KindForOperation("persona-detect"))
	assert.Equal(t, FallbackRecommendation, KindForOperation("recommendation"))
	assert.Equal(t, FallbackTranslation, KindForOperation("translation"))
	assert.Equal(t, FallbackGeneric, KindForOperation("something-else"))
}
