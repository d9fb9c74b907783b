package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matbakh-app/matbakh-visibility-boost-sub010/internal/cache"
	"github.com/matbakh-app/matbakh-visibility-boost-sub010/internal/queue"
	"github.com/matbakh-app/matbakh-visibility-boost-sub010/pkg/config"
	"github.com/matbakh-app/matbakh-visibility-boost-sub010/pkg/errors"
	"github.com/matbakh-app/matbakh-visibility-boost-sub010/pkg/resilience"
)

type testEnv struct {
	orch  *Orchestrator
	queue *queue.AdmissionQueue
	reg   *resilience.Registry
	deg   *resilience.DegradationController
}

func setupTestOrchestrator(t *testing.T, mutate func(*Options)) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	rc := queue.NewRedisClientFromExisting(client)

	queueConfig := queue.DefaultConfig()
	q := queue.NewAdmissionQueue(rc, "test", queueConfig)

	breakerSettings := resilience.DefaultBreakerSettings()
	breakerSettings.FailureThreshold = 5
	breakerSettings.RecoveryTimeout = 50 * time.Millisecond

	reg := resilience.NewRegistry(breakerSettings)
	deg := resilience.NewDegradationController(resilience.DefaultDegradationSettings())

	opts := Options{
		Registry:    reg,
		Degradation: deg,
		Queue:       q,
		Cache:       cache.NewResponseCache(rc, cache.DefaultConfig()),
		Flags: config.FeatureFlags{
			EnableRequestQueuing:      true,
			EnableResponseCaching:     true,
			EnableGracefulDegradation: true,
		},
		DefaultTimeout: time.Second,
	}
	if mutate != nil {
		mutate(&opts)
	}

	return &testEnv{
		orch:  New(opts),
		queue: q,
		reg:   reg,
		deg:   deg,
	}
}

func succeedingFn(response map[string]interface{}) ProcessingFn {
	return func(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
		return response, nil
	}
}

func TestProcessSuccess(t *testing.T) {
	env := setupTestOrchestrator(t, nil)

	result := env.orch.Process(context.Background(), &Request{
		Operation: "visibility-analysis",
		Payload:   map[string]interface{}{"business": "cafe-monaco"},
	}, succeedingFn(map[string]interface{}{"score": 0.82, "token_count": 340}))

	require.True(t, result.Success)
	require.NoError(t, result.Err)
	assert.Equal(t, 0.82, result.Response["score"])
	assert.False(t, result.Metadata.FromCache)
	assert.False(t, result.Metadata.Degraded)
	assert.Equal(t, 340, result.Metadata.TokenCount)
	assert.Greater(t, result.Metadata.ProcessingTime, time.Duration(0))
}

func TestProcessSecondCallHitsCache(t *testing.T) {
	env := setupTestOrchestrator(t, nil)
	ctx := context.Background()

	calls := 0
	fn := func(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
		calls++
		return map[string]interface{}{"score": 0.82}, nil
	}

	req := &Request{
		Operation: "visibility-analysis",
		Payload:   map[string]interface{}{"business": "cafe-monaco"},
	}

	first := env.orch.Process(ctx, req, fn)
	require.True(t, first.Success)
	assert.False(t, first.Metadata.FromCache)

	// Volatile fields must not defeat the cache.
	second := env.orch.Process(ctx, &Request{
		Operation: "visibility-analysis",
		Payload: map[string]interface{}{
			"business":  "cafe-monaco",
			"requestId": "different",
		},
	}, fn)
	require.True(t, second.Success)
	assert.True(t, second.Metadata.FromCache)
	assert.Equal(t, 0.82, second.Response["score"])
	assert.Equal(t, 1, calls)
}

func TestProcessBypassCache(t *testing.T) {
	env := setupTestOrchestrator(t, nil)
	ctx := context.Background()

	calls := 0
	fn := func(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
		calls++
		return map[string]interface{}{"n": calls}, nil
	}

	req := &Request{
		Operation: "visibility-analysis",
		Payload:   map[string]interface{}{"business": "cafe-monaco"},
	}
	env.orch.Process(ctx, req, fn)

	bypassed := env.orch.Process(ctx, &Request{
		Operation:   "visibility-analysis",
		Payload:     map[string]interface{}{"business": "cafe-monaco"},
		BypassCache: true,
	}, fn)

	assert.False(t, bypassed.Metadata.FromCache)
	assert.Equal(t, 2, calls)
}

// Five consecutive failures open the circuit; the sixth call gets a
// fallback without the operation being invoked.
func TestCircuitOpensAndServesFallback(t *testing.T) {
	env := setupTestOrchestrator(t, func(o *Options) {
		// Degradation off so the breaker path is isolated.
		o.Flags.EnableGracefulDegradation = false
	})
	ctx := context.Background()

	calls := 0
	failing := func(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
		calls++
		return nil, errors.NewExternalError("svc-x", "upstream failure")
	}

	for i := 0; i < 5; i++ {
		result := env.orch.Process(ctx, &Request{
			Operation:   "visibility-analysis",
			ServiceKey:  "svc-x",
			Payload:     map[string]interface{}{"attempt": i},
			BypassCache: true,
		}, failing)
		assert.Error(t, result.Err)
	}
	require.Equal(t, 5, calls)

	sixth := env.orch.Process(ctx, &Request{
		Operation:   "visibility-analysis",
		ServiceKey:  "svc-x",
		Payload:     map[string]interface{}{"attempt": 6},
		BypassCache: true,
	}, failing)

	assert.Equal(t, 5, calls, "open circuit must not invoke the operation")
	require.True(t, sixth.Success)
	assert.True(t, sixth.Metadata.Fallback)
	require.NotNil(t, sixth.Response)
}

// With degradation pinned to severe, the processing function is never
// invoked even though it would succeed.
func TestSevereDegradationSkipsExecution(t *testing.T) {
	env := setupTestOrchestrator(t, nil)
	env.deg.SetLevel(resilience.LevelSevere)

	calls := 0
	fn := func(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
		calls++
		return map[string]interface{}{"ok": true}, nil
	}

	result := env.orch.Process(context.Background(), &Request{
		Operation: "recommendation",
		Payload:   map[string]interface{}{"business": "cafe-monaco"},
	}, fn)

	assert.Equal(t, 0, calls)
	require.True(t, result.Success)
	assert.True(t, result.Metadata.Degraded)
	require.NotNil(t, result.Response)
}

func TestSaturatedSystemQueuesRequest(t *testing.T) {
	env := setupTestOrchestrator(t, nil)
	ctx := context.Background()

	// A waiting request marks the system as loaded.
	_, err := env.queue.Enqueue(ctx, queue.NewQueuedRequest("translation", queue.PriorityNormal, nil))
	require.NoError(t, err)

	calls := 0
	fn := func(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
		calls++
		return nil, nil
	}

	result := env.orch.Process(ctx, &Request{
		Operation:    "visibility-analysis",
		Payload:      map[string]interface{}{"business": "cafe-monaco"},
		Priority:     queue.PriorityNormal,
		AllowQueuing: true,
	}, fn)

	assert.Equal(t, 0, calls)
	assert.True(t, result.Queued)
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.QueuedRequestID)
	assert.Greater(t, result.EstimatedWait, time.Duration(0))

	stored, err := env.queue.GetRequest(ctx, result.QueuedRequestID)
	require.NoError(t, err)
	assert.Equal(t, "visibility-analysis", stored.Operation)
}

func TestSaturatedWithoutQueuingPermissionExecutes(t *testing.T) {
	env := setupTestOrchestrator(t, nil)
	ctx := context.Background()

	_, err := env.queue.Enqueue(ctx, queue.NewQueuedRequest("translation", queue.PriorityNormal, nil))
	require.NoError(t, err)

	result := env.orch.Process(ctx, &Request{
		Operation:   "visibility-analysis",
		Payload:     map[string]interface{}{"business": "cafe-monaco"},
		BypassCache: true,
	}, succeedingFn(map[string]interface{}{"ok": true}))

	assert.False(t, result.Queued)
	assert.True(t, result.Success)
}

func TestFullQueueRejectsAdmission(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	rc := queue.NewRedisClientFromExisting(client)

	queueConfig := queue.DefaultConfig()
	queueConfig.MaxQueueSize = 2
	q := queue.NewAdmissionQueue(rc, "test", queueConfig)

	orch := New(Options{
		Registry:    resilience.NewRegistry(resilience.DefaultBreakerSettings()),
		Degradation: resilience.NewDegradationController(resilience.DefaultDegradationSettings()),
		Queue:       q,
		Cache:       cache.NewResponseCache(rc, cache.DefaultConfig()),
		Flags: config.FeatureFlags{
			EnableRequestQueuing: true,
		},
	})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := q.Enqueue(ctx, queue.NewQueuedRequest("translation", queue.PriorityNormal, nil))
		require.NoError(t, err)
	}

	result := orch.Process(ctx, &Request{
		Operation:    "visibility-analysis",
		Payload:      map[string]interface{}{"business": "cafe-monaco"},
		AllowQueuing: true,
	}, succeedingFn(nil))

	assert.False(t, result.Queued)
	assert.False(t, result.Success)
	require.Error(t, result.Err)
	assert.Equal(t, errors.ErrorTypeAdmissionRejected, errors.GetType(result.Err))
}

func TestTimeoutResolvesToFallback(t *testing.T) {
	env := setupTestOrchestrator(t, nil)

	slow := func(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
		time.Sleep(200 * time.Millisecond)
		return map[string]interface{}{"too": "late"}, nil
	}

	result := env.orch.Process(context.Background(), &Request{
		Operation:   "visibility-analysis",
		Payload:     map[string]interface{}{"business": "cafe-monaco"},
		Timeout:     20 * time.Millisecond,
		BypassCache: true,
	}, slow)

	// A timeout is a dependency failure: fallback served, error retained.
	assert.True(t, result.Metadata.Fallback)
	require.Error(t, result.Err)
	assert.Equal(t, errors.ErrorTypeTimeout, errors.GetType(result.Err))
}

func TestTimeoutCountsTowardBreaker(t *testing.T) {
	env := setupTestOrchestrator(t, func(o *Options) {
		o.Flags.EnableGracefulDegradation = false
	})
	ctx := context.Background()

	slow := func(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
		time.Sleep(100 * time.Millisecond)
		return nil, nil
	}

	for i := 0; i < 5; i++ {
		env.orch.Process(ctx, &Request{
			Operation:   "visibility-analysis",
			ServiceKey:  "slow-svc",
			Timeout:     5 * time.Millisecond,
			BypassCache: true,
		}, slow)
	}

	assert.Equal(t, resilience.StateOpen, env.reg.Breaker("slow-svc").State())
}

func TestNonRetryableErrorPropagatesHard(t *testing.T) {
	env := setupTestOrchestrator(t, nil)

	fn := func(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
		return nil, errors.NewValidationError("payload is malformed")
	}

	result := env.orch.Process(context.Background(), &Request{
		Operation:   "visibility-analysis",
		Payload:     map[string]interface{}{"business": "cafe-monaco"},
		BypassCache: true,
	}, fn)

	assert.False(t, result.Success)
	assert.False(t, result.Metadata.Fallback)
	require.Error(t, result.Err)
	assert.Equal(t, errors.ErrorTypeValidation, errors.GetType(result.Err))
}

func TestRetryableErrorServesFallback(t *testing.T) {
	env := setupTestOrchestrator(t, nil)

	fn := func(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
		return nil, errors.NewExternalError("bedrock", "model invocation failed")
	}

	result := env.orch.Process(context.Background(), &Request{
		Operation:   "recommendation",
		Payload:     map[string]interface{}{"business": "cafe-monaco"},
		OwnerID:     "owner-1",
		BypassCache: true,
	}, fn)

	require.True(t, result.Success)
	assert.True(t, result.Metadata.Fallback)
	assert.True(t, result.Metadata.Degraded)
	require.NotNil(t, result.Response)
	require.Error(t, result.Err)
}

func TestSnapshot(t *testing.T) {
	env := setupTestOrchestrator(t, nil)
	ctx := context.Background()

	env.orch.Process(ctx, &Request{
		Operation: "visibility-analysis",
		Payload:   map[string]interface{}{"business": "cafe-monaco"},
	}, succeedingFn(map[string]interface{}{"ok": true}))

	snapshot := env.orch.Snapshot(ctx)
	require.NotNil(t, snapshot)
	assert.Equal(t, "healthy", snapshot.OverallHealth)
	assert.Equal(t, "NONE", snapshot.DegradationLevel)
	require.NotNil(t, snapshot.QueueStats)
	assert.Contains(t, snapshot.CircuitStates, "visibility-analysis")
	assert.Equal(t, int64(1), snapshot.CacheStats.Stores)
}

func TestSnapshotUnhealthyWhenSevere(t *testing.T) {
	env := setupTestOrchestrator(t, nil)
	env.deg.SetLevel(resilience.LevelSevere)

	snapshot := env.orch.Snapshot(context.Background())
	assert.Equal(t, "unhealthy", snapshot.OverallHealth)
}

// The concurrency cap applies to live requests, not just worker-drained
// ones: every inline execution holds a slot in the shared in-flight set
// for its duration, so a burst can never run more than the cap at once.
func TestInlineLoadSharesConcurrencyCap(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	rc := queue.NewRedisClientFromExisting(client)

	queueConfig := queue.DefaultConfig()
	queueConfig.MaxConcurrentRequests = 2
	q := queue.NewAdmissionQueue(rc, "test", queueConfig)

	orch := New(Options{
		Registry:    resilience.NewRegistry(resilience.DefaultBreakerSettings()),
		Degradation: resilience.NewDegradationController(resilience.DefaultDegradationSettings()),
		Queue:       q,
		Cache:       cache.NewResponseCache(rc, cache.DefaultConfig()),
		Flags: config.FeatureFlags{
			EnableRequestQueuing: true,
		},
	})

	var current, peak atomic.Int32
	fn := func(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
		cur := current.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		current.Add(-1)
		return map[string]interface{}{"ok": true}, nil
	}

	const burst = 10
	results := make(chan *ProcessingResult, burst)
	var wg sync.WaitGroup
	for i := 0; i < burst; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results <- orch.Process(context.Background(), &Request{
				Operation:    "visibility-analysis",
				Payload:      map[string]interface{}{"attempt": i},
				BypassCache:  true,
				AllowQueuing: true,
			}, fn)
		}(i)
	}
	wg.Wait()
	close(results)

	live, queued := 0, 0
	for result := range results {
		switch {
		case result.Queued:
			queued++
		case result.Success:
			live++
		default:
			t.Fatalf("unexpected outcome: %+v", result)
		}
	}

	assert.LessOrEqual(t, peak.Load(), int32(2), "burst must not exceed the concurrency cap")
	assert.Equal(t, burst, live+queued)
	assert.Greater(t, queued, 0, "overflow must defer to the queue")

	inFlight, err := q.InFlight(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), inFlight, "finished requests release their slots")
}

// Worker-drained requests run through the same breaker, degradation and
// cache stages as inline ones.
func TestQueuedExecutionStoresToCache(t *testing.T) {
	env := setupTestOrchestrator(t, nil)
	ctx := context.Background()

	payload := map[string]interface{}{"business": "cafe-monaco"}
	queued := queue.NewQueuedRequest("visibility-analysis", queue.PriorityNormal, payload).
		WithOwner("owner-1")

	response, err := env.orch.ProcessQueued(ctx, queued, succeedingFn(map[string]interface{}{"score": 0.82}))
	require.NoError(t, err)
	assert.Equal(t, 0.82, response["score"])

	// A later identical live request is served from cache.
	calls := 0
	result := env.orch.Process(ctx, &Request{
		Operation: "visibility-analysis",
		Payload:   payload,
		OwnerID:   "owner-1",
	}, func(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
		calls++
		return nil, nil
	})

	assert.Equal(t, 0, calls)
	require.True(t, result.Success)
	assert.True(t, result.Metadata.FromCache)
}

func TestQueuedExecutionHonorsOpenCircuit(t *testing.T) {
	env := setupTestOrchestrator(t, func(o *Options) {
		o.Flags.EnableGracefulDegradation = false
	})
	ctx := context.Background()

	failing := func(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
		return nil, errors.NewExternalError("svc-x", "upstream failure")
	}
	for i := 0; i < 5; i++ {
		queued := queue.NewQueuedRequest("svc-x", queue.PriorityNormal, nil)
		_, err := env.orch.ProcessQueued(ctx, queued, failing)
		require.Error(t, err)
	}

	// The open circuit returns an error instead of a canned fallback, so
	// the queue's retry schedule keeps ownership of the request.
	calls := 0
	queued := queue.NewQueuedRequest("svc-x", queue.PriorityNormal, nil)
	_, err := env.orch.ProcessQueued(ctx, queued, func(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
		calls++
		return nil, nil
	})

	assert.Equal(t, 0, calls, "open circuit must not invoke the operation")
	require.Error(t, err)
	assert.Equal(t, errors.ErrorTypeUnavailable, errors.GetType(err))
	assert.True(t, errors.IsRetryable(err))
}

// A caller that goes away is not a dependency failure; repeated
// cancellations leave the breaker closed.
func TestCallerCancellationDoesNotTripBreaker(t *testing.T) {
	env := setupTestOrchestrator(t, func(o *Options) {
		o.Flags.EnableRequestQueuing = false
		o.Flags.EnableGracefulDegradation = false
	})

	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	blocking := func(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	for i := 0; i < 6; i++ {
		result := env.orch.Process(canceled, &Request{
			Operation:   "visibility-analysis",
			ServiceKey:  "cancel-svc",
			Payload:     map[string]interface{}{"attempt": i},
			BypassCache: true,
		}, blocking)

		require.Error(t, result.Err)
		assert.Equal(t, errors.ErrorTypeCanceled, errors.GetType(result.Err))
		assert.False(t, result.Metadata.Fallback)
	}

	assert.Equal(t, resilience.StateClosed, env.reg.Breaker("cancel-svc").State())
}

// A deadline that expires is still a dependency failure and counts.
func TestDeadlineExpiryStillCountsTowardBreaker(t *testing.T) {
	env := setupTestOrchestrator(t, func(o *Options) {
		o.Flags.EnableRequestQueuing = false
		o.Flags.EnableGracefulDegradation = false
	})

	blocking := func(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	for i := 0; i < 5; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
		result := env.orch.Process(ctx, &Request{
			Operation:   "visibility-analysis",
			ServiceKey:  "deadline-svc",
			Payload:     map[string]interface{}{"attempt": i},
			BypassCache: true,
		}, blocking)
		cancel()

		require.Error(t, result.Err)
		assert.Equal(t, errors.ErrorTypeTimeout, errors.GetType(result.Err))
	}

	assert.Equal(t, resilience.StateOpen, env.reg.Breaker("deadline-svc").State())
}

func TestFeatureFlagsDisableStages(t *testing.T) {
	env := setupTestOrchestrator(t, func(o *Options) {
		o.Flags = config.FeatureFlags{}
	})
	ctx := context.Background()

	// Degradation pinned severe, queue loaded: with all flags off the
	// request still executes live.
	env.deg.SetLevel(resilience.LevelSevere)
	_, err := env.queue.Enqueue(ctx, queue.NewQueuedRequest("translation", queue.PriorityNormal, nil))
	require.NoError(t, err)

	calls := 0
	fn := func(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
		calls++
		return map[string]interface{}{"ok": true}, nil
	}

	result := env.orch.Process(ctx, &Request{
		Operation:    "visibility-analysis",
		Payload:      map[string]interface{}{"business": "cafe-monaco"},
		AllowQueuing: true,
	}, fn)

	assert.Equal(t, 1, calls)
	assert.True(t, result.Success)
	assert.False(t, result.Queued)
	assert.False(t, result.Metadata.Degraded)
}
