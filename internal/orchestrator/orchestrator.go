package orchestrator

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/google/uuid"

	"github.com/matbakh-app/matbakh-visibility-boost-sub010/internal/cache"
	"github.com/matbakh-app/matbakh-visibility-boost-sub010/internal/queue"
	"github.com/matbakh-app/matbakh-visibility-boost-sub010/pkg/alerting"
	"github.com/matbakh-app/matbakh-visibility-boost-sub010/pkg/config"
	"github.com/matbakh-app/matbakh-visibility-boost-sub010/pkg/errors"
	"github.com/matbakh-app/matbakh-visibility-boost-sub010/pkg/logging"
	"github.com/matbakh-app/matbakh-visibility-boost-sub010/pkg/metrics"
	"github.com/matbakh-app/matbakh-visibility-boost-sub010/pkg/resilience"
)

// ProcessingFn is the caller-supplied operation. It must be idempotent
// enough to be retried by the admission queue.
type ProcessingFn func(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error)

// Request describes one unit of work submitted to the orchestrator
type Request struct {
	RequestID string
	Operation string
	Payload   map[string]interface{}
	OwnerID   string
	// Variant distinguishes responses produced by different model or
	// prompt versions for otherwise identical requests
	Variant  string
	Priority queue.Priority
	// ServiceKey selects the circuit breaker; defaults to Operation
	ServiceKey string
	// Timeout overrides the configured default for this call
	Timeout time.Duration
	// BypassCache skips the cache lookup (the response may still be stored)
	BypassCache bool
	// AllowQueuing permits deferring this request under load
	AllowQueuing bool
}

// Metadata carries per-request observability fields
type Metadata struct {
	ProcessingTime time.Duration `json:"processing_time"`
	FromCache      bool          `json:"from_cache"`
	FromQueue      bool          `json:"from_queue"`
	Degraded       bool          `json:"degraded"`
	Fallback       bool          `json:"fallback"`
	TokenCount     int           `json:"token_count,omitempty"`
}

// ProcessingResult is the single result type for every orchestrator
// outcome: a live response, a cached one, a queued acknowledgement, a
// fallback, or a hard failure.
type ProcessingResult struct {
	Success  bool
	Response map[string]interface{}
	Err      error
	Metadata Metadata

	// Queued acknowledgement fields
	Queued          bool
	QueuedRequestID string
	EstimatedWait   time.Duration
}

// StatusSnapshot is the read-only health view exported to observability
// sinks
type StatusSnapshot struct {
	CircuitStates    map[string]resilience.BreakerSnapshot `json:"circuit_states"`
	QueueStats       *queue.QueueStats                     `json:"queue_stats"`
	CacheStats       cache.CacheStats                      `json:"cache_stats"`
	DegradationLevel string                                `json:"degradation_level"`
	OverallHealth    string                                `json:"overall_health"`
}

// Orchestrator sequences the reliability layers around a slow, costly
// processing function. The stage order is fixed: cache, admission,
// degradation, then breaker-guarded execution.
type Orchestrator struct {
	registry    *resilience.Registry
	degradation *resilience.DegradationController
	queue       *queue.AdmissionQueue
	cache       *cache.ResponseCache
	metrics     *metrics.Metrics
	alerts      *alerting.ErrorAlertGenerator
	flags       config.FeatureFlags
	timeout     time.Duration
	logger      *logging.Logger
}

// Options configures an orchestrator
type Options struct {
	Registry    *resilience.Registry
	Degradation *resilience.DegradationController
	Queue       *queue.AdmissionQueue
	Cache       *cache.ResponseCache
	// Metrics and Alerts are optional
	Metrics *metrics.Metrics
	Alerts  *alerting.ErrorAlertGenerator
	Flags   config.FeatureFlags
	// DefaultTimeout bounds execution when the request does not override it
	DefaultTimeout time.Duration
}

// New creates an orchestrator from its collaborators
func New(opts Options) *Orchestrator {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 45 * time.Second
	}

	return &Orchestrator{
		registry:    opts.Registry,
		degradation: opts.Degradation,
		queue:       opts.Queue,
		cache:       opts.Cache,
		metrics:     opts.Metrics,
		alerts:      opts.Alerts,
		flags:       opts.Flags,
		timeout:     opts.DefaultTimeout,
		logger:      logging.GetLogger(),
	}
}

// Process runs one request through the reliability stages. Each stage
// short-circuits the rest on a definitive outcome, so exactly one of
// the result shapes is produced.
func (o *Orchestrator) Process(ctx context.Context, req *Request, fn ProcessingFn) *ProcessingResult {
	start := time.Now()

	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}
	if req.ServiceKey == "" {
		req.ServiceKey = req.Operation
	}

	result := o.process(ctx, req, fn)
	result.Metadata.ProcessingTime = time.Since(start)

	o.observe(req, result)
	return result
}

func (o *Orchestrator) process(ctx context.Context, req *Request, fn ProcessingFn) *ProcessingResult {
	// Stage 1: cache. A known answer never needs admission or execution.
	if o.cacheEnabled() && !req.BypassCache {
		entry, err := o.cache.Lookup(ctx, req.Operation, req.Payload, req.OwnerID, req.Variant)
		if err != nil {
			// Cache trouble is never a reason to fail the request.
			o.logger.Warn("Cache lookup failed", "request_id", req.RequestID, "error", err)
		}
		if entry != nil {
			return &ProcessingResult{
				Success:  true,
				Response: entry.Response,
				Metadata: Metadata{FromCache: true},
			}
		}
	}

	// Stage 2: admission. Inline execution claims a slot in the shared
	// in-flight set, so live load and worker load are capped together;
	// when no slot is free the request is deferred instead of piling on.
	if o.queueEnabled() {
		if req.AllowQueuing {
			backlog, err := o.queue.Depth(ctx)
			if err != nil {
				o.logger.Warn("Admission check failed", "request_id", req.RequestID, "error", err)
			} else if backlog > 0 {
				// Queued work goes first; new arrivals join the line.
				return o.enqueue(ctx, req)
			}
		}

		acquired, err := o.queue.AcquireSlot(ctx, req.RequestID, o.timeoutFor(req))
		switch {
		case err != nil:
			o.logger.Warn("Slot acquisition failed", "request_id", req.RequestID, "error", err)
		case acquired:
			defer func() {
				if err := o.queue.ReleaseSlot(context.Background(), req.RequestID); err != nil {
					o.logger.Warn("Slot release failed", "request_id", req.RequestID, "error", err)
				}
			}()
		case req.AllowQueuing:
			return o.enqueue(ctx, req)
		}
	}

	// Stage 3: degradation. Skip the trial call while known unhealthy.
	if o.degradationEnabled() {
		o.degradation.SetCircuitOpenCount(o.registry.OpenCount())
		if o.degradation.ShouldDegrade() {
			fallback := o.degradation.FallbackResponse(req.Operation, nil, req.OwnerID)
			return &ProcessingResult{
				Success:  true,
				Response: fallback.Content,
				Metadata: Metadata{Degraded: true, Fallback: true},
			}
		}
	}

	// Stage 4: breaker-guarded execution under the deadline.
	return o.execute(ctx, req, fn)
}

func (o *Orchestrator) enqueue(ctx context.Context, req *Request) *ProcessingResult {
	queued := queue.NewQueuedRequest(req.Operation, req.Priority, req.Payload).
		WithRequestID(req.RequestID).
		WithOwner(req.OwnerID).
		WithTimeout(o.timeoutFor(req))

	accepted, err := o.queue.Enqueue(ctx, queued)
	if err != nil {
		return &ProcessingResult{Err: errors.NewInternalError("enqueue failed").WithCause(err)}
	}
	if !accepted {
		// A full queue is a declined request, not a system error.
		return &ProcessingResult{Err: errors.NewAdmissionRejectedError(req.Operation)}
	}

	wait, err := o.queue.EstimateWait(ctx)
	if err != nil {
		wait = 0
	}

	return &ProcessingResult{
		Queued:          true,
		QueuedRequestID: queued.RequestID,
		EstimatedWait:   wait,
		Metadata:        Metadata{FromQueue: true},
	}
}

func (o *Orchestrator) execute(ctx context.Context, req *Request, fn ProcessingFn) *ProcessingResult {
	timeout := o.timeoutFor(req)
	kind := resilience.KindForOperation(req.Operation)

	guarded, err := o.registry.Guard(ctx, req.ServiceKey, req.Operation, kind,
		func(callCtx context.Context) (interface{}, error) {
			return o.raceTimeout(callCtx, req, fn, timeout)
		})

	if err != nil {
		return o.handleFailure(req, err)
	}

	if guarded.FromFallback() {
		if o.degradationEnabled() {
			o.degradation.SetCircuitOpenCount(o.registry.OpenCount())
		}
		return &ProcessingResult{
			Success:  true,
			Response: guarded.Fallback.Content,
			Metadata: Metadata{Fallback: true, Degraded: guarded.Fallback.Degraded},
		}
	}

	response, _ := guarded.Value.(map[string]interface{})

	if o.degradationEnabled() {
		o.degradation.RecordSuccess(req.Operation)
	}

	if o.cacheEnabled() {
		if err := o.cache.Store(ctx, req.Operation, req.Payload, req.OwnerID, req.Variant, response); err != nil {
			o.logger.Warn("Cache store failed", "request_id", req.RequestID, "error", err)
		}
	}

	return &ProcessingResult{
		Success:  true,
		Response: response,
		Metadata: Metadata{TokenCount: tokenCount(response)},
	}
}

// ProcessQueued runs an already-admitted request through the execution
// stages: breaker guard, degradation accounting and cache store. The
// admission stage is skipped because the worker holds the concurrency
// slot its Dequeue claimed. Failures return as errors so the queue's
// retry schedule stays in charge of the outcome.
func (o *Orchestrator) ProcessQueued(ctx context.Context, queued *queue.QueuedRequest, fn ProcessingFn) (map[string]interface{}, error) {
	start := time.Now()
	req := &Request{
		RequestID:  queued.RequestID,
		Operation:  queued.Operation,
		Payload:    queued.Payload,
		OwnerID:    queued.OwnerID,
		ServiceKey: queued.Operation,
		Timeout:    queued.Timeout,
	}

	timeout := o.timeoutFor(req)
	kind := resilience.KindForOperation(req.Operation)

	guarded, err := o.registry.Guard(ctx, req.ServiceKey, req.Operation, kind,
		func(callCtx context.Context) (interface{}, error) {
			return o.raceTimeout(callCtx, req, fn, timeout)
		})
	if err != nil {
		if o.degradationEnabled() && !errors.IsCanceled(err) {
			o.degradation.RecordFailure(req.Operation, err)
		}
		o.observeQueued(req, "error", time.Since(start))
		return nil, err
	}

	if guarded.FromFallback() {
		// An open circuit defers the work to the queue's retry schedule
		// rather than storing a canned answer as the result.
		o.observeQueued(req, "error", time.Since(start))
		return nil, errors.NewCircuitOpenError(req.ServiceKey)
	}

	response, _ := guarded.Value.(map[string]interface{})

	if o.degradationEnabled() {
		o.degradation.RecordSuccess(req.Operation)
	}
	if o.cacheEnabled() {
		if err := o.cache.Store(ctx, req.Operation, req.Payload, req.OwnerID, req.Variant, response); err != nil {
			o.logger.Warn("Cache store failed", "request_id", req.RequestID, "error", err)
		}
	}

	o.observeQueued(req, "success", time.Since(start))
	return response, nil
}

func (o *Orchestrator) observeQueued(req *Request, outcome string, duration time.Duration) {
	o.logger.Debug("Queued request processed",
		"request_id", req.RequestID,
		"operation", req.Operation,
		"outcome", outcome,
		"duration", duration,
	)
	if o.metrics != nil && o.flags.EnablePerformanceMonitoring {
		o.metrics.RecordRequest(req.Operation, outcome, duration)
	}
}

// raceTimeout bounds fn without cancelling it: on timeout the result is
// abandoned, the underlying call may still complete. Runs inside the
// circuit breaker so a timeout counts as a failure.
func (o *Orchestrator) raceTimeout(ctx context.Context, req *Request, fn ProcessingFn, timeout time.Duration) (interface{}, error) {
	type outcome struct {
		response map[string]interface{}
		err      error
	}

	done := make(chan outcome, 1)
	go func() {
		response, err := fn(ctx, req.Payload)
		done <- outcome{response, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		// Operations that surface their context error directly get the
		// same classification as the ctx.Done branch below.
		switch {
		case out.err != nil && errors.IsCanceled(out.err):
			return nil, errors.NewCanceledError(req.Operation).WithCause(out.err)
		case stderrors.Is(out.err, context.DeadlineExceeded):
			return nil, errors.NewTimeoutError(req.Operation).WithCause(out.err)
		}
		return out.response, out.err
	case <-timer.C:
		return nil, errors.NewTimeoutError(req.Operation)
	case <-ctx.Done():
		if ctx.Err() == context.Canceled {
			return nil, errors.NewCanceledError(req.Operation).WithCause(ctx.Err())
		}
		return nil, errors.NewTimeoutError(req.Operation).WithCause(ctx.Err())
	}
}

func (o *Orchestrator) handleFailure(req *Request, err error) *ProcessingResult {
	// A canceled caller is not a system failure; nothing to record and
	// nobody left to serve a fallback to.
	if errors.IsCanceled(err) {
		return &ProcessingResult{Err: err}
	}
	if o.degradationEnabled() {
		o.degradation.RecordFailure(req.Operation, err)
	}
	if o.alerts != nil {
		o.alerts.HandleError(context.Background(), err, "orchestrator", map[string]interface{}{
			"request_id": req.RequestID,
			"operation":  req.Operation,
		})
	}

	// Programmer errors propagate as hard failures; transient dependency
	// trouble resolves to a fallback carrying the reason.
	if !errors.IsRetryable(err) {
		return &ProcessingResult{Err: err}
	}

	if o.degradationEnabled() {
		fallback := o.degradation.FallbackResponse(req.Operation, err, req.OwnerID)
		return &ProcessingResult{
			Success:  true,
			Response: fallback.Content,
			Err:      err,
			Metadata: Metadata{Fallback: true, Degraded: true},
		}
	}

	return &ProcessingResult{Err: err}
}

// Snapshot returns the read-only health view of every reliability layer
func (o *Orchestrator) Snapshot(ctx context.Context) *StatusSnapshot {
	snapshot := &StatusSnapshot{
		CircuitStates:    o.registry.Snapshot(),
		DegradationLevel: o.degradation.Level().String(),
	}

	if stats, err := o.queue.Stats(ctx); err == nil {
		snapshot.QueueStats = stats
	}
	snapshot.CacheStats = o.cache.Stats()

	snapshot.OverallHealth = o.overallHealth()
	return snapshot
}

func (o *Orchestrator) overallHealth() string {
	if o.degradation.Level() == resilience.LevelSevere {
		return "unhealthy"
	}
	if o.degradation.Level() == resilience.LevelPartial || o.registry.OpenCount() > 0 {
		return "degraded"
	}
	return "healthy"
}

func (o *Orchestrator) observe(req *Request, result *ProcessingResult) {
	outcome := "success"
	switch {
	case result.Queued:
		outcome = "queued"
	case result.Metadata.FromCache:
		outcome = "cache_hit"
	case result.Metadata.Fallback:
		outcome = "fallback"
	case result.Err != nil:
		outcome = "error"
	}

	o.logger.Debug("Request processed",
		"request_id", req.RequestID,
		"operation", req.Operation,
		"outcome", outcome,
		"duration", result.Metadata.ProcessingTime,
	)

	if o.metrics == nil || !o.flags.EnablePerformanceMonitoring {
		return
	}

	o.metrics.RecordRequest(req.Operation, outcome, result.Metadata.ProcessingTime)
	if result.Metadata.Fallback {
		reason := "degradation"
		if result.Err != nil {
			reason = string(errors.GetType(result.Err))
		}
		o.metrics.RecordFallback(req.Operation, reason)
	}
	if result.Metadata.FromCache {
		o.metrics.RecordCacheOperation(req.Operation, "hit")
	}
	o.metrics.RecordTokens(req.Operation, result.Metadata.TokenCount)
	o.metrics.UpdateDegradationLevel("orchestrator", int(o.degradation.Level()))
	if result.Err != nil {
		o.metrics.RecordError("orchestrator", string(errors.GetType(result.Err)))
	}
}

func (o *Orchestrator) timeoutFor(req *Request) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	return o.timeout
}

func (o *Orchestrator) cacheEnabled() bool {
	return o.cache != nil && o.flags.EnableResponseCaching
}

func (o *Orchestrator) queueEnabled() bool {
	return o.queue != nil && o.flags.EnableRequestQueuing
}

func (o *Orchestrator) degradationEnabled() bool {
	return o.degradation != nil && o.flags.EnableGracefulDegradation
}

// tokenCount extracts model token usage from a response when present
func tokenCount(response map[string]interface{}) int {
	if response == nil {
		return 0
	}
	switch v := response["token_count"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}
