package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/matbakh-app/matbakh-visibility-boost-sub010/pkg/errors"
	"github.com/matbakh-app/matbakh-visibility-boost-sub010/pkg/logging"
)

// AdmissionQueue is the bounded, priority-ordered holding area for
// requests that cannot be processed immediately. State lives in Redis so
// that multiple process instances share one queue; admission control is
// the system's backpressure mechanism.
type AdmissionQueue struct {
	redis   *RedisClient
	name    string
	config  Config
	backoff BackoffPolicy
	logger  *logging.Logger
}

// Config contains admission queue configuration
type Config struct {
	// MaxQueueSize is the hard cap on queued requests; enqueues beyond it
	// are rejected, never silently dropped
	MaxQueueSize int
	// MaxConcurrentRequests caps in-flight processing across instances
	MaxConcurrentRequests int
	// DefaultTimeout bounds processing of a dequeued request
	DefaultTimeout time.Duration
	// MaxRetries is the default retry budget for failed requests
	MaxRetries int
	// RequestTTL bounds how long request blobs and results are retained
	RequestTTL time.Duration
	// NominalTaskDuration is the per-request processing estimate used for
	// wait time estimation
	NominalTaskDuration time.Duration
	// Backoff controls retry delays; the zero value means
	// DefaultBackoffPolicy
	Backoff BackoffPolicy
}

// DefaultConfig returns default admission queue configuration
func DefaultConfig() Config {
	return Config{
		MaxQueueSize:          500,
		MaxConcurrentRequests: 10,
		DefaultTimeout:        45 * time.Second,
		MaxRetries:            3,
		RequestTTL:            24 * time.Hour,
		NominalTaskDuration:   5 * time.Second,
	}
}

// NewAdmissionQueue creates a new admission queue
func NewAdmissionQueue(redis *RedisClient, name string, config Config) *AdmissionQueue {
	if config.MaxQueueSize <= 0 {
		config.MaxQueueSize = 500
	}
	if config.MaxConcurrentRequests <= 0 {
		config.MaxConcurrentRequests = 10
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = 45 * time.Second
	}
	if config.RequestTTL <= 0 {
		config.RequestTTL = 24 * time.Hour
	}
	if config.NominalTaskDuration <= 0 {
		config.NominalTaskDuration = 5 * time.Second
	}

	backoff := config.Backoff
	if backoff == (BackoffPolicy{}) {
		backoff = DefaultBackoffPolicy()
	}

	return &AdmissionQueue{
		redis:   redis,
		name:    name,
		config:  config,
		backoff: backoff,
		logger:  logging.GetLogger(),
	}
}

// Redis key patterns
func (q *AdmissionQueue) pendingKey() string {
	return fmt.Sprintf("admission:%s:pending", q.name)
}

func (q *AdmissionQueue) processingKey() string {
	return fmt.Sprintf("admission:%s:processing", q.name)
}

func (q *AdmissionQueue) scheduledKey() string {
	return fmt.Sprintf("admission:%s:scheduled", q.name)
}

func (q *AdmissionQueue) requestKey(requestID string) string {
	return fmt.Sprintf("admission:%s:req:%s", q.name, requestID)
}

func (q *AdmissionQueue) resultKey(requestID string) string {
	return fmt.Sprintf("admission:%s:result:%s", q.name, requestID)
}

func (q *AdmissionQueue) statsKey() string {
	return fmt.Sprintf("admission:%s:stats", q.name)
}

// Enqueue adds a request to the queue. It returns false (without error)
// when the queue is at capacity; the caller decides how to surface the
// declined admission.
func (q *AdmissionQueue) Enqueue(ctx context.Context, req *QueuedRequest) (bool, error) {
	if req == nil {
		return false, errors.NewValidationError("request cannot be nil")
	}
	if req.Operation == "" {
		return false, errors.NewValidationError("operation is required")
	}

	depth, err := q.Depth(ctx)
	if err != nil {
		return false, err
	}
	if depth >= int64(q.config.MaxQueueSize) {
		q.bumpStat(ctx, "rejected")
		q.logger.Warn("Admission rejected, queue at capacity",
			"request_id", req.RequestID,
			"operation", req.Operation,
			"depth", depth,
			"max_queue_size", q.config.MaxQueueSize,
		)
		return false, nil
	}

	req.Status = StatusQueued
	if req.Timeout <= 0 {
		req.Timeout = q.config.DefaultTimeout
	}
	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = time.Now()
	}

	if err := q.putRequest(ctx, req); err != nil {
		return false, err
	}

	if err := q.redis.ZAdd(ctx, q.pendingKey(), redis.Z{
		Score:  req.Score(),
		Member: req.RequestID,
	}); err != nil {
		return false, err
	}

	q.bumpStat(ctx, "enqueued")
	q.logger.Debug("Request enqueued",
		"request_id", req.RequestID,
		"operation", req.Operation,
		"priority", string(req.Priority),
	)

	return true, nil
}

// Dequeue removes and returns the next request ready for processing, or
// nil when nothing is ready. It never returns a request while the
// in-flight count has reached MaxConcurrentRequests.
func (q *AdmissionQueue) Dequeue(ctx context.Context, workerID string) (*QueuedRequest, error) {
	inFlight, err := q.redis.ZCard(ctx, q.processingKey())
	if err != nil {
		return nil, err
	}
	if inFlight >= int64(q.config.MaxConcurrentRequests) {
		return nil, nil
	}

	// Backing-off retries wait in a separate scheduled set so they never
	// block requests behind them; due ones rejoin the pending set here.
	if err := q.promoteDue(ctx); err != nil {
		return nil, err
	}

	popped, err := q.redis.ZPopMin(ctx, q.pendingKey(), 1)
	if err != nil {
		return nil, err
	}
	if len(popped) == 0 {
		return nil, nil
	}

	requestID, _ := popped[0].Member.(string)
	req, err := q.getRequest(ctx, requestID)
	if err != nil {
		if errors.IsNotFound(err) {
			// Blob expired while queued; drop the orphaned entry.
			return nil, nil
		}
		return nil, err
	}

	now := time.Now()
	req.Status = StatusProcessing
	req.StartedAt = &now
	req.WorkerID = workerID

	if err := q.putRequest(ctx, req); err != nil {
		return nil, err
	}

	deadline := now.Add(req.Timeout)
	if err := q.redis.ZAdd(ctx, q.processingKey(), redis.Z{
		Score:  float64(deadline.UnixMilli()),
		Member: req.RequestID,
	}); err != nil {
		return nil, err
	}

	return req, nil
}

// Complete records the outcome of a processed request. Failed requests
// with remaining retry budget are re-enqueued with their priority boosted
// one class toward high and a backoff delay; exhausted ones are marked
// failed terminally.
func (q *AdmissionQueue) Complete(ctx context.Context, requestID string, success bool, result map[string]interface{}, errMsg string) error {
	req, err := q.getRequest(ctx, requestID)
	if err != nil {
		return err
	}

	if err := q.redis.ZRem(ctx, q.processingKey(), requestID); err != nil {
		return err
	}

	now := time.Now()

	if success {
		req.Status = StatusCompleted
		req.CompletedAt = &now
		if err := q.putRequest(ctx, req); err != nil {
			return err
		}
		q.storeResult(ctx, req, true, result, "")
		q.bumpStat(ctx, "completed")
		return nil
	}

	req.ErrorMsg = errMsg

	if req.CanRetry() {
		req.RetryCount++
		req.Priority = req.Priority.Boost()
		req.Status = StatusQueued
		req.NotBefore = now.Add(q.backoff.Delay(req.RetryCount))
		req.StartedAt = nil
		req.WorkerID = ""

		if err := q.putRequest(ctx, req); err != nil {
			return err
		}
		if err := q.redis.ZAdd(ctx, q.scheduledKey(), redis.Z{
			Score:  float64(req.NotBefore.UnixMilli()),
			Member: req.RequestID,
		}); err != nil {
			return err
		}

		q.bumpStat(ctx, "retried")
		q.logger.Info("Request re-enqueued for retry",
			"request_id", req.RequestID,
			"operation", req.Operation,
			"retry_count", req.RetryCount,
			"priority", string(req.Priority),
		)
		return nil
	}

	req.Status = StatusFailed
	req.CompletedAt = &now
	if err := q.putRequest(ctx, req); err != nil {
		return err
	}
	q.storeResult(ctx, req, false, nil, errMsg)
	q.bumpStat(ctx, "failed")

	q.logger.Warn("Request failed terminally",
		"request_id", req.RequestID,
		"operation", req.Operation,
		"retry_count", req.RetryCount,
		"error", errMsg,
	)
	return nil
}

// Sweep marks processing requests whose deadline has passed as timed out
// and frees their concurrency slots. The host schedules this as a
// periodic tick; the queue runs no background loop of its own.
func (q *AdmissionQueue) Sweep(ctx context.Context) (int, error) {
	now := time.Now()
	expired, err := q.redis.ZRangeByScore(ctx, q.processingKey(),
		"0", strconv.FormatInt(now.UnixMilli(), 10))
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, requestID := range expired {
		if err := q.redis.ZRem(ctx, q.processingKey(), requestID); err != nil {
			continue
		}

		req, err := q.getRequest(ctx, requestID)
		if err != nil {
			continue
		}

		req.Status = StatusTimeout
		req.CompletedAt = &now
		if err := q.putRequest(ctx, req); err != nil {
			continue
		}
		q.storeResult(ctx, req, false, nil, "processing deadline exceeded")
		q.bumpStat(ctx, "timeout")
		swept++

		q.logger.Warn("Request timed out",
			"request_id", requestID,
			"operation", req.Operation,
			"timeout", req.Timeout,
		)
	}

	return swept, nil
}

// GetRequest retrieves a request by ID
func (q *AdmissionQueue) GetRequest(ctx context.Context, requestID string) (*QueuedRequest, error) {
	return q.getRequest(ctx, requestID)
}

// GetResult retrieves the stored outcome of a terminal request
func (q *AdmissionQueue) GetResult(ctx context.Context, requestID string) (*RequestResult, error) {
	data, err := q.redis.Get(ctx, q.resultKey(requestID))
	if err != nil {
		return nil, err
	}

	var result RequestResult
	if err := json.Unmarshal([]byte(data), &result); err != nil {
		return nil, errors.NewInternalError("failed to deserialize result").WithCause(err)
	}
	return &result, nil
}

// promoteDue moves scheduled retries whose not-before time has passed
// back into the pending set at their priority score.
func (q *AdmissionQueue) promoteDue(ctx context.Context) error {
	due, err := q.redis.ZRangeByScore(ctx, q.scheduledKey(),
		"0", strconv.FormatInt(time.Now().UnixMilli(), 10))
	if err != nil {
		return err
	}

	for _, requestID := range due {
		if err := q.redis.ZRem(ctx, q.scheduledKey(), requestID); err != nil {
			continue
		}

		req, err := q.getRequest(ctx, requestID)
		if err != nil {
			// Blob expired while backing off; nothing left to promote.
			continue
		}

		if err := q.redis.ZAdd(ctx, q.pendingKey(), redis.Z{
			Score:  req.Score(),
			Member: requestID,
		}); err != nil {
			return err
		}
	}
	return nil
}

// Depth returns the number of queued requests, including retries that
// are still backing off.
func (q *AdmissionQueue) Depth(ctx context.Context) (int64, error) {
	pending, err := q.redis.ZCard(ctx, q.pendingKey())
	if err != nil {
		return 0, err
	}
	scheduled, err := q.redis.ZCard(ctx, q.scheduledKey())
	if err != nil {
		return 0, err
	}
	return pending + scheduled, nil
}

// InFlight returns the number of requests currently processing
func (q *AdmissionQueue) InFlight(ctx context.Context) (int64, error) {
	return q.redis.ZCard(ctx, q.processingKey())
}

// AcquireSlot claims an execution slot for work processed outside the
// worker path, so inline executions count toward MaxConcurrentRequests.
// The claim is optimistic: the entry is inserted first and backed out
// when the cap turns out to be exceeded, so the cap is never overshot.
// The deadline score lets Sweep reclaim slots leaked by a crashed
// instance.
func (q *AdmissionQueue) AcquireSlot(ctx context.Context, requestID string, timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		timeout = q.config.DefaultTimeout
	}
	deadline := time.Now().Add(timeout)

	if err := q.redis.ZAdd(ctx, q.processingKey(), redis.Z{
		Score:  float64(deadline.UnixMilli()),
		Member: requestID,
	}); err != nil {
		return false, err
	}

	inFlight, err := q.redis.ZCard(ctx, q.processingKey())
	if err != nil {
		_ = q.redis.ZRem(ctx, q.processingKey(), requestID)
		return false, err
	}
	if inFlight > int64(q.config.MaxConcurrentRequests) {
		if err := q.redis.ZRem(ctx, q.processingKey(), requestID); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// ReleaseSlot frees a slot claimed by AcquireSlot
func (q *AdmissionQueue) ReleaseSlot(ctx context.Context, requestID string) error {
	return q.redis.ZRem(ctx, q.processingKey(), requestID)
}

// Saturated reports whether the system is under enough load that new
// work should be queued rather than processed inline.
func (q *AdmissionQueue) Saturated(ctx context.Context) (bool, error) {
	inFlight, err := q.InFlight(ctx)
	if err != nil {
		return false, err
	}
	if inFlight >= int64(q.config.MaxConcurrentRequests) {
		return true, nil
	}

	depth, err := q.Depth(ctx)
	if err != nil {
		return false, err
	}
	return depth > 0, nil
}

// EstimateWait returns a rough wait estimate for a newly queued request
func (q *AdmissionQueue) EstimateWait(ctx context.Context) (time.Duration, error) {
	depth, err := q.Depth(ctx)
	if err != nil {
		return 0, err
	}

	batches := depth/int64(q.config.MaxConcurrentRequests) + 1
	return time.Duration(batches) * q.config.NominalTaskDuration, nil
}

// Stats returns admission queue statistics
func (q *AdmissionQueue) Stats(ctx context.Context) (*QueueStats, error) {
	stats := &QueueStats{}

	depth, err := q.Depth(ctx)
	if err != nil {
		return nil, err
	}
	stats.QueuedCount = depth

	inFlight, err := q.InFlight(ctx)
	if err != nil {
		return nil, err
	}
	stats.InFlightCount = inFlight

	counters, err := q.redis.HGetAll(ctx, q.statsKey())
	if err != nil {
		return stats, nil
	}

	parse := func(field string) int64 {
		n, _ := strconv.ParseInt(counters[field], 10, 64)
		return n
	}
	stats.EnqueuedTotal = parse("enqueued")
	stats.RejectedTotal = parse("rejected")
	stats.CompletedTotal = parse("completed")
	stats.RetriedTotal = parse("retried")
	stats.FailedTotal = parse("failed")
	stats.TimeoutTotal = parse("timeout")

	return stats, nil
}

// Helper methods

func (q *AdmissionQueue) getRequest(ctx context.Context, requestID string) (*QueuedRequest, error) {
	data, err := q.redis.Get(ctx, q.requestKey(requestID))
	if err != nil {
		return nil, err
	}

	req, err := RequestFromJSON([]byte(data))
	if err != nil {
		return nil, errors.NewInternalError("failed to deserialize request").WithCause(err)
	}
	return req, nil
}

func (q *AdmissionQueue) putRequest(ctx context.Context, req *QueuedRequest) error {
	data, err := req.ToJSON()
	if err != nil {
		return errors.NewInternalError("failed to serialize request").WithCause(err)
	}
	return q.redis.Set(ctx, q.requestKey(req.RequestID), data, q.config.RequestTTL)
}

func (q *AdmissionQueue) storeResult(ctx context.Context, req *QueuedRequest, success bool, result map[string]interface{}, errMsg string) {
	var duration time.Duration
	if req.StartedAt != nil && req.CompletedAt != nil {
		duration = req.CompletedAt.Sub(*req.StartedAt)
	}

	data, err := json.Marshal(&RequestResult{
		RequestID: req.RequestID,
		Success:   success,
		Result:    result,
		Error:     errMsg,
		Duration:  duration,
		Timestamp: time.Now(),
	})
	if err != nil {
		return
	}

	// Result storage is best-effort.
	if err := q.redis.Set(ctx, q.resultKey(req.RequestID), data, q.config.RequestTTL); err != nil {
		q.logger.Warn("Failed to store request result", "request_id", req.RequestID, "error", err)
	}
}

func (q *AdmissionQueue) bumpStat(ctx context.Context, field string) {
	// Stats are best-effort observability, never a failure path.
	if err := q.redis.HIncrBy(ctx, q.statsKey(), field, 1); err != nil {
		q.logger.Debug("Failed to update queue stats", "field", field, "error", err)
	}
}
