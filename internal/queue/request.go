package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Priority represents request priority classes
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// priorityWeights dominate the timestamp term of the admission score so
// that ordering is strictly by class, FIFO within a class.
var priorityWeights = map[Priority]int64{
	PriorityCritical: 1000,
	PriorityHigh:     100,
	PriorityNormal:   10,
	PriorityLow:      1,
}

// Weight returns the scheduling weight of the priority class
func (p Priority) Weight() int64 {
	if w, ok := priorityWeights[p]; ok {
		return w
	}
	return priorityWeights[PriorityNormal]
}

// Boost elevates the priority one class toward high. Used when a failed
// request is re-enqueued for retry. Critical stays critical.
func (p Priority) Boost() Priority {
	switch p {
	case PriorityLow:
		return PriorityNormal
	case PriorityNormal:
		return PriorityHigh
	default:
		return p
	}
}

// Valid reports whether the priority is a known class
func (p Priority) Valid() bool {
	_, ok := priorityWeights[p]
	return ok
}

// Status represents the lifecycle status of a queued request
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTimeout    Status = "timeout"
)

// QueuedRequest is a request held by the admission queue until capacity
// frees up
type QueuedRequest struct {
	RequestID   string                 `json:"request_id"`
	Operation   string                 `json:"operation"`
	Priority    Priority               `json:"priority"`
	Payload     map[string]interface{} `json:"payload"`
	OwnerID     string                 `json:"owner_id,omitempty"`
	Status      Status                 `json:"status"`
	EnqueuedAt  time.Time              `json:"enqueued_at"`
	NotBefore   time.Time              `json:"not_before,omitempty"`
	RetryCount  int                    `json:"retry_count"`
	MaxRetries  int                    `json:"max_retries"`
	Timeout     time.Duration          `json:"timeout"`
	WorkerID    string                 `json:"worker_id,omitempty"`
	ErrorMsg    string                 `json:"error_msg,omitempty"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// NewQueuedRequest creates a queued request with defaults
func NewQueuedRequest(operation string, priority Priority, payload map[string]interface{}) *QueuedRequest {
	if !priority.Valid() {
		priority = PriorityNormal
	}
	return &QueuedRequest{
		RequestID:  uuid.New().String(),
		Operation:  operation,
		Priority:   priority,
		Payload:    payload,
		Status:     StatusQueued,
		EnqueuedAt: time.Now(),
		MaxRetries: 3,
		Timeout:    45 * time.Second,
	}
}

// WithRequestID sets an explicit request ID
func (r *QueuedRequest) WithRequestID(id string) *QueuedRequest {
	if id != "" {
		r.RequestID = id
	}
	return r
}

// WithOwner sets the owning user/tenant
func (r *QueuedRequest) WithOwner(ownerID string) *QueuedRequest {
	r.OwnerID = ownerID
	return r
}

// WithTimeout sets the processing timeout
func (r *QueuedRequest) WithTimeout(timeout time.Duration) *QueuedRequest {
	if timeout > 0 {
		r.Timeout = timeout
	}
	return r
}

// WithMaxRetries sets the retry budget
func (r *QueuedRequest) WithMaxRetries(maxRetries int) *QueuedRequest {
	if maxRetries >= 0 {
		r.MaxRetries = maxRetries
	}
	return r
}

// CanRetry reports whether the request still has retry budget
func (r *QueuedRequest) CanRetry() bool {
	return r.RetryCount < r.MaxRetries
}

// Score computes the admission ordering score. Lower scores dequeue
// first: the weight term dominates so classes order strictly, and the
// enqueue timestamp breaks ties oldest-first within a class.
func (r *QueuedRequest) Score() float64 {
	ts := r.EnqueuedAt
	if !r.NotBefore.IsZero() && r.NotBefore.After(ts) {
		ts = r.NotBefore
	}
	return float64(ts.UnixMilli()) - float64(r.Priority.Weight())*weightScale
}

// weightScale separates adjacent priority classes by ~2.8 years of
// timestamp spread while keeping scores well inside float64 integer
// precision, so the class always dominates and FIFO ties within a class
// stay exact.
const weightScale = 1e10

// ToJSON converts the request to JSON
func (r *QueuedRequest) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

// RequestFromJSON creates a request from JSON
func RequestFromJSON(data []byte) (*QueuedRequest, error) {
	var req QueuedRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// RequestResult is the stored outcome of a processed queued request
type RequestResult struct {
	RequestID string                 `json:"request_id"`
	Success   bool                   `json:"success"`
	Result    map[string]interface{} `json:"result,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Duration  time.Duration          `json:"duration"`
	Timestamp time.Time              `json:"timestamp"`
}

// QueueStats represents admission queue statistics
type QueueStats struct {
	QueuedCount   int64 `json:"queued_count"`
	InFlightCount int64 `json:"in_flight_count"`
	EnqueuedTotal int64 `json:"enqueued_total"`
	RejectedTotal int64 `json:"rejected_total"`
	CompletedTotal int64 `json:"completed_total"`
	RetriedTotal  int64 `json:"retried_total"`
	FailedTotal   int64 `json:"failed_total"`
	TimeoutTotal  int64 `json:"timeout_total"`
}
