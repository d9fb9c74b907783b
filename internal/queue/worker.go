package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/matbakh-app/matbakh-visibility-boost-sub010/pkg/errors"
	"github.com/matbakh-app/matbakh-visibility-boost-sub010/pkg/logging"
)

// Handler defines the interface for processing dequeued requests
type Handler interface {
	Handle(ctx context.Context, req *QueuedRequest) (map[string]interface{}, error)
	CanHandle(operation string) bool
}

// HandlerFunc adapts a function to the Handler interface
type HandlerFunc func(ctx context.Context, req *QueuedRequest) (map[string]interface{}, error)

func (f HandlerFunc) Handle(ctx context.Context, req *QueuedRequest) (map[string]interface{}, error) {
	return f(ctx, req)
}

func (f HandlerFunc) CanHandle(operation string) bool {
	return true
}

// Worker drains the admission queue in the background. Each dequeued
// request is processed under its own deadline and reported back through
// Complete, which handles retry scheduling.
type Worker struct {
	id       string
	queue    *AdmissionQueue
	handlers map[string]Handler
	config   WorkerConfig
	logger   *logging.Logger

	stopCh chan struct{}
	doneCh chan struct{}

	mu      sync.RWMutex
	running bool
	stats   WorkerStats
}

// WorkerConfig contains worker configuration
type WorkerConfig struct {
	Concurrency     int           `json:"concurrency"`
	PollInterval    time.Duration `json:"poll_interval"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
}

// DefaultWorkerConfig returns default worker configuration
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Concurrency:     3,
		PollInterval:    500 * time.Millisecond,
		ShutdownTimeout: 30 * time.Second,
	}
}

// WorkerStats contains worker statistics
type WorkerStats struct {
	Processed int64     `json:"processed"`
	Succeeded int64     `json:"succeeded"`
	Failed    int64     `json:"failed"`
	LastJobAt time.Time `json:"last_job_at"`
	StartedAt time.Time `json:"started_at"`
}

// NewWorker creates a new worker for the given queue
func NewWorker(queue *AdmissionQueue, config WorkerConfig) *Worker {
	if config.Concurrency <= 0 {
		config.Concurrency = 3
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 500 * time.Millisecond
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 30 * time.Second
	}

	return &Worker{
		id:       uuid.New().String(),
		queue:    queue,
		handlers: make(map[string]Handler),
		config:   config,
		logger:   logging.GetLogger(),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		stats: WorkerStats{
			StartedAt: time.Now(),
		},
	}
}

// RegisterHandler registers a handler for an operation. The operation
// "*" acts as a fallback for operations with no dedicated handler.
func (w *Worker) RegisterHandler(operation string, handler Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[operation] = handler
}

// Start starts the worker goroutines
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return errors.NewValidationError("worker is already running")
	}
	w.running = true
	w.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < w.config.Concurrency; i++ {
		wg.Add(1)
		go func(workerNum int) {
			defer wg.Done()
			w.loop(ctx, fmt.Sprintf("%s-%d", w.id, workerNum))
		}(i)
	}

	go func() {
		wg.Wait()
		close(w.doneCh)
	}()

	return nil
}

// Stop stops the worker gracefully
func (w *Worker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return errors.NewValidationError("worker is not running")
	}
	w.mu.Unlock()

	close(w.stopCh)

	select {
	case <-w.doneCh:
	case <-time.After(w.config.ShutdownTimeout):
		return errors.NewTimeoutError("worker shutdown")
	}

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	return nil
}

// IsRunning returns whether the worker is running
func (w *Worker) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

// GetStats returns worker statistics
func (w *Worker) GetStats() WorkerStats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stats
}

// GetID returns the worker ID
func (w *Worker) GetID() string {
	return w.id
}

func (w *Worker) loop(ctx context.Context, workerID string) {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.processNext(ctx, workerID)
		}
	}
}

func (w *Worker) processNext(ctx context.Context, workerID string) {
	req, err := w.queue.Dequeue(ctx, workerID)
	if err != nil {
		w.logger.Warn("Dequeue failed", "worker_id", workerID, "error", err)
		return
	}
	if req == nil {
		return
	}

	w.mu.Lock()
	w.stats.Processed++
	w.stats.LastJobAt = time.Now()
	w.mu.Unlock()

	w.process(ctx, req)
}

func (w *Worker) process(ctx context.Context, req *QueuedRequest) {
	reqCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	w.mu.RLock()
	handler, exists := w.handlers[req.Operation]
	if !exists {
		handler, exists = w.handlers["*"]
	}
	w.mu.RUnlock()

	if !exists || !handler.CanHandle(req.Operation) {
		msg := fmt.Sprintf("no handler registered for operation: %s", req.Operation)
		if err := w.queue.Complete(ctx, req.RequestID, false, nil, msg); err != nil {
			w.logger.Error("Failed to record unhandled request", "request_id", req.RequestID, "error", err)
		}
		w.updateOutcome(false)
		return
	}

	result, err := handler.Handle(reqCtx, req)
	if err != nil {
		if completeErr := w.queue.Complete(ctx, req.RequestID, false, nil, err.Error()); completeErr != nil {
			w.logger.Error("Failed to record request failure", "request_id", req.RequestID, "error", completeErr)
		}
		w.updateOutcome(false)
		return
	}

	if err := w.queue.Complete(ctx, req.RequestID, true, result, ""); err != nil {
		w.logger.Error("Failed to record request completion", "request_id", req.RequestID, "error", err)
	}
	w.updateOutcome(true)
}

func (w *Worker) updateOutcome(success bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if success {
		w.stats.Succeeded++
	} else {
		w.stats.Failed++
	}
}
