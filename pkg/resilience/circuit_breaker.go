package resilience

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/matbakh-app/matbakh-visibility-boost-sub010/pkg/errors"
	"github.com/matbakh-app/matbakh-visibility-boost-sub010/pkg/logging"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed - circuit is closed, requests are allowed
	StateClosed CircuitState = iota
	// StateOpen - circuit is open, requests are rejected
	StateOpen
	// StateHalfOpen - circuit is half-open, limited trial requests are allowed
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerSettings holds configuration for a circuit breaker
type BreakerSettings struct {
	// FailureThreshold is the number of failures inside the monitoring
	// window that trips the circuit
	FailureThreshold int
	// RecoveryTimeout is the period of the open state, after which the
	// next call is allowed through as a half-open trial
	RecoveryTimeout time.Duration
	// MonitoringWindow bounds how long a failure streak stays relevant.
	// The window is evaluated against the last failure time, not a sliding
	// log of individual events.
	MonitoringWindow time.Duration
	// HalfOpenMaxCalls is the number of consecutive successful trial calls
	// required to close the circuit again
	HalfOpenMaxCalls int
	// OnStateChange is called whenever the state of the circuit breaker changes
	OnStateChange func(serviceKey string, from CircuitState, to CircuitState)
}

// DefaultBreakerSettings returns the default breaker settings
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		MonitoringWindow: 5 * time.Minute,
		HalfOpenMaxCalls: 3,
	}
}

// BreakerSnapshot is a read-only view of one breaker's state
type BreakerSnapshot struct {
	ServiceKey      string    `json:"service_key"`
	State           string    `json:"state"`
	FailureCount    int       `json:"failure_count"`
	SuccessCount    int       `json:"success_count"`
	TotalCalls      uint64    `json:"total_calls"`
	LastFailureTime time.Time `json:"last_failure_time,omitempty"`
	NextAttemptTime time.Time `json:"next_attempt_time,omitempty"`
}

// CircuitBreaker is a per-service-key state machine that stops calling a
// failing dependency for a cooldown period. State is process-local and
// mutex-guarded; it is a best-effort cache of a broader health signal and
// resets on cold start.
type CircuitBreaker struct {
	serviceKey string
	settings   BreakerSettings

	mutex           sync.Mutex
	state           CircuitState
	failureCount    int
	successCount    int
	halfOpenCalls   int
	totalCalls      uint64
	lastFailureTime time.Time
	nextAttemptTime time.Time

	logger *logging.Logger
}

// NewCircuitBreaker creates a new circuit breaker for a service key
func NewCircuitBreaker(serviceKey string, settings BreakerSettings) *CircuitBreaker {
	if settings.FailureThreshold <= 0 {
		settings.FailureThreshold = 5
	}
	if settings.RecoveryTimeout <= 0 {
		settings.RecoveryTimeout = 60 * time.Second
	}
	if settings.MonitoringWindow <= 0 {
		settings.MonitoringWindow = 5 * time.Minute
	}
	if settings.HalfOpenMaxCalls <= 0 {
		settings.HalfOpenMaxCalls = 3
	}

	return &CircuitBreaker{
		serviceKey: serviceKey,
		settings:   settings,
		state:      StateClosed,
		logger:     logging.GetLogger(),
	}
}

// Execute runs the given request if the circuit breaker accepts it
func (cb *CircuitBreaker) Execute(ctx context.Context, req func(context.Context) (interface{}, error)) (interface{}, error) {
	if err := cb.beforeCall(); err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.afterCall(false)
			panic(r)
		}
	}()

	result, err := req(ctx)
	if errors.IsCanceled(err) {
		// A caller that went away reveals nothing about the dependency;
		// the call is not recorded as success or failure.
		cb.releaseTrial()
		return result, err
	}
	cb.afterCall(err == nil)
	return result, err
}

// releaseTrial returns a half-open trial slot consumed by a call whose
// outcome was neutral.
func (cb *CircuitBreaker) releaseTrial() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	if cb.state == StateHalfOpen && cb.halfOpenCalls > 0 {
		cb.halfOpenCalls--
	}
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() CircuitState {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

// ServiceKey returns the service key guarded by this breaker
func (cb *CircuitBreaker) ServiceKey() string {
	return cb.serviceKey
}

// Snapshot returns a read-only view of the breaker state
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	return BreakerSnapshot{
		ServiceKey:      cb.serviceKey,
		State:           cb.state.String(),
		FailureCount:    cb.failureCount,
		SuccessCount:    cb.successCount,
		TotalCalls:      cb.totalCalls,
		LastFailureTime: cb.lastFailureTime,
		NextAttemptTime: cb.nextAttemptTime,
	}
}

func (cb *CircuitBreaker) beforeCall() error {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := time.Now()
	cb.totalCalls++

	switch cb.state {
	case StateOpen:
		if now.Before(cb.nextAttemptTime) {
			return errors.NewCircuitOpenError(cb.serviceKey)
		}
		cb.setState(StateHalfOpen, now)
		cb.halfOpenCalls++
	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.settings.HalfOpenMaxCalls {
			return errors.NewCircuitOpenError(cb.serviceKey)
		}
		cb.halfOpenCalls++
	}

	return nil
}

func (cb *CircuitBreaker) afterCall(success bool) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := time.Now()
	if success {
		cb.onSuccess(now)
	} else {
		cb.onFailure(now)
	}
}

func (cb *CircuitBreaker) onSuccess(now time.Time) {
	cb.successCount++

	if cb.state == StateHalfOpen && cb.successCount >= cb.settings.HalfOpenMaxCalls {
		cb.setState(StateClosed, now)
	}
}

func (cb *CircuitBreaker) onFailure(now time.Time) {
	switch cb.state {
	case StateClosed:
		// Failures older than the monitoring window no longer count
		// toward the threshold.
		if !cb.lastFailureTime.IsZero() && now.Sub(cb.lastFailureTime) > cb.settings.MonitoringWindow {
			cb.failureCount = 0
		}
		cb.failureCount++
		cb.lastFailureTime = now

		if cb.failureCount >= cb.settings.FailureThreshold {
			cb.trip(now)
		}
	case StateHalfOpen:
		// Any failure during a trial reopens the circuit immediately.
		cb.lastFailureTime = now
		cb.trip(now)
	}
}

func (cb *CircuitBreaker) trip(now time.Time) {
	cb.nextAttemptTime = now.Add(cb.settings.RecoveryTimeout)
	cb.setState(StateOpen, now)
}

// setState must be called with the mutex held
func (cb *CircuitBreaker) setState(state CircuitState, now time.Time) {
	if cb.state == state {
		return
	}

	prev := cb.state
	cb.state = state

	switch state {
	case StateClosed:
		cb.failureCount = 0
		cb.successCount = 0
		cb.halfOpenCalls = 0
	case StateHalfOpen:
		cb.successCount = 0
		cb.halfOpenCalls = 0
	}

	if cb.settings.OnStateChange != nil {
		cb.settings.OnStateChange(cb.serviceKey, prev, state)
	}

	cb.logger.Info("Circuit breaker state changed",
		"service_key", cb.serviceKey,
		"from", prev.String(),
		"to", state.String(),
		"failure_count", cb.failureCount,
		"total_calls", cb.totalCalls,
	)
}

// IsCircuitOpenError checks if an error is a circuit-open short-circuit
func IsCircuitOpenError(err error) bool {
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		return appErr.Type == errors.ErrorTypeUnavailable
	}
	return false
}
