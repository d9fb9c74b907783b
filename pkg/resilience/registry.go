package resilience

import (
	"context"
	"sync"

	"github.com/matbakh-app/matbakh-visibility-boost-sub010/pkg/logging"
)

// Registry owns one circuit breaker per service key. Breakers are created
// lazily on first use and never destroyed; the key space is small and
// static (one key per downstream operation, e.g. "proxy-rds_query").
//
// The registry is an explicit, injectable object rather than a package
// global so that independent instances can coexist in tests.
type Registry struct {
	settings BreakerSettings

	mutex    sync.RWMutex
	breakers map[string]*CircuitBreaker

	logger *logging.Logger
}

// NewRegistry creates a new circuit breaker registry
func NewRegistry(settings BreakerSettings) *Registry {
	return &Registry{
		settings: settings,
		breakers: make(map[string]*CircuitBreaker),
		logger:   logging.GetLogger(),
	}
}

// Breaker returns the circuit breaker for a service key, creating it on
// first use.
func (r *Registry) Breaker(serviceKey string) *CircuitBreaker {
	r.mutex.RLock()
	cb, ok := r.breakers[serviceKey]
	r.mutex.RUnlock()
	if ok {
		return cb
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()
	if cb, ok = r.breakers[serviceKey]; ok {
		return cb
	}

	cb = NewCircuitBreaker(serviceKey, r.settings)
	r.breakers[serviceKey] = cb
	r.logger.Debug("Circuit breaker created", "service_key", serviceKey)
	return cb
}

// GuardResult is the outcome of a guarded call: either the live result or
// an operation-specific fallback when the circuit is open.
type GuardResult struct {
	Value    interface{}
	Fallback *FallbackResponse
}

// FromFallback reports whether the result was served from a canned fallback
func (g *GuardResult) FromFallback() bool {
	return g.Fallback != nil
}

// Guard executes the request under the circuit breaker for the service key.
// When the circuit is open the call short-circuits to a canned fallback for
// the request kind instead of surfacing an error; every other failure is
// returned to the caller unchanged.
func (r *Registry) Guard(ctx context.Context, serviceKey, operation string, kind FallbackKind, req func(context.Context) (interface{}, error)) (*GuardResult, error) {
	cb := r.Breaker(serviceKey)

	result, err := cb.Execute(ctx, req)
	if err != nil {
		if IsCircuitOpenError(err) {
			fallback := CannedFallback(kind, operation, err.Error())
			r.logger.Warn("Circuit open, serving fallback",
				"service_key", serviceKey,
				"operation", operation,
				"kind", string(kind),
			)
			return &GuardResult{Fallback: fallback}, nil
		}
		return nil, err
	}

	return &GuardResult{Value: result}, nil
}

// OpenCount returns the number of breakers currently open
func (r *Registry) OpenCount() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	open := 0
	for _, cb := range r.breakers {
		if cb.State() == StateOpen {
			open++
		}
	}
	return open
}

// Snapshot returns a read-only view of every registered breaker
func (r *Registry) Snapshot() map[string]BreakerSnapshot {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	out := make(map[string]BreakerSnapshot, len(r.breakers))
	for key, cb := range r.breakers {
		out[key] = cb.Snapshot()
	}
	return out
}
