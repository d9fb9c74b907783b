// Package resilience provides the circuit breaker registry and the
// graceful-degradation controller that the reliability orchestrator
// composes around AI invocations.
//
// # Circuit Breaker Pattern
//
// One breaker guards each distinct service key. Five failures inside the
// monitoring window open the circuit; after the recovery timeout a limited
// number of half-open trial calls decide whether to close it again.
//
//	registry := resilience.NewRegistry(resilience.DefaultBreakerSettings())
//	result, err := registry.Guard(ctx, "proxy-rds_query", "visibility-analysis",
//		resilience.FallbackAnalysis,
//		func(ctx context.Context) (interface{}, error) {
//			return invoke(ctx, payload)
//		})
//
// While the circuit is open, Guard returns an operation-specific canned
// fallback instead of an error.
//
// # Graceful Degradation
//
// The degradation controller tracks an exponentially smoothed failure rate
// per operation and overall. Crossing the partial threshold prefers cached
// and canned content; crossing the severe threshold suspends live calls
// entirely. Open circuits feed into the level as an additional signal.
//
//	dc := resilience.NewDegradationController(resilience.DefaultDegradationSettings())
//	dc.RecordFailure("visibility-analysis", err)
//	if dc.ShouldDegrade() {
//		return dc.FallbackResponse("visibility-analysis", err, ownerID), nil
//	}
//
// Both components hold process-local state only. On serverless or
// ephemeral compute this state is a best-effort cache of a broader health
// signal and resets on cold start.
package resilience
