package resilience

import (
	"sync"
	"time"

	"github.com/matbakh-app/matbakh-visibility-boost-sub010/pkg/logging"
)

// DegradationLevel represents the level of service degradation
type DegradationLevel int

const (
	// LevelNone - normal path, live calls are attempted
	LevelNone DegradationLevel = iota
	// LevelPartial - cached and canned content is preferred, live calls
	// are still attempted opportunistically
	LevelPartial
	// LevelSevere - live calls are never attempted, always fall back
	LevelSevere
)

func (l DegradationLevel) String() string {
	switch l {
	case LevelNone:
		return "NONE"
	case LevelPartial:
		return "PARTIAL"
	case LevelSevere:
		return "SEVERE"
	default:
		return "UNKNOWN"
	}
}

// DegradationSettings holds configuration for the degradation controller
type DegradationSettings struct {
	// PartialThreshold is the smoothed failure rate above which the level
	// becomes partial
	PartialThreshold float64
	// SevereThreshold is the smoothed failure rate above which the level
	// becomes severe
	SevereThreshold float64
	// SmoothingFactor is the EMA weight of the most recent outcome
	SmoothingFactor float64
	// OnLevelChange is called whenever the degradation level changes
	OnLevelChange func(from, to DegradationLevel)
}

// DefaultDegradationSettings returns the default degradation settings
func DefaultDegradationSettings() DegradationSettings {
	return DegradationSettings{
		PartialThreshold: 0.3,
		SevereThreshold:  0.6,
		SmoothingFactor:  0.2,
	}
}

// DegradationSnapshot is a read-only view of the controller state
type DegradationSnapshot struct {
	Level            string             `json:"level"`
	FailureRate      float64            `json:"failure_rate"`
	PerOperation     map[string]float64 `json:"per_operation"`
	CircuitOpenCount int                `json:"circuit_open_count"`
	LastFailureAt    time.Time          `json:"last_failure_at,omitempty"`
}

// DegradationController tracks a decaying failure rate per operation and
// overall, and decides when to stop attempting live calls. It does not
// open circuits itself; breaker-open counts are one input among several.
type DegradationController struct {
	settings DegradationSettings

	mutex            sync.RWMutex
	overallRate      float64
	perOperation     map[string]float64
	level            DegradationLevel
	circuitOpenCount int
	lastFailureAt    time.Time

	logger *logging.Logger
}

// NewDegradationController creates a new degradation controller
func NewDegradationController(settings DegradationSettings) *DegradationController {
	if settings.SmoothingFactor <= 0 || settings.SmoothingFactor > 1 {
		settings.SmoothingFactor = 0.2
	}
	if settings.PartialThreshold <= 0 {
		settings.PartialThreshold = 0.3
	}
	if settings.SevereThreshold <= settings.PartialThreshold {
		settings.SevereThreshold = settings.PartialThreshold * 2
	}

	return &DegradationController{
		settings:     settings,
		perOperation: make(map[string]float64),
		level:        LevelNone,
		logger:       logging.GetLogger(),
	}
}

// RecordSuccess decays the failure rate after a successful live call
func (dc *DegradationController) RecordSuccess(operation string) {
	dc.record(operation, 0)
}

// RecordFailure raises the failure rate after a failed live call
func (dc *DegradationController) RecordFailure(operation string, err error) {
	dc.mutex.Lock()
	dc.lastFailureAt = time.Now()
	dc.mutex.Unlock()

	dc.record(operation, 1)

	dc.logger.Debug("Degradation failure recorded",
		"operation", operation,
		"error", err,
		"failure_rate", dc.FailureRate(),
	)
}

// SetCircuitOpenCount feeds the breaker registry's open-circuit count into
// the level computation
func (dc *DegradationController) SetCircuitOpenCount(n int) {
	dc.mutex.Lock()
	dc.circuitOpenCount = n
	dc.recomputeLevel()
	dc.mutex.Unlock()
}

// ShouldDegrade reports whether live execution must be skipped entirely.
// Partial degradation still attempts live calls opportunistically, so only
// the severe level answers true.
func (dc *DegradationController) ShouldDegrade() bool {
	return dc.Level() == LevelSevere
}

// Level returns the current degradation level
func (dc *DegradationController) Level() DegradationLevel {
	dc.mutex.RLock()
	defer dc.mutex.RUnlock()
	return dc.level
}

// SetLevel forces the degradation level. Intended for operational override
// and tests; recorded outcomes keep adjusting the level afterwards.
func (dc *DegradationController) SetLevel(level DegradationLevel) {
	dc.mutex.Lock()
	dc.transition(level)
	// Pin the rate to the band that matches the forced level so the next
	// recompute does not immediately undo the override.
	switch level {
	case LevelSevere:
		if dc.overallRate < dc.settings.SevereThreshold {
			dc.overallRate = dc.settings.SevereThreshold
		}
	case LevelPartial:
		if dc.overallRate < dc.settings.PartialThreshold {
			dc.overallRate = dc.settings.PartialThreshold
		}
	case LevelNone:
		dc.overallRate = 0
		for op := range dc.perOperation {
			dc.perOperation[op] = 0
		}
	}
	dc.mutex.Unlock()
}

// FailureRate returns the smoothed overall failure rate
func (dc *DegradationController) FailureRate() float64 {
	dc.mutex.RLock()
	defer dc.mutex.RUnlock()
	return dc.overallRate
}

// OperationFailureRate returns the smoothed failure rate for one operation
func (dc *DegradationController) OperationFailureRate(operation string) float64 {
	dc.mutex.RLock()
	defer dc.mutex.RUnlock()
	return dc.perOperation[operation]
}

// FallbackResponse produces the canned response for a degraded operation
func (dc *DegradationController) FallbackResponse(operation string, err error, ownerID string) *FallbackResponse {
	reason := "service degraded: live processing suspended"
	if err != nil {
		reason = err.Error()
	}

	fallback := CannedFallback(KindForOperation(operation), operation, reason)
	if ownerID != "" {
		fallback.Content["owner_id"] = ownerID
	}

	dc.logger.Info("Serving degradation fallback",
		"operation", operation,
		"owner_id", ownerID,
		"level", dc.Level().String(),
	)

	return fallback
}

// Snapshot returns a read-only view of the controller state
func (dc *DegradationController) Snapshot() DegradationSnapshot {
	dc.mutex.RLock()
	defer dc.mutex.RUnlock()

	perOp := make(map[string]float64, len(dc.perOperation))
	for op, rate := range dc.perOperation {
		perOp[op] = rate
	}

	return DegradationSnapshot{
		Level:            dc.level.String(),
		FailureRate:      dc.overallRate,
		PerOperation:     perOp,
		CircuitOpenCount: dc.circuitOpenCount,
		LastFailureAt:    dc.lastFailureAt,
	}
}

func (dc *DegradationController) record(operation string, outcome float64) {
	dc.mutex.Lock()
	defer dc.mutex.Unlock()

	alpha := dc.settings.SmoothingFactor
	dc.overallRate = (1-alpha)*dc.overallRate + alpha*outcome
	dc.perOperation[operation] = (1-alpha)*dc.perOperation[operation] + alpha*outcome

	dc.recomputeLevel()
}

// recomputeLevel must be called with the mutex held
func (dc *DegradationController) recomputeLevel() {
	level := LevelNone
	switch {
	case dc.overallRate >= dc.settings.SevereThreshold:
		level = LevelSevere
	case dc.overallRate >= dc.settings.PartialThreshold:
		level = LevelPartial
	}

	// An open circuit means the dependency is known unhealthy even when
	// the smoothed rate has not caught up yet.
	if dc.circuitOpenCount > 0 && level < LevelPartial {
		level = LevelPartial
	}

	dc.transition(level)
}

// transition must be called with the mutex held
func (dc *DegradationController) transition(level DegradationLevel) {
	if level == dc.level {
		return
	}

	prev := dc.level
	dc.level = level

	if dc.settings.OnLevelChange != nil {
		dc.settings.OnLevelChange(prev, level)
	}

	dc.logger.Info("Degradation level changed",
		"from", prev.String(),
		"to", level.String(),
		"failure_rate", dc.overallRate,
		"circuit_open_count", dc.circuitOpenCount,
	)
}
