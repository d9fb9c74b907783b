package resilience

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDegradationSettings() DegradationSettings {
	return DegradationSettings{
		PartialThreshold: 0.3,
		SevereThreshold:  0.6,
		SmoothingFactor:  0.5,
	}
}

func TestDegradationController_StartsHealthy(t *testing.T) {
	dc := NewDegradationController(testDegradationSettings())

	assert.Equal(t, LevelNone, dc.Level())
	assert.False(t, dc.ShouldDegrade())
	assert.Zero(t, dc.FailureRate())
}

func TestDegradationController_EscalatesWithFailures(t *testing.T) {
	dc := NewDegradationController(testDegradationSettings())
	err := errors.New("dependency down")

	// One failure with alpha 0.5 puts the rate at 0.5 -> partial.
	dc.RecordFailure("visibility-analysis", err)
	assert.Equal(t, LevelPartial, dc.Level())
	assert.False(t, dc.ShouldDegrade(), "partial still attempts live calls")

	// A second failure pushes past the severe threshold.
	dc.RecordFailure("visibility-analysis", err)
	assert.Equal(t, LevelSevere, dc.Level())
	assert.True(t, dc.ShouldDegrade())
}

func TestDegradationController_RecoversWithSuccesses(t *testing.T) {
	dc := NewDegradationController(testDegradationSettings())
	err := errors.New("dependency down")

	dc.RecordFailure("visibility-analysis", err)
	dc.RecordFailure("visibility-analysis", err)
	require.Equal(t, LevelSevere, dc.Level())

	for i := 0; i < 4; i++ {
		dc.RecordSuccess("visibility-analysis")
	}
	assert.Equal(t, LevelNone, dc.Level())
	assert.False(t, dc.ShouldDegrade())
}

func TestDegradationController_PerOperationRates(t *testing.T) {
	dc := NewDegradationController(testDegradationSettings())

	dc.RecordFailure("translation", errors.New("down"))
	dc.RecordSuccess("recommendation")

	assert.InDelta(t, 0.5, dc.OperationFailureRate("translation"), 1e-9)
	assert.Zero(t, dc.OperationFailureRate("recommendation"))
}

func TestDegradationController_OpenCircuitForcesPartial(t *testing.T) {
	dc := NewDegradationController(testDegradationSettings())
	require.Equal(t, LevelNone, dc.Level())

	dc.SetCircuitOpenCount(1)
	assert.Equal(t, LevelPartial, dc.Level())

	dc.SetCircuitOpenCount(0)
	assert.Equal(t, LevelNone, dc.Level())
}

func TestDegradationController_SetLevelOverride(t *testing.T) {
	dc := NewDegradationController(testDegradationSettings())

	dc.SetLevel(LevelSevere)
	assert.True(t, dc.ShouldDegrade())

	// A single success does not immediately undo the override band.
	dc.RecordSuccess("visibility-analysis")
	assert.NotEqual(t, LevelNone, dc.Level())

	dc.SetLevel(LevelNone)
	assert.Equal(t, LevelNone, dc.Level())
	assert.False(t, dc.ShouldDegrade())
}

func TestDegradationController_FallbackResponse(t *testing.T) {
	dc := NewDegradationController(testDegradationSettings())

	fallback := dc.FallbackResponse("translation", errors.New("model unavailable"), "owner-1")
	require.NotNil(t, fallback)
	assert.Equal(t, "translation", fallback.Operation)
	assert.Equal(t, FallbackTranslation, fallback.Kind)
	assert.Equal(t, "model unavailable", fallback.Reason)
	assert.Equal(t, "owner-1", fallback.Content["owner_id"])
	assert.True(t, fallback.Degraded)

	// Without an error a generic reason is used.
	fallback = dc.FallbackResponse("recommendation", nil, "")
	assert.NotEmpty(t, fallback.Reason)
	assert.NotContains(t, fallback.Content, "owner_id")
}

func TestDegradationController_OnLevelChange(t *testing.T) {
	var changes []string
	settings := testDegradationSettings()
	settings.OnLevelChange = func(from, to DegradationLevel) {
		changes = append(changes, from.String()+"->"+to.String())
	}
	dc := NewDegradationController(settings)

	dc.RecordFailure("op", errors.New("down"))
	dc.RecordFailure("op", errors.New("down"))
	assert.Equal(t, []string{"NONE->PARTIAL", "PARTIAL->SEVERE"}, changes)
}

func TestDegradationController_Snapshot(t *testing.T) {
	dc := NewDegradationController(testDegradationSettings())
	dc.RecordFailure("translation", errors.New("down"))
	dc.SetCircuitOpenCount(2)

	snap := dc.Snapshot()
	assert.Equal(t, "PARTIAL", snap.Level)
	assert.InDelta(t, 0.5, snap.FailureRate, 1e-9)
	assert.Equal(t, 2, snap.CircuitOpenCount)
	assert.Contains(t, snap.PerOperation, "translation")
	assert.False(t, snap.LastFailureAt.IsZero())
}
