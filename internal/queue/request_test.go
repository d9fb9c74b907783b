package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestScoreOrdersByPriorityThenAge(t *testing.T) {
	now := time.Now()

	older := NewQueuedRequest("translation", PriorityNormal, nil)
	older.EnqueuedAt = now.Add(-time.Minute)
	newer := NewQueuedRequest("translation", PriorityNormal, nil)
	newer.EnqueuedAt = now

	assert.Less(t, older.Score(), newer.Score(), "older request in same class dequeues first")

	high := NewQueuedRequest("translation", PriorityHigh, nil)
	high.EnqueuedAt = now
	assert.Less(t, high.Score(), older.Score(), "higher class beats any age advantage")
}

func TestScoreUsesNotBeforeForRetries(t *testing.T) {
	req := NewQueuedRequest("translation", PriorityNormal, nil)
	base := req.Score()

	req.NotBefore = req.EnqueuedAt.Add(10 * time.Second)
	assert.Greater(t, req.Score(), base, "delayed retry scores behind its original position")
}

func TestPriorityBoost(t *testing.T) {
	assert.Equal(t, PriorityNormal, PriorityLow.Boost())
	assert.Equal(t, PriorityHigh, PriorityNormal.Boost())
	assert.Equal(t, PriorityHigh, PriorityHigh.Boost())
	assert.Equal(t, PriorityCritical, PriorityCritical.Boost())
}

func TestCanRetry(t *testing.T) {
	req := NewQueuedRequest("translation", PriorityNormal, nil).WithMaxRetries(2)
	assert.True(t, req.CanRetry())

	req.RetryCount = 2
	assert.False(t, req.CanRetry())
}
