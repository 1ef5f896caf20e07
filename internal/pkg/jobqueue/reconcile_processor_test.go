package jobqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestShouldSchedulePreExpiry(t *testing.T) {
	now := time.Now()
	future := now.Add(30 * 24 * time.Hour).UnixMilli()
	past := now.Add(-time.Hour).UnixMilli()

	assert.True(t, shouldSchedulePreExpiry(&future, now), "future period end schedules a check")
	assert.False(t, shouldSchedulePreExpiry(&past, now), "already-ended period schedules nothing")
	assert.False(t, shouldSchedulePreExpiry(nil, now), "unknown period end schedules nothing")

	exact := now.UnixMilli()
	assert.False(t, shouldSchedulePreExpiry(&exact, now), "period ending right now is not in the future")
}

func TestPreExpiryRunAt(t *testing.T) {
	now := time.Now()

	// Far-off period ends run at lead time before the end.
	farEnd := now.Add(30 * 24 * time.Hour)
	runAt := preExpiryRunAt(farEnd.UnixMilli(), now)
	assert.WithinDuration(t, farEnd.Add(-PreExpiryLeadTime), runAt, time.Second)

	// Period ends inside the lead window clamp to a short delay from now.
	nearEnd := now.Add(time.Hour)
	runAt = preExpiryRunAt(nearEnd.UnixMilli(), now)
	assert.WithinDuration(t, now.Add(MinPreExpiryDelay), runAt, time.Second)
}
