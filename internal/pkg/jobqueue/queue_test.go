package jobqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewQueue tests the queue constructor
func TestNewQueue(t *testing.T) {
	tests := []struct {
		name            string
		workers         int
		expectedWorkers int
	}{
		{"Valid worker count", 5, 5},
		{"Zero workers", 0, 3},
		{"Negative workers", -1, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			queue := NewQueue(tt.workers)

			assert.NotNil(t, queue)
			assert.Equal(t, tt.expectedWorkers, queue.workers)
			assert.NotNil(t, queue.workerPool)
			assert.Equal(t, tt.expectedWorkers, cap(queue.workerPool))
			assert.NotNil(t, queue.stopCh)
			assert.False(t, queue.running)
		})
	}
}

func TestConstants(t *testing.T) {
	// Test Redis key constants
	assert.Equal(t, "job:", JobKeyPrefix)
	assert.Equal(t, "job_queue", JobQueueKey)
	assert.Equal(t, "job_processing", JobProcessingKey)
	assert.Equal(t, "job_scheduled", JobScheduledKey)
	assert.Equal(t, "job_stats", JobStatsKey)

	// Test job settings constants
	assert.Equal(t, 3, DefaultMaxRetries)
	assert.Equal(t, 24*time.Hour, JobTTL)
}

func TestEnqueueJobDeduplicated(t *testing.T) {
	queue := newIsolatedQueue(t)
	ctx := context.Background()

	payload := BillingReconcileJobPayload{
		WebhookEventID:  1,
		ProviderEventID: "evt_dedup",
		EventType:       "subscription.created",
		EventJSON:       `{"id":"evt_dedup"}`,
	}

	first, err := queue.EnqueueJobDeduplicated(JobTypeBillingReconcile, payload.ToMap(), "evt_dedup")
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := queue.EnqueueJobDeduplicated(JobTypeBillingReconcile, payload.ToMap(), "evt_dedup")
	require.NoError(t, err)
	assert.Nil(t, second, "second enqueue for the same key must be dropped")

	size, err := queue.GetQueueSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)
}

func TestEnqueueJobDeduplicated_FailedEnqueueReleasesKey(t *testing.T) {
	queue := newIsolatedQueue(t)
	ctx := context.Background()

	// Occupy the pending-queue key with a plain string so the LPUSH in the
	// enqueue pipeline fails after the dedup key was taken.
	require.NoError(t, queue.client.Set(ctx, JobQueueKey, "blocked", 0).Err())

	payload := BillingReconcileJobPayload{
		WebhookEventID:  1,
		ProviderEventID: "evt_retry",
		EventType:       "subscription.created",
		EventJSON:       `{"id":"evt_retry"}`,
	}
	_, err := queue.EnqueueJobDeduplicated(JobTypeBillingReconcile, payload.ToMap(), "evt_retry")
	require.Error(t, err)

	exists, err := queue.client.Exists(ctx, JobDedupKeyPrefix+string(JobTypeBillingReconcile)+":evt_retry").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), exists, "failed enqueue must not leave the dedup key behind")

	// With the queue key usable again, the retried enqueue goes through.
	require.NoError(t, queue.client.Del(ctx, JobQueueKey).Err())
	job, err := queue.EnqueueJobDeduplicated(JobTypeBillingReconcile, payload.ToMap(), "evt_retry")
	require.NoError(t, err)
	require.NotNil(t, job, "retry after a failed enqueue must not be treated as a duplicate")

	size, err := queue.GetQueueSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)
}

func TestScheduleJobAt(t *testing.T) {
	queue := newIsolatedQueue(t)
	ctx := context.Background()

	payload := PreExpiryJobPayload{SubscriptionID: 1, UserID: 2, PeriodEnd: 1770000000000}
	runAt := time.Now().Add(time.Hour)

	job, err := queue.ScheduleJobAt(JobTypePreExpiryCheck, payload.ToMap(), runAt, "1:1770000000000")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, JobStatusScheduled, job.Status)

	dup, err := queue.ScheduleJobAt(JobTypePreExpiryCheck, payload.ToMap(), runAt, "1:1770000000000")
	require.NoError(t, err)
	assert.Nil(t, dup, "same (subscription, period) must schedule once")

	scheduled, err := queue.GetScheduledSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), scheduled)

	// Not due yet: the pending queue stays empty
	pending, err := queue.GetQueueSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending)

	stored, err := queue.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobTypePreExpiryCheck, stored.Type)
}

func TestScheduledPromoter_PromotesDueJobs(t *testing.T) {
	queue := newIsolatedQueue(t)
	ctx := context.Background()

	payload := PreExpiryJobPayload{SubscriptionID: 1, UserID: 2, PeriodEnd: 1}
	job, err := queue.ScheduleJobAt(JobTypePreExpiryCheck, payload.ToMap(), time.Now().Add(-time.Second), "")
	require.NoError(t, err)

	done := make(chan struct{})
	queue.wg.Add(1)
	go func() {
		queue.scheduledPromoter(50 * time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool {
		size, err := queue.GetQueueSize(ctx)
		return err == nil && size == 1
	}, 3*time.Second, 50*time.Millisecond, "due job must be promoted onto the pending queue")

	close(queue.stopCh)
	<-done

	promoted, err := queue.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusPending, promoted.Status)

	scheduled, err := queue.GetScheduledSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), scheduled)
}
