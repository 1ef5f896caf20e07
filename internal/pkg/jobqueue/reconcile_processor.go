package jobqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/sketchflow/billing/internal/pkg/billing"
	"github.com/sketchflow/billing/internal/pkg/database"
	"github.com/sketchflow/billing/internal/pkg/events"
)

const (
	// PreExpiryLeadTime is how far before the period end the pre-expiry
	// check fires.
	PreExpiryLeadTime = 72 * time.Hour

	// MinPreExpiryDelay keeps the check from firing inside the same
	// reconciliation run when the period end is already close.
	MinPreExpiryDelay = 5 * time.Second
)

// processBillingReconcileJob runs the reconciliation workflow for one stored
// webhook event: sync the subscription, grant period credits at most once,
// publish the outcome and schedule the pre-expiry check. Every step is
// idempotent, so a retry after a partial failure is safe.
func (q *Queue) processBillingReconcileJob(ctx context.Context, job *Job) error {
	payload, err := BillingReconcileJobPayloadFromMap(job.Payload)
	if err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	evt, err := billing.ParsePolarWebhookEvent([]byte(payload.EventJSON))
	if err != nil {
		// A malformed stored payload will never parse on retry
		log.Warnf("[JobQueue] Reconcile job %s: unparseable event %s: %v", job.ID, payload.ProviderEventID, err)
		return q.markWebhookDone(ctx, payload.WebhookEventID, err)
	}

	svc := billing.NewServiceFromDB(database.GetDB())
	outcome, err := svc.ReconcilePolarEvent(ctx, evt, payload.ProviderEventID)
	if err != nil {
		return fmt.Errorf("reconcile event %s: %w", payload.ProviderEventID, err)
	}

	if outcome.Dropped {
		log.Infof("[JobQueue] Reconcile job %s: dropped event %s (%s)", job.ID, payload.ProviderEventID, outcome.DropReason)
		return q.markWebhookDone(ctx, payload.WebhookEventID, nil)
	}

	sub := outcome.Subscription
	publisher := events.NewPublisher()

	// credit.synced goes out once per (subscription, period), grant or not
	syncedKey := fmt.Sprintf("%s:%s", sub.PolarSubscriptionID, periodEndTag(sub.CurrentPeriodEnd))
	if err := publisher.Publish(ctx, events.EventCreditSynced, syncedKey, events.CreditSyncedPayload{
		UserID:              outcome.UserID,
		PolarSubscriptionID: sub.PolarSubscriptionID,
		Status:              sub.Status,
		PeriodEnd:           sub.CurrentPeriodEnd,
	}); err != nil {
		log.Errorf("[JobQueue] Reconcile job %s: publish synced event: %v", job.ID, err)
	}

	if outcome.Grant.OK && !outcome.Grant.Skipped {
		if err := publisher.Publish(ctx, events.EventCreditGranted, outcome.GrantKey, events.CreditGrantedPayload{
			UserID:    outcome.UserID,
			Amount:    outcome.Grant.Granted,
			Balance:   outcome.Grant.Balance,
			PeriodEnd: sub.CurrentPeriodEnd,
		}); err != nil {
			log.Errorf("[JobQueue] Reconcile job %s: publish granted event: %v", job.ID, err)
		}
	}

	// Entitlement is not checked here: a trialing subscription may well be
	// active by the time the check fires, and the check re-reads state
	// anyway. Only a known, still-future period end qualifies.
	if shouldSchedulePreExpiry(sub.CurrentPeriodEnd, time.Now()) {
		if err := q.schedulePreExpiryCheck(outcome.UserID, sub.ID, *sub.CurrentPeriodEnd); err != nil {
			log.Errorf("[JobQueue] Reconcile job %s: schedule pre-expiry check: %v", job.ID, err)
		}
	}

	return q.markWebhookDone(ctx, payload.WebhookEventID, nil)
}

// shouldSchedulePreExpiry reports whether a subscription period warrants a
// deferred pre-expiry check: the period end must be known and still in the
// future. Late-delivered events for already-ended periods schedule nothing.
func shouldSchedulePreExpiry(periodEnd *int64, now time.Time) bool {
	return periodEnd != nil && *periodEnd > now.UnixMilli()
}

// preExpiryRunAt places the check at lead time before the period end, but
// never earlier than a few seconds from now.
func preExpiryRunAt(periodEnd int64, now time.Time) time.Time {
	runAt := time.UnixMilli(periodEnd).Add(-PreExpiryLeadTime)
	if min := now.Add(MinPreExpiryDelay); runAt.Before(min) {
		runAt = min
	}
	return runAt
}

// schedulePreExpiryCheck defers a pre-expiry check for one (subscription,
// period end) pair; each pair is scheduled at most once.
func (q *Queue) schedulePreExpiryCheck(userID, subscriptionID uint, periodEnd int64) error {
	runAt := preExpiryRunAt(periodEnd, time.Now())

	payload := PreExpiryJobPayload{
		SubscriptionID: subscriptionID,
		UserID:         userID,
		PeriodEnd:      periodEnd,
		RunAt:          runAt.UnixMilli(),
	}
	dedupKey := fmt.Sprintf("%d:%d", subscriptionID, periodEnd)
	_, err := q.ScheduleJobAt(JobTypePreExpiryCheck, payload.ToMap(), runAt, dedupKey)
	return err
}

func (q *Queue) markWebhookDone(ctx context.Context, webhookEventID uint, processingErr error) error {
	if webhookEventID == 0 {
		return nil
	}
	svc := billing.NewServiceFromDB(database.GetDB())
	if err := svc.MarkWebhookProcessed(ctx, webhookEventID, processingErr); err != nil {
		return fmt.Errorf("mark webhook %d processed: %w", webhookEventID, err)
	}
	return nil
}

func periodEndTag(periodEnd *int64) string {
	if periodEnd == nil {
		return "first"
	}
	return fmt.Sprintf("%d", *periodEnd)
}
