package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/sketchflow/billing/app/models"
	"github.com/sketchflow/billing/internal/pkg/database"
	"github.com/sketchflow/billing/internal/pkg/entitlements"
	"github.com/sketchflow/billing/internal/pkg/events"
)

// processPreExpiryJob re-checks a subscription when its period end comes
// close. The payload pins the period the check was scheduled for; if the
// subscription renewed in the meantime the stored period end moved and the
// check is a no-op (the renewal scheduled its own check).
func (q *Queue) processPreExpiryJob(ctx context.Context, job *Job) error {
	payload, err := PreExpiryJobPayloadFromMap(job.Payload)
	if err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	var sub models.Subscription
	if err := database.GetDB().First(&sub, payload.SubscriptionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Infof("[JobQueue] Pre-expiry job %s: subscription %d gone", job.ID, payload.SubscriptionID)
			return nil
		}
		return fmt.Errorf("load subscription %d: %w", payload.SubscriptionID, err)
	}

	if sub.CurrentPeriodEnd == nil || *sub.CurrentPeriodEnd != payload.PeriodEnd {
		log.Infof("[JobQueue] Pre-expiry job %s: subscription %d renewed, skipping", job.ID, sub.ID)
		return nil
	}
	if !entitlements.IsEntitledStatus(sub.Status) {
		log.Infof("[JobQueue] Pre-expiry job %s: subscription %d no longer entitled (%s), skipping", job.ID, sub.ID, sub.Status)
		return nil
	}
	// A check that ran late, after the period it was pinned to already
	// ended, would announce an expiry that has long happened
	if !sub.PeriodValidAt(time.Now()) {
		log.Infof("[JobQueue] Pre-expiry job %s: period for subscription %d already ended, skipping", job.ID, sub.ID)
		return nil
	}

	dedupKey := fmt.Sprintf("%d:%d", sub.ID, payload.PeriodEnd)
	if err := events.NewPublisher().Publish(ctx, events.EventSubscriptionPreExpiry, dedupKey, events.PreExpiryPayload{
		UserID:    payload.UserID,
		RunAt:     payload.RunAt,
		PeriodEnd: payload.PeriodEnd,
	}); err != nil {
		return fmt.Errorf("publish pre-expiry event: %w", err)
	}

	log.Infof("[JobQueue] Pre-expiry notice published for subscription %d (user %d)", sub.ID, payload.UserID)
	return nil
}
