package controllers

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/sketchflow/billing/app/models"
	"github.com/sketchflow/billing/internal/pkg/billing"
	"github.com/sketchflow/billing/internal/pkg/database"
	"github.com/sketchflow/billing/internal/pkg/env"
	"github.com/sketchflow/billing/internal/pkg/jobqueue"
)

// HandlePolarWebhook receives Polar webhook deliveries. The handler only
// verifies, persists and enqueues; all business logic runs in the job queue
// so Polar gets a fast answer and retries drive redelivery on our 5xx.
func HandlePolarWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)
	headers := billing.PolarWebhookHeaders{
		ID:        strings.TrimSpace(c.Get("webhook-id")),
		Timestamp: strings.TrimSpace(c.Get("webhook-timestamp")),
		Signature: strings.TrimSpace(c.Get("webhook-signature")),
	}
	secret := env.GetEnv("POLAR_WEBHOOK_SECRET", "")

	if !billing.VerifyPolarWebhookSignature(rawBody, headers, secret) {
		log.Warnf("[Billing] Rejected webhook with invalid signature (id=%s)", headers.ID)
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "invalid_signature"})
	}

	evt, err := billing.ParsePolarWebhookEvent(rawBody)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
	}
	if err := billing.ClassifyPolarPayload(evt.Data); err != nil {
		log.Warnf("[Billing] Rejected webhook %s with unsupported payload shape (type=%s): %v", evt.ID, evt.Type, err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unsupported_event_shape"})
	}

	svc := billing.NewServiceFromDB(database.GetDB())
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	created, stored, err := svc.RecordWebhookEvent(ctx, billing.WebhookEventInput{
		Provider:        models.BillingProviderPolar,
		ProviderEventID: evt.ID,
		EventType:       evt.Type,
		PayloadJSON:     string(rawBody),
		SignatureValid:  true,
	})
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook_persist_failed"})
	}
	if !webhookNeedsEnqueue(created, stored.ProcessedAt) {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "duplicate": true})
	}

	payload := jobqueue.BillingReconcileJobPayload{
		WebhookEventID:  stored.ID,
		ProviderEventID: stored.ProviderEventID,
		EventType:       stored.EventType,
		EventJSON:       stored.PayloadJSON,
	}
	queue := jobqueue.GetManager().GetQueue()
	if _, err := queue.EnqueueJobDeduplicated(jobqueue.JobTypeBillingReconcile, payload.ToMap(), stored.ProviderEventID); err != nil {
		// 5xx makes Polar redeliver; the stored event row dedups the retry
		log.Errorf("[Billing] Failed to enqueue reconcile job for event %s: %v", stored.ProviderEventID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "enqueue_failed"})
	}

	if !created {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "duplicate": true})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true})
}

// webhookNeedsEnqueue reports whether a stored delivery still needs its
// reconcile job. Every new row does — and so does a redelivered row that was
// never marked processed: the first delivery may have died between
// persisting the event and enqueueing the job, and the job dedup key makes
// a second enqueue a no-op when the job already exists.
func webhookNeedsEnqueue(created bool, processedAt *time.Time) bool {
	return created || processedAt == nil
}

// HandleBillingWebhookReplay requeues a stored webhook event by provider
// event id. Internal tooling only; sits behind the API token middleware.
func HandleBillingWebhookReplay(c *fiber.Ctx) error {
	providerEventID := strings.TrimSpace(c.Params("event_id"))
	if providerEventID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "missing_event_id"})
	}

	var stored models.BillingWebhookEvent
	err := database.GetDB().
		Where("provider = ? AND provider_event_id = ?", models.BillingProviderPolar, providerEventID).
		First(&stored).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "event_not_found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "event_lookup_failed"})
	}

	payload := jobqueue.BillingReconcileJobPayload{
		WebhookEventID:  stored.ID,
		ProviderEventID: stored.ProviderEventID,
		EventType:       stored.EventType,
		EventJSON:       stored.PayloadJSON,
	}
	// Replays bypass enqueue dedup on purpose
	if _, err := jobqueue.GetManager().GetQueue().EnqueueJob(jobqueue.JobTypeBillingReconcile, payload.ToMap()); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "enqueue_failed"})
	}

	log.Infof("[Billing] Replaying webhook event %s", providerEventID)
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true})
}
