package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/sketchflow/billing/app/models"
	"github.com/sketchflow/billing/internal/pkg/entitlements"
	"github.com/sketchflow/billing/internal/pkg/env"
)

// Service provides subscription synchronization, credit granting and credit
// consumption on top of an injected repository.
type Service struct {
	repo     Repository
	defaults GrantDefaults
	now      func() time.Time
}

// NewService creates a billing service from an injected repository.
func NewService(repo Repository, defaults GrantDefaults) *Service {
	return &Service{repo: repo, defaults: defaults, now: time.Now}
}

// NewServiceFromDB creates a billing service from a GORM DB handle, with
// credit defaults taken from the environment.
func NewServiceFromDB(db *gorm.DB) *Service {
	return NewService(NewRepository(db), GrantDefaultsFromEnv())
}

// GrantDefaultsFromEnv reads the fallback credit configuration applied to
// subscriptions whose payload carries no explicit credit metadata.
func GrantDefaultsFromEnv() GrantDefaults {
	return GrantDefaults{
		CreditsPerPeriod:    envInt64("BILLING_CREDITS_PER_PERIOD", 100),
		CreditRolloverLimit: envInt64("BILLING_CREDIT_ROLLOVER_LIMIT", 300),
	}
}

func envInt64(key string, def int64) int64 {
	raw := strings.TrimSpace(env.GetEnv(key, ""))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// ReconcileOutcome describes what a reconciliation run did with one webhook
// event. Dropped outcomes are deliberate business no-ops (missing user
// mapping, no subscription reference), never retried.
type ReconcileOutcome struct {
	Dropped      bool
	DropReason   string
	UserID       uint
	Subscription *models.Subscription
	GrantKey     string
	Grant        GrantResult
}

// Drop reasons reported in ReconcileOutcome.DropReason.
const (
	DropReasonNoPayload      = "no-recognized-payload"
	DropReasonNoUser         = "no-user"
	DropReasonNoSubscription = "no-subscription-id"
)

// ReconcilePolarEvent runs the reconciliation steps for one canonical
// webhook event: extract the payload, resolve the owning user, upsert the
// subscription and grant period credits at most once per idempotency key.
// Store failures are returned so the job queue retries the run with the
// same inputs; every step is safe to re-execute.
func (s *Service) ReconcilePolarEvent(ctx context.Context, evt *PolarWebhookEvent, providerEventID string) (*ReconcileOutcome, error) {
	sub, order, ok := extractPayloads(evt.Data)
	if !ok {
		return &ReconcileOutcome{Dropped: true, DropReason: DropReasonNoPayload}, nil
	}

	metadata, customer := payloadIdentity(sub, order)

	userID, found, err := s.resolveUser(ctx, metadata, customer)
	if err != nil {
		return nil, err
	}
	if !found {
		// A missing user mapping will not become resolvable by retrying.
		return &ReconcileOutcome{Dropped: true, DropReason: DropReasonNoUser}, nil
	}

	polarSubID := resolveSubscriptionID(sub, order)
	if polarSubID == "" {
		return &ReconcileOutcome{Dropped: true, DropReason: DropReasonNoSubscription}, nil
	}

	normalized := normalizeSubscription(userID, polarSubID, sub, order, evt.Data)
	stored, err := s.UpsertSubscription(ctx, normalized)
	if err != nil {
		return nil, err
	}

	key := GrantIdempotencyKey(polarSubID, stored.CurrentPeriodEnd, providerEventID)

	// Type-string matching on create/renew events is advisory only: the
	// grant is attempted for every entitled event and the idempotency key
	// is the sole guard against double-granting.
	_ = looksLikeRenewal(evt.Type)

	grant, err := s.GrantCreditsIfNeeded(ctx, stored.ID, key, 0, "period-grant:"+evt.Type)
	if err != nil {
		return nil, err
	}

	// Re-read so the outcome carries the post-grant balance and cursor.
	fresh, err := s.repo.FindSubscriptionByID(stored.ID)
	if err != nil {
		return nil, err
	}

	return &ReconcileOutcome{
		UserID:       userID,
		Subscription: fresh,
		GrantKey:     key,
		Grant:        grant,
	}, nil
}

func extractPayloads(data json.RawMessage) (*SubscriptionPayload, *OrderPayload, bool) {
	if sub, ok := ExtractSubscription(data); ok {
		return sub, nil, true
	}
	if order, ok := ExtractOrder(data); ok {
		return order.Subscription, order, true
	}
	return nil, nil, false
}

func payloadIdentity(sub *SubscriptionPayload, order *OrderPayload) (map[string]interface{}, PolarCustomer) {
	if order != nil {
		metadata := order.Metadata
		customer := order.Customer
		if sub != nil {
			if len(metadata) == 0 {
				metadata = sub.Metadata
			}
			if customer == (PolarCustomer{}) {
				customer = sub.Customer
			}
		}
		return metadata, customer
	}
	return sub.Metadata, sub.Customer
}

func resolveSubscriptionID(sub *SubscriptionPayload, order *OrderPayload) string {
	if sub != nil && strings.TrimSpace(sub.ID) != "" {
		return strings.TrimSpace(sub.ID)
	}
	if order != nil {
		return strings.TrimSpace(order.SubscriptionID)
	}
	return ""
}

func normalizeSubscription(userID uint, polarSubID string, sub *SubscriptionPayload, order *OrderPayload, raw json.RawMessage) NormalizedSubscription {
	n := NormalizedSubscription{
		UserID:              userID,
		PolarSubscriptionID: polarSubID,
		RawPayloadJSON:      string(raw),
	}

	metadata, customer := payloadIdentity(sub, order)
	n.PolarCustomerID = customer.ID
	if n.PolarCustomerID == "" && order != nil {
		n.PolarCustomerID = order.CustomerID
	}
	if n.PolarCustomerID == "" && sub != nil {
		n.PolarCustomerID = sub.CustomerID
	}

	if sub != nil {
		n.Status = sub.Status
		n.ProductID = sub.ProductID
		n.PriceID = sub.PriceID
		n.CurrentPeriodEnd = sub.CurrentPeriodEnd.Ptr()
		n.TrialEndsAt = sub.TrialEndsAt.Ptr()
		n.CancelAt = sub.CancelAt.Ptr()
		n.CanceledAt = sub.CanceledAt.Ptr()
	} else if order != nil {
		// An order references a subscription but carries no lifecycle
		// state of its own; a paid order implies an active subscription.
		n.Status = models.BillingStatusActive
		n.ProductID = order.ProductID
	}

	n.PlanCode = metaString(metadata, "plan_code")
	n.CreditsPerPeriod = metaInt64(metadata, "credits_per_period")
	n.CreditRolloverLimit = metaInt64(metadata, "credit_rollover_limit")
	return n
}

func metaString(metadata map[string]interface{}, key string) string {
	if raw, ok := metadata[key]; ok {
		if s, ok := raw.(string); ok {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func metaInt64(metadata map[string]interface{}, key string) *int64 {
	raw, ok := metadata[key]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case float64:
		n := int64(v)
		return &n
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return nil
		}
		return &n
	default:
		return nil
	}
}

func (s *Service) resolveUser(ctx context.Context, metadata map[string]interface{}, customer PolarCustomer) (uint, bool, error) {
	_ = ctx
	if id, ok := UserIDFromMetadata(metadata, customer); ok {
		if _, err := s.repo.FindUserByID(id); err == nil {
			return id, true, nil
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, false, err
		}
	}

	email := strings.TrimSpace(strings.ToLower(customer.Email))
	if email == "" {
		return 0, false, nil
	}
	user, err := s.repo.FindUserByEmail(email)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return user.ID, true, nil
}

// UpsertSubscription creates or patches the subscription row for
// (user id, polar subscription id). Re-upserts patch in place; the credit
// configuration is preserved when the new payload omits it.
func (s *Service) UpsertSubscription(ctx context.Context, in NormalizedSubscription) (*models.Subscription, error) {
	_ = ctx
	polarSubID := strings.TrimSpace(in.PolarSubscriptionID)
	if in.UserID == 0 || polarSubID == "" {
		return nil, errors.New("user_id and polar_subscription_id are required")
	}

	status := entitlements.NormalizeStatus(in.Status)

	var result *models.Subscription
	err := s.repo.Transaction(func(tx Repository) error {
		existing, err := tx.FindSubscription(in.UserID, polarSubID)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		if existing == nil {
			sub := &models.Subscription{
				UserID:               in.UserID,
				PolarCustomerID:      strings.TrimSpace(in.PolarCustomerID),
				PolarSubscriptionID:  polarSubID,
				ProductID:            strings.TrimSpace(in.ProductID),
				PriceID:              strings.TrimSpace(in.PriceID),
				PlanCode:             strings.TrimSpace(in.PlanCode),
				Status:               status,
				CurrentPeriodEnd:     in.CurrentPeriodEnd,
				TrialEndsAt:          in.TrialEndsAt,
				CancelAt:             in.CancelAt,
				CanceledAt:           in.CanceledAt,
				CreditBalance:        0,
				CreditsGrantPerCycle: s.defaults.CreditsPerPeriod,
				CreditRolloverLimit:  s.defaults.CreditRolloverLimit,
				RawPayloadJSON:       in.RawPayloadJSON,
			}
			if sub.Status == "" {
				sub.Status = models.BillingStatusIncomplete
			}
			if in.CreditsPerPeriod != nil {
				sub.CreditsGrantPerCycle = *in.CreditsPerPeriod
			}
			if in.CreditRolloverLimit != nil {
				sub.CreditRolloverLimit = *in.CreditRolloverLimit
			}
			if err := tx.CreateSubscription(sub); err != nil {
				return err
			}
			result = sub
			return nil
		}

		updates := map[string]interface{}{
			"raw_payload_json": in.RawPayloadJSON,
		}
		if status != "" {
			updates["status"] = status
		}
		if v := strings.TrimSpace(in.PolarCustomerID); v != "" {
			updates["polar_customer_id"] = v
		}
		if v := strings.TrimSpace(in.ProductID); v != "" {
			updates["product_id"] = v
		}
		if v := strings.TrimSpace(in.PriceID); v != "" {
			updates["price_id"] = v
		}
		if v := strings.TrimSpace(in.PlanCode); v != "" {
			updates["plan_code"] = v
		}
		if in.CurrentPeriodEnd != nil {
			updates["current_period_end"] = *in.CurrentPeriodEnd
		}
		if in.TrialEndsAt != nil {
			updates["trial_ends_at"] = *in.TrialEndsAt
		}
		if in.CancelAt != nil {
			updates["cancel_at"] = *in.CancelAt
		}
		if in.CanceledAt != nil {
			updates["canceled_at"] = *in.CanceledAt
		}
		// Credit configuration survives payloads that omit it.
		if in.CreditsPerPeriod != nil {
			updates["credits_grant_per_cycle"] = *in.CreditsPerPeriod
		}
		if in.CreditRolloverLimit != nil {
			updates["credit_rollover_limit"] = *in.CreditRolloverLimit
		}
		if err := tx.PatchSubscription(existing.ID, updates); err != nil {
			return err
		}
		fresh, err := tx.FindSubscription(in.UserID, polarSubID)
		if err != nil {
			return err
		}
		result = fresh
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GrantCreditsIfNeeded grants period credits to a subscription at most once
// per idempotency key. amount <= 0 means "use the subscription's configured
// per-period grant". The ledger insert and the balance patch happen in one
// transaction; the unique idempotency key on the ledger is the
// linearization point, so two racing grants for the same key produce
// exactly one ledger entry and one balance change.
func (s *Service) GrantCreditsIfNeeded(ctx context.Context, subscriptionID uint, idempotencyKey string, amount int64, reason string) (GrantResult, error) {
	_ = ctx
	key := strings.TrimSpace(idempotencyKey)
	if subscriptionID == 0 || key == "" {
		return GrantResult{}, errors.New("subscription_id and idempotency_key are required")
	}

	var result GrantResult
	err := s.repo.Transaction(func(tx Repository) error {
		sub, err := tx.LockSubscriptionByID(subscriptionID)
		if err != nil {
			return err
		}

		if !entitlements.GrantEligible(sub.Status) {
			result = GrantResult{OK: true, Skipped: true, SkipReason: SkipReasonNotEntitled, Balance: sub.CreditBalance}
			return nil
		}
		if _, err := tx.FindLedgerEntryByIdempotencyKey(key); err == nil {
			result = GrantResult{OK: true, Skipped: true, SkipReason: SkipReasonDuplicateLedger, Balance: sub.CreditBalance}
			return nil
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if sub.LastGrantCursor == key {
			result = GrantResult{OK: true, Skipped: true, SkipReason: SkipReasonDuplicateCursor, Balance: sub.CreditBalance}
			return nil
		}

		grantAmount := amount
		if grantAmount <= 0 {
			grantAmount = sub.CreditsGrantPerCycle
		}
		if grantAmount <= 0 {
			result = GrantResult{OK: true, Skipped: true, SkipReason: SkipReasonNonPositiveAmount, Balance: sub.CreditBalance}
			return nil
		}

		previous := sub.CreditBalance
		newBalance := previous + grantAmount
		if sub.CreditRolloverLimit > 0 && newBalance > sub.CreditRolloverLimit {
			// Excess above the rollover limit is discarded.
			newBalance = sub.CreditRolloverLimit
		}
		granted := newBalance - previous

		entry := &models.CreditLedgerEntry{
			UserID:         sub.UserID,
			SubscriptionID: sub.ID,
			Amount:         granted,
			Type:           models.LedgerTypeGrant,
			Reason:         strings.TrimSpace(reason),
			IdempotencyKey: &key,
			MetaJSON:       marshalLedgerMeta(previous, newBalance),
		}
		if err := tx.CreateLedgerEntry(entry); err != nil {
			if errors.Is(err, ErrDuplicateIdempotencyKey) {
				// Lost a race with a concurrent grant for the same key.
				result = GrantResult{OK: true, Skipped: true, SkipReason: SkipReasonDuplicateLedger, Balance: previous}
				return nil
			}
			return err
		}
		if err := tx.PatchSubscription(sub.ID, map[string]interface{}{
			"credit_balance":    newBalance,
			"last_grant_cursor": key,
		}); err != nil {
			return err
		}

		result = GrantResult{OK: true, Granted: granted, Balance: newBalance}
		return nil
	})
	if err != nil {
		return GrantResult{}, err
	}
	return result, nil
}

// ConsumeCredits atomically decrements a user's credit balance. The only
// guard is the balance itself: credits already granted stay spendable even
// after the subscription lapses or is canceled. Insufficient balance is a
// normal negative result, never an error, and leaves all state untouched;
// callers map it to a hard stop (HTTP 402) and must not retry.
func (s *Service) ConsumeCredits(ctx context.Context, userID uint, amount int64, reason string) (ConsumeResult, error) {
	_ = ctx
	if userID == 0 || amount <= 0 {
		return ConsumeResult{}, errors.New("user_id and a positive amount are required")
	}

	var result ConsumeResult
	err := s.repo.Transaction(func(tx Repository) error {
		subs, err := tx.LockSubscriptionsByUser(userID)
		if err != nil {
			return err
		}

		total := totalBalance(subs)
		if total < amount {
			result = ConsumeResult{OK: false, Balance: total}
			return nil
		}

		// Highest balance pays first and spills over to the next
		// subscription when one cannot cover the amount alone. Each
		// touched subscription gets its own ledger entry, so per-row
		// balances never go negative and the ledger keeps summing to
		// the stored balances.
		sort.SliceStable(subs, func(i, j int) bool {
			return subs[i].CreditBalance > subs[j].CreditBalance
		})
		remaining := amount
		for i := range subs {
			if remaining == 0 {
				break
			}
			sub := &subs[i]
			if sub.CreditBalance <= 0 {
				continue
			}
			take := sub.CreditBalance
			if take > remaining {
				take = remaining
			}
			previous := sub.CreditBalance
			newBalance := previous - take
			if err := tx.PatchSubscription(sub.ID, map[string]interface{}{
				"credit_balance": newBalance,
			}); err != nil {
				return err
			}
			entry := &models.CreditLedgerEntry{
				UserID:         userID,
				SubscriptionID: sub.ID,
				Amount:         -take,
				Type:           models.LedgerTypeConsume,
				Reason:         strings.TrimSpace(reason),
				MetaJSON:       marshalLedgerMeta(previous, newBalance),
			}
			if err := tx.CreateLedgerEntry(entry); err != nil {
				return err
			}
			remaining -= take
		}

		result = ConsumeResult{OK: true, Balance: total - amount}
		return nil
	})
	if err != nil {
		return ConsumeResult{}, err
	}
	return result, nil
}

func totalBalance(subs []models.Subscription) int64 {
	var total int64
	for i := range subs {
		total += subs[i].CreditBalance
	}
	return total
}

// GetCreditsBalance returns the user's combined credit balance across
// subscriptions.
func (s *Service) GetCreditsBalance(ctx context.Context, userID uint) (int64, error) {
	_ = ctx
	subs, err := s.repo.ListSubscriptionsByUser(userID)
	if err != nil {
		return 0, err
	}
	return totalBalance(subs), nil
}

// HasEntitlement reports whether the user currently has paid access: at
// least one subscription with status "active" and an unexpired (or
// open-ended) period.
func (s *Service) HasEntitlement(ctx context.Context, userID uint) (bool, error) {
	_ = ctx
	subs, err := s.repo.ListSubscriptionsByUser(userID)
	if err != nil {
		return false, err
	}
	return entitlements.HasEntitlement(subs, s.now()), nil
}

// RecordWebhookEvent persists webhook payloads idempotently. Deliveries
// without a usable event id are deduplicated by payload hash.
func (s *Service) RecordWebhookEvent(ctx context.Context, in WebhookEventInput) (bool, *models.BillingWebhookEvent, error) {
	_ = ctx
	provider := strings.ToLower(strings.TrimSpace(in.Provider))
	if provider == "" {
		return false, nil, errors.New("provider is required")
	}
	eventID := strings.TrimSpace(in.ProviderEventID)
	if eventID == "" {
		sum := sha256.Sum256([]byte(in.PayloadJSON))
		eventID = "hash:" + hex.EncodeToString(sum[:])
	}

	event := &models.BillingWebhookEvent{
		Provider:        provider,
		ProviderEventID: eventID,
		EventType:       strings.TrimSpace(in.EventType),
		PayloadJSON:     in.PayloadJSON,
		SignatureValid:  in.SignatureValid,
	}
	return s.repo.CreateWebhookEventIfNotExists(event)
}

// MarkWebhookProcessed marks an event as processed and stores an optional error.
func (s *Service) MarkWebhookProcessed(ctx context.Context, webhookEventID uint, processingErr error) error {
	_ = ctx
	if webhookEventID == 0 {
		return errors.New("webhook_event_id is required")
	}
	errMsg := ""
	if processingErr != nil {
		errMsg = processingErr.Error()
	}
	return s.repo.MarkWebhookProcessed(webhookEventID, errMsg)
}

func marshalLedgerMeta(previous, newBalance int64) string {
	meta, _ := json.Marshal(LedgerMeta{PreviousBalance: previous, NewBalance: newBalance})
	return string(meta)
}
