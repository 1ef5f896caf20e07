package billing

import (
	"context"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/sketchflow/billing/app/models"
)

// memoryRepository is an in-memory Repository used to exercise the service
// without a MySQL instance. Transactions are not rolled back; the tests only
// drive success paths and business no-ops.
type memoryRepository struct {
	users         map[uint]*models.User
	subscriptions []*models.Subscription
	ledger        []*models.CreditLedgerEntry
	webhookEvents []*models.BillingWebhookEvent
	nextSubID     uint
	nextEntryID   uint
	nextEventID   uint
}

func newMemoryRepository() *memoryRepository {
	return &memoryRepository{
		users:       make(map[uint]*models.User),
		nextSubID:   1,
		nextEntryID: 1,
		nextEventID: 1,
	}
}

func (m *memoryRepository) addUser(id uint, email string) {
	m.users[id] = &models.User{ID: id, Name: "user", Email: email, Status: models.STATUS_ACTIVE}
}

func (m *memoryRepository) FindUserByID(id uint) (*models.User, error) {
	if u, ok := m.users[id]; ok {
		return u, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *memoryRepository) FindUserByEmail(email string) (*models.User, error) {
	for _, u := range m.users {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *memoryRepository) FindSubscriptionByID(id uint) (*models.Subscription, error) {
	for _, s := range m.subscriptions {
		if s.ID == id {
			cp := *s
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *memoryRepository) FindSubscription(userID uint, polarSubscriptionID string) (*models.Subscription, error) {
	for _, s := range m.subscriptions {
		if s.UserID == userID && s.PolarSubscriptionID == polarSubscriptionID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *memoryRepository) ListSubscriptionsByUser(userID uint) ([]models.Subscription, error) {
	var out []models.Subscription
	for _, s := range m.subscriptions {
		if s.UserID == userID {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *memoryRepository) CreateSubscription(sub *models.Subscription) error {
	sub.ID = m.nextSubID
	m.nextSubID++
	cp := *sub
	m.subscriptions = append(m.subscriptions, &cp)
	return nil
}

func (m *memoryRepository) PatchSubscription(id uint, updates map[string]interface{}) error {
	for _, s := range m.subscriptions {
		if s.ID != id {
			continue
		}
		for col, val := range updates {
			switch col {
			case "status":
				s.Status = val.(string)
			case "polar_customer_id":
				s.PolarCustomerID = val.(string)
			case "product_id":
				s.ProductID = val.(string)
			case "price_id":
				s.PriceID = val.(string)
			case "plan_code":
				s.PlanCode = val.(string)
			case "raw_payload_json":
				s.RawPayloadJSON = val.(string)
			case "last_grant_cursor":
				s.LastGrantCursor = val.(string)
			case "credit_balance":
				s.CreditBalance = val.(int64)
			case "credits_grant_per_cycle":
				s.CreditsGrantPerCycle = val.(int64)
			case "credit_rollover_limit":
				s.CreditRolloverLimit = val.(int64)
			case "current_period_end":
				v := val.(int64)
				s.CurrentPeriodEnd = &v
			case "trial_ends_at":
				v := val.(int64)
				s.TrialEndsAt = &v
			case "cancel_at":
				v := val.(int64)
				s.CancelAt = &v
			case "canceled_at":
				v := val.(int64)
				s.CanceledAt = &v
			}
		}
		return nil
	}
	return gorm.ErrRecordNotFound
}

func (m *memoryRepository) LockSubscriptionByID(id uint) (*models.Subscription, error) {
	return m.FindSubscriptionByID(id)
}

func (m *memoryRepository) LockSubscriptionsByUser(userID uint) ([]models.Subscription, error) {
	return m.ListSubscriptionsByUser(userID)
}

func (m *memoryRepository) FindLedgerEntryByIdempotencyKey(key string) (*models.CreditLedgerEntry, error) {
	for _, e := range m.ledger {
		if e.IdempotencyKey != nil && *e.IdempotencyKey == key {
			cp := *e
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *memoryRepository) CreateLedgerEntry(entry *models.CreditLedgerEntry) error {
	if entry.IdempotencyKey != nil {
		for _, e := range m.ledger {
			if e.IdempotencyKey != nil && *e.IdempotencyKey == *entry.IdempotencyKey {
				return ErrDuplicateIdempotencyKey
			}
		}
	}
	entry.ID = m.nextEntryID
	m.nextEntryID++
	cp := *entry
	m.ledger = append(m.ledger, &cp)
	return nil
}

func (m *memoryRepository) CreateWebhookEventIfNotExists(event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error) {
	for _, e := range m.webhookEvents {
		if e.Provider == event.Provider && e.ProviderEventID == event.ProviderEventID {
			cp := *e
			return false, &cp, nil
		}
	}
	event.ID = m.nextEventID
	m.nextEventID++
	cp := *event
	m.webhookEvents = append(m.webhookEvents, &cp)
	return true, &cp, nil
}

func (m *memoryRepository) MarkWebhookProcessed(id uint, processingError string) error {
	for _, e := range m.webhookEvents {
		if e.ID == id {
			now := time.Now()
			e.ProcessedAt = &now
			e.ProcessingError = processingError
			return nil
		}
	}
	return gorm.ErrRecordNotFound
}

func (m *memoryRepository) Transaction(fn func(Repository) error) error {
	return fn(m)
}

func testService(repo Repository) *Service {
	return NewService(repo, GrantDefaults{CreditsPerPeriod: 10, CreditRolloverLimit: 100})
}

func subscriptionEvent(t *testing.T) *PolarWebhookEvent {
	t.Helper()
	raw := []byte(`{
		"id": "evt_1",
		"type": "subscription.created",
		"data": {
			"id": "sub_1",
			"status": "active",
			"customer_id": "cus_1",
			"customer": {"id": "cus_1", "email": "ada@example.com", "external_id": "1"},
			"product_id": "prod_1",
			"current_period_end": 1770000000000,
			"metadata": {"user_id": "1", "plan_code": "pro"}
		}
	}`)
	evt, err := ParsePolarWebhookEvent(raw)
	if err != nil {
		t.Fatalf("parse event: %v", err)
	}
	return evt
}

func TestReconcilePolarEvent_GrantsOnce(t *testing.T) {
	repo := newMemoryRepository()
	repo.addUser(1, "ada@example.com")
	svc := testService(repo)
	ctx := context.Background()
	evt := subscriptionEvent(t)

	outcome, err := svc.ReconcilePolarEvent(ctx, evt, "evt_1")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if outcome.Dropped {
		t.Fatalf("unexpected drop: %s", outcome.DropReason)
	}
	if outcome.Grant.Skipped || outcome.Grant.Granted != 10 {
		t.Fatalf("expected a 10 credit grant, got %+v", outcome.Grant)
	}
	if outcome.Subscription.CreditBalance != 10 {
		t.Fatalf("expected balance 10, got %d", outcome.Subscription.CreditBalance)
	}
	if len(repo.ledger) != 1 {
		t.Fatalf("expected exactly one ledger entry, got %d", len(repo.ledger))
	}
	if outcome.Subscription.PlanCode != "pro" {
		t.Fatalf("expected plan code from metadata, got %q", outcome.Subscription.PlanCode)
	}

	// Replaying the same delivery must not grant again.
	outcome2, err := svc.ReconcilePolarEvent(ctx, evt, "evt_1")
	if err != nil {
		t.Fatalf("reconcile replay: %v", err)
	}
	if !outcome2.Grant.Skipped {
		t.Fatalf("expected replay to skip, got %+v", outcome2.Grant)
	}
	if outcome2.Subscription.CreditBalance != 10 || len(repo.ledger) != 1 {
		t.Fatalf("replay changed state: balance=%d entries=%d", outcome2.Subscription.CreditBalance, len(repo.ledger))
	}
}

func TestReconcilePolarEvent_DropsUnresolvableUser(t *testing.T) {
	repo := newMemoryRepository()
	svc := testService(repo)

	outcome, err := svc.ReconcilePolarEvent(context.Background(), subscriptionEvent(t), "evt_1")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !outcome.Dropped || outcome.DropReason != DropReasonNoUser {
		t.Fatalf("expected no-user drop, got %+v", outcome)
	}
	if len(repo.subscriptions) != 0 || len(repo.ledger) != 0 {
		t.Fatalf("drop must not write anything")
	}
}

func TestReconcilePolarEvent_ResolvesUserByEmail(t *testing.T) {
	repo := newMemoryRepository()
	repo.addUser(5, "ada@example.com")
	svc := testService(repo)

	// metadata says user 1, which does not exist; email lookup finds user 5
	outcome, err := svc.ReconcilePolarEvent(context.Background(), subscriptionEvent(t), "evt_1")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if outcome.Dropped || outcome.UserID != 5 {
		t.Fatalf("expected email fallback to user 5, got %+v", outcome)
	}
}

func TestReconcilePolarEvent_OrderPayload(t *testing.T) {
	repo := newMemoryRepository()
	repo.addUser(1, "ada@example.com")
	svc := testService(repo)

	raw := []byte(`{
		"id": "evt_ord",
		"type": "order.created",
		"data": {
			"id": "ord_1",
			"subscription_id": "sub_1",
			"customer": {"id": "cus_1", "email": "ada@example.com", "external_id": "1"},
			"product_id": "prod_1",
			"metadata": {"user_id": "1"}
		}
	}`)
	evt, err := ParsePolarWebhookEvent(raw)
	if err != nil {
		t.Fatalf("parse event: %v", err)
	}

	outcome, err := svc.ReconcilePolarEvent(context.Background(), evt, "evt_ord")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if outcome.Dropped {
		t.Fatalf("unexpected drop: %s", outcome.DropReason)
	}
	// A paid order implies an active subscription
	if outcome.Subscription.Status != models.BillingStatusActive {
		t.Fatalf("expected order to imply active, got %q", outcome.Subscription.Status)
	}
	if outcome.Subscription.CreditBalance != 10 {
		t.Fatalf("expected grant from order event, balance=%d", outcome.Subscription.CreditBalance)
	}
}

func TestGrantCreditsIfNeeded_SkipsWhenNotEntitled(t *testing.T) {
	repo := newMemoryRepository()
	svc := testService(repo)
	sub := &models.Subscription{
		UserID:               1,
		PolarSubscriptionID:  "sub_1",
		Status:               models.BillingStatusCanceled,
		CreditBalance:        7,
		CreditsGrantPerCycle: 10,
		CreditRolloverLimit:  100,
	}
	_ = repo.CreateSubscription(sub)

	result, err := svc.GrantCreditsIfNeeded(context.Background(), sub.ID, "key-1", 0, "test")
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if !result.Skipped || result.SkipReason != SkipReasonNotEntitled {
		t.Fatalf("expected not-entitled skip, got %+v", result)
	}
	if result.Balance != 7 || len(repo.ledger) != 0 {
		t.Fatalf("skip must leave state untouched")
	}
}

func TestGrantCreditsIfNeeded_ClampsToRolloverLimit(t *testing.T) {
	repo := newMemoryRepository()
	svc := testService(repo)
	sub := &models.Subscription{
		UserID:               1,
		PolarSubscriptionID:  "sub_1",
		Status:               models.BillingStatusActive,
		CreditBalance:        95,
		CreditsGrantPerCycle: 10,
		CreditRolloverLimit:  100,
	}
	_ = repo.CreateSubscription(sub)

	result, err := svc.GrantCreditsIfNeeded(context.Background(), sub.ID, "key-1", 0, "test")
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if result.Granted != 5 || result.Balance != 100 {
		t.Fatalf("expected clamp to grant 5 up to 100, got %+v", result)
	}
	if repo.ledger[0].Amount != 5 {
		t.Fatalf("ledger must record the effective amount, got %d", repo.ledger[0].Amount)
	}
}

func TestGrantCreditsIfNeeded_TrialingIsEligible(t *testing.T) {
	repo := newMemoryRepository()
	svc := testService(repo)
	sub := &models.Subscription{
		UserID:               1,
		PolarSubscriptionID:  "sub_1",
		Status:               models.BillingStatusTrialing,
		CreditsGrantPerCycle: 10,
		CreditRolloverLimit:  100,
	}
	_ = repo.CreateSubscription(sub)

	result, err := svc.GrantCreditsIfNeeded(context.Background(), sub.ID, "key-1", 0, "test")
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if result.Skipped || result.Granted != 10 {
		t.Fatalf("expected trialing subscription to receive credits, got %+v", result)
	}
}

func TestGrantCreditsIfNeeded_DuplicateKey(t *testing.T) {
	repo := newMemoryRepository()
	svc := testService(repo)
	sub := &models.Subscription{
		UserID:               1,
		PolarSubscriptionID:  "sub_1",
		Status:               models.BillingStatusActive,
		CreditsGrantPerCycle: 10,
		CreditRolloverLimit:  100,
	}
	_ = repo.CreateSubscription(sub)

	if _, err := svc.GrantCreditsIfNeeded(context.Background(), sub.ID, "key-1", 0, "test"); err != nil {
		t.Fatalf("first grant: %v", err)
	}
	result, err := svc.GrantCreditsIfNeeded(context.Background(), sub.ID, "key-1", 0, "test")
	if err != nil {
		t.Fatalf("second grant: %v", err)
	}
	if !result.Skipped || result.SkipReason != SkipReasonDuplicateLedger {
		t.Fatalf("expected duplicate-ledger skip, got %+v", result)
	}
	if len(repo.ledger) != 1 {
		t.Fatalf("expected a single ledger entry, got %d", len(repo.ledger))
	}
}

func TestConsumeCredits(t *testing.T) {
	repo := newMemoryRepository()
	svc := testService(repo)
	sub := &models.Subscription{
		UserID:              1,
		PolarSubscriptionID: "sub_1",
		Status:              models.BillingStatusActive,
		CreditBalance:       3,
	}
	_ = repo.CreateSubscription(sub)

	// Insufficient balance is a hard stop, not an error, and changes nothing.
	result, err := svc.ConsumeCredits(context.Background(), 1, 5, "export")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if result.OK {
		t.Fatalf("expected insufficient balance to fail the consume")
	}
	if result.Balance != 3 || len(repo.ledger) != 0 {
		t.Fatalf("failed consume must leave state untouched: %+v", result)
	}

	result, err = svc.ConsumeCredits(context.Background(), 1, 2, "export")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if !result.OK || result.Balance != 1 {
		t.Fatalf("expected balance 1 after consuming 2, got %+v", result)
	}
	if len(repo.ledger) != 1 || repo.ledger[0].Amount != -2 || repo.ledger[0].Type != models.LedgerTypeConsume {
		t.Fatalf("expected one negative consume entry, got %+v", repo.ledger)
	}
}

func TestConsumeCredits_LapsedSubscriptionStaysSpendable(t *testing.T) {
	repo := newMemoryRepository()
	svc := testService(repo)
	past := time.Now().Add(-time.Hour).UnixMilli()
	_ = repo.CreateSubscription(&models.Subscription{
		UserID:              1,
		PolarSubscriptionID: "sub_old",
		Status:              models.BillingStatusCanceled,
		CurrentPeriodEnd:    &past,
		CreditBalance:       50,
	})

	// Granted credits stay spendable after the subscription lapses; the
	// only consume guard is the balance itself.
	result, err := svc.ConsumeCredits(context.Background(), 1, 5, "export")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if !result.OK || result.Balance != 45 {
		t.Fatalf("expected balance 45 after consuming 5, got %+v", result)
	}
	if len(repo.ledger) != 1 || repo.ledger[0].Amount != -5 {
		t.Fatalf("expected a single -5 consume entry, got %+v", repo.ledger)
	}
}

func TestConsumeCredits_SpansSubscriptions(t *testing.T) {
	repo := newMemoryRepository()
	svc := testService(repo)
	_ = repo.CreateSubscription(&models.Subscription{
		UserID:              1,
		PolarSubscriptionID: "sub_a",
		Status:              models.BillingStatusActive,
		CreditBalance:       3,
	})
	_ = repo.CreateSubscription(&models.Subscription{
		UserID:              1,
		PolarSubscriptionID: "sub_b",
		Status:              models.BillingStatusActive,
		CreditBalance:       3,
	})

	// Total 6 covers 5 even though no single subscription can.
	result, err := svc.ConsumeCredits(context.Background(), 1, 5, "export")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if !result.OK || result.Balance != 1 {
		t.Fatalf("expected combined balance 1 after consuming 5, got %+v", result)
	}
	if len(repo.ledger) != 2 {
		t.Fatalf("expected one ledger entry per touched subscription, got %+v", repo.ledger)
	}
	var total int64
	for _, entry := range repo.ledger {
		if entry.Amount >= 0 || entry.Type != models.LedgerTypeConsume {
			t.Fatalf("expected negative consume entries, got %+v", entry)
		}
		total += entry.Amount
	}
	if total != -5 {
		t.Fatalf("expected ledger entries summing to -5, got %d", total)
	}
	for _, sub := range repo.subscriptions {
		if sub.CreditBalance < 0 {
			t.Fatalf("per-subscription balance went negative: %+v", sub)
		}
	}
}

func TestConsumeCredits_NoSubscriptions(t *testing.T) {
	repo := newMemoryRepository()
	svc := testService(repo)

	// A user with no subscriptions has balance 0; that is an insufficient
	// balance, not an error.
	result, err := svc.ConsumeCredits(context.Background(), 42, 1, "export")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if result.OK || result.Balance != 0 {
		t.Fatalf("expected {ok:false, balance:0}, got %+v", result)
	}
}

func TestUpsertSubscription_PreservesCreditConfig(t *testing.T) {
	repo := newMemoryRepository()
	svc := testService(repo)
	ctx := context.Background()

	per := int64(25)
	limit := int64(75)
	first, err := svc.UpsertSubscription(ctx, NormalizedSubscription{
		UserID:              1,
		PolarSubscriptionID: "sub_1",
		Status:              "active",
		CreditsPerPeriod:    &per,
		CreditRolloverLimit: &limit,
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if first.CreditsGrantPerCycle != 25 || first.CreditRolloverLimit != 75 {
		t.Fatalf("expected explicit credit config, got %+v", first)
	}

	// A later payload without credit metadata must not reset the config.
	second, err := svc.UpsertSubscription(ctx, NormalizedSubscription{
		UserID:              1,
		PolarSubscriptionID: "sub_1",
		Status:              "PAST_DUE",
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected in-place patch, got new row %d", second.ID)
	}
	if second.Status != models.BillingStatusPastDue {
		t.Fatalf("expected status normalized to past_due, got %q", second.Status)
	}
	if second.CreditsGrantPerCycle != 25 || second.CreditRolloverLimit != 75 {
		t.Fatalf("credit config must survive payloads that omit it, got %+v", second)
	}
}

func TestHasEntitlement(t *testing.T) {
	future := time.Now().Add(24 * time.Hour).UnixMilli()
	past := time.Now().Add(-24 * time.Hour).UnixMilli()

	tests := []struct {
		name   string
		sub    models.Subscription
		wanted bool
	}{
		{"active with future period", models.Subscription{Status: "active", CurrentPeriodEnd: &future}, true},
		{"active without period end", models.Subscription{Status: "active"}, true},
		{"active uppercase", models.Subscription{Status: "Active", CurrentPeriodEnd: &future}, true},
		{"active but expired", models.Subscription{Status: "active", CurrentPeriodEnd: &past}, false},
		{"trialing", models.Subscription{Status: "trialing", CurrentPeriodEnd: &future}, false},
		{"canceled", models.Subscription{Status: "canceled", CurrentPeriodEnd: &future}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newMemoryRepository()
			sub := tt.sub
			sub.UserID = 1
			sub.PolarSubscriptionID = "sub_1"
			_ = repo.CreateSubscription(&sub)

			got, err := testService(repo).HasEntitlement(context.Background(), 1)
			if err != nil {
				t.Fatalf("has entitlement: %v", err)
			}
			if got != tt.wanted {
				t.Fatalf("HasEntitlement = %v, want %v", got, tt.wanted)
			}
		})
	}
}

func TestGetCreditsBalance_SumsSubscriptions(t *testing.T) {
	repo := newMemoryRepository()
	_ = repo.CreateSubscription(&models.Subscription{UserID: 1, PolarSubscriptionID: "a", Status: "active", CreditBalance: 4})
	_ = repo.CreateSubscription(&models.Subscription{UserID: 1, PolarSubscriptionID: "b", Status: "canceled", CreditBalance: 6})
	_ = repo.CreateSubscription(&models.Subscription{UserID: 2, PolarSubscriptionID: "c", Status: "active", CreditBalance: 9})

	balance, err := testService(repo).GetCreditsBalance(context.Background(), 1)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 10 {
		t.Fatalf("expected combined balance 10, got %d", balance)
	}
}

func TestRecordWebhookEvent_Deduplicates(t *testing.T) {
	repo := newMemoryRepository()
	svc := testService(repo)
	ctx := context.Background()

	in := WebhookEventInput{
		Provider:        models.BillingProviderPolar,
		ProviderEventID: "evt_1",
		EventType:       "subscription.created",
		PayloadJSON:     `{"id":"evt_1"}`,
		SignatureValid:  true,
	}
	created, stored, err := svc.RecordWebhookEvent(ctx, in)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if !created || stored.ID == 0 {
		t.Fatalf("expected first delivery to create a row")
	}

	created, again, err := svc.RecordWebhookEvent(ctx, in)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if created || again.ID != stored.ID {
		t.Fatalf("expected redelivery to dedupe to the same row")
	}
}

func TestRecordWebhookEvent_HashFallbackID(t *testing.T) {
	repo := newMemoryRepository()
	svc := testService(repo)

	_, stored, err := svc.RecordWebhookEvent(context.Background(), WebhookEventInput{
		Provider:    models.BillingProviderPolar,
		EventType:   "subscription.created",
		PayloadJSON: `{"no":"id"}`,
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if stored.ProviderEventID == "" {
		t.Fatalf("expected a payload-hash fallback event id")
	}
}
