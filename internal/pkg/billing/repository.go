package billing

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/sketchflow/billing/app/models"
)

// ErrDuplicateIdempotencyKey is returned by CreateLedgerEntry when an entry
// with the same idempotency key already exists. The unique index makes the
// insert the linearization point for concurrent grants: exactly one writer
// wins, everyone else gets this error.
var ErrDuplicateIdempotencyKey = errors.New("billing: idempotency key already used")

// Repository provides DB operations used by the billing service.
type Repository interface {
	FindUserByID(id uint) (*models.User, error)
	FindUserByEmail(email string) (*models.User, error)

	FindSubscriptionByID(id uint) (*models.Subscription, error)
	FindSubscription(userID uint, polarSubscriptionID string) (*models.Subscription, error)
	ListSubscriptionsByUser(userID uint) ([]models.Subscription, error)
	CreateSubscription(sub *models.Subscription) error
	PatchSubscription(id uint, updates map[string]interface{}) error
	// LockSubscriptionByID reads a subscription with a write lock. Only
	// meaningful inside Transaction.
	LockSubscriptionByID(id uint) (*models.Subscription, error)
	LockSubscriptionsByUser(userID uint) ([]models.Subscription, error)

	FindLedgerEntryByIdempotencyKey(key string) (*models.CreditLedgerEntry, error)
	CreateLedgerEntry(entry *models.CreditLedgerEntry) error

	CreateWebhookEventIfNotExists(event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error)
	MarkWebhookProcessed(id uint, processingError string) error

	// Transaction runs fn against a repository bound to a single DB
	// transaction; fn returning an error rolls everything back.
	Transaction(fn func(Repository) error) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) FindUserByID(id uint) (*models.User, error) {
	var u models.User
	if err := r.db.First(&u, id).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *gormRepository) FindUserByEmail(email string) (*models.User, error) {
	var u models.User
	if err := r.db.Where("email = ?", email).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *gormRepository) FindSubscriptionByID(id uint) (*models.Subscription, error) {
	var s models.Subscription
	if err := r.db.First(&s, id).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *gormRepository) FindSubscription(userID uint, polarSubscriptionID string) (*models.Subscription, error) {
	var s models.Subscription
	err := r.db.Where("user_id = ? AND polar_subscription_id = ?", userID, polarSubscriptionID).First(&s).Error
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *gormRepository) ListSubscriptionsByUser(userID uint) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := r.db.Where("user_id = ?", userID).Find(&subs).Error
	return subs, err
}

func (r *gormRepository) CreateSubscription(sub *models.Subscription) error {
	return r.db.Create(sub).Error
}

func (r *gormRepository) PatchSubscription(id uint, updates map[string]interface{}) error {
	return r.db.Model(&models.Subscription{}).Where("id = ?", id).Updates(updates).Error
}

func (r *gormRepository) LockSubscriptionByID(id uint) (*models.Subscription, error) {
	var s models.Subscription
	err := r.db.Clauses(clause.Locking{Strength: "UPDATE"}).First(&s, id).Error
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *gormRepository) LockSubscriptionsByUser(userID uint) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := r.db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		Find(&subs).Error
	return subs, err
}

func (r *gormRepository) FindLedgerEntryByIdempotencyKey(key string) (*models.CreditLedgerEntry, error) {
	var e models.CreditLedgerEntry
	if err := r.db.Where("idempotency_key = ?", key).First(&e).Error; err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *gormRepository) CreateLedgerEntry(entry *models.CreditLedgerEntry) error {
	err := r.db.Create(entry).Error
	if err != nil && errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateIdempotencyKey
	}
	return err
}

func (r *gormRepository) CreateWebhookEventIfNotExists(event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.BillingWebhookEvent
	if err := r.db.Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) MarkWebhookProcessed(id uint, processingError string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"processed_at":     &now,
		"processing_error": processingError,
	}
	return r.db.Model(&models.BillingWebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}

func (r *gormRepository) Transaction(fn func(Repository) error) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		return fn(&gormRepository{db: tx})
	})
}
