package models

import "time"

const (
	LedgerTypeGrant   = "grant"
	LedgerTypeConsume = "consume"
	LedgerTypeAdjust  = "adjust"
)

// CreditLedgerEntry is one row of the append-only credit ledger. Grants are
// positive, consumption negative. Rows are never updated or deleted; the
// unique idempotency key is what makes replayed grants collapse to a single
// entry (duplicate inserts fail on the index).
type CreditLedgerEntry struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	UserID         uint      `gorm:"not null;index" json:"user_id"`
	SubscriptionID uint      `gorm:"not null;index" json:"subscription_id"`
	Amount         int64     `gorm:"not null" json:"amount"`
	Type           string    `gorm:"type:varchar(16);not null;index" json:"type"`
	Reason         string    `gorm:"type:varchar(255);not null;default:''" json:"reason"`
	IdempotencyKey *string   `gorm:"type:varchar(512);uniqueIndex:ux_credits_ledger_idempotency_key" json:"idempotency_key,omitempty"`
	MetaJSON       string    `gorm:"type:text" json:"meta_json"`
	CreatedAt      time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}
