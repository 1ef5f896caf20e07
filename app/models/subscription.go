package models

import "time"

const (
	BillingStatusActive     = "active"
	BillingStatusTrialing   = "trialing"
	BillingStatusPastDue    = "past_due"
	BillingStatusCanceled   = "canceled"
	BillingStatusIncomplete = "incomplete"
	BillingStatusRevoked    = "revoked"
)

// Subscription mirrors a Polar subscription and carries the credit
// entitlement state for one user. All period timestamps are stored as epoch
// milliseconds exactly as the provider reports them; nil means "not set"
// (a subscription without CurrentPeriodEnd never expires).
type Subscription struct {
	ID                   uint      `gorm:"primaryKey" json:"id"`
	UserID               uint      `gorm:"not null;index;index:ux_subscriptions_user_polar_sub,unique,priority:1" json:"user_id"`
	PolarCustomerID      string    `gorm:"type:varchar(191);not null;default:'';index" json:"polar_customer_id"`
	PolarSubscriptionID  string    `gorm:"type:varchar(191);not null;index;index:ux_subscriptions_user_polar_sub,unique,priority:2" json:"polar_subscription_id"`
	ProductID            string    `gorm:"type:varchar(191);not null;default:''" json:"product_id"`
	PriceID              string    `gorm:"type:varchar(191);not null;default:''" json:"price_id"`
	PlanCode             string    `gorm:"type:varchar(100);not null;default:''" json:"plan_code"`
	Status               string    `gorm:"type:varchar(32);not null;default:'incomplete';index" json:"status"`
	CurrentPeriodEnd     *int64    `gorm:"type:bigint;default:null" json:"current_period_end,omitempty"`
	TrialEndsAt          *int64    `gorm:"type:bigint;default:null" json:"trial_ends_at,omitempty"`
	CancelAt             *int64    `gorm:"type:bigint;default:null" json:"cancel_at,omitempty"`
	CanceledAt           *int64    `gorm:"type:bigint;default:null" json:"canceled_at,omitempty"`
	CreditBalance        int64     `gorm:"not null;default:0" json:"credit_balance"`
	CreditsGrantPerCycle int64     `gorm:"not null;default:0" json:"credits_grant_per_cycle"`
	CreditRolloverLimit  int64     `gorm:"not null;default:0" json:"credit_rollover_limit"`
	LastGrantCursor      string    `gorm:"type:varchar(512);not null;default:''" json:"last_grant_cursor"`
	RawPayloadJSON       string    `gorm:"type:longtext" json:"raw_payload_json"`
	CreatedAt            time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// PeriodValidAt reports whether the subscription period covers the given
// time. A missing CurrentPeriodEnd counts as valid (no expiry recorded).
func (s *Subscription) PeriodValidAt(at time.Time) bool {
	if s.CurrentPeriodEnd == nil {
		return true
	}
	return *s.CurrentPeriodEnd > at.UnixMilli()
}
