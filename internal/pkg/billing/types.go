package billing

// NormalizedSubscription is the provider-agnostic shape used by the billing
// service when syncing external subscription state into local tables. Pointer
// fields distinguish "absent from payload" (nil, keep stored value) from an
// explicit value.
type NormalizedSubscription struct {
	UserID              uint
	PolarCustomerID     string
	PolarSubscriptionID string
	ProductID           string
	PriceID             string
	PlanCode            string
	Status              string
	CurrentPeriodEnd    *int64
	TrialEndsAt         *int64
	CancelAt            *int64
	CanceledAt          *int64
	CreditsPerPeriod    *int64
	CreditRolloverLimit *int64
	RawPayloadJSON      string
}

// WebhookEventInput is the normalized input for webhook event persistence.
type WebhookEventInput struct {
	Provider        string
	ProviderEventID string
	EventType       string
	PayloadJSON     string
	SignatureValid  bool
}

// Grant skip reasons returned in GrantResult.SkipReason.
const (
	SkipReasonDuplicateLedger   = "duplicate-ledger"
	SkipReasonDuplicateCursor   = "duplicate-cursor"
	SkipReasonNotEntitled       = "not-entitled"
	SkipReasonNonPositiveAmount = "non-positive-amount"
)

// GrantResult is the outcome of GrantCreditsIfNeeded. A skipped grant is a
// success (OK=true) with Granted=0 and the reason recorded; only store
// failures surface as errors.
type GrantResult struct {
	OK         bool   `json:"ok"`
	Skipped    bool   `json:"skipped,omitempty"`
	SkipReason string `json:"reason,omitempty"`
	Granted    int64  `json:"granted,omitempty"`
	Balance    int64  `json:"balance"`
}

// ConsumeResult is the outcome of ConsumeCredits. OK=false means
// insufficient balance and guarantees no state was changed.
type ConsumeResult struct {
	OK      bool  `json:"ok"`
	Balance int64 `json:"balance"`
}

// GrantDefaults supplies the credit configuration applied when a provider
// payload does not carry explicit credit metadata.
type GrantDefaults struct {
	CreditsPerPeriod    int64
	CreditRolloverLimit int64
}

// LedgerMeta is the balance snapshot stored alongside grant/consume entries.
type LedgerMeta struct {
	PreviousBalance int64 `json:"previous_balance"`
	NewBalance      int64 `json:"new_balance"`
}
