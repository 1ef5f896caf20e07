package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrUnsupportedShape is returned when a webhook payload is neither
// subscription-like nor order-like.
var ErrUnsupportedShape = errors.New("billing: unsupported webhook payload shape")

// PolarWebhookEvent is the outer envelope of a Polar webhook body.
type PolarWebhookEvent struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ParsePolarWebhookEvent decodes the webhook envelope. The event id may be
// empty in the body; callers fall back to the delivery header id.
func ParsePolarWebhookEvent(raw []byte) (*PolarWebhookEvent, error) {
	var evt PolarWebhookEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		return nil, fmt.Errorf("parse polar webhook event: %w", err)
	}
	if strings.TrimSpace(evt.Type) == "" && len(evt.Data) == 0 {
		return nil, ErrUnsupportedShape
	}
	return &evt, nil
}

// EpochMillis decodes provider timestamps that arrive either as RFC3339
// strings or as numeric epoch milliseconds, and stores them as epoch ms.
type EpochMillis int64

func (e *EpochMillis) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == `""` {
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		t, err := time.Parse(time.RFC3339, str)
		if err != nil {
			return fmt.Errorf("parse timestamp %q: %w", str, err)
		}
		*e = EpochMillis(t.UnixMilli())
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	*e = EpochMillis(n)
	return nil
}

// Ptr returns the value as *int64, or nil for the receiver itself being nil.
func (e *EpochMillis) Ptr() *int64 {
	if e == nil {
		return nil
	}
	v := int64(*e)
	return &v
}

// PolarCustomer is the customer block embedded in subscription and order
// payloads. ExternalID carries the application user id when the checkout
// was created with one.
type PolarCustomer struct {
	ID         string `json:"id"`
	Email      string `json:"email"`
	ExternalID string `json:"external_id"`
}

// SubscriptionPayload is the typed view of a subscription-like webhook data
// block (recognized by the presence of a status field).
type SubscriptionPayload struct {
	ID               string                 `json:"id"`
	Status           string                 `json:"status"`
	CustomerID       string                 `json:"customer_id"`
	Customer         PolarCustomer          `json:"customer"`
	ProductID        string                 `json:"product_id"`
	PriceID          string                 `json:"price_id"`
	CurrentPeriodEnd *EpochMillis           `json:"current_period_end"`
	TrialEndsAt      *EpochMillis           `json:"trial_ends_at"`
	CancelAt         *EpochMillis           `json:"cancel_at"`
	CanceledAt       *EpochMillis           `json:"canceled_at"`
	Metadata         map[string]interface{} `json:"metadata"`
}

// OrderPayload is the typed view of an order-like webhook data block
// (recognized by its reference to a subscription).
type OrderPayload struct {
	ID             string                 `json:"id"`
	CustomerID     string                 `json:"customer_id"`
	Customer       PolarCustomer          `json:"customer"`
	ProductID      string                 `json:"product_id"`
	SubscriptionID string                 `json:"subscription_id"`
	Subscription   *SubscriptionPayload   `json:"subscription"`
	Metadata       map[string]interface{} `json:"metadata"`
}

// ExtractSubscription returns the subscription view of a data block, or
// false when the block is not subscription-like.
func ExtractSubscription(data json.RawMessage) (*SubscriptionPayload, bool) {
	if len(data) == 0 {
		return nil, false
	}
	var p SubscriptionPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, false
	}
	if strings.TrimSpace(p.Status) == "" {
		return nil, false
	}
	return &p, true
}

// ExtractOrder returns the order view of a data block, or false when the
// block carries no subscription reference.
func ExtractOrder(data json.RawMessage) (*OrderPayload, bool) {
	if len(data) == 0 {
		return nil, false
	}
	var p OrderPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, false
	}
	if strings.TrimSpace(p.SubscriptionID) == "" && p.Subscription == nil {
		return nil, false
	}
	return &p, true
}

// ClassifyPolarPayload validates that a data block matches one of the two
// recognized shapes. Used at the ingestion boundary to reject unsupported
// payloads before anything is enqueued.
func ClassifyPolarPayload(data json.RawMessage) error {
	if _, ok := ExtractSubscription(data); ok {
		return nil
	}
	if _, ok := ExtractOrder(data); ok {
		return nil
	}
	return ErrUnsupportedShape
}

// GrantIdempotencyKey builds the deterministic key under which a billing
// period's grant is recorded. Retries of the same delivery compute the same
// key, so duplicate workflow executions collapse to one ledger entry.
func GrantIdempotencyKey(polarSubscriptionID string, currentPeriodEnd *int64, providerEventID string) string {
	period := "first"
	if currentPeriodEnd != nil {
		period = strconv.FormatInt(*currentPeriodEnd, 10)
	}
	return fmt.Sprintf("%s:%s:%s", polarSubscriptionID, period, providerEventID)
}

// UserIDFromMetadata pulls an explicit application user id out of provider
// metadata. Checkout links created by the app stamp the user id into
// metadata; the customer external_id carries it as well.
func UserIDFromMetadata(metadata map[string]interface{}, customer PolarCustomer) (uint, bool) {
	if raw, ok := metadata["user_id"]; ok {
		if id, ok := parseUserID(raw); ok {
			return id, true
		}
	}
	if id, ok := parseUserID(customer.ExternalID); ok {
		return id, true
	}
	return 0, false
}

func parseUserID(raw interface{}) (uint, bool) {
	switch v := raw.(type) {
	case string:
		n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
		if err != nil || n == 0 {
			return 0, false
		}
		return uint(n), true
	case float64:
		if v <= 0 || v != float64(int64(v)) {
			return 0, false
		}
		return uint(v), true
	default:
		return 0, false
	}
}

// looksLikeRenewal reports whether an event type names a subscription
// creation or renewal. Advisory only: granting is guarded solely by the
// idempotency key, so every entitled event attempts a grant regardless of
// what the type string says.
func looksLikeRenewal(eventType string) bool {
	t := strings.ToLower(strings.TrimSpace(eventType))
	return strings.Contains(t, "created") ||
		strings.Contains(t, "renew") ||
		strings.Contains(t, "active") ||
		strings.Contains(t, "updated")
}
