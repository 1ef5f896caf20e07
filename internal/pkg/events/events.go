package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/sketchflow/billing/internal/pkg/cache"
)

// Event names published by the billing workflow for downstream consumers.
const (
	EventCreditGranted         = "billing/credit.granted"
	EventCreditSynced          = "billing/credit.synced"
	EventSubscriptionPreExpiry = "billing/subscription.pre_expiry"
)

const (
	// StreamKey is the Redis stream all billing events are appended to.
	StreamKey = "billing:events"

	dedupKeyPrefix = "billing:events:dedup:"
	dedupTTL       = 14 * 24 * time.Hour
	streamMaxLen   = 100_000
)

// CreditGrantedPayload announces a successful period grant.
type CreditGrantedPayload struct {
	UserID    uint   `json:"userId"`
	Amount    int64  `json:"amount"`
	Balance   int64  `json:"balance"`
	PeriodEnd *int64 `json:"periodEnd,omitempty"`
}

// CreditSyncedPayload announces that a subscription was reconciled,
// whether or not credits were granted.
type CreditSyncedPayload struct {
	UserID              uint   `json:"userId"`
	PolarSubscriptionID string `json:"polarSubscriptionId"`
	Status              string `json:"status"`
	PeriodEnd           *int64 `json:"periodEnd,omitempty"`
}

// PreExpiryPayload announces that a still-entitled subscription is close
// to its period end.
type PreExpiryPayload struct {
	UserID    uint  `json:"userId"`
	RunAt     int64 `json:"runAt"`
	PeriodEnd int64 `json:"periodEnd"`
}

// Publisher appends billing events to the shared Redis stream. Publishes
// carrying a dedup key are emitted at most once per key, so workflow
// replays don't duplicate externally visible notifications.
type Publisher interface {
	Publish(ctx context.Context, name, dedupKey string, payload interface{}) error
}

type redisPublisher struct {
	client *redis.Client
}

// NewPublisher creates a Publisher on the shared cache client.
func NewPublisher() Publisher {
	return &redisPublisher{client: cache.GetClient()}
}

// NewPublisherWithClient creates a Publisher on an explicit client (tests).
func NewPublisherWithClient(client *redis.Client) Publisher {
	return &redisPublisher{client: client}
}

func (p *redisPublisher) Publish(ctx context.Context, name, dedupKey string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	var markedKey string
	if dedupKey != "" {
		key := dedupKeyPrefix + name + ":" + dedupKey
		set, err := p.client.SetNX(ctx, key, 1, dedupTTL).Result()
		if err != nil {
			return fmt.Errorf("event dedup check: %w", err)
		}
		if !set {
			log.Debugf("[Events] Skipping duplicate %s (key=%s)", name, dedupKey)
			return nil
		}
		markedKey = key
	}

	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"name":    name,
			"payload": string(data),
		},
	}).Err()
	if err != nil {
		// Release the key so a retried publish is not swallowed as a
		// duplicate of an append that never happened
		if markedKey != "" {
			p.client.Del(ctx, markedKey)
		}
		return fmt.Errorf("append event %s: %w", name, err)
	}

	log.Infof("[Events] Published %s", name)
	return nil
}
