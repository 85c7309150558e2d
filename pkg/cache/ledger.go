package cache

import (
	"context"
	"fmt"
	"time"
)

const ledgerKeyPrefix = "notifier:seen"

// MessageLedger records message ids that were processed successfully so that
// broker redeliveries can be acknowledged without repeating side effects.
// Entries expire after ttl; a redelivery arriving later is processed again.
// Key format: "notifier:seen:{topic}:{messageID}"
type MessageLedger struct {
	client *RedisClient
	ttl    time.Duration
	now    func() time.Time
}

// NewMessageLedger creates a MessageLedger backed by the given RedisClient.
func NewMessageLedger(r *RedisClient, ttl time.Duration) *MessageLedger {
	return &MessageLedger{client: r, ttl: ttl, now: time.Now}
}

// Seen reports whether messageID was already marked for topic.
func (l *MessageLedger) Seen(ctx context.Context, topic, messageID string) (bool, error) {
	n, err := l.client.Client().Exists(ctx, l.key(topic, messageID)).Result()
	if err != nil {
		return false, fmt.Errorf("ledger seen: %w", err)
	}
	return n > 0, nil
}

// Mark records messageID as processed for topic.
// Uses a pipeline to set the hash fields and the TTL together.
func (l *MessageLedger) Mark(ctx context.Context, topic, messageID string) error {
	key := l.key(topic, messageID)
	pipe := l.client.Client().Pipeline()
	pipe.HSet(ctx, key,
		"topic", topic,
		"processed_at", l.now().UTC().Format(time.RFC3339Nano),
	)
	pipe.Expire(ctx, key, l.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ledger mark: %w", err)
	}
	return nil
}

// key builds the Redis key: "notifier:seen:{topic}:{messageID}"
func (l *MessageLedger) key(topic, messageID string) string {
	return fmt.Sprintf("%s:%s:%s", ledgerKeyPrefix, topic, messageID)
}
