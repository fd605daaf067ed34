package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// warningChannel is the pub/sub channel expiry warnings are published to,
// for any live UI or CLI session watching a reservation to pick up without
// polling. Quarantine notices have no subscriber today, so only Warn
// publishes.
const warningChannel = "notify:reservation:warning"

// RedisSink publishes warnings to a pub/sub channel alongside whatever
// other sinks are registered, the same fan-out role the escalation engine's
// rdb.Publish call plays for tiered alert notices.
type RedisSink struct {
	rdb *redis.Client
}

// NewRedisSink builds a RedisSink over an existing client.
func NewRedisSink(rdb *redis.Client) *RedisSink {
	return &RedisSink{rdb: rdb}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Warn(ctx context.Context, msg WarningMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling warning message: %w", err)
	}
	if err := s.rdb.Publish(ctx, warningChannel, payload).Err(); err != nil {
		return fmt.Errorf("publishing expiry warning: %w", err)
	}
	return nil
}

// Quarantine is a no-op: nothing subscribes to quarantine notices over
// pub/sub, only Slack delivers those today.
func (s *RedisSink) Quarantine(ctx context.Context, msg QuarantineMessage) error {
	return nil
}
