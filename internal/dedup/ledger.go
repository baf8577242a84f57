// Package dedup records external side effects so a redelivered stage never repeats them.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"mint-pipeline/internal/models"
)

// Pending marks a side effect that was started but whose outcome is unknown.
const Pending = "pending"

// Ledger is a Redis SETNX ledger keyed by request and stage.
type Ledger struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewLedger(client *redis.Client, ttl time.Duration) *Ledger {
	return &Ledger{client: client, prefix: "mint:dedup", ttl: ttl}
}

func (l *Ledger) key(requestID string, stage models.Stage) string {
	return fmt.Sprintf("%s:%s:%s", l.prefix, requestID, stage)
}

// Reserve claims the slot for (requestID, stage). When the slot is already taken the stored
// value is returned with reserved=false; it is Pending or a committed record.
func (l *Ledger) Reserve(ctx context.Context, requestID string, stage models.Stage) (existing string, reserved bool, err error) {
	key := l.key(requestID, stage)
	ok, err := l.client.SetNX(ctx, key, Pending, l.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("reserve %s: %w", key, err)
	}
	if ok {
		return "", true, nil
	}
	val, err := l.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; try once more.
		ok, err = l.client.SetNX(ctx, key, Pending, l.ttl).Result()
		if err != nil {
			return "", false, fmt.Errorf("reserve %s: %w", key, err)
		}
		return "", ok, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read %s: %w", key, err)
	}
	return val, false, nil
}

// Commit stores the outcome of a reserved side effect.
func (l *Ledger) Commit(ctx context.Context, requestID string, stage models.Stage, value string) error {
	key := l.key(requestID, stage)
	if err := l.client.Set(ctx, key, value, l.ttl).Err(); err != nil {
		return fmt.Errorf("commit %s: %w", key, err)
	}
	return nil
}

// Release frees a reservation after a definite failure so a retry may try again.
// Committed records are left untouched.
func (l *Ledger) Release(ctx context.Context, requestID string, stage models.Stage) error {
	key := l.key(requestID, stage)
	if err := releaseScript.Run(ctx, l.client, []string{key}, Pending).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
