package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Window is a fixed-window counter: the first hit starts the window, later hits share its expiry.
type Window struct {
	client *redis.Client
	length time.Duration
}

// NewWindow builds a counter whose windows last length.
func NewWindow(client *redis.Client, length time.Duration) *Window {
	return &Window{client: client, length: length}
}

// Hit counts one event under key and returns the count so far plus the time left in the window.
func (w *Window) Hit(ctx context.Context, key string) (int64, time.Duration, error) {
	res, err := windowScript.Run(ctx, w.client, []string{key}, w.length.Milliseconds()).Result()
	if err != nil {
		return 0, 0, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return 0, 0, fmt.Errorf("unexpected reply from window script: %v", res)
	}
	count, _ := arr[0].(int64)
	ttl, _ := arr[1].(int64)
	return count, time.Duration(ttl) * time.Millisecond, nil
}

var windowScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if n == 1 or ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {n, ttl}
`)
