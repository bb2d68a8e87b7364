// Package velocity keeps short-lived per-entity action counters in Redis.
// Decisions read them as context attributes (actionsLastMinute) so
// rate-limit rules can be written as ordinary expressions.
package velocity

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"freight-guard/internal/rules"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ContextKey is the attribute the decision endpoint fills from Counter.Hit.
const ContextKey = "actionsLastMinute"

const defaultPrefix = "fg:velocity:"

var ErrNotConfigured = errors.New("velocity: redis client is nil")

var slidingWindowScript = redis.NewScript(`
-- KEYS[1] = window key (sorted set)
-- ARGV[1] = now_ms
-- ARGV[2] = window_ms
-- ARGV[3] = unique member
--
-- Returns the number of hits inside (now - window, now].
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
redis.call('ZADD', KEYS[1], now, ARGV[3])
local n = redis.call('ZCARD', KEYS[1])
redis.call('PEXPIRE', KEYS[1], window)
return n
`)

var slidingPeekScript = redis.NewScript(`
-- KEYS[1] = window key
-- ARGV[1] = now_ms
-- ARGV[2] = window_ms
return redis.call('ZCOUNT', KEYS[1], '(' .. (tonumber(ARGV[1]) - tonumber(ARGV[2])), '+inf')
`)

// Counter is a sliding-window hit counter keyed by entity.
type Counter struct {
	rdb    redis.Scripter
	Window time.Duration
	Prefix string
	Now    func() time.Time
}

func NewCounter(rdb redis.Scripter, window time.Duration) *Counter {
	if window <= 0 {
		window = time.Minute
	}
	return &Counter{rdb: rdb, Window: window, Prefix: defaultPrefix, Now: time.Now}
}

func (c *Counter) key(t rules.EntityType, entityID string) string {
	return c.Prefix + string(t) + ":" + entityID
}

// Hit records one action for the entity and returns the number of actions
// inside the window, this one included.
func (c *Counter) Hit(ctx context.Context, t rules.EntityType, entityID string) (int64, error) {
	if c == nil || c.rdb == nil {
		return 0, ErrNotConfigured
	}
	if entityID == "" {
		return 0, fmt.Errorf("velocity: entity id is required")
	}
	now := c.Now().UnixMilli()
	member := strconv.FormatInt(now, 10) + "-" + uuid.NewString()
	n, err := slidingWindowScript.Run(ctx, c.rdb, []string{c.key(t, entityID)}, now, c.Window.Milliseconds(), member).Int64()
	if err != nil {
		return 0, fmt.Errorf("velocity: hit %s:%s: %w", t, entityID, err)
	}
	return n, nil
}

// Peek returns the current count without recording a hit.
func (c *Counter) Peek(ctx context.Context, t rules.EntityType, entityID string) (int64, error) {
	if c == nil || c.rdb == nil {
		return 0, ErrNotConfigured
	}
	now := c.Now().UnixMilli()
	n, err := slidingPeekScript.Run(ctx, c.rdb, []string{c.key(t, entityID)}, now, c.Window.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("velocity: peek %s:%s: %w", t, entityID, err)
	}
	return n, nil
}
