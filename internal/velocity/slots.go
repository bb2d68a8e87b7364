package velocity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNoSlot is returned by Slots.Acquire when the cap is reached.
var ErrNoSlot = errors.New("velocity: concurrency cap reached")

var slotAcquireScript = redis.NewScript(`
-- KEYS[1] = counter key
-- ARGV[1] = limit
-- ARGV[2] = ttl_ms
--
-- Returns 1 if acquired, 0 if the cap is reached.
local current = redis.call('INCR', KEYS[1])
if current == 1 or redis.call('PTTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
if current > tonumber(ARGV[1]) then
  redis.call('DECR', KEYS[1])
  return 0
end
return 1
`)

var slotReleaseScript = redis.NewScript(`
local current = redis.call('DECR', KEYS[1])
if current <= 0 then
  redis.call('DEL', KEYS[1])
end
return 1
`)

// Slots caps how many holders may run a named operation at once across
// every API instance. The TTL frees slots leaked by a crashed holder.
type Slots struct {
	rdb    redis.Scripter
	Limit  int
	TTL    time.Duration
	Prefix string
}

func NewSlots(rdb redis.Scripter, limit int, ttl time.Duration) *Slots {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Slots{rdb: rdb, Limit: limit, TTL: ttl, Prefix: "fg:slots:"}
}

// Acquire takes a slot for name and returns the function that gives it back.
func (s *Slots) Acquire(ctx context.Context, name string) (release func(context.Context) error, err error) {
	if s == nil || s.rdb == nil {
		return nil, ErrNotConfigured
	}
	if name == "" {
		return nil, fmt.Errorf("velocity: slot name is required")
	}
	if s.Limit <= 0 {
		return nil, fmt.Errorf("velocity: slot limit must be > 0")
	}
	key := s.Prefix + name
	ok, err := slotAcquireScript.Run(ctx, s.rdb, []string{key}, s.Limit, s.TTL.Milliseconds()).Int()
	if err != nil {
		return nil, fmt.Errorf("velocity: acquire %s: %w", name, err)
	}
	if ok != 1 {
		return nil, ErrNoSlot
	}
	return func(ctx context.Context) error {
		return slotReleaseScript.Run(ctx, s.rdb, []string{key}).Err()
	}, nil
}
