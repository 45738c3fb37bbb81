package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	alerts "fleetwatch/internal/alerts/domain"
)

// acquireScript records ARGV[1] as the last fire unless the previous fire is
// younger than ARGV[2] milliseconds. The replaced value is kept in KEYS[2] so
// a release can restore it.
const acquireScript = `
local last = redis.call('GET', KEYS[1])
if last and (tonumber(ARGV[1]) - tonumber(last)) < tonumber(ARGV[2]) then
  return 0
end
if last then
  redis.call('SET', KEYS[2], last, 'PX', ARGV[3])
else
  redis.call('DEL', KEYS[2])
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
return 1
`

// releaseScript undoes an acquisition made at ARGV[1].
const releaseScript = `
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
  return 0
end
local prev = redis.call('GET', KEYS[2])
if prev then
  redis.call('SET', KEYS[1], prev, 'PX', ARGV[2])
else
  redis.call('DEL', KEYS[1])
end
redis.call('DEL', KEYS[2])
return 1
`

// Gate is a DebounceGate shared by every instance connected to the same Redis.
type Gate struct {
	client  goredis.Scripter
	prefix  string
	retain  time.Duration
	acquire *goredis.Script
	release *goredis.Script
}

// NewGate constructs a gate. Marks are kept for retain beyond the cooldown.
func NewGate(client goredis.Scripter, prefix string, retain time.Duration) *Gate {
	if retain <= 0 {
		retain = time.Hour
	}
	return &Gate{
		client:  client,
		prefix:  normalizePrefix(prefix),
		retain:  retain,
		acquire: goredis.NewScript(acquireScript),
		release: goredis.NewScript(releaseScript),
	}
}

// TryAcquire implements application.DebounceGate.
func (g *Gate) TryAcquire(ctx context.Context, vehicleID string, kind alerts.Kind, now time.Time, cooldown time.Duration) (bool, error) {
	keys := g.keys(vehicleID, kind)
	ttl := cooldown + g.retain
	result, err := g.acquire.Run(ctx, g.client, keys, now.UnixMilli(), cooldown.Milliseconds(), ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("debounce acquire: %w", err)
	}
	return result == 1, nil
}

// Release implements application.DebounceGate.
func (g *Gate) Release(ctx context.Context, vehicleID string, kind alerts.Kind, now time.Time) error {
	keys := g.keys(vehicleID, kind)
	if err := g.release.Run(ctx, g.client, keys, strconv.FormatInt(now.UnixMilli(), 10), g.retain.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("debounce release: %w", err)
	}
	return nil
}

// keys share a hash tag so both land in one cluster slot.
func (g *Gate) keys(vehicleID string, kind alerts.Kind) []string {
	base := g.prefix + "debounce:{" + vehicleID + ":" + string(kind) + "}"
	return []string{base, base + ":prev"}
}
