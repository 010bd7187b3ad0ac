package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	eventKeyPrefix  = "searchsync:event:"
	entityKeyPrefix = "searchsync:entity:"
)

// commitScript atomically records the event ID and, when ARGV[4] is set,
// raises the per-entity high-water version. The conditional write keeps the
// version monotonic even when two workers commit for the same entity
// concurrently.
var commitScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[2]) or '-1')
local v = tonumber(ARGV[2])
if ARGV[4] == '1' and v > cur then
  redis.call('SET', KEYS[2], ARGV[2])
end
redis.call('SET', KEYS[1], ARGV[1], 'EX', ARGV[3])
return 1
`)

// Redis is a Ledger backed by Redis, shared across worker instances. Event
// entries carry a TTL; entity versions are plain keys written through a Lua
// script so the check-and-raise is atomic.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis creates a Redis-backed ledger and verifies connectivity.
func NewRedis(ctx context.Context, client *redis.Client, ttl time.Duration) (*Redis, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Redis{client: client, ttl: ttl}, nil
}

// ShouldApply checks the event ID and entity version against recorded state.
func (r *Redis) ShouldApply(ctx context.Context, eventID, entityID string, entityVersion int64) (Decision, error) {
	pipe := r.client.Pipeline()
	existsCmd := pipe.Exists(ctx, eventKeyPrefix+eventID)
	versionCmd := pipe.Get(ctx, entityKeyPrefix+entityID)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return Apply, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if existsCmd.Val() > 0 {
		return SkipDuplicate, nil
	}

	if entityVersion > 0 {
		committed, err := versionCmd.Int64()
		if err == nil && entityVersion <= committed {
			return SkipStale, nil
		}
		if err != nil && err != redis.Nil {
			return Apply, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}

	return Apply, nil
}

// Commit records the event and, for applied outcomes, raises the entity
// version. Failed-permanent commits deduplicate the event ID only so a
// corrected event at the same version is not skipped as stale.
func (r *Redis) Commit(ctx context.Context, rec Record) error {
	raise := "0"
	if rec.Outcome == OutcomeApplied {
		raise = "1"
	}
	keys := []string{eventKeyPrefix + rec.EventID, entityKeyPrefix + rec.EntityID}
	args := []any{string(rec.Outcome), rec.EntityVersion, int(r.ttl.Seconds()), raise}
	if err := commitScript.Run(ctx, r.client, keys, args...).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
