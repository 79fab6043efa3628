package ledger

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
)

// BalanceCache fronts the balance store. Entries carry the row version they
// were read at; a write older than what the cache has seen is dropped.
type BalanceCache interface {
	Get(ctx context.Context, accountID string) (balance int64, ok bool, err error)
	Set(ctx context.Context, accountID string, b Balance) error
	// Evict drops the cached balances and remembers each committed version.
	Evict(ctx context.Context, versions map[string]int64) error
}

const balanceKeyPrefix = "ledger:balance:"

// setScript stores the balance unless the hash already holds a newer version.
// KEYS[1] account hash, ARGV: balance, version, ttl ms.
const setScript = `
local seen = tonumber(redis.call("HGET", KEYS[1], "v") or "-1")
if tonumber(ARGV[2]) < seen then
	return 0
end
redis.call("HSET", KEYS[1], "b", ARGV[1], "v", ARGV[2])
redis.call("PEXPIRE", KEYS[1], ARGV[3])
return 1`

// evictScript clears the balance field and raises the version floor.
// ARGV[1] is the ttl ms, ARGV[i+1] the committed version for KEYS[i].
const evictScript = `
for i, key in ipairs(KEYS) do
	local seen = tonumber(redis.call("HGET", key, "v") or "-1")
	local committed = tonumber(ARGV[i + 1])
	if committed >= seen then
		redis.call("HDEL", key, "b")
		redis.call("HSET", key, "v", ARGV[i + 1])
	end
	redis.call("PEXPIRE", key, ARGV[1])
end
return #KEYS`

// RedisBalanceCache keeps balances in ledger:balance:{accountId} hashes with
// fields b (balance) and v (version), under a TTL.
type RedisBalanceCache struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewRedisBalanceCache(rdb redis.Cmdable, ttl time.Duration) *RedisBalanceCache {
	return &RedisBalanceCache{rdb: rdb, ttl: ttl}
}

var _ BalanceCache = (*RedisBalanceCache)(nil)

func balanceKey(accountID string) string { return balanceKeyPrefix + accountID }

func (c *RedisBalanceCache) Get(ctx context.Context, accountID string) (int64, bool, error) {
	v, err := c.rdb.HGet(ctx, balanceKey(accountID), "b").Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

func (c *RedisBalanceCache) Set(ctx context.Context, accountID string, b Balance) error {
	return c.rdb.Eval(ctx, setScript, []string{balanceKey(accountID)},
		b.Nano, b.Version, c.ttl.Milliseconds()).Err()
}

func (c *RedisBalanceCache) Evict(ctx context.Context, versions map[string]int64) error {
	if len(versions) == 0 {
		return nil
	}
	ids := make([]string, 0, len(versions))
	for id := range versions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	keys := make([]string, len(ids))
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, c.ttl.Milliseconds())
	for i, id := range ids {
		keys[i] = balanceKey(id)
		args = append(args, versions[id])
	}
	return c.rdb.Eval(ctx, evictScript, keys, args...).Err()
}
