package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Lock is a named lease shared by every worker process.
type Lock interface {
	// Acquire takes key for ttl. ok is false when someone else holds it.
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	// Release frees key only if token still owns it.
	Release(ctx context.Context, key, token string) (bool, error)
}

// releaseScript deletes the key only when it still holds our token, so a
// lease that expired and was taken over is left alone.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// RedisLock implements Lock with SET NX PX and a token-checked delete.
type RedisLock struct {
	rdb      redis.Cmdable
	newToken func() string
}

func NewRedisLock(rdb redis.Cmdable) *RedisLock {
	return &RedisLock{rdb: rdb, newToken: uuid.NewString}
}

var _ Lock = (*RedisLock)(nil)

func (l *RedisLock) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := l.newToken()
	ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (l *RedisLock) Release(ctx context.Context, key, token string) (bool, error) {
	n, err := l.rdb.Eval(ctx, releaseScript, []string{key}, token).Int64()
	if err != nil {
		return false, fmt.Errorf("release %s: %w", key, err)
	}
	return n == 1, nil
}
