package escrow

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"
)

// ErrOwnerUnknown means no owner is registered for the channel.
var ErrOwnerUnknown = errors.New("channel owner unknown")

const channelOwnerPrefix = "channel:owner:"

// RedisOwnerDirectory reads channel ownership published by the channel
// registry under channel:owner:{channelId}.
type RedisOwnerDirectory struct {
	rdb redis.Cmdable
}

func NewRedisOwnerDirectory(rdb redis.Cmdable) *RedisOwnerDirectory {
	return &RedisOwnerDirectory{rdb: rdb}
}

func channelOwnerKey(channelID int64) string {
	return channelOwnerPrefix + strconv.FormatInt(channelID, 10)
}

func (d *RedisOwnerDirectory) ChannelOwner(ctx context.Context, channelID int64) (int64, error) {
	v, err := d.rdb.Get(ctx, channelOwnerKey(channelID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("%w: %d", ErrOwnerUnknown, channelID)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	return v, nil
}
