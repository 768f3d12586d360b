package redis

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/redis/go-redis/v9"
)

// Locker hands out short-lived exclusive leases so that periodic jobs run on
// one replica at a time.
type Locker interface {
	// TryLock returns a release func when the lease was acquired, or nil when
	// another holder owns it.
	TryLock(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

type redisLocker struct {
	rdb *redis.Client
}

func NewLocker(rdb *redis.Client) Locker {
	return &redisLocker{rdb: rdb}
}

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

func (l *redisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	token := hex.EncodeToString(b)

	ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	return func() {
		_ = releaseScript.Run(context.Background(), l.rdb, []string{key}, token).Err()
	}, nil
}

// NoopLocker always grants the lease. Used when a single replica runs.
type NoopLocker struct{}

func (NoopLocker) TryLock(context.Context, string, time.Duration) (func(), error) {
	return func() {}, nil
}
