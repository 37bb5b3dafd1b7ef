package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// renewScript extends the lease only when this instance still owns it.
var renewScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	end
	return 0
`)

// releaseScript drops the lease only when this instance owns it.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	end
	return 0
`)

// LeaderLock is a Redis SETNX lease: at most one instance holds the key
// at a time, the holder renews atomically, everyone else fails fast.
type LeaderLock struct {
	client     *redis.Client
	key        string
	instanceID string
	ttl        time.Duration
}

// NewLeaderLock returns a lease on key held under instanceID for ttl.
func NewLeaderLock(client *redis.Client, key, instanceID string, ttl time.Duration) *LeaderLock {
	return &LeaderLock{client: client, key: key, instanceID: instanceID, ttl: ttl}
}

// AcquireOrRenew reports whether this instance holds the lease after the
// call: a free key is taken, an owned key is renewed, someone else's key
// returns false.
func (l *LeaderLock) AcquireOrRenew(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.instanceID, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("leader SetNX %s: %w", l.key, err)
	}
	if ok {
		return true, nil
	}

	result, err := renewScript.Run(ctx, l.client, []string{l.key}, l.instanceID, l.ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("leader renew %s: %w", l.key, err)
	}
	return result == 1, nil
}

// Release drops the lease if this instance holds it.
func (l *LeaderLock) Release(ctx context.Context) error {
	if _, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.instanceID).Int(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("leader release %s: %w", l.key, err)
	}
	return nil
}
