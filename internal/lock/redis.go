/*
Copyright 2024 Elevizion Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package lock

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "elevizion:lock:"

const (
	unlockScript = "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('del', KEYS[1]) else return 0 end"
	extendScript = "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('pexpire', KEYS[1], ARGV[2]) else return 0 end"
)

var (
	ErrRedisLockHeld     = errors.New("redis lock is held by another owner")
	ErrRedisLockNotOwned = errors.New("redis lock expired or owned by another holder")
)

// RedisLocker is a single-key lock shared by every instance pointing at the
// same Redis. The owner value guards unlock and extend so one instance can
// never drop another's hold.
type RedisLocker struct {
	client redis.UniversalClient
	key    string
	owner  string
}

// NewRedisLocker creates a locker for resourceType/id owned by owner. The
// owner must be unique per hold; two holders sharing it can release each
// other's lock.
func NewRedisLocker(client redis.UniversalClient, resourceType, id, owner string) *RedisLocker {
	return &RedisLocker{
		client: client,
		key:    redisKeyPrefix + Key(resourceType, id),
		owner:  owner,
	}
}

// Key returns the Redis key this locker operates on.
func (l *RedisLocker) Key() string {
	return l.key
}

func (l *RedisLocker) Owner() string {
	return l.owner
}

func (l *RedisLocker) Lock(ctx context.Context, ttl time.Duration) error {
	ok, err := l.client.SetNX(ctx, l.key, l.owner, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrRedisLockHeld, l.key)
	}
	return nil
}

func (l *RedisLocker) Unlock(ctx context.Context) error {
	res, err := l.client.Eval(ctx, unlockScript, []string{l.key}, l.owner).Result()
	if err != nil {
		return err
	}
	if res == int64(0) {
		return fmt.Errorf("%w: %s", ErrRedisLockNotOwned, l.key)
	}
	return nil
}

// Extend pushes the expiry of a held lock out by ttl.
func (l *RedisLocker) Extend(ctx context.Context, ttl time.Duration) error {
	res, err := l.client.Eval(ctx, extendScript, []string{l.key}, l.owner, fmt.Sprintf("%d", ttl.Milliseconds())).Result()
	if err != nil {
		return err
	}
	if res == int64(0) {
		return fmt.Errorf("%w: %s", ErrRedisLockNotOwned, l.key)
	}
	return nil
}

// WaitLock retries Lock with jitter until it succeeds, maxWait elapses or
// ctx is done.
func (l *RedisLocker) WaitLock(ctx context.Context, ttl, maxWait time.Duration) error {
	deadline := time.Now().Add(maxWait)
	for {
		err := l.Lock(ctx, ttl)
		if err == nil || !errors.Is(err, ErrRedisLockHeld) {
			return err
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("could not acquire %s within %s: %w", l.key, maxWait, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(20+rand.Intn(80)) * time.Millisecond):
		}
	}
}
