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

package cache

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"
)

// Cache stores short-lived remote lookups shared between instances.
type Cache interface {
	// Set stores value under key for ttl.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// Get loads key into data. A missing key is not an error and leaves
	// data untouched.
	Get(ctx context.Context, key string, data interface{}) error

	Delete(ctx context.Context, key string) error

	// Once loads key into data, calling fn to compute and store it on a
	// miss. Concurrent misses for the same key in this process call fn once.
	Once(ctx context.Context, key string, data interface{}, ttl time.Duration, fn func() (interface{}, error)) error
}

// RedisCache implements Cache on Redis with a small in-process TinyLFU
// layer in front.
type RedisCache struct {
	cache *cache.Cache
}

// cacheSize is the number of entries kept in the local layer.
const cacheSize = 10000

// NewCache builds a cache on an existing Redis client.
func NewCache(client redis.UniversalClient) Cache {
	c := cache.New(&cache.Options{
		Redis:      client,
		LocalCache: cache.NewTinyLFU(cacheSize, 30*time.Second),
	})
	return &RedisCache{cache: c}
}

func (r *RedisCache) Set(ctx context.Context, key string, data interface{}, ttl time.Duration) error {
	return r.cache.Set(&cache.Item{
		Ctx:   ctx,
		Key:   key,
		Value: data,
		TTL:   ttl,
	})
}

func (r *RedisCache) Get(ctx context.Context, key string, data interface{}) error {
	err := r.cache.Get(ctx, key, data)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil
	}
	return err
}

func (r *RedisCache) Delete(ctx context.Context, key string) error {
	err := r.cache.Delete(ctx, key)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil
	}
	return err
}

func (r *RedisCache) Once(ctx context.Context, key string, data interface{}, ttl time.Duration, fn func() (interface{}, error)) error {
	return r.cache.Once(&cache.Item{
		Ctx:   ctx,
		Key:   key,
		Value: data,
		TTL:   ttl,
		Do: func(*cache.Item) (interface{}, error) {
			return fn()
		},
	})
}
