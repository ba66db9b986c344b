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
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) Cache {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCache(client)
}

type mediaRef struct {
	ID     int64
	Status string
}

func TestSetAndGet(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	want := mediaRef{ID: 42, Status: "ready"}
	require.NoError(t, c.Set(ctx, "media:42", want, 10*time.Minute))

	var got mediaRef
	require.NoError(t, c.Get(ctx, "media:42", &got))
	assert.Equal(t, want, got)
}

func TestGetNonExistentKey(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	got := mediaRef{ID: 7}
	err := c.Get(ctx, "missing", &got)
	assert.NoError(t, err)
	assert.Equal(t, int64(7), got.ID, "a miss leaves the destination untouched")
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	require.NoError(t, c.Set(ctx, "k", "v", time.Minute))
	require.NoError(t, c.Delete(ctx, "k"))

	var got string
	require.NoError(t, c.Get(ctx, "k", &got))
	assert.Empty(t, got)

	assert.NoError(t, c.Delete(ctx, "never-set"))
}

func TestOnce_ComputesOnce(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	var calls int32
	load := func() (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return []int64{11, 12}, nil
	}

	var first, second []int64
	require.NoError(t, c.Once(ctx, "videos", &first, time.Minute, load))
	require.NoError(t, c.Once(ctx, "videos", &second, time.Minute, load))

	assert.Equal(t, []int64{11, 12}, first)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestOnce_ErrorNotCached(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	var out []int64
	err := c.Once(ctx, "videos", &out, time.Minute, func() (interface{}, error) {
		return nil, errors.New("remote down")
	})
	assert.EqualError(t, err, "remote down")

	err = c.Once(ctx, "videos", &out, time.Minute, func() (interface{}, error) {
		return []int64{5}, nil
	})
	assert.NoError(t, err)
	assert.Equal(t, []int64{5}, out)
}
