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

package elevizion

import (
	"embed"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/elevizion/elevizion/config"
	"github.com/elevizion/elevizion/database"
	"github.com/elevizion/elevizion/internal/cache"
	"github.com/elevizion/elevizion/internal/hooks"
	"github.com/elevizion/elevizion/internal/lock"
	"github.com/elevizion/elevizion/internal/media"
	"github.com/elevizion/elevizion/internal/metrics"
	"github.com/elevizion/elevizion/internal/yodeck"
)

//go:embed sql/*.sql
var SQLFiles embed.FS

var tracer = otel.Tracer("elevizion.engine")

// Elevizion drives the signage platform towards the canonical content model
// and delivers queued external writes.
type Elevizion struct {
	datasource database.IDataSource
	remote     yodeck.API
	locks      *lock.Manager
	syncLocks  *SyncLocker
	media      *media.Tool
	queue      *Queue
	redis      redis.UniversalClient
	cache      cache.Cache
	hooks      *hooks.Sender
	cfg        *config.Configuration
	now        func() time.Time

	executorsMu sync.RWMutex
	executors   map[string]Executor

	batchRunning atomic.Bool
}

// Option customises an Elevizion instance.
type Option func(*Elevizion)

// WithRedis enables the cross-instance location guard.
func WithRedis(client redis.UniversalClient) Option {
	return func(e *Elevizion) { e.redis = client }
}

func WithCache(c cache.Cache) Option {
	return func(e *Elevizion) { e.cache = c }
}

func WithQueue(q *Queue) Option {
	return func(e *Elevizion) { e.queue = q }
}

func WithMediaTool(t *media.Tool) Option {
	return func(e *Elevizion) { e.media = t }
}

func WithLockManager(m *lock.Manager) Option {
	return func(e *Elevizion) { e.locks = m }
}

func WithHookSender(s *hooks.Sender) Option {
	return func(e *Elevizion) { e.hooks = s }
}

// WithClock overrides time.Now. Tests use it to step through backoff.
func WithClock(now func() time.Time) Option {
	return func(e *Elevizion) { e.now = now }
}

// NewElevizion wires the engine around a datasource and the remote platform.
// Redis, the task queue and the cache are optional; without them the engine
// runs single-instance with in-process locking only.
func NewElevizion(db database.IDataSource, remote yodeck.API, opts ...Option) (*Elevizion, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	e := &Elevizion{
		datasource: db,
		remote:     remote,
		cfg:        cfg,
		now:        time.Now,
		executors:  make(map[string]Executor),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.locks == nil {
		e.locks = lock.NewManager(
			lock.WithClock(e.now),
			lock.WithSweepInterval(time.Duration(cfg.Locks.SweepIntervalSec)*time.Second),
			lock.WithPollInterval(time.Duration(cfg.Locks.PollIntervalMillis)*time.Millisecond),
			lock.WithContentionHook(metrics.RecordLockContention),
		)
	}
	if e.media == nil {
		c := media.DefaultConstraints()
		c.MaxWidth = cfg.Publish.MaxWidth
		c.MaxHeight = cfg.Publish.MaxHeight
		e.media = media.NewTool(cfg.Publish.FFprobePath, cfg.Publish.FFmpegPath, c,
			time.Duration(cfg.Publish.TranscodeTimeoutSec)*time.Second)
	}
	if e.hooks == nil {
		e.hooks = hooks.NewSender(e.redis)
	}
	e.syncLocks = NewSyncLocker(db, cfg, e.now)

	e.registerBuiltinExecutors()
	return e, nil
}

// Locks exposes the resource lock manager so callers outside the engine can
// serialise their own mutations against the same remote ids.
func (e *Elevizion) Locks() *lock.Manager {
	return e.locks
}

func (e *Elevizion) SyncLocks() *SyncLocker {
	return e.syncLocks
}

// Queue returns the task queue, or nil when the engine runs without Redis.
func (e *Elevizion) Queue() *Queue {
	return e.queue
}

func (e *Elevizion) Datasource() database.IDataSource {
	return e.datasource
}

func (e *Elevizion) lockTTL() time.Duration {
	return time.Duration(e.cfg.Locks.DefaultTTLSec) * time.Second
}

func (e *Elevizion) lockWait() time.Duration {
	return time.Duration(e.cfg.Locks.MaxWaitSec) * time.Second
}
