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

// Package lock provides mutual exclusion over named remote resources.
//
// Manager is an in-process lock table with TTL expiry, used to serialize
// competing mutations against the same remote screen, layout, playlist or
// media id. RedisLocker is the cross-instance counterpart used around a
// whole location reconciliation when several API replicas share Redis.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/elevizion/elevizion/internal/apierror"
	"github.com/sirupsen/logrus"
)

// Resource types guarded by the Manager.
const (
	Screen   = "screen"
	Layout   = "layout"
	Playlist = "playlist"
	Media    = "media"
	Location = "location"
)

const (
	defaultTTL           = 30 * time.Second
	defaultSweepInterval = 10 * time.Second
	defaultPollInterval  = 100 * time.Millisecond
)

type entry struct {
	token      uint64
	acquiredAt time.Time
	expiresAt  time.Time
}

// Manager holds at most one entry per resource key. Entries expire after
// their TTL even if never released so a crashed caller cannot wedge a
// resource.
type Manager struct {
	mu      sync.Mutex
	entries map[string]entry
	seq     uint64

	now           func() time.Time
	sweepInterval time.Duration
	pollInterval  time.Duration
	onContention  func(resourceType string)

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source. Tests use it to expire entries
// without sleeping.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithSweepInterval sets how often Start removes expired entries.
func WithSweepInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.sweepInterval = d
		}
	}
}

// WithPollInterval sets the default wait granularity of WithLock.
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

// WithContentionHook registers a callback invoked whenever an acquire is
// denied because the resource is held.
func WithContentionHook(fn func(resourceType string)) Option {
	return func(m *Manager) { m.onContention = fn }
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		entries:       make(map[string]entry),
		now:           time.Now,
		sweepInterval: defaultSweepInterval,
		pollInterval:  defaultPollInterval,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Key builds the table key for a resource.
func Key(resourceType, id string) string {
	return resourceType + ":" + id
}

// TryAcquire takes the lock without blocking. It returns false when another
// caller holds an unexpired entry for the same resource.
func (m *Manager) TryAcquire(resourceType, id string, ttl time.Duration) bool {
	_, ok := m.tryAcquire(resourceType, id, ttl)
	return ok
}

func (m *Manager) tryAcquire(resourceType, id string, ttl time.Duration) (uint64, bool) {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	key := Key(resourceType, id)
	now := m.now()

	m.mu.Lock()
	current, held := m.entries[key]
	if held && now.Before(current.expiresAt) {
		m.mu.Unlock()
		if m.onContention != nil {
			m.onContention(resourceType)
		}
		return 0, false
	}
	m.seq++
	token := m.seq
	m.entries[key] = entry{token: token, acquiredAt: now, expiresAt: now.Add(ttl)}
	m.mu.Unlock()

	if held {
		logrus.WithFields(logrus.Fields{
			"lock_key":   key,
			"expired_at": current.expiresAt,
		}).Warn("taking over expired resource lock")
	}
	return token, true
}

// Release drops the entry for a resource regardless of who holds it.
func (m *Manager) Release(resourceType, id string) {
	m.mu.Lock()
	delete(m.entries, Key(resourceType, id))
	m.mu.Unlock()
}

// releaseToken drops the entry only if it is still the one identified by
// token. A hold that expired and was taken over is left alone.
func (m *Manager) releaseToken(key string, token uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.entries[key]; ok && current.token == token {
		delete(m.entries, key)
	}
}

// WaitForLock polls TryAcquire every pollInterval until it succeeds, maxWait
// elapses or ctx is done. The acquired entry uses the default TTL.
func (m *Manager) WaitForLock(ctx context.Context, resourceType, id string, maxWait, pollInterval time.Duration) bool {
	_, ok := m.wait(ctx, resourceType, id, defaultTTL, maxWait, pollInterval)
	return ok
}

func (m *Manager) wait(ctx context.Context, resourceType, id string, ttl, maxWait, pollInterval time.Duration) (uint64, bool) {
	if pollInterval <= 0 {
		pollInterval = m.pollInterval
	}
	if token, ok := m.tryAcquire(resourceType, id, ttl); ok {
		return token, true
	}
	if maxWait <= 0 {
		return 0, false
	}

	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return 0, false
		case <-deadline.C:
			// one last attempt so a release racing the deadline is not missed
			return m.tryAcquire(resourceType, id, ttl)
		case <-ticker.C:
			if token, ok := m.tryAcquire(resourceType, id, ttl); ok {
				return token, true
			}
		}
	}
}

// WithLock runs fn while holding the resource lock. If the lock cannot be
// obtained within maxWait it returns an APIError with ErrLockTimeout and fn
// is not called. The hold is released on every exit path, panics included,
// and only if it still belongs to this call.
func (m *Manager) WithLock(ctx context.Context, resourceType, id string, ttl, maxWait time.Duration, fn func(ctx context.Context) error) error {
	token, ok := m.wait(ctx, resourceType, id, ttl, maxWait, 0)
	if !ok {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return apierror.NewAPIError(apierror.ErrLockTimeout,
			fmt.Sprintf("timed out waiting for %s lock on %s", resourceType, id), nil)
	}
	defer m.releaseToken(Key(resourceType, id), token)

	return fn(ctx)
}

// Held reports whether an unexpired entry exists for the resource.
func (m *Manager) Held(resourceType, id string) bool {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[Key(resourceType, id)]
	return ok && now.Before(e.expiresAt)
}

// Len returns the number of entries in the table, expired ones included
// until the next sweep.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Sweep removes expired entries and returns how many were dropped.
func (m *Manager) Sweep() int {
	now := m.now()
	removed := 0
	m.mu.Lock()
	for key, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, key)
			removed++
		}
	}
	m.mu.Unlock()
	return removed
}

// Start launches the background sweep. Calling Start on a running manager is
// a no-op.
func (m *Manager) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(m.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := m.Sweep(); n > 0 {
					logrus.WithField("removed", n).Debug("swept expired resource locks")
				}
			}
		}
	}(m.done)
}

// Stop halts the background sweep and waits for it to exit.
func (m *Manager) Stop() {
	m.runMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
