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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/elevizion/elevizion/config"
	"github.com/elevizion/elevizion/database/mocks"
)

// testConfig is a fully defaulted configuration with zero polling
// intervals so verification loops finish immediately.
func testConfig() *config.Configuration {
	return &config.Configuration{
		ProjectName: "Elevizion Test",
		Server:      config.ServerConfig{Environment: "test"},
		DataSource:  config.DataSourceConfig{Dns: "postgres://test"},
		Redis:       config.RedisConfig{Dns: "localhost:6379"},
		Yodeck:      config.YodeckConfig{BaseURL: "https://yodeck.invalid/api/v2", Token: "token", AuthScheme: "Token"},
		Outbox: config.OutboxConfig{
			WorkerIntervalSec:    30,
			BatchSize:            10,
			MaxAttempts:          5,
			StuckThresholdMin:    30,
			ProcessingTimeoutSec: 60,
		},
		Sync: config.SyncConfig{
			InstanceID:           "test-instance",
			LockTimeoutSec:       900,
			ReconcileIntervalSec: 900,
		},
		Content: config.ContentConfig{
			AutopilotTag:        "elevizion-autopilot",
			DefaultItemDuration: 15,
		},
		Publish: config.PublishConfig{
			FFmpegPath:          "ffmpeg",
			FFprobePath:         "ffprobe",
			MaxWidth:            1920,
			MaxHeight:           1080,
			UploadPollAttempts:  3,
			VerifyAttempts:      3,
			TranscodeTimeoutSec: 60,
		},
		Locks: config.LockConfig{
			DefaultTTLSec:      60,
			MaxWaitSec:         5,
			SweepIntervalSec:   60,
			PollIntervalMillis: 5,
		},
		Queue: config.QueueConfig{
			OutboxQueue:    "outbox:process_batch",
			ReconcileQueue: "content:reconcile",
			PublishQueue:   "media:publish",
			Concurrency:    2,
		},
	}
}

// testClock is a settable clock safe for concurrent use.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestEngine(t *testing.T, ds *mocks.MockDataSource, remote *fakeRemote, cfg *config.Configuration, opts ...Option) *Elevizion {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	config.MockConfig(cfg)
	if remote == nil {
		remote = newFakeRemote()
	}
	e, err := NewElevizion(ds, remote, opts...)
	require.NoError(t, err)
	return e
}
