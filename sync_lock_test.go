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
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/wacul/ptr"

	"github.com/elevizion/elevizion/database/mocks"
	"github.com/elevizion/elevizion/internal/apierror"
	"github.com/elevizion/elevizion/model"
)

func newTestSyncLocker(ds *mocks.MockDataSource, clock *testClock) *SyncLocker {
	return NewSyncLocker(ds, testConfig(), clock.Now)
}

// ownedBy matches a per-acquisition owner token of the given instance.
func ownedBy(instanceID string) interface{} {
	return mock.MatchedBy(func(owner string) bool {
		return strings.HasPrefix(owner, instanceID+":") && len(owner) > len(instanceID)+1
	})
}

func TestSyncLocker_AcquireFree(t *testing.T) {
	clock := newTestClock()
	ds := new(mocks.MockDataSource)
	s := newTestSyncLocker(ds, clock)
	now := clock.Now()

	ds.On("GetSyncLock", mock.Anything, SyncLockYodeck).Return(nil, nil)
	ds.On("TryLockSync", mock.Anything, SyncLockYodeck, ownedBy("test-instance"), now, now.Add(900*time.Second)).Return(true, nil)

	res, err := s.Acquire(context.Background(), SyncLockYodeck, AcquireOptions{})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.False(t, res.WasStale)
	assert.True(t, strings.HasPrefix(res.Owner, "test-instance:"))
	ds.AssertExpectations(t)
}

func TestSyncLocker_BreaksStaleLock(t *testing.T) {
	clock := newTestClock()
	ds := new(mocks.MockDataSource)
	s := newTestSyncLocker(ds, clock)
	now := clock.Now()

	stale := &model.SyncLock{
		LockID:        SyncLockYodeck,
		Locked:        true,
		LockedBy:      "crashed-instance",
		LockedAt:      ptr.Time(now.Add(-20 * time.Minute)),
		ExpiresAt:     ptr.Time(now.Add(-5 * time.Minute)),
		LastSuccessAt: ptr.Time(now.Add(-2 * time.Hour)),
	}
	ds.On("GetSyncLock", mock.Anything, SyncLockYodeck).Return(stale, nil)
	ds.On("TryLockSync", mock.Anything, SyncLockYodeck, ownedBy("test-instance"), now, mock.Anything).Return(true, nil)

	res, err := s.Acquire(context.Background(), SyncLockYodeck, AcquireOptions{})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.True(t, res.WasStale)
	ds.AssertNotCalled(t, "ClearSyncLock", mock.Anything, mock.Anything, mock.Anything)
	ds.AssertExpectations(t)
}

func TestSyncLocker_StaleTakeoverRace(t *testing.T) {
	clock := newTestClock()
	now := clock.Now()
	stale := &model.SyncLock{
		LockID:    SyncLockYodeck,
		Locked:    true,
		LockedBy:  "crashed-instance",
		LockedAt:  ptr.Time(now.Add(-20 * time.Minute)),
		ExpiresAt: ptr.Time(now.Add(-5 * time.Minute)),
	}

	// Both instances read the same stale row before either writes. The
	// conditional upsert lets only the first write through.
	ds := new(mocks.MockDataSource)
	var bothRead sync.WaitGroup
	bothRead.Add(2)
	ds.On("GetSyncLock", mock.Anything, SyncLockYodeck).
		Run(func(mock.Arguments) {
			bothRead.Done()
			bothRead.Wait()
		}).
		Return(stale, nil)
	ds.On("TryLockSync", mock.Anything, SyncLockYodeck, mock.Anything, now, mock.Anything).Return(true, nil).Once()
	ds.On("TryLockSync", mock.Anything, SyncLockYodeck, mock.Anything, now, mock.Anything).Return(false, nil).Once()

	cfgA, cfgB := testConfig(), testConfig()
	cfgA.Sync.InstanceID = "api-a"
	cfgB.Sync.InstanceID = "api-b"
	lockers := []*SyncLocker{NewSyncLocker(ds, cfgA, clock.Now), NewSyncLocker(ds, cfgB, clock.Now)}

	results := make([]AcquireResult, len(lockers))
	var wg sync.WaitGroup
	for i, s := range lockers {
		wg.Add(1)
		go func(i int, s *SyncLocker) {
			defer wg.Done()
			res, err := s.Acquire(context.Background(), SyncLockYodeck, AcquireOptions{})
			assert.NoError(t, err)
			results[i] = res
		}(i, s)
	}
	wg.Wait()

	won := 0
	for _, res := range results {
		assert.True(t, res.WasStale)
		if res.OK {
			won++
			assert.NotEmpty(t, res.Owner)
		} else {
			assert.Equal(t, "lock taken by another instance", res.Reason)
		}
	}
	assert.Equal(t, 1, won)
	ds.AssertNumberOfCalls(t, "TryLockSync", 2)
	ds.AssertNotCalled(t, "ClearSyncLock", mock.Anything, mock.Anything, mock.Anything)
}

func TestSyncLocker_OwnerIsUniquePerAcquisition(t *testing.T) {
	clock := newTestClock()
	ds := new(mocks.MockDataSource)
	s := newTestSyncLocker(ds, clock)

	var owners []string
	ds.On("GetSyncLock", mock.Anything, SyncLockYodeck).Return(nil, nil)
	ds.On("TryLockSync", mock.Anything, SyncLockYodeck, ownedBy("test-instance"), mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { owners = append(owners, args.String(2)) }).
		Return(true, nil)

	first, err := s.Acquire(context.Background(), SyncLockYodeck, AcquireOptions{SkipIntervalCheck: true})
	require.NoError(t, err)
	second, err := s.Acquire(context.Background(), SyncLockYodeck, AcquireOptions{SkipIntervalCheck: true})
	require.NoError(t, err)

	assert.Equal(t, []string{first.Owner, second.Owner}, owners)
	assert.NotEqual(t, first.Owner, second.Owner)
}

func TestSyncLocker_Release(t *testing.T) {
	clock := newTestClock()

	t.Run("records outcome while held", func(t *testing.T) {
		ds := new(mocks.MockDataSource)
		s := newTestSyncLocker(ds, clock)
		ds.On("ReleaseSyncLock", mock.Anything, SyncLockYodeck, "test-instance:abc", false, "remote down", clock.Now()).Return(true, nil).Once()

		err := s.Release(context.Background(), SyncLockYodeck, ReleaseOptions{Owner: "test-instance:abc", Err: errors.New("remote down")})
		require.NoError(t, err)
		ds.AssertExpectations(t)
	})

	t.Run("taken over after expiry", func(t *testing.T) {
		ds := new(mocks.MockDataSource)
		s := newTestSyncLocker(ds, clock)
		ds.On("ReleaseSyncLock", mock.Anything, SyncLockYodeck, "test-instance:abc", true, "", clock.Now()).Return(false, nil).Once()

		err := s.Release(context.Background(), SyncLockYodeck, ReleaseOptions{Owner: "test-instance:abc", Success: true})
		require.NoError(t, err)
		ds.AssertNotCalled(t, "ClearSyncLock", mock.Anything, mock.Anything, mock.Anything)
		ds.AssertExpectations(t)
	})

	t.Run("owner required", func(t *testing.T) {
		ds := new(mocks.MockDataSource)
		s := newTestSyncLocker(ds, clock)

		err := s.Release(context.Background(), SyncLockYodeck, ReleaseOptions{Success: true})
		require.Error(t, err)
		assert.Equal(t, apierror.ErrInvalidInput, apierror.CodeOf(err))
		ds.AssertNotCalled(t, "ReleaseSyncLock", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("store error", func(t *testing.T) {
		ds := new(mocks.MockDataSource)
		s := newTestSyncLocker(ds, clock)
		ds.On("ReleaseSyncLock", mock.Anything, SyncLockYodeck, "test-instance:abc", true, "", mock.Anything).Return(false, errors.New("connection reset"))

		err := s.Release(context.Background(), SyncLockYodeck, ReleaseOptions{Owner: "test-instance:abc", Success: true})
		assert.EqualError(t, err, "connection reset")
	})
}

func TestSyncLocker_ActiveLockDenied(t *testing.T) {
	clock := newTestClock()
	ds := new(mocks.MockDataSource)
	s := newTestSyncLocker(ds, clock)
	now := clock.Now()

	ds.On("GetSyncLock", mock.Anything, SyncLockYodeck).Return(&model.SyncLock{
		LockID:    SyncLockYodeck,
		Locked:    true,
		LockedBy:  "other-instance",
		ExpiresAt: ptr.Time(now.Add(90 * time.Second)),
	}, nil)

	res, err := s.Acquire(context.Background(), SyncLockYodeck, AcquireOptions{SkipIntervalCheck: true})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, "locked by other-instance, expires in 90s", res.Reason)
	assert.Equal(t, int64(90000), res.RemainingMs)
	ds.AssertNotCalled(t, "TryLockSync", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSyncLocker_MinInterval(t *testing.T) {
	clock := newTestClock()
	now := clock.Now()
	lastRun := &model.SyncLock{
		LockID:        SyncLockYodeck,
		LastSuccessAt: ptr.Time(now.Add(-100 * time.Second)),
	}

	t.Run("denied inside interval", func(t *testing.T) {
		ds := new(mocks.MockDataSource)
		s := newTestSyncLocker(ds, clock)
		ds.On("GetSyncLock", mock.Anything, SyncLockYodeck).Return(lastRun, nil)

		res, err := s.Acquire(context.Background(), SyncLockYodeck, AcquireOptions{})
		require.NoError(t, err)
		assert.False(t, res.OK)
		assert.Contains(t, res.Reason, "minimum interval is 300s")
		assert.Equal(t, int64(200000), res.RemainingMs)
	})

	t.Run("skip interval check", func(t *testing.T) {
		ds := new(mocks.MockDataSource)
		s := newTestSyncLocker(ds, clock)
		ds.On("GetSyncLock", mock.Anything, SyncLockYodeck).Return(lastRun, nil)
		ds.On("TryLockSync", mock.Anything, SyncLockYodeck, ownedBy("test-instance"), now, mock.Anything).Return(true, nil)

		res, err := s.Acquire(context.Background(), SyncLockYodeck, AcquireOptions{SkipIntervalCheck: true})
		require.NoError(t, err)
		assert.True(t, res.OK)
	})
}

func TestSyncLocker_LostRace(t *testing.T) {
	clock := newTestClock()
	ds := new(mocks.MockDataSource)
	s := newTestSyncLocker(ds, clock)

	ds.On("GetSyncLock", mock.Anything, SyncLockOutboxWorker).Return(nil, nil)
	ds.On("TryLockSync", mock.Anything, SyncLockOutboxWorker, ownedBy("test-instance"), mock.Anything, mock.Anything).Return(false, nil)

	res, err := s.Acquire(context.Background(), SyncLockOutboxWorker, AcquireOptions{})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, "lock taken by another instance", res.Reason)
}

func TestSyncLocker_AcquireStoreError(t *testing.T) {
	ds := new(mocks.MockDataSource)
	s := newTestSyncLocker(ds, newTestClock())
	ds.On("GetSyncLock", mock.Anything, SyncLockYodeck).Return(nil, errors.New("connection refused"))

	_, err := s.Acquire(context.Background(), SyncLockYodeck, AcquireOptions{})
	assert.EqualError(t, err, "connection refused")
}

func TestSyncLocker_RunExclusive(t *testing.T) {
	clock := newTestClock()

	t.Run("releases with success", func(t *testing.T) {
		ds := new(mocks.MockDataSource)
		s := newTestSyncLocker(ds, clock)
		ds.On("GetSyncLock", mock.Anything, SyncLockPublishRetry).Return(nil, nil)
		ds.On("TryLockSync", mock.Anything, SyncLockPublishRetry, mock.Anything, mock.Anything, mock.Anything).Return(true, nil)
		ds.On("ReleaseSyncLock", mock.Anything, SyncLockPublishRetry, ownedBy("test-instance"), true, "", clock.Now()).Return(true, nil).Once()

		ran := false
		res, err := s.RunExclusive(context.Background(), SyncLockPublishRetry, AcquireOptions{}, func(ctx context.Context) error {
			ran = true
			return nil
		})
		require.NoError(t, err)
		assert.True(t, res.OK)
		assert.True(t, ran)
		ds.AssertExpectations(t)
	})

	t.Run("releases with error", func(t *testing.T) {
		ds := new(mocks.MockDataSource)
		s := newTestSyncLocker(ds, clock)
		ds.On("GetSyncLock", mock.Anything, SyncLockPublishRetry).Return(nil, nil)
		ds.On("TryLockSync", mock.Anything, SyncLockPublishRetry, mock.Anything, mock.Anything, mock.Anything).Return(true, nil)
		ds.On("ReleaseSyncLock", mock.Anything, SyncLockPublishRetry, ownedBy("test-instance"), false, "remote down", mock.Anything).Return(true, nil).Once()

		_, err := s.RunExclusive(context.Background(), SyncLockPublishRetry, AcquireOptions{}, func(ctx context.Context) error {
			return errors.New("remote down")
		})
		assert.EqualError(t, err, "remote down")
		ds.AssertExpectations(t)
	})

	t.Run("recovers panic", func(t *testing.T) {
		ds := new(mocks.MockDataSource)
		s := newTestSyncLocker(ds, clock)
		ds.On("GetSyncLock", mock.Anything, SyncLockPublishRetry).Return(nil, nil)
		ds.On("TryLockSync", mock.Anything, SyncLockPublishRetry, mock.Anything, mock.Anything, mock.Anything).Return(true, nil)
		ds.On("ReleaseSyncLock", mock.Anything, SyncLockPublishRetry, ownedBy("test-instance"), false, mock.AnythingOfType("string"), mock.Anything).Return(true, nil).Once()

		_, err := s.RunExclusive(context.Background(), SyncLockPublishRetry, AcquireOptions{}, func(ctx context.Context) error {
			panic("nil map")
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "panicked: nil map")
		ds.AssertExpectations(t)
	})

	t.Run("denied does not run", func(t *testing.T) {
		ds := new(mocks.MockDataSource)
		s := newTestSyncLocker(ds, clock)
		ds.On("GetSyncLock", mock.Anything, SyncLockPublishRetry).Return(nil, nil)
		ds.On("TryLockSync", mock.Anything, SyncLockPublishRetry, mock.Anything, mock.Anything, mock.Anything).Return(false, nil)

		res, err := s.RunExclusive(context.Background(), SyncLockPublishRetry, AcquireOptions{}, func(ctx context.Context) error {
			t.Fatal("must not run")
			return nil
		})
		require.NoError(t, err)
		assert.False(t, res.OK)
		ds.AssertNotCalled(t, "ReleaseSyncLock", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("run is bounded by the lock timeout", func(t *testing.T) {
		ds := new(mocks.MockDataSource)
		s := newTestSyncLocker(ds, clock)
		ds.On("GetSyncLock", mock.Anything, SyncLockPublishRetry).Return(nil, nil)
		ds.On("TryLockSync", mock.Anything, SyncLockPublishRetry, mock.Anything, mock.Anything, mock.Anything).Return(true, nil)
		ds.On("ReleaseSyncLock", mock.Anything, SyncLockPublishRetry, mock.Anything, false, context.DeadlineExceeded.Error(), mock.Anything).Return(true, nil).Once()

		_, err := s.RunExclusive(context.Background(), SyncLockPublishRetry, AcquireOptions{Timeout: 20 * time.Millisecond}, func(ctx context.Context) error {
			deadline, ok := ctx.Deadline()
			assert.True(t, ok)
			assert.WithinDuration(t, time.Now().Add(20*time.Millisecond), deadline, 20*time.Millisecond)
			<-ctx.Done()
			return ctx.Err()
		})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		ds.AssertExpectations(t)
	})
}

func TestSyncLocker_Status(t *testing.T) {
	clock := newTestClock()
	ds := new(mocks.MockDataSource)
	s := newTestSyncLocker(ds, clock)
	now := clock.Now()

	ds.On("GetSyncLock", mock.Anything, SyncLockContentReconcile).Return(&model.SyncLock{
		LockID:    SyncLockContentReconcile,
		Locked:    true,
		LockedBy:  "gone",
		ExpiresAt: ptr.Time(now.Add(-time.Second)),
	}, nil)

	status, err := s.Status(context.Background(), SyncLockContentReconcile)
	require.NoError(t, err)
	assert.True(t, status.Exists)
	assert.True(t, status.Stale)
	assert.False(t, status.Active)
	assert.Equal(t, int64(600000), status.MinIntervalMs)
}
