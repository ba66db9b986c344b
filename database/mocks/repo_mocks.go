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

package mocks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/elevizion/elevizion/model"
	"github.com/stretchr/testify/mock"
)

// MockDataSource is a mock implementation of the IDataSource interface
type MockDataSource struct {
	mock.Mock
}

// Location methods

func (m *MockDataSource) GetLocation(ctx context.Context, id string) (*model.Location, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Location), args.Error(1)
}

func (m *MockDataSource) GetLiveLocations(ctx context.Context) ([]model.Location, error) {
	args := m.Called(ctx)
	return args.Get(0).([]model.Location), args.Error(1)
}

func (m *MockDataSource) GetLocationsNeedingRepair(ctx context.Context, staleBefore time.Time) ([]model.Location, error) {
	args := m.Called(ctx, staleBefore)
	return args.Get(0).([]model.Location), args.Error(1)
}

func (m *MockDataSource) UpdateLocationContent(ctx context.Context, id string, content model.LocationContent) error {
	args := m.Called(ctx, id, content)
	return args.Error(0)
}

func (m *MockDataSource) RecordReconcileError(ctx context.Context, id string, msg string, at time.Time) error {
	args := m.Called(ctx, id, msg, at)
	return args.Error(0)
}

// Outbox methods

func (m *MockDataSource) GetOutboxJob(ctx context.Context, jobID string) (*model.OutboxJob, error) {
	args := m.Called(ctx, jobID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.OutboxJob), args.Error(1)
}

func (m *MockDataSource) GetOutboxJobByKey(ctx context.Context, idempotencyKey string) (*model.OutboxJob, error) {
	args := m.Called(ctx, idempotencyKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.OutboxJob), args.Error(1)
}

func (m *MockDataSource) InsertOutboxJob(ctx context.Context, job *model.OutboxJob) (bool, error) {
	args := m.Called(ctx, job)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) RearmOutboxJob(ctx context.Context, jobID string, payload json.RawMessage, maxAttempts int, now time.Time) (*model.OutboxJob, error) {
	args := m.Called(ctx, jobID, payload, maxAttempts, now)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.OutboxJob), args.Error(1)
}

func (m *MockDataSource) ClaimNextOutboxJob(ctx context.Context, now time.Time) (*model.OutboxJob, error) {
	args := m.Called(ctx, now)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.OutboxJob), args.Error(1)
}

func (m *MockDataSource) MarkOutboxJobSucceeded(ctx context.Context, jobID string, leasedAt time.Time, externalID string, response json.RawMessage, at time.Time) error {
	args := m.Called(ctx, jobID, leasedAt, externalID, response, at)
	return args.Error(0)
}

func (m *MockDataSource) RequeueOutboxJob(ctx context.Context, jobID string, leasedAt time.Time, lastError string, attempts int, nextRetryAt time.Time) error {
	args := m.Called(ctx, jobID, leasedAt, lastError, attempts, nextRetryAt)
	return args.Error(0)
}

func (m *MockDataSource) FailOutboxJob(ctx context.Context, jobID string, leasedAt time.Time, lastError string, attempts int, at time.Time) error {
	args := m.Called(ctx, jobID, leasedAt, lastError, attempts, at)
	return args.Error(0)
}

func (m *MockDataSource) RetryFailedOutboxJobs(ctx context.Context, provider string, now time.Time) (int64, error) {
	args := m.Called(ctx, provider, now)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockDataSource) GetLatestOutboxJobsForEntity(ctx context.Context, entityType, entityID string) ([]model.OutboxJob, error) {
	args := m.Called(ctx, entityType, entityID)
	return args.Get(0).([]model.OutboxJob), args.Error(1)
}

func (m *MockDataSource) GetOutboxStats(ctx context.Context, now time.Time) (*model.OutboxStats, error) {
	args := m.Called(ctx, now)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.OutboxStats), args.Error(1)
}

func (m *MockDataSource) ResetStuckOutboxJobs(ctx context.Context, olderThan, now time.Time) (int64, error) {
	args := m.Called(ctx, olderThan, now)
	return args.Get(0).(int64), args.Error(1)
}

// Sync lock methods

func (m *MockDataSource) GetSyncLock(ctx context.Context, lockID string) (*model.SyncLock, error) {
	args := m.Called(ctx, lockID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.SyncLock), args.Error(1)
}

func (m *MockDataSource) ClearSyncLock(ctx context.Context, lockID string, at time.Time) error {
	args := m.Called(ctx, lockID, at)
	return args.Error(0)
}

func (m *MockDataSource) TryLockSync(ctx context.Context, lockID, owner string, now, expiresAt time.Time) (bool, error) {
	args := m.Called(ctx, lockID, owner, now, expiresAt)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) ReleaseSyncLock(ctx context.Context, lockID, owner string, success bool, errMsg string, at time.Time) (bool, error) {
	args := m.Called(ctx, lockID, owner, success, errMsg, at)
	return args.Bool(0), args.Error(1)
}

// Asset methods

func (m *MockDataSource) GetAsset(ctx context.Context, id string) (*model.Asset, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Asset), args.Error(1)
}

func (m *MockDataSource) GetLatestApprovedAsset(ctx context.Context, advertiserID string) (*model.Asset, error) {
	args := m.Called(ctx, advertiserID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Asset), args.Error(1)
}

func (m *MockDataSource) GetLinkableAssetsForLocation(ctx context.Context, locationID string, now time.Time) ([]model.Asset, error) {
	args := m.Called(ctx, locationID, now)
	return args.Get(0).([]model.Asset), args.Error(1)
}

func (m *MockDataSource) UpdateAssetMedia(ctx context.Context, assetID string, mediaID int64, normalizedPath string) error {
	args := m.Called(ctx, assetID, mediaID, normalizedPath)
	return args.Error(0)
}

// Entity sync methods

func (m *MockDataSource) UpsertEntitySyncStatus(ctx context.Context, status model.EntitySyncStatus) error {
	args := m.Called(ctx, status)
	return args.Error(0)
}

func (m *MockDataSource) GetEntitySyncStatuses(ctx context.Context, entityType, entityID string) ([]model.EntitySyncStatus, error) {
	args := m.Called(ctx, entityType, entityID)
	return args.Get(0).([]model.EntitySyncStatus), args.Error(1)
}

// Publish trace methods

func (m *MockDataSource) SavePublishTrace(ctx context.Context, trace *model.PublishTrace) error {
	args := m.Called(ctx, trace)
	return args.Error(0)
}

func (m *MockDataSource) GetPublishTrace(ctx context.Context, traceID string) (*model.PublishTrace, error) {
	args := m.Called(ctx, traceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.PublishTrace), args.Error(1)
}

func (m *MockDataSource) GetPublishTracesForAsset(ctx context.Context, assetID string, limit int) ([]model.PublishTrace, error) {
	args := m.Called(ctx, assetID, limit)
	return args.Get(0).([]model.PublishTrace), args.Error(1)
}
