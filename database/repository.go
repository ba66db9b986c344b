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

package database

import (
	"context"
	"encoding/json"
	"time"

	"github.com/elevizion/elevizion/model"
)

// IDataSource defines the interface for data source operations, grouping related functionalities.
type IDataSource interface {
	location     // Locations and their canonical content ids
	outbox       // Durable external-write queue
	syncLock     // Cross-instance periodic job locks
	asset        // Advertiser media and its remote mapping
	entitySync   // Denormalized per-entity sync state
	publishTrace // Publish pipeline audit records
}

type location interface {
	GetLocation(ctx context.Context, id string) (*model.Location, error)
	GetLiveLocations(ctx context.Context) ([]model.Location, error)
	// GetLocationsNeedingRepair returns live locations with a screen whose
	// content ids are incomplete, whose layout mode is not LAYOUT, or whose
	// last reconciliation failed or is older than staleBefore.
	GetLocationsNeedingRepair(ctx context.Context, staleBefore time.Time) ([]model.Location, error)
	UpdateLocationContent(ctx context.Context, id string, content model.LocationContent) error
	RecordReconcileError(ctx context.Context, id string, msg string, at time.Time) error
}

type outbox interface {
	GetOutboxJob(ctx context.Context, jobID string) (*model.OutboxJob, error)
	GetOutboxJobByKey(ctx context.Context, idempotencyKey string) (*model.OutboxJob, error)
	// InsertOutboxJob inserts job unless its idempotency key exists and
	// reports whether a row was written.
	InsertOutboxJob(ctx context.Context, job *model.OutboxJob) (bool, error)
	// RearmOutboxJob resets a terminal job to queued with a new payload. It
	// returns nil when the job was not terminal.
	RearmOutboxJob(ctx context.Context, jobID string, payload json.RawMessage, maxAttempts int, now time.Time) (*model.OutboxJob, error)
	// ClaimNextOutboxJob moves the oldest due queued job to processing and
	// returns it, or nil when nothing is due. Rows claimed by another worker
	// are skipped.
	ClaimNextOutboxJob(ctx context.Context, now time.Time) (*model.OutboxJob, error)
	// The mark methods take the claimed job's UpdatedAt as its lease and
	// return a CONFLICT apierror when the lease was lost.
	MarkOutboxJobSucceeded(ctx context.Context, jobID string, leasedAt time.Time, externalID string, response json.RawMessage, at time.Time) error
	RequeueOutboxJob(ctx context.Context, jobID string, leasedAt time.Time, lastError string, attempts int, nextRetryAt time.Time) error
	FailOutboxJob(ctx context.Context, jobID string, leasedAt time.Time, lastError string, attempts int, at time.Time) error
	RetryFailedOutboxJobs(ctx context.Context, provider string, now time.Time) (int64, error)
	GetLatestOutboxJobsForEntity(ctx context.Context, entityType, entityID string) ([]model.OutboxJob, error)
	GetOutboxStats(ctx context.Context, now time.Time) (*model.OutboxStats, error)
	ResetStuckOutboxJobs(ctx context.Context, olderThan, now time.Time) (int64, error)
}

type syncLock interface {
	// GetSyncLock returns nil without error when the lock row does not exist.
	GetSyncLock(ctx context.Context, lockID string) (*model.SyncLock, error)
	// ClearSyncLock frees the lock whoever holds it. Only operator breaks use it.
	ClearSyncLock(ctx context.Context, lockID string, at time.Time) error
	// TryLockSync upserts the row to locked unless another holder's lock is
	// still active, and reports whether it won.
	TryLockSync(ctx context.Context, lockID, owner string, now, expiresAt time.Time) (bool, error)
	// ReleaseSyncLock frees the lock only while owner still holds it and
	// reports whether it did.
	ReleaseSyncLock(ctx context.Context, lockID, owner string, success bool, errMsg string, at time.Time) (bool, error)
}

type asset interface {
	GetAsset(ctx context.Context, id string) (*model.Asset, error)
	GetLatestApprovedAsset(ctx context.Context, advertiserID string) (*model.Asset, error)
	// GetLinkableAssetsForLocation follows location -> placement -> contract
	// -> advertiser and returns approved, non-superseded assets with a
	// remote media id.
	GetLinkableAssetsForLocation(ctx context.Context, locationID string, now time.Time) ([]model.Asset, error)
	UpdateAssetMedia(ctx context.Context, assetID string, mediaID int64, normalizedPath string) error
}

type entitySync interface {
	UpsertEntitySyncStatus(ctx context.Context, status model.EntitySyncStatus) error
	GetEntitySyncStatuses(ctx context.Context, entityType, entityID string) ([]model.EntitySyncStatus, error)
}

type publishTrace interface {
	SavePublishTrace(ctx context.Context, trace *model.PublishTrace) error
	GetPublishTrace(ctx context.Context, traceID string) (*model.PublishTrace, error)
	GetPublishTracesForAsset(ctx context.Context, assetID string, limit int) ([]model.PublishTrace, error)
}
