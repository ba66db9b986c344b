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
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/elevizion/elevizion/config"
	"github.com/elevizion/elevizion/database"
	"github.com/elevizion/elevizion/internal/apierror"
	"github.com/elevizion/elevizion/internal/metrics"
)

// Sync classes guarded by a distributed lock. yodeck_sync is reserved for a
// full platform inventory sync; operators can already inspect and break it.
const (
	SyncLockYodeck           = "yodeck_sync"
	SyncLockContentReconcile = "content_reconcile"
	SyncLockOutboxWorker     = "outbox_worker"
	SyncLockPublishRetry     = "publish_retry"
)

// SyncLockClasses lists every known sync class.
var SyncLockClasses = []string{SyncLockYodeck, SyncLockContentReconcile, SyncLockOutboxWorker, SyncLockPublishRetry}

func IsSyncLockClass(lockID string) bool {
	for _, c := range SyncLockClasses {
		if c == lockID {
			return true
		}
	}
	return false
}

// SyncLocker serialises periodic jobs across server instances using a row per
// sync class. It is not meant for per-request critical sections.
type SyncLocker struct {
	ds         database.IDataSource
	cfg        *config.Configuration
	instanceID string
	now        func() time.Time
}

type AcquireOptions struct {
	Timeout           time.Duration
	SkipIntervalCheck bool
}

// AcquireResult reports the outcome of Acquire. Owner identifies this
// acquisition and must be passed back to Release.
type AcquireResult struct {
	OK          bool   `json:"ok"`
	Owner       string `json:"owner,omitempty"`
	Reason      string `json:"reason,omitempty"`
	WasStale    bool   `json:"was_stale,omitempty"`
	RemainingMs int64  `json:"remaining_ms,omitempty"`
}

type ReleaseOptions struct {
	Owner   string
	Success bool
	Err     error
}

// SyncLockStatus is the diagnostic view of one lock row.
type SyncLockStatus struct {
	LockID        string     `json:"lock_id"`
	Exists        bool       `json:"exists"`
	Active        bool       `json:"active"`
	Stale         bool       `json:"stale"`
	LockedBy      string     `json:"locked_by,omitempty"`
	LockedAt      *time.Time `json:"locked_at,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	RemainingMs   int64      `json:"remaining_ms,omitempty"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	RetryCount    int        `json:"retry_count"`
	MinIntervalMs int64      `json:"min_interval_ms"`
}

func NewSyncLocker(ds database.IDataSource, cfg *config.Configuration, now func() time.Time) *SyncLocker {
	if now == nil {
		now = time.Now
	}
	return &SyncLocker{ds: ds, cfg: cfg, instanceID: cfg.Sync.InstanceID, now: now}
}

func (s *SyncLocker) minInterval(lockID string) time.Duration {
	return time.Duration(s.cfg.MinInterval(lockID)) * time.Second
}

func (s *SyncLocker) lockTimeout(opts AcquireOptions) time.Duration {
	if opts.Timeout > 0 {
		return opts.Timeout
	}
	return time.Duration(s.cfg.Sync.LockTimeoutSec) * time.Second
}

func (s *SyncLocker) deny(lockID, reason, metricReason string, remaining time.Duration) AcquireResult {
	metrics.SyncLockDenied.WithLabelValues(lockID, metricReason).Inc()
	logrus.WithFields(logrus.Fields{
		"lock_id":     lockID,
		"instance_id": s.instanceID,
		"reason":      reason,
	}).Debug("sync lock denied")
	return AcquireResult{OK: false, Reason: reason, RemainingMs: remaining.Milliseconds()}
}

// Acquire takes the lock for this instance. An active lock held by anyone is
// denied with its remaining time. A lock left locked past its expiry is
// taken over. Unless SkipIntervalCheck is set, the lock is also denied
// while the last successful run is younger than the class minimum interval.
func (s *SyncLocker) Acquire(ctx context.Context, lockID string, opts AcquireOptions) (AcquireResult, error) {
	ctx, span := tracer.Start(ctx, "SyncLocker.Acquire")
	defer span.End()

	timeout := s.lockTimeout(opts)
	now := s.now()
	current, err := s.ds.GetSyncLock(ctx, lockID)
	if err != nil {
		return AcquireResult{}, err
	}

	var result AcquireResult
	if current != nil {
		if current.IsActive(now) {
			remaining := current.ExpiresAt.Sub(now)
			return s.deny(lockID, fmt.Sprintf("locked by %s, expires in %ds", current.LockedBy, int(remaining.Seconds())), "held", remaining), nil
		}
		if current.IsStale(now) {
			// TryLockSync takes over an expired row in one statement, so the
			// stale lock is never cleared separately. Two instances that both
			// saw it stale race on that single write.
			logrus.WithFields(logrus.Fields{
				"lock_id":    lockID,
				"locked_by":  current.LockedBy,
				"expired_at": current.ExpiresAt,
			}).Warn("taking over stale sync lock")
			result.WasStale = true
		}
		if !opts.SkipIntervalCheck && current.LastSuccessAt != nil {
			minInterval := s.minInterval(lockID)
			since := now.Sub(*current.LastSuccessAt)
			if since < minInterval {
				res := s.deny(lockID, fmt.Sprintf("last success %ds ago, minimum interval is %ds",
					int(since.Seconds()), int(minInterval.Seconds())), "interval", minInterval-since)
				res.WasStale = result.WasStale
				return res, nil
			}
		}
	}

	owner := s.instanceID + ":" + uuid.NewString()
	won, err := s.ds.TryLockSync(ctx, lockID, owner, now, now.Add(timeout))
	if err != nil {
		return AcquireResult{}, err
	}
	if !won {
		res := s.deny(lockID, "lock taken by another instance", "race", 0)
		res.WasStale = result.WasStale
		return res, nil
	}

	logrus.WithFields(logrus.Fields{
		"lock_id":    lockID,
		"owner":      owner,
		"expires_in": timeout.String(),
		"was_stale":  result.WasStale,
	}).Info("sync lock acquired")
	result.OK = true
	result.Owner = owner
	return result, nil
}

// Release frees the lock and records the outcome of the run. When the lock
// expired and was taken by another owner in the meantime, the row is left
// untouched and the outcome is only logged.
func (s *SyncLocker) Release(ctx context.Context, lockID string, opts ReleaseOptions) error {
	ctx, span := tracer.Start(ctx, "SyncLocker.Release")
	defer span.End()

	if opts.Owner == "" {
		return apierror.NewAPIError(apierror.ErrInvalidInput, "sync lock owner is required", nil)
	}
	success := opts.Success && opts.Err == nil
	errMsg := ""
	if opts.Err != nil {
		errMsg = opts.Err.Error()
	}
	released, err := s.ds.ReleaseSyncLock(ctx, lockID, opts.Owner, success, errMsg, s.now())
	if err != nil {
		return err
	}
	if !released {
		logrus.WithFields(logrus.Fields{
			"lock_id": lockID,
			"owner":   opts.Owner,
			"success": success,
		}).Warn("sync lock was no longer held at release, outcome not recorded")
	}
	return nil
}

// ForceBreak clears the lock regardless of its holder. Operators use it when
// a holder is known to be gone before its expiry.
func (s *SyncLocker) ForceBreak(ctx context.Context, lockID string) error {
	logrus.WithFields(logrus.Fields{
		"lock_id":     lockID,
		"instance_id": s.instanceID,
	}).Warn("force breaking sync lock")
	return s.ds.ClearSyncLock(ctx, lockID, s.now())
}

func (s *SyncLocker) Status(ctx context.Context, lockID string) (*SyncLockStatus, error) {
	current, err := s.ds.GetSyncLock(ctx, lockID)
	if err != nil {
		return nil, err
	}

	status := &SyncLockStatus{LockID: lockID, MinIntervalMs: s.minInterval(lockID).Milliseconds()}
	if current == nil {
		return status, nil
	}

	now := s.now()
	status.Exists = true
	status.Active = current.IsActive(now)
	status.Stale = current.IsStale(now)
	status.LockedBy = current.LockedBy
	status.LockedAt = current.LockedAt
	status.ExpiresAt = current.ExpiresAt
	status.LastSuccessAt = current.LastSuccessAt
	status.LastError = current.LastError
	status.RetryCount = current.RetryCount
	if status.Active {
		status.RemainingMs = current.ExpiresAt.Sub(now).Milliseconds()
	}
	return status, nil
}

// RunExclusive runs fn only if the lock can be acquired and releases it with
// fn's outcome. A denied acquisition is not an error; the result says why.
// fn's context expires with the lock, so a run never outlives its lease.
func (s *SyncLocker) RunExclusive(ctx context.Context, lockID string, opts AcquireOptions, fn func(ctx context.Context) error) (res AcquireResult, err error) {
	res, err = s.Acquire(ctx, lockID, opts)
	if err != nil || !res.OK {
		return res, err
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sync job %s panicked: %v", lockID, r)
		}
		rel := ReleaseOptions{Owner: res.Owner, Success: err == nil, Err: err}
		if relErr := s.Release(context.WithoutCancel(ctx), lockID, rel); relErr != nil {
			logrus.WithError(relErr).WithField("lock_id", lockID).Error("failed to release sync lock")
		}
	}()

	fnCtx, cancel := context.WithTimeout(ctx, s.lockTimeout(opts))
	defer cancel()
	err = fn(fnCtx)
	return res, err
}
