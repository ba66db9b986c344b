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
	"database/sql"
	"errors"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/elevizion/elevizion/internal/apierror"
	"github.com/elevizion/elevizion/model"
)

func (d Datasource) GetSyncLock(ctx context.Context, lockID string) (*model.SyncLock, error) {
	ctx, span := otel.Tracer("elevizion.database").Start(ctx, "GetSyncLock")
	defer span.End()

	l := &model.SyncLock{}
	err := d.Conn.QueryRowContext(ctx, `
		SELECT lock_id, locked, locked_at, locked_by, expires_at, last_success_at, last_error, retry_count, updated_at
		FROM elevizion.sync_locks
		WHERE lock_id = $1`, lockID).
		Scan(&l.LockID, &l.Locked, &l.LockedAt, &l.LockedBy, &l.ExpiresAt, &l.LastSuccessAt, &l.LastError, &l.RetryCount, &l.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve sync lock", err)
	}
	return l, nil
}

// ClearSyncLock unconditionally frees the lock. Acquire never calls it: an
// expired lock is taken over by TryLockSync in a single statement.
func (d Datasource) ClearSyncLock(ctx context.Context, lockID string, at time.Time) error {
	ctx, span := otel.Tracer("elevizion.database").Start(ctx, "ClearSyncLock")
	defer span.End()

	_, err := d.Conn.ExecContext(ctx, `
		UPDATE elevizion.sync_locks
		SET locked = FALSE, locked_by = '', expires_at = NULL, updated_at = $2
		WHERE lock_id = $1`, lockID, at)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to clear sync lock", err)
	}
	return nil
}

// TryLockSync is the only write that takes a sync lock. The conflict branch
// only fires when the stored lock is free or expired, so two instances that
// both passed the read check cannot both win.
func (d Datasource) TryLockSync(ctx context.Context, lockID, owner string, now, expiresAt time.Time) (bool, error) {
	ctx, span := otel.Tracer("elevizion.database").Start(ctx, "TryLockSync")
	defer span.End()

	res, err := d.Conn.ExecContext(ctx, `
		INSERT INTO elevizion.sync_locks (lock_id, locked, locked_at, locked_by, expires_at, updated_at)
		VALUES ($1, TRUE, $3, $2, $4, $3)
		ON CONFLICT (lock_id) DO UPDATE
		SET locked = TRUE,
			locked_at = EXCLUDED.locked_at,
			locked_by = EXCLUDED.locked_by,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at
		WHERE NOT elevizion.sync_locks.locked
		   OR elevizion.sync_locks.expires_at IS NULL
		   OR elevizion.sync_locks.expires_at <= $3`,
		lockID, owner, now, expiresAt)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to acquire sync lock", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read affected rows", err)
	}
	return n == 1, nil
}

// ReleaseSyncLock frees the lock and records the run outcome, but only while
// owner still holds it. A holder that overran its expiry finds the row taken
// by someone else and leaves it alone.
func (d Datasource) ReleaseSyncLock(ctx context.Context, lockID, owner string, success bool, errMsg string, at time.Time) (bool, error) {
	ctx, span := otel.Tracer("elevizion.database").Start(ctx, "ReleaseSyncLock")
	defer span.End()

	var res sql.Result
	var err error
	if success {
		res, err = d.Conn.ExecContext(ctx, `
			UPDATE elevizion.sync_locks
			SET locked = FALSE, locked_by = '', expires_at = NULL,
				last_success_at = $3, last_error = '', retry_count = 0, updated_at = $3
			WHERE lock_id = $1 AND locked AND locked_by = $2`, lockID, owner, at)
	} else {
		res, err = d.Conn.ExecContext(ctx, `
			UPDATE elevizion.sync_locks
			SET locked = FALSE, locked_by = '', expires_at = NULL,
				last_error = $3, retry_count = retry_count + 1, updated_at = $4
			WHERE lock_id = $1 AND locked AND locked_by = $2`, lockID, owner, errMsg, at)
	}
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to release sync lock", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read affected rows", err)
	}
	return n == 1, nil
}
