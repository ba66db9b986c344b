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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/elevizion/elevizion/internal/apierror"
	"github.com/elevizion/elevizion/model"
)

const outboxColumns = `job_id, provider, action_type, entity_type, entity_id, payload, idempotency_key, status,
	attempts, max_attempts, next_retry_at, last_error, external_id, response, processed_at, created_at, updated_at`

func scanOutboxJob(row rowScanner) (*model.OutboxJob, error) {
	job := &model.OutboxJob{}
	var status string
	var payload, response []byte
	err := row.Scan(&job.JobID, &job.Provider, &job.ActionType, &job.EntityType, &job.EntityID, &payload,
		&job.IdempotencyKey, &status, &job.Attempts, &job.MaxAttempts, &job.NextRetryAt, &job.LastError,
		&job.ExternalID, &response, &job.ProcessedAt, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}
	job.Status = model.OutboxStatus(status)
	if len(payload) > 0 {
		job.Payload = json.RawMessage(payload)
	}
	if len(response) > 0 {
		job.Response = json.RawMessage(response)
	}
	return job, nil
}

// nullJSON keeps empty raw messages out of JSONB columns.
func nullJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func (d Datasource) queryOutboxJobs(ctx context.Context, query string, args ...interface{}) ([]model.OutboxJob, error) {
	rows, err := d.Conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to query outbox jobs", err)
	}
	defer rows.Close()

	var jobs []model.OutboxJob
	for rows.Next() {
		job, err := scanOutboxJob(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan outbox job", err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to iterate outbox jobs", err)
	}
	return jobs, nil
}

func (d Datasource) getOutboxJobWhere(ctx context.Context, column, value string) (*model.OutboxJob, error) {
	row := d.Conn.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM elevizion.outbox_jobs WHERE `+column+` = $1`, value)
	job, err := scanOutboxJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Outbox job with %s '%s' not found", column, value), nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve outbox job", err)
	}
	return job, nil
}

func (d Datasource) GetOutboxJob(ctx context.Context, jobID string) (*model.OutboxJob, error) {
	ctx, span := otel.Tracer("elevizion.database").Start(ctx, "GetOutboxJob")
	defer span.End()
	return d.getOutboxJobWhere(ctx, "job_id", jobID)
}

func (d Datasource) GetOutboxJobByKey(ctx context.Context, idempotencyKey string) (*model.OutboxJob, error) {
	ctx, span := otel.Tracer("elevizion.database").Start(ctx, "GetOutboxJobByKey")
	defer span.End()
	return d.getOutboxJobWhere(ctx, "idempotency_key", idempotencyKey)
}

func (d Datasource) InsertOutboxJob(ctx context.Context, job *model.OutboxJob) (bool, error) {
	ctx, span := otel.Tracer("elevizion.database").Start(ctx, "InsertOutboxJob")
	defer span.End()
	span.SetAttributes(attribute.String("outbox.idempotency_key", job.IdempotencyKey))

	res, err := d.Conn.ExecContext(ctx, `
		INSERT INTO elevizion.outbox_jobs (job_id, provider, action_type, entity_type, entity_id, payload,
			idempotency_key, status, attempts, max_attempts, next_retry_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		job.JobID, job.Provider, job.ActionType, job.EntityType, job.EntityID, nullJSON(job.Payload),
		job.IdempotencyKey, string(job.Status), job.Attempts, job.MaxAttempts, job.NextRetryAt, job.CreatedAt)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to insert outbox job", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read affected rows", err)
	}
	return n == 1, nil
}

func (d Datasource) RearmOutboxJob(ctx context.Context, jobID string, payload json.RawMessage, maxAttempts int, now time.Time) (*model.OutboxJob, error) {
	ctx, span := otel.Tracer("elevizion.database").Start(ctx, "RearmOutboxJob")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `
		UPDATE elevizion.outbox_jobs
		SET status = 'queued',
			attempts = 0,
			payload = $2,
			max_attempts = $3,
			next_retry_at = $4,
			last_error = '',
			processed_at = NULL,
			updated_at = $4
		WHERE job_id = $1 AND status IN ('failed', 'succeeded')
		RETURNING `+outboxColumns,
		jobID, nullJSON(payload), maxAttempts, now)
	job, err := scanOutboxJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to re-arm outbox job", err)
	}
	return job, nil
}

// ClaimNextOutboxJob leases the oldest due job. The returned job's UpdatedAt
// is the lease: the mark updates below only apply while the row is still
// processing under that same timestamp, so a runner whose job was recovered
// and claimed again cannot overwrite the newer outcome.
func (d Datasource) ClaimNextOutboxJob(ctx context.Context, now time.Time) (*model.OutboxJob, error) {
	ctx, span := otel.Tracer("elevizion.database").Start(ctx, "ClaimNextOutboxJob")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `
		UPDATE elevizion.outbox_jobs
		SET status = 'processing', updated_at = $1
		WHERE job_id = (
			SELECT job_id FROM elevizion.outbox_jobs
			WHERE status = 'queued' AND (next_retry_at IS NULL OR next_retry_at <= $1)
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+outboxColumns, now)
	job, err := scanOutboxJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to claim outbox job", err)
	}
	span.SetAttributes(attribute.String("outbox.job_id", job.JobID))
	return job, nil
}

func expectLease(res sql.Result, jobID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read affected rows", err)
	}
	if n == 0 {
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Outbox job '%s' is no longer leased by this runner", jobID), nil)
	}
	return nil
}

func (d Datasource) MarkOutboxJobSucceeded(ctx context.Context, jobID string, leasedAt time.Time, externalID string, response json.RawMessage, at time.Time) error {
	ctx, span := otel.Tracer("elevizion.database").Start(ctx, "MarkOutboxJobSucceeded")
	defer span.End()

	res, err := d.Conn.ExecContext(ctx, `
		UPDATE elevizion.outbox_jobs
		SET status = 'succeeded',
			external_id = $3,
			response = $4,
			last_error = '',
			next_retry_at = NULL,
			processed_at = $5,
			updated_at = $5
		WHERE job_id = $1 AND status = 'processing' AND updated_at = $2`,
		jobID, leasedAt, externalID, nullJSON(response), at)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to mark outbox job succeeded", err)
	}
	return expectLease(res, jobID)
}

func (d Datasource) RequeueOutboxJob(ctx context.Context, jobID string, leasedAt time.Time, lastError string, attempts int, nextRetryAt time.Time) error {
	ctx, span := otel.Tracer("elevizion.database").Start(ctx, "RequeueOutboxJob")
	defer span.End()

	res, err := d.Conn.ExecContext(ctx, `
		UPDATE elevizion.outbox_jobs
		SET status = 'queued',
			attempts = $4,
			last_error = $3,
			next_retry_at = $5,
			updated_at = NOW()
		WHERE job_id = $1 AND status = 'processing' AND updated_at = $2`,
		jobID, leasedAt, lastError, attempts, nextRetryAt)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to requeue outbox job", err)
	}
	return expectLease(res, jobID)
}

func (d Datasource) FailOutboxJob(ctx context.Context, jobID string, leasedAt time.Time, lastError string, attempts int, at time.Time) error {
	ctx, span := otel.Tracer("elevizion.database").Start(ctx, "FailOutboxJob")
	defer span.End()

	res, err := d.Conn.ExecContext(ctx, `
		UPDATE elevizion.outbox_jobs
		SET status = 'failed',
			attempts = $4,
			last_error = $3,
			next_retry_at = NULL,
			processed_at = $5,
			updated_at = $5
		WHERE job_id = $1 AND status = 'processing' AND updated_at = $2`,
		jobID, leasedAt, lastError, attempts, at)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to mark outbox job failed", err)
	}
	return expectLease(res, jobID)
}

func (d Datasource) RetryFailedOutboxJobs(ctx context.Context, provider string, now time.Time) (int64, error) {
	ctx, span := otel.Tracer("elevizion.database").Start(ctx, "RetryFailedOutboxJobs")
	defer span.End()

	res, err := d.Conn.ExecContext(ctx, `
		UPDATE elevizion.outbox_jobs
		SET status = 'queued', attempts = 0, next_retry_at = $1, last_error = '', processed_at = NULL, updated_at = $1
		WHERE status = 'failed' AND ($2 = '' OR provider = $2)`, now, provider)
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to re-arm failed outbox jobs", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read affected rows", err)
	}
	return n, nil
}

func (d Datasource) GetLatestOutboxJobsForEntity(ctx context.Context, entityType, entityID string) ([]model.OutboxJob, error) {
	ctx, span := otel.Tracer("elevizion.database").Start(ctx, "GetLatestOutboxJobsForEntity")
	defer span.End()

	return d.queryOutboxJobs(ctx, `
		SELECT DISTINCT ON (provider) `+outboxColumns+`
		FROM elevizion.outbox_jobs
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY provider, updated_at DESC`, entityType, entityID)
}

func (d Datasource) GetOutboxStats(ctx context.Context, now time.Time) (*model.OutboxStats, error) {
	ctx, span := otel.Tracer("elevizion.database").Start(ctx, "GetOutboxStats")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT provider, status, COUNT(*)
		FROM elevizion.outbox_jobs
		GROUP BY provider, status`)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to query outbox stats", err)
	}
	defer rows.Close()

	stats := &model.OutboxStats{ByProvider: map[string]map[string]int64{}}
	for rows.Next() {
		var provider, status string
		var count int64
		if err := rows.Scan(&provider, &status, &count); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan outbox stats", err)
		}
		if stats.ByProvider[provider] == nil {
			stats.ByProvider[provider] = map[string]int64{}
		}
		stats.ByProvider[provider][status] = count

		switch model.OutboxStatus(status) {
		case model.OutboxStatusQueued:
			stats.Queued += count
		case model.OutboxStatusProcessing:
			stats.Processing += count
		case model.OutboxStatusSucceeded:
			stats.Succeeded += count
		case model.OutboxStatusFailed:
			stats.Failed += count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to iterate outbox stats", err)
	}

	err = d.Conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM elevizion.outbox_jobs
		WHERE status = 'queued' AND (next_retry_at IS NULL OR next_retry_at <= $1)`, now).Scan(&stats.DueNow)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to count due outbox jobs", err)
	}
	return stats, nil
}

func (d Datasource) ResetStuckOutboxJobs(ctx context.Context, olderThan, now time.Time) (int64, error) {
	ctx, span := otel.Tracer("elevizion.database").Start(ctx, "ResetStuckOutboxJobs")
	defer span.End()

	res, err := d.Conn.ExecContext(ctx, `
		UPDATE elevizion.outbox_jobs
		SET status = 'queued',
			next_retry_at = $2,
			last_error = 'recovered from stuck processing state',
			updated_at = $2
		WHERE status = 'processing' AND updated_at < $1`, olderThan, now)
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to reset stuck outbox jobs", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read affected rows", err)
	}
	return n, nil
}
