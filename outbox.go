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
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/elevizion/elevizion/internal/apierror"
	"github.com/elevizion/elevizion/model"
)

const (
	// outboxBackoffBaseMinutes is the first retry delay; each further
	// attempt doubles it.
	outboxBackoffBaseMinutes = 5
	maxBackoffExponent       = 16
)

var keySegment = regexp.MustCompile(`^[^:\s]+$`)

// EnqueueRequest asks for an external write to be delivered eventually.
type EnqueueRequest struct {
	Provider    string          `json:"provider"`
	ActionType  string          `json:"action_type"`
	EntityType  string          `json:"entity_type"`
	EntityID    string          `json:"entity_id"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
}

func (r *EnqueueRequest) Validate() error {
	segment := validation.Match(keySegment).Error("must not be blank or contain ':' or whitespace")
	return validation.ValidateStruct(r,
		validation.Field(&r.Provider, validation.Required, segment),
		validation.Field(&r.ActionType, validation.Required, segment),
		validation.Field(&r.EntityType, validation.Required, segment),
		validation.Field(&r.EntityID, validation.Required, segment),
		validation.Field(&r.MaxAttempts, validation.Min(0), validation.Max(50)),
		validation.Field(&r.Payload, validation.By(func(value interface{}) error {
			raw, _ := value.(json.RawMessage)
			if len(raw) > 0 && !json.Valid(raw) {
				return fmt.Errorf("must be valid JSON")
			}
			return nil
		})),
	)
}

// EnqueueResult reports what happened to the job row. AlreadyExists means an
// in-flight job with the same key was returned unchanged and no new job was
// created.
type EnqueueResult struct {
	Success       bool             `json:"success"`
	Job           *model.OutboxJob `json:"job"`
	AlreadyExists bool             `json:"already_exists"`
	Rearmed       bool             `json:"rearmed,omitempty"`
}

// FailResult is the scheduling decision taken by MarkFailed.
type FailResult struct {
	Terminal    bool       `json:"terminal"`
	Attempts    int        `json:"attempts"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
}

// IdempotencyKey is the natural key of an outbox job.
func IdempotencyKey(provider, actionType, entityType, entityID string) string {
	return strings.Join([]string{provider, actionType, entityType, entityID}, ":")
}

// OutboxBackoff returns the delay before retrying a job that has failed
// attempts times: 5 * 2^attempts minutes.
func OutboxBackoff(attempts int) time.Duration {
	exp := attempts
	if exp < 0 {
		exp = 0
	}
	if exp > maxBackoffExponent {
		exp = maxBackoffExponent
	}
	return time.Duration(outboxBackoffBaseMinutes*math.Pow(2, float64(exp))) * time.Minute
}

// EnqueueOutboxJob records an intended external write. One job exists per
// (provider, action, entity type, entity id). A terminal job is re-armed with
// the new payload and zero attempts; a queued or processing job is returned
// unchanged.
func (e *Elevizion) EnqueueOutboxJob(ctx context.Context, req EnqueueRequest) (*EnqueueResult, error) {
	ctx, span := tracer.Start(ctx, "EnqueueOutboxJob")
	defer span.End()

	if err := req.Validate(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), nil)
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = e.cfg.Outbox.MaxAttempts
	}
	key := IdempotencyKey(req.Provider, req.ActionType, req.EntityType, req.EntityID)
	span.SetAttributes(attribute.String("outbox.idempotency_key", key))

	existing, err := e.datasource.GetOutboxJobByKey(ctx, key)
	if err != nil && apierror.CodeOf(err) != apierror.ErrNotFound {
		return nil, err
	}

	if existing != nil {
		return e.resolveExistingJob(ctx, existing, req.Payload, maxAttempts)
	}

	now := e.now()
	job := &model.OutboxJob{
		JobID:          model.GenerateUUIDWithSuffix("job"),
		Provider:       req.Provider,
		ActionType:     req.ActionType,
		EntityType:     req.EntityType,
		EntityID:       req.EntityID,
		Payload:        req.Payload,
		IdempotencyKey: key,
		Status:         model.OutboxStatusQueued,
		MaxAttempts:    maxAttempts,
		NextRetryAt:    &now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	inserted, err := e.datasource.InsertOutboxJob(ctx, job)
	if err != nil {
		return nil, err
	}
	if !inserted {
		// Lost an insert race against a concurrent enqueue of the same key.
		winner, err := e.datasource.GetOutboxJobByKey(ctx, key)
		if err != nil {
			return nil, err
		}
		return &EnqueueResult{Success: true, Job: winner, AlreadyExists: true}, nil
	}

	e.markEntityPending(ctx, job)
	logrus.WithFields(logrus.Fields{
		"job_id":          job.JobID,
		"idempotency_key": key,
	}).Info("outbox job enqueued")
	return &EnqueueResult{Success: true, Job: job}, nil
}

func (e *Elevizion) resolveExistingJob(ctx context.Context, existing *model.OutboxJob, payload json.RawMessage, maxAttempts int) (*EnqueueResult, error) {
	if !existing.Status.IsTerminal() {
		return &EnqueueResult{Success: true, Job: existing, AlreadyExists: true}, nil
	}

	rearmed, err := e.datasource.RearmOutboxJob(ctx, existing.JobID, payload, maxAttempts, e.now())
	if err != nil {
		return nil, err
	}
	if rearmed == nil {
		// Someone else re-armed it between our read and write.
		current, err := e.datasource.GetOutboxJob(ctx, existing.JobID)
		if err != nil {
			return nil, err
		}
		return &EnqueueResult{Success: true, Job: current, AlreadyExists: true}, nil
	}

	e.markEntityPending(ctx, rearmed)
	logrus.WithFields(logrus.Fields{
		"job_id":          rearmed.JobID,
		"idempotency_key": rearmed.IdempotencyKey,
		"previous_status": existing.Status,
	}).Info("outbox job re-armed")
	return &EnqueueResult{Success: true, Job: rearmed, Rearmed: true}, nil
}

// MarkSucceeded completes a claimed job and clears its error. job must be
// the value returned by the claim; its UpdatedAt is the lease.
func (e *Elevizion) MarkSucceeded(ctx context.Context, job *model.OutboxJob, externalID string, response json.RawMessage) error {
	return e.datasource.MarkOutboxJobSucceeded(ctx, job.JobID, job.UpdatedAt, externalID, response, e.now())
}

// MarkFailed records a failed attempt. While attempts < maxAttempts the job
// is requeued 5 * 2^attempts minutes from now; after that it is terminally
// failed and no retry is scheduled.
func (e *Elevizion) MarkFailed(ctx context.Context, job *model.OutboxJob, errMsg string, attempts, maxAttempts int) (*FailResult, error) {
	now := e.now()
	if attempts < maxAttempts {
		next := now.Add(OutboxBackoff(attempts))
		if err := e.datasource.RequeueOutboxJob(ctx, job.JobID, job.UpdatedAt, errMsg, attempts, next); err != nil {
			return nil, err
		}
		return &FailResult{Attempts: attempts, NextRetryAt: &next}, nil
	}

	if err := e.datasource.FailOutboxJob(ctx, job.JobID, job.UpdatedAt, errMsg, attempts, now); err != nil {
		return nil, err
	}
	return &FailResult{Terminal: true, Attempts: attempts}, nil
}

// RetryFailedJobs re-arms every failed job, optionally for one provider.
func (e *Elevizion) RetryFailedJobs(ctx context.Context, provider string) (int64, error) {
	n, err := e.datasource.RetryFailedOutboxJobs(ctx, provider, e.now())
	if err != nil {
		return 0, err
	}
	logrus.WithFields(logrus.Fields{
		"provider": provider,
		"count":    n,
	}).Info("failed outbox jobs re-armed")
	return n, nil
}

// GetEntitySyncStatus returns the latest job per provider for an entity.
func (e *Elevizion) GetEntitySyncStatus(ctx context.Context, entityType, entityID string) ([]model.OutboxJob, error) {
	return e.datasource.GetLatestOutboxJobsForEntity(ctx, entityType, entityID)
}

func (e *Elevizion) GetOutboxStats(ctx context.Context) (*model.OutboxStats, error) {
	return e.datasource.GetOutboxStats(ctx, e.now())
}

func (e *Elevizion) markEntityPending(ctx context.Context, job *model.OutboxJob) {
	e.writeEntityStatus(ctx, job, model.EntitySyncStatusPending, "", "")
}

func (e *Elevizion) writeEntityStatus(ctx context.Context, job *model.OutboxJob, status, lastError, externalID string) {
	err := e.datasource.UpsertEntitySyncStatus(ctx, model.EntitySyncStatus{
		EntityType: job.EntityType,
		EntityID:   job.EntityID,
		Provider:   job.Provider,
		Status:     status,
		LastError:  lastError,
		ExternalID: externalID,
		UpdatedAt:  e.now(),
	})
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"entity_type": job.EntityType,
			"entity_id":   job.EntityID,
			"provider":    job.Provider,
		}).Error("failed to update entity sync status")
	}
}
