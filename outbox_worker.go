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
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/elevizion/elevizion/internal/apierror"
	"github.com/elevizion/elevizion/internal/metrics"
	"github.com/elevizion/elevizion/internal/notification"
	"github.com/elevizion/elevizion/model"
)

// BatchResult summarises one ProcessOutboxBatch call. Skipped is set when a
// batch was already running in this process.
type BatchResult struct {
	Processed int    `json:"processed"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Requeued  int    `json:"requeued"`
	Skipped   bool   `json:"skipped,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ProcessOutboxBatch delivers up to limit due jobs, claiming each one just
// before running it so no job waits in processing behind the others.
// Concurrent calls in the same process do not queue up: the second returns
// immediately with Skipped set. When ctx carries a deadline, no new job is
// started once the remaining time is shorter than the per-job timeout.
func (e *Elevizion) ProcessOutboxBatch(ctx context.Context, limit int) BatchResult {
	if !e.batchRunning.CompareAndSwap(false, true) {
		logrus.Debug("outbox batch already running, skipping")
		return BatchResult{Skipped: true}
	}
	defer e.batchRunning.Store(false)

	ctx, span := tracer.Start(ctx, "ProcessOutboxBatch")
	defer span.End()

	start := time.Now()
	defer func() { metrics.OutboxBatchDuration.Observe(time.Since(start).Seconds()) }()

	if limit <= 0 {
		limit = e.cfg.Outbox.BatchSize
	}

	var result BatchResult
	for result.Processed < limit {
		if ctx.Err() != nil {
			break
		}
		if result.Processed > 0 && !e.hasTimeForJob(ctx) {
			logrus.WithField("processed", result.Processed).Debug("outbox batch out of time, leaving remaining jobs queued")
			break
		}

		job, err := e.datasource.ClaimNextOutboxJob(ctx, e.now())
		if err != nil {
			logrus.WithError(err).Error("failed to claim outbox job")
			result.Error = err.Error()
			break
		}
		if job == nil {
			break
		}

		result.Processed++
		switch e.processJob(ctx, job) {
		case model.OutboxStatusSucceeded:
			result.Succeeded++
		case model.OutboxStatusFailed:
			result.Failed++
		default:
			result.Requeued++
		}
	}
	span.SetAttributes(attribute.Int("outbox.processed", result.Processed))

	if result.Processed > 0 {
		logrus.WithFields(logrus.Fields{
			"processed": result.Processed,
			"succeeded": result.Succeeded,
			"failed":    result.Failed,
			"requeued":  result.Requeued,
		}).Info("outbox batch processed")
	}
	return result
}

func (e *Elevizion) processingTimeout() time.Duration {
	return time.Duration(e.cfg.Outbox.ProcessingTimeoutSec) * time.Second
}

// hasTimeForJob reports whether a full job run still fits before ctx's
// deadline.
func (e *Elevizion) hasTimeForJob(ctx context.Context) bool {
	deadline, ok := ctx.Deadline()
	if !ok {
		return true
	}
	return time.Until(deadline) >= e.processingTimeout()
}

func (e *Elevizion) processJob(ctx context.Context, job *model.OutboxJob) model.OutboxStatus {
	ctx, span := tracer.Start(ctx, "ProcessOutboxJob")
	defer span.End()
	span.SetAttributes(
		attribute.String("outbox.job_id", job.JobID),
		attribute.String("outbox.provider", job.Provider),
		attribute.String("outbox.action", job.ActionType),
	)

	logger := logrus.WithFields(logrus.Fields{
		"job_id":    job.JobID,
		"provider":  job.Provider,
		"action":    job.ActionType,
		"entity_id": job.EntityID,
		"attempt":   job.Attempts + 1,
	})

	res := e.execute(ctx, job)
	attempts := job.Attempts + 1

	// The outcome is recorded even when the batch context ran out during
	// the call.
	ctx = context.WithoutCancel(ctx)

	if res.Success {
		if err := e.MarkSucceeded(ctx, job, res.ExternalID, res.Response); err != nil {
			logMarkError(logger, err, "failed to mark outbox job succeeded")
			return model.OutboxStatusProcessing
		}
		e.writeEntityStatus(ctx, job, model.EntitySyncStatusSynced, "", res.ExternalID)
		metrics.RecordOutboxJob(job.Provider, "succeeded")
		logger.Info("outbox job succeeded")
		return model.OutboxStatusSucceeded
	}

	execErr := res.Err
	if execErr == nil {
		execErr = fmt.Errorf("executor reported failure without error")
	}
	maxAttempts := job.MaxAttempts
	if !apierror.IsRetryable(execErr) {
		// Structural errors will fail the same way again.
		maxAttempts = attempts
	}

	failed, err := e.MarkFailed(ctx, job, execErr.Error(), attempts, maxAttempts)
	if err != nil {
		logMarkError(logger, err, "failed to record outbox job failure")
		return model.OutboxStatusProcessing
	}

	if failed.Terminal {
		e.writeEntityStatus(ctx, job, model.EntitySyncStatusFailed, execErr.Error(), "")
		metrics.RecordOutboxJob(job.Provider, "failed")
		logger.WithError(execErr).Error("outbox job failed permanently")
		notification.NotifyError(fmt.Errorf("outbox job %s (%s) failed after %d attempts: %w",
			job.JobID, job.IdempotencyKey, attempts, execErr))
		return model.OutboxStatusFailed
	}

	metrics.RecordOutboxJob(job.Provider, "retry")
	logger.WithError(execErr).WithField("next_retry_at", failed.NextRetryAt).Warn("outbox job failed, will retry")
	return model.OutboxStatusQueued
}

// logMarkError separates a lost lease, where another runner owns the job's
// outcome now, from a store failure.
func logMarkError(logger *logrus.Entry, err error, msg string) {
	if apierror.CodeOf(err) == apierror.ErrConflict {
		logger.WithError(err).Warn("outbox job was recovered and claimed again, discarding this outcome")
		return
	}
	logger.WithError(err).Error(msg)
}

func (e *Elevizion) execute(ctx context.Context, job *model.OutboxJob) (res ExecResult) {
	ex, ok := e.executorFor(job.Provider)
	if !ok {
		return execFailure(apierror.NewAPIError(apierror.ErrBadRequest, fmt.Sprintf("no executor for provider %s", job.Provider), nil))
	}

	if timeout := e.processingTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			res = execFailure(fmt.Errorf("executor for %s panicked: %v", job.Provider, r))
		}
	}()
	return ex.Execute(ctx, job)
}

// OutboxPoller runs outbox batches on a fixed interval under the
// outbox_worker sync lock. Deployments with the task queue use the scheduler
// instead.
type OutboxPoller struct {
	e        *Elevizion
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
	running  bool
	mu       sync.Mutex
}

func NewOutboxPoller(e *Elevizion) *OutboxPoller {
	return &OutboxPoller{
		e:        e,
		interval: time.Duration(e.cfg.Outbox.WorkerIntervalSec) * time.Second,
		stopCh:   make(chan struct{}),
	}
}

func (p *OutboxPoller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx)
	}()

	logrus.WithField("interval", p.interval.String()).Info("outbox poller started")
}

func (p *OutboxPoller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	logrus.Info("outbox poller stopped")
}

func (p *OutboxPoller) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *OutboxPoller) run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if _, err := p.e.RunOutboxWorker(ctx); err != nil {
				logrus.WithError(err).Error("outbox worker run failed")
			}
		}
	}
}

// RunOutboxWorker processes one batch if this instance wins the
// outbox_worker sync lock.
func (e *Elevizion) RunOutboxWorker(ctx context.Context) (BatchResult, error) {
	var batch BatchResult
	res, err := e.syncLocks.RunExclusive(ctx, SyncLockOutboxWorker, AcquireOptions{}, func(ctx context.Context) error {
		batch = e.ProcessOutboxBatch(ctx, e.cfg.Outbox.BatchSize)
		if batch.Error != "" {
			return fmt.Errorf("outbox batch: %s", batch.Error)
		}
		return nil
	})
	if err != nil {
		return batch, err
	}
	if !res.OK {
		batch.Skipped = true
	}
	return batch, nil
}
