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
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/elevizion/elevizion/config"
	"github.com/elevizion/elevizion/internal/apierror"
	redis_db "github.com/elevizion/elevizion/internal/redis-db"
)

// Task types handled by the workers.
const (
	TaskOutboxBatch       = "outbox:process_batch"
	TaskOutboxRecover     = "outbox:recover_stuck"
	TaskReconcileSweep    = "content:reconcile_sweep"
	TaskReconcileLocation = "content:reconcile_location"
	TaskPublishAsset      = "media:publish_asset"
)

// Queue wraps the asynq client used to hand work to the workers process.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
	cfg       *config.Configuration
}

type reconcileLocationPayload struct {
	LocationID string `json:"location_id"`
}

type publishAssetTaskPayload struct {
	AssetID string   `json:"asset_id"`
	Targets []string `json:"targets"`
	Force   bool     `json:"force"`
}

// NewQueue connects a client and inspector to the configured Redis.
func NewQueue(conf *config.Configuration) (*Queue, error) {
	opt, err := redis_db.AsynqOpt(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return nil, err
	}
	return &Queue{
		Client:    asynq.NewClient(opt),
		Inspector: asynq.NewInspector(opt),
		cfg:       conf,
	}, nil
}

func (q *Queue) Close() error {
	var errs []error
	if q.Client != nil {
		errs = append(errs, q.Client.Close())
	}
	if q.Inspector != nil {
		errs = append(errs, q.Inspector.Close())
	}
	return errors.Join(errs...)
}

// enqueue submits a task keyed by taskID. A task with the same id still
// pending is not an error; the caller's request is already covered.
func (q *Queue) enqueue(ctx context.Context, taskType, queue, taskID string, payload interface{}, opts ...asynq.Option) error {
	ctx, span := tracer.Start(ctx, "Queue.enqueue")
	defer span.End()

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	opts = append(opts, asynq.TaskID(taskID), asynq.Queue(queue))
	info, err := q.Client.EnqueueContext(ctx, asynq.NewTask(taskType, body), opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		logrus.WithFields(logrus.Fields{"task_id": taskID, "type": taskType}).Debug("task already queued")
		return nil
	}
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{"task_id": info.ID, "queue": info.Queue, "type": taskType}).Info("task enqueued")
	return nil
}

// EnqueueReconcileLocation asks the workers to reconcile one location.
func (q *Queue) EnqueueReconcileLocation(ctx context.Context, locationID string) error {
	return q.enqueue(ctx, TaskReconcileLocation, q.cfg.Queue.ReconcileQueue, "reconcile:"+locationID,
		reconcileLocationPayload{LocationID: locationID}, asynq.MaxRetry(3), asynq.Retention(time.Hour))
}

// EnqueuePublish asks the workers to publish an asset.
func (q *Queue) EnqueuePublish(ctx context.Context, assetID string, targets []string, force bool) error {
	return q.enqueue(ctx, TaskPublishAsset, q.cfg.Queue.PublishQueue, "publish:"+assetID,
		publishAssetTaskPayload{AssetID: assetID, Targets: targets, Force: force},
		asynq.MaxRetry(3), asynq.Timeout(time.Duration(q.cfg.Publish.TranscodeTimeoutSec)*2*time.Second), asynq.Retention(time.Hour))
}

// QueueStats is the size of one asynq queue.
type QueueStats struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
	Archived  int    `json:"archived"`
}

// Stats reports the size of the engine's queues. Queues that have never
// received a task are reported empty.
func (q *Queue) Stats() ([]QueueStats, error) {
	var out []QueueStats
	for _, name := range q.queueNames() {
		info, err := q.Inspector.GetQueueInfo(name)
		if errors.Is(err, asynq.ErrQueueNotFound) {
			out = append(out, QueueStats{Queue: name})
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, QueueStats{
			Queue:     name,
			Pending:   info.Pending,
			Active:    info.Active,
			Scheduled: info.Scheduled,
			Retry:     info.Retry,
			Archived:  info.Archived,
		})
	}
	return out, nil
}

func (q *Queue) queueNames() []string {
	return []string{q.cfg.Queue.OutboxQueue, q.cfg.Queue.ReconcileQueue, q.cfg.Queue.PublishQueue}
}

// QueueWeights gives every engine queue a share of the worker pool.
func QueueWeights(cfg *config.Configuration) map[string]int {
	return map[string]int{
		cfg.Queue.OutboxQueue:    3,
		cfg.Queue.ReconcileQueue: 2,
		cfg.Queue.PublishQueue:   1,
	}
}

// RegisterSchedules adds the periodic tasks to the scheduler.
func RegisterSchedules(s *asynq.Scheduler, cfg *config.Configuration) error {
	schedules := []struct {
		every    time.Duration
		taskType string
		queue    string
	}{
		{time.Duration(cfg.Outbox.WorkerIntervalSec) * time.Second, TaskOutboxBatch, cfg.Queue.OutboxQueue},
		{5 * time.Minute, TaskOutboxRecover, cfg.Queue.OutboxQueue},
		{time.Duration(cfg.Sync.ReconcileIntervalSec) * time.Second, TaskReconcileSweep, cfg.Queue.ReconcileQueue},
	}
	for _, sc := range schedules {
		spec := fmt.Sprintf("@every %s", sc.every)
		// A periodic task that outlives its interval is dropped rather than
		// stacked; the sync locks bound the real concurrency anyway.
		_, err := s.Register(spec, asynq.NewTask(sc.taskType, nil),
			asynq.Queue(sc.queue), asynq.MaxRetry(0), asynq.Unique(sc.every))
		if err != nil {
			return fmt.Errorf("register %s: %w", sc.taskType, err)
		}
		logrus.WithFields(logrus.Fields{"task": sc.taskType, "spec": spec}).Info("scheduled periodic task")
	}
	return nil
}

// RegisterTaskHandlers wires every task type to the engine.
func (e *Elevizion) RegisterTaskHandlers(mux *asynq.ServeMux) {
	mux.HandleFunc(TaskOutboxBatch, e.handleOutboxBatch)
	mux.HandleFunc(TaskOutboxRecover, e.handleOutboxRecover)
	mux.HandleFunc(TaskReconcileSweep, e.handleReconcileSweep)
	mux.HandleFunc(TaskReconcileLocation, e.handleReconcileLocation)
	mux.HandleFunc(TaskPublishAsset, e.handlePublishAsset)
}

func (e *Elevizion) handleOutboxBatch(ctx context.Context, _ *asynq.Task) error {
	res, err := e.RunOutboxWorker(ctx)
	if err != nil {
		return err
	}
	if !res.Skipped && res.Processed > 0 {
		logrus.WithFields(logrus.Fields{
			"processed": res.Processed,
			"succeeded": res.Succeeded,
			"failed":    res.Failed,
			"requeued":  res.Requeued,
		}).Info("outbox batch processed")
	}
	return nil
}

func (e *Elevizion) handleOutboxRecover(ctx context.Context, _ *asynq.Task) error {
	_, err := e.RecoverStuckOutboxJobs(ctx, time.Duration(e.cfg.Outbox.StuckThresholdMin)*time.Minute)
	return err
}

func (e *Elevizion) handleReconcileSweep(ctx context.Context, _ *asynq.Task) error {
	_, err := e.ReconcileAll(ctx, AcquireOptions{})
	return err
}

func (e *Elevizion) handleReconcileLocation(ctx context.Context, t *asynq.Task) error {
	var p reconcileLocationPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil || p.LocationID == "" {
		return fmt.Errorf("invalid reconcile payload: %v: %w", err, asynq.SkipRetry)
	}
	result := e.EnsureLocationContent(ctx, p.LocationID)
	if !result.OK {
		return fmt.Errorf("location %s not compliant: %s", p.LocationID, result.Reason)
	}
	return nil
}

func (e *Elevizion) handlePublishAsset(ctx context.Context, t *asynq.Task) error {
	var p publishAssetTaskPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil || p.AssetID == "" {
		return fmt.Errorf("invalid publish payload: %v: %w", err, asynq.SkipRetry)
	}
	retry, _ := asynq.GetRetryCount(ctx)
	return e.runPublishTask(ctx, p, retry > 0)
}

// runPublishTask publishes one asset for the workers. Retries of a failed
// publish go through the publish_retry sync lock, so a platform that is
// recovering sees one retried upload at a time across all workers. A denied
// retry is returned as an error and asynq tries again later.
func (e *Elevizion) runPublishTask(ctx context.Context, p publishAssetTaskPayload, retry bool) error {
	publish := func(ctx context.Context) error {
		trace := e.NormalizeAndPublish(ctx, p.AssetID, p.Targets, PublishOptions{Force: p.Force})
		return PublishError(trace)
	}

	var err error
	if retry {
		var res AcquireResult
		res, err = e.syncLocks.RunExclusive(ctx, SyncLockPublishRetry, AcquireOptions{SkipIntervalCheck: true}, publish)
		if err == nil && !res.OK {
			logrus.WithFields(logrus.Fields{
				"asset_id": p.AssetID,
				"reason":   res.Reason,
			}).Info("publish retry deferred")
			return fmt.Errorf("publish retry for %s deferred: %s", p.AssetID, res.Reason)
		}
	} else {
		err = publish(ctx)
	}

	if err != nil && !apierror.IsRetryable(err) {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return err
}

// ScheduleLocationReconcile hands a reconciliation to the workers.
func (e *Elevizion) ScheduleLocationReconcile(ctx context.Context, locationID string) error {
	if e.queue == nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "task queue is not configured", nil)
	}
	return e.queue.EnqueueReconcileLocation(ctx, locationID)
}

// SchedulePublish hands a publish to the workers.
func (e *Elevizion) SchedulePublish(ctx context.Context, assetID string, targets []string, force bool) error {
	if e.queue == nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "task queue is not configured", nil)
	}
	return e.queue.EnqueuePublish(ctx, assetID, targets, force)
}

// QueueStats reports the task queue sizes.
func (e *Elevizion) QueueStats() ([]QueueStats, error) {
	if e.queue == nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "task queue is not configured", nil)
	}
	return e.queue.Stats()
}
