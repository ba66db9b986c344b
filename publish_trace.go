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

	"github.com/sirupsen/logrus"

	"github.com/elevizion/elevizion/internal/apierror"
	"github.com/elevizion/elevizion/internal/metrics"
	"github.com/elevizion/elevizion/model"
)

// traceRecorder appends stages to a publish trace as they run.
type traceRecorder struct {
	trace *model.PublishTrace
	now   func() time.Time
}

func newTraceRecorder(assetID string, targets []string, force bool, now func() time.Time) *traceRecorder {
	if targets == nil {
		targets = []string{}
	}
	return &traceRecorder{
		trace: &model.PublishTrace{
			TraceID:   model.GenerateUUIDWithSuffix("trace"),
			AssetID:   assetID,
			Targets:   targets,
			Force:     force,
			Status:    model.PublishStatusRunning,
			Steps:     []model.PublishStep{},
			StartedAt: now(),
		},
		now: now,
	}
}

// failed reports whether a stage has already failed the trace.
func (r *traceRecorder) failed() bool {
	return r.trace.Status == model.PublishStatusFailed
}

// run executes one stage and records it. After a failure every later stage
// is recorded as skipped so the trace always lists the full pipeline.
func (r *traceRecorder) run(ctx context.Context, name string, fn func(ctx context.Context, detail map[string]interface{}) error) bool {
	step := model.PublishStep{Name: name, StartedAt: r.now(), Detail: map[string]interface{}{}}
	if r.failed() {
		step.Status = model.StepStatusSkipped
		r.trace.Steps = append(r.trace.Steps, step)
		return false
	}

	ctx, span := tracer.Start(ctx, "publish."+name)
	err := fn(ctx, step.Detail)
	span.End()

	elapsed := r.now().Sub(step.StartedAt)
	step.DurationMs = elapsed.Milliseconds()
	switch {
	case err != nil:
		step.Status = model.StepStatusFailed
		step.Error = err.Error()
		step.ReasonCode = string(apierror.CodeOf(err))
		r.trace.Status = model.PublishStatusFailed
	case step.Detail["skipped"] == true:
		step.Status = model.StepStatusSkipped
	default:
		step.Status = model.StepStatusOK
	}
	if len(step.Detail) == 0 {
		step.Detail = nil
	}
	metrics.RecordPublishStage(name, step.Status, elapsed)
	r.trace.Steps = append(r.trace.Steps, step)

	logrus.WithFields(logrus.Fields{
		"trace_id": r.trace.TraceID,
		"asset_id": r.trace.AssetID,
		"stage":    name,
		"status":   step.Status,
		"ms":       step.DurationMs,
	}).Debug("publish stage finished")
	return err == nil
}

// warn records a stage whose failure must not fail the trace.
func (r *traceRecorder) warn(ctx context.Context, name string, fn func(ctx context.Context, detail map[string]interface{}) error) {
	step := model.PublishStep{Name: name, StartedAt: r.now(), Detail: map[string]interface{}{}}
	if r.failed() {
		step.Status = model.StepStatusSkipped
		r.trace.Steps = append(r.trace.Steps, step)
		return
	}

	ctx, span := tracer.Start(ctx, "publish."+name)
	err := fn(ctx, step.Detail)
	span.End()

	elapsed := r.now().Sub(step.StartedAt)
	step.DurationMs = elapsed.Milliseconds()
	step.Status = model.StepStatusOK
	if err != nil {
		step.Status = model.StepStatusWarning
		step.Error = err.Error()
		step.ReasonCode = string(apierror.CodeOf(err))
		r.trace.Warnings = append(r.trace.Warnings, fmt.Sprintf("%s: %v", name, err))
	}
	metrics.RecordPublishStage(name, step.Status, elapsed)
	r.trace.Steps = append(r.trace.Steps, step)
}

func (r *traceRecorder) finish() *model.PublishTrace {
	finished := r.now()
	r.trace.FinishedAt = &finished
	if r.trace.Status == model.PublishStatusRunning {
		r.trace.Status = model.PublishStatusOK
	}
	return r.trace
}

// PublishError turns a failed trace into an error carrying the failing
// stage's reason code, so the outbox can tell structural failures from
// transient ones.
func PublishError(trace *model.PublishTrace) error {
	if trace == nil || trace.Status != model.PublishStatusFailed {
		return nil
	}
	for _, s := range trace.Steps {
		if s.Status != model.StepStatusFailed {
			continue
		}
		code := apierror.ErrorCode(s.ReasonCode)
		if code == "" {
			code = apierror.ErrInternalServer
		}
		return apierror.APIError{
			Code:    code,
			Message: fmt.Sprintf("publish %s failed at %s: %s", trace.AssetID, s.Name, s.Error),
			Details: map[string]string{"trace_id": trace.TraceID},
		}
	}
	return apierror.APIError{Code: apierror.ErrInternalServer, Message: "publish failed"}
}

// GetPublishTraces returns the most recent traces recorded for an asset.
func (e *Elevizion) GetPublishTraces(ctx context.Context, assetID string, limit int) ([]model.PublishTrace, error) {
	switch {
	case limit <= 0:
		limit = 20
	case limit > 100:
		limit = 100
	}
	return e.datasource.GetPublishTracesForAsset(ctx, assetID, limit)
}

func (e *Elevizion) GetPublishTrace(ctx context.Context, traceID string) (*model.PublishTrace, error) {
	return e.datasource.GetPublishTrace(ctx, traceID)
}
