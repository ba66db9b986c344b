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
	"strconv"

	"github.com/elevizion/elevizion/internal/apierror"
	"github.com/elevizion/elevizion/internal/hooks"
	"github.com/elevizion/elevizion/model"
)

// Providers with a built-in executor.
const (
	ProviderYodeck  = "yodeck"
	ProviderWebhook = "webhook"
)

// Actions understood by the yodeck executor.
const (
	ActionEnsureLocationContent = "ensure_location_content"
	ActionPublishAsset          = "publish_asset"
	ActionPushScreen            = "push_screen"
	ActionTagMedia              = "tag_media"
)

// ExecResult is the outcome of delivering one job.
type ExecResult struct {
	Success    bool
	ExternalID string
	Response   json.RawMessage
	Err        error
}

func execFailure(err error) ExecResult {
	return ExecResult{Err: err}
}

// Executor delivers jobs for one provider. Implementations must be
// idempotent: a job may be delivered more than once.
type Executor interface {
	Execute(ctx context.Context, job *model.OutboxJob) ExecResult
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, job *model.OutboxJob) ExecResult

func (f ExecutorFunc) Execute(ctx context.Context, job *model.OutboxJob) ExecResult {
	return f(ctx, job)
}

// RegisterExecutor installs the executor for a provider, replacing any
// previous one. The force-fail switch is applied around it.
func (e *Elevizion) RegisterExecutor(provider string, ex Executor) {
	e.executorsMu.Lock()
	defer e.executorsMu.Unlock()
	e.executors[provider] = &forceFailExecutor{provider: provider, inner: ex, e: e}
}

func (e *Elevizion) executorFor(provider string) (Executor, bool) {
	e.executorsMu.RLock()
	defer e.executorsMu.RUnlock()
	ex, ok := e.executors[provider]
	return ex, ok
}

func (e *Elevizion) registerBuiltinExecutors() {
	e.RegisterExecutor(ProviderYodeck, &yodeckExecutor{e: e})
	e.RegisterExecutor(ProviderWebhook, &webhookExecutor{e: e})
}

// forceFailExecutor fails every job of its provider while the dev-only
// switch is on. The switch is ignored in production.
type forceFailExecutor struct {
	provider string
	inner    Executor
	e        *Elevizion
}

func (f *forceFailExecutor) Execute(ctx context.Context, job *model.OutboxJob) ExecResult {
	if !f.e.cfg.IsProduction() && f.e.cfg.Outbox.ForceFail[f.provider] {
		return execFailure(fmt.Errorf("force-fail enabled for provider %s", f.provider))
	}
	return f.inner.Execute(ctx, job)
}

type yodeckExecutor struct {
	e *Elevizion
}

type publishAssetPayload struct {
	Targets []string `json:"targets"`
	Force   bool     `json:"force"`
}

type pushScreenPayload struct {
	ScreenID int64 `json:"screen_id"`
}

type tagMediaPayload struct {
	MediaID int64    `json:"media_id"`
	Tags    []string `json:"tags"`
}

func decodePayload(job *model.OutboxJob, v interface{}) error {
	if len(job.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(job.Payload, v); err != nil {
		return apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("invalid payload for %s: %v", job.ActionType, err), nil)
	}
	return nil
}

func marshalResponse(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func (y *yodeckExecutor) Execute(ctx context.Context, job *model.OutboxJob) ExecResult {
	switch job.ActionType {
	case ActionEnsureLocationContent:
		result := y.e.EnsureLocationContent(ctx, job.EntityID)
		if !result.OK {
			return ExecResult{
				Response: marshalResponse(result),
				Err:      apierror.NewAPIError(apierror.ErrContentGuaranteeFailed, result.Reason, nil),
			}
		}
		return ExecResult{Success: true, ExternalID: strconv.FormatInt(result.LayoutID, 10), Response: marshalResponse(result)}

	case ActionPublishAsset:
		var p publishAssetPayload
		if err := decodePayload(job, &p); err != nil {
			return execFailure(err)
		}
		trace := y.e.NormalizeAndPublish(ctx, job.EntityID, p.Targets, PublishOptions{Force: p.Force})
		if trace.Status != model.PublishStatusOK {
			return ExecResult{Response: marshalResponse(trace), Err: PublishError(trace)}
		}
		return ExecResult{Success: true, ExternalID: strconv.FormatInt(trace.MediaID, 10), Response: marshalResponse(trace)}

	case ActionPushScreen:
		var p pushScreenPayload
		if err := decodePayload(job, &p); err != nil {
			return execFailure(err)
		}
		if p.ScreenID == 0 {
			id, err := strconv.ParseInt(job.EntityID, 10, 64)
			if err != nil {
				return execFailure(apierror.NewAPIError(apierror.ErrInvalidInput, "push_screen needs a numeric screen id", nil))
			}
			p.ScreenID = id
		}
		if err := y.e.remote.PushToScreen(ctx, p.ScreenID); err != nil {
			return execFailure(err)
		}
		return ExecResult{Success: true, ExternalID: strconv.FormatInt(p.ScreenID, 10)}

	case ActionTagMedia:
		var p tagMediaPayload
		if err := decodePayload(job, &p); err != nil {
			return execFailure(err)
		}
		if p.MediaID == 0 {
			return execFailure(apierror.NewAPIError(apierror.ErrInvalidInput, "tag_media needs media_id", nil))
		}
		if err := y.e.remote.SetMediaTags(ctx, p.MediaID, p.Tags); err != nil {
			return execFailure(err)
		}
		return ExecResult{Success: true, ExternalID: strconv.FormatInt(p.MediaID, 10)}
	}

	return execFailure(apierror.NewAPIError(apierror.ErrBadRequest, fmt.Sprintf("unknown yodeck action %q", job.ActionType), nil))
}

// webhookExecutor posts the job to the configured notification webhook.
// It makes a single attempt; retries belong to the outbox.
type webhookExecutor struct {
	e *Elevizion
}

func (w *webhookExecutor) Execute(ctx context.Context, job *model.OutboxJob) ExecResult {
	conf := w.e.cfg.Notification.Webhook
	if conf.Url == "" {
		return execFailure(apierror.NewAPIError(apierror.ErrBadRequest, "no webhook url configured", nil))
	}

	hook := &hooks.Hook{
		ID:      job.IdempotencyKey,
		Name:    job.ActionType,
		URL:     conf.Url,
		Headers: conf.Headers,
		Timeout: conf.Timeout,
	}
	res, err := w.e.hooks.Send(ctx, hook, hooks.Payload{
		Event:          job.ActionType,
		EntityType:     job.EntityType,
		EntityID:       job.EntityID,
		IdempotencyKey: job.IdempotencyKey,
		Timestamp:      w.e.now(),
		Data:           job.Payload,
	})
	if err != nil {
		return execFailure(err)
	}
	return ExecResult{Success: true, ExternalID: res.ExternalID, Response: res.Body}
}
