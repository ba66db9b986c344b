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

package model

import "time"

const (
	StepResolveAsset    = "RESOLVE_ASSET"
	StepNormalize       = "NORMALIZE"
	StepUpload          = "UPLOAD"
	StepResolvePlaylist = "RESOLVE_PLAYLIST"
	StepUpdatePlaylist  = "UPDATE_PLAYLIST"
	StepPushVerify      = "PUSH_VERIFY"
)

const (
	StepStatusOK      = "ok"
	StepStatusFailed  = "failed"
	StepStatusSkipped = "skipped"
	StepStatusWarning = "warning"
)

const (
	PublishStatusRunning = "running"
	PublishStatusOK      = "ok"
	PublishStatusFailed  = "failed"
)

// PublishStep is one stage of a publish attempt.
type PublishStep struct {
	Name       string                 `json:"name"`
	Status     string                 `json:"status"`
	StartedAt  time.Time              `json:"started_at"`
	DurationMs int64                  `json:"duration_ms"`
	Detail     map[string]interface{} `json:"detail,omitempty"`
	Error      string                 `json:"error,omitempty"`
	ReasonCode string                 `json:"reason_code,omitempty"`
}

// PublishTrace is the append-only audit record of one publish attempt.
type PublishTrace struct {
	TraceID      string        `json:"trace_id"`
	AssetID      string        `json:"asset_id"`
	AdvertiserID string        `json:"advertiser_id,omitempty"`
	Targets      []string      `json:"targets"`
	Force        bool          `json:"force"`
	Status       string        `json:"status"`
	MediaID      int64         `json:"media_id,omitempty"`
	Steps        []PublishStep `json:"steps"`
	Warnings     []string      `json:"warnings,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   *time.Time    `json:"finished_at,omitempty"`
}

// Step returns the recorded step with the given name, or nil.
func (t *PublishTrace) Step(name string) *PublishStep {
	for i := range t.Steps {
		if t.Steps[i].Name == name {
			return &t.Steps[i]
		}
	}
	return nil
}

// MappingValidation is the result of checking an asset's remote media mapping.
type MappingValidation struct {
	AssetID      string `json:"asset_id"`
	MediaID      int64  `json:"media_id"`
	Valid        bool   `json:"valid"`
	Reason       string `json:"reason,omitempty"`
	RemoteStatus string `json:"remote_status,omitempty"`
	RemoteName   string `json:"remote_name,omitempty"`
}
