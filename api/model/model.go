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

import (
	"errors"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/elevizion/elevizion"
)

type PublishAsset struct {
	Targets []string `json:"targets"`
	Force   bool     `json:"force"`
	Async   bool     `json:"async"`
}

type ProcessOutbox struct {
	Limit int `json:"limit"`
}

type RetryFailedJobs struct {
	Provider string `json:"provider"`
}

type ReconcileAll struct {
	TimeoutSec        int  `json:"timeout_sec"`
	SkipIntervalCheck bool `json:"skip_interval_check"`
}

func distinctTargets(value interface{}) error {
	targets, _ := value.([]string)
	seen := make(map[string]struct{}, len(targets))
	for _, t := range targets {
		if t == "" {
			return errors.New("target location ids must not be blank")
		}
		if _, ok := seen[t]; ok {
			return errors.New("target location ids must be unique")
		}
		seen[t] = struct{}{}
	}
	return nil
}

func (p *PublishAsset) ValidatePublishAsset() error {
	return validation.ValidateStruct(p,
		validation.Field(&p.Targets, validation.Required, validation.Length(1, 100), validation.By(distinctTargets)),
	)
}

func (p *ProcessOutbox) ValidateProcessOutbox() error {
	return validation.ValidateStruct(p,
		validation.Field(&p.Limit, validation.Min(0), validation.Max(500)),
	)
}

func (r *ReconcileAll) ValidateReconcileAll() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.TimeoutSec, validation.Min(0), validation.Max(3600)),
	)
}

func (p *PublishAsset) ToPublishOptions() elevizion.PublishOptions {
	return elevizion.PublishOptions{Force: p.Force}
}

func (r *ReconcileAll) ToAcquireOptions() elevizion.AcquireOptions {
	return elevizion.AcquireOptions{
		Timeout:           time.Duration(r.TimeoutSec) * time.Second,
		SkipIntervalCheck: r.SkipIntervalCheck,
	}
}
