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
	"encoding/json"
	"time"
)

type OutboxStatus string

const (
	OutboxStatusQueued     OutboxStatus = "queued"
	OutboxStatusProcessing OutboxStatus = "processing"
	OutboxStatusSucceeded  OutboxStatus = "succeeded"
	OutboxStatusFailed     OutboxStatus = "failed"
)

// IsTerminal reports whether a job in this status will not be picked up again
// without an explicit re-arm.
func (s OutboxStatus) IsTerminal() bool {
	return s == OutboxStatusSucceeded || s == OutboxStatusFailed
}

// OutboxJob is one queued external mutation. The idempotency key is unique,
// so a (provider, action, entity type, entity id) tuple has one row.
type OutboxJob struct {
	JobID          string          `json:"job_id"`
	Provider       string          `json:"provider"`
	ActionType     string          `json:"action_type"`
	EntityType     string          `json:"entity_type"`
	EntityID       string          `json:"entity_id"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	Status         OutboxStatus    `json:"status"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	NextRetryAt    *time.Time      `json:"next_retry_at,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	ExternalID     string          `json:"external_id,omitempty"`
	Response       json.RawMessage `json:"response,omitempty"`
	ProcessedAt    *time.Time      `json:"processed_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// OutboxStats summarises the queue for dashboards.
type OutboxStats struct {
	Queued     int64                       `json:"queued"`
	Processing int64                       `json:"processing"`
	Succeeded  int64                       `json:"succeeded"`
	Failed     int64                       `json:"failed"`
	DueNow     int64                       `json:"due_now"`
	ByProvider map[string]map[string]int64 `json:"by_provider"`
}

const (
	EntitySyncStatusPending = "pending"
	EntitySyncStatusSynced  = "synced"
	EntitySyncStatusFailed  = "failed"
)

// EntitySyncStatus is the denormalized sync state of one business entity
// towards one provider.
type EntitySyncStatus struct {
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Provider   string    `json:"provider"`
	Status     string    `json:"status"`
	LastError  string    `json:"last_error,omitempty"`
	ExternalID string    `json:"external_id,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}
