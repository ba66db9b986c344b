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

package hooks

import (
	"encoding/json"
	"time"
)

// Hook is one webhook endpoint.
type Hook struct {
	ID      string            `json:"id"`      // Stable identifier, used for status tracking
	Name    string            `json:"name"`    // Friendly name, usually the action type
	URL     string            `json:"url"`     // Webhook endpoint URL
	Headers map[string]string `json:"headers"` // Extra request headers
	Timeout int               `json:"timeout"` // Timeout in seconds for the webhook call
}

// Payload is the body posted to a webhook endpoint.
type Payload struct {
	Event          string          `json:"event"`
	EntityType     string          `json:"entity_type"`
	EntityID       string          `json:"entity_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Timestamp      time.Time       `json:"timestamp"`
	Data           json.RawMessage `json:"data,omitempty"`
}

// Response is the optional structured reply of a webhook endpoint.
type Response struct {
	Success    bool        `json:"success"`
	Message    string      `json:"message"`
	ExternalID string      `json:"external_id,omitempty"`
	Data       interface{} `json:"data,omitempty"`
}

// Result is what a delivery produced.
type Result struct {
	StatusCode int
	ExternalID string
	Body       json.RawMessage
}

// Status is the last known delivery state of a hook.
type Status struct {
	HookID      string    `json:"hook_id"`
	LastRun     time.Time `json:"last_run"`
	LastSuccess bool      `json:"last_success"`
	LastError   string    `json:"last_error,omitempty"`
}
