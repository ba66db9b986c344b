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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	statusKeyPrefix = "elevizion:hooks:status"
	statusTTL       = 7 * 24 * time.Hour
	defaultTimeout  = 30
)

// Sender delivers webhook payloads. Each Send is a single attempt; retries
// are owned by the caller. When a redis client is configured the outcome of
// every delivery is stored for diagnostics.
type Sender struct {
	client redis.UniversalClient
	http   *http.Client
}

func NewSender(client redis.UniversalClient) *Sender {
	return &Sender{client: client, http: &http.Client{}}
}

// Send posts payload to hook.URL. 2xx responses with an empty or non-JSON
// body are successes. A JSON body is parsed as Response and its success flag
// decides the outcome.
func (s *Sender) Send(ctx context.Context, hook *Hook, payload Payload) (*Result, error) {
	timeout := hook.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"hook_id":  hook.ID,
		"hook_url": hook.URL,
		"event":    payload.Event,
	}).Info("Executing webhook")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewBuffer(payloadBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Hook-ID", hook.ID)
	req.Header.Set("Idempotency-Key", payload.IdempotencyKey)
	for k, v := range hook.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		s.recordStatus(ctx, hook, err)
		if ctx.Err() != nil {
			return nil, fmt.Errorf("webhook %s timed out: %w", hook.ID, ctx.Err())
		}
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logrus.WithError(err).Error("Failed to close response body")
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		s.recordStatus(ctx, hook, err)
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	result, err := interpret(resp.StatusCode, body)
	s.recordStatus(ctx, hook, err)
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"hook_id":     hook.ID,
		"status_code": resp.StatusCode,
	}).Info("Hook executed successfully")
	return result, nil
}

func interpret(status int, body []byte) (*Result, error) {
	ok := status >= 200 && status < 300
	result := &Result{StatusCode: status}

	if len(bytes.TrimSpace(body)) == 0 {
		if ok {
			return result, nil
		}
		return nil, fmt.Errorf("hook returned empty response with status %d", status)
	}

	if !json.Valid(body) {
		if ok {
			return result, nil
		}
		return nil, fmt.Errorf("hook returned non-JSON error response (status %d): %s", status, string(body))
	}

	result.Body = json.RawMessage(body)
	if !ok {
		return nil, fmt.Errorf("hook returned status %d: %s", status, string(body))
	}

	var hookResp Response
	if err := json.Unmarshal(body, &hookResp); err != nil {
		// Valid JSON that is not an object, e.g. an array.
		return result, nil
	}
	if isResponseObject(body) && !hookResp.Success {
		return nil, fmt.Errorf("hook execution failed: %s", hookResp.Message)
	}
	result.ExternalID = hookResp.ExternalID
	return result, nil
}

// isResponseObject reports whether body carries an explicit success flag.
func isResponseObject(body []byte) bool {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		return false
	}
	_, has := probe["success"]
	return has
}

func (s *Sender) recordStatus(ctx context.Context, hook *Hook, deliveryErr error) {
	if s.client == nil {
		return
	}
	status := Status{HookID: hook.ID, LastRun: time.Now().UTC(), LastSuccess: deliveryErr == nil}
	if deliveryErr != nil {
		status.LastError = deliveryErr.Error()
	}
	data, err := json.Marshal(status)
	if err != nil {
		return
	}
	key := fmt.Sprintf("%s:%s", statusKeyPrefix, hook.ID)
	if err := s.client.Set(context.WithoutCancel(ctx), key, data, statusTTL).Err(); err != nil {
		logrus.WithError(err).WithField("hook_id", hook.ID).Warn("failed to record hook status")
	}
}

// LastStatus returns the stored outcome of the last delivery to hookID, or
// nil when none is recorded.
func (s *Sender) LastStatus(ctx context.Context, hookID string) (*Status, error) {
	if s.client == nil {
		return nil, nil
	}
	data, err := s.client.Get(ctx, fmt.Sprintf("%s:%s", statusKeyPrefix, hookID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var status Status
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, err
	}
	return &status, nil
}
