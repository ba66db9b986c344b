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

// SyncLock is the persisted row guarding one periodic sync class across
// server instances.
type SyncLock struct {
	LockID        string     `json:"lock_id"`
	Locked        bool       `json:"locked"`
	LockedAt      *time.Time `json:"locked_at,omitempty"`
	LockedBy      string     `json:"locked_by,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	RetryCount    int        `json:"retry_count"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// IsActive reports whether the lock is held and not yet expired.
func (l *SyncLock) IsActive(now time.Time) bool {
	return l.Locked && l.ExpiresAt != nil && l.ExpiresAt.After(now)
}

// IsStale reports whether the lock is still marked held after its expiry.
func (l *SyncLock) IsStale(now time.Time) bool {
	return l.Locked && !l.IsActive(now)
}
