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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidatePublishAsset(t *testing.T) {
	tests := []struct {
		name    string
		req     PublishAsset
		wantErr bool
	}{
		{
			name:    "Valid with one target",
			req:     PublishAsset{Targets: []string{"loc_1"}},
			wantErr: false,
		},
		{
			name:    "Valid with several targets",
			req:     PublishAsset{Targets: []string{"loc_1", "loc_2"}, Force: true},
			wantErr: false,
		},
		{
			name:    "Invalid without targets",
			req:     PublishAsset{},
			wantErr: true,
		},
		{
			name:    "Invalid with duplicate targets",
			req:     PublishAsset{Targets: []string{"loc_1", "loc_1"}},
			wantErr: true,
		},
		{
			name:    "Invalid with blank target",
			req:     PublishAsset{Targets: []string{""}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.ValidatePublishAsset()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateProcessOutbox(t *testing.T) {
	assert.NoError(t, (&ProcessOutbox{}).ValidateProcessOutbox())
	assert.NoError(t, (&ProcessOutbox{Limit: 50}).ValidateProcessOutbox())
	assert.Error(t, (&ProcessOutbox{Limit: -1}).ValidateProcessOutbox())
	assert.Error(t, (&ProcessOutbox{Limit: 501}).ValidateProcessOutbox())
}

func TestReconcileAllToAcquireOptions(t *testing.T) {
	req := ReconcileAll{TimeoutSec: 30, SkipIntervalCheck: true}
	assert.NoError(t, req.ValidateReconcileAll())

	opts := req.ToAcquireOptions()
	assert.Equal(t, 30*time.Second, opts.Timeout)
	assert.True(t, opts.SkipIntervalCheck)

	assert.Error(t, (&ReconcileAll{TimeoutSec: -5}).ValidateReconcileAll())
}
