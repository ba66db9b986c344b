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
	AssetStatusPending    = "pending"
	AssetStatusApproved   = "approved"
	AssetStatusRejected   = "rejected"
	AssetStatusSuperseded = "superseded"
)

// Asset is an advertiser-supplied media file and its remote mapping.
type Asset struct {
	AssetID        string     `json:"asset_id"`
	AdvertiserID   string     `json:"advertiser_id"`
	Name           string     `json:"name"`
	Status         string     `json:"status"`
	SourcePath     string     `json:"source_path"`
	ContentType    string     `json:"content_type"`
	YodeckMediaID  int64      `json:"yodeck_media_id"`
	NormalizedPath string     `json:"normalized_path,omitempty"`
	ApprovedAt     *time.Time `json:"approved_at,omitempty"`
	SupersededAt   *time.Time `json:"superseded_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// IsLinkable reports whether the asset may be shown on screens.
func (a *Asset) IsLinkable() bool {
	return a.Status == AssetStatusApproved && a.SupersededAt == nil
}
