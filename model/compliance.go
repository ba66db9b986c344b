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
	ComplianceStepBasePlaylist     = "ensure_base_playlist"
	ComplianceStepSeedBase         = "seed_base"
	ComplianceStepAdsPlaylist      = "ensure_ads_playlist"
	ComplianceStepContentGuarantee = "content_guarantee"
	ComplianceStepLayout           = "ensure_layout"
	ComplianceStepBindScreen       = "bind_screen"
	ComplianceStepPersist          = "persist"
)

// ComplianceStep records the outcome of one reconciliation step.
type ComplianceStep struct {
	Name      string                 `json:"name"`
	Mandatory bool                   `json:"mandatory"`
	OK        bool                   `json:"ok"`
	Reason    string                 `json:"reason,omitempty"`
	Detail    map[string]interface{} `json:"detail,omitempty"`
}

// GuaranteeOutcome describes which content strategy kept the ads zone filled.
type GuaranteeOutcome struct {
	Strategy  string   `json:"strategy"`
	MediaIDs  []int64  `json:"media_ids,omitempty"`
	TagBased  bool     `json:"tag_based"`
	Attempted []string `json:"attempted"`
	Reasons   []string `json:"reasons,omitempty"`
}

// ComplianceResult is returned by a location reconciliation. OK is true only
// when every mandatory step succeeded.
type ComplianceResult struct {
	LocationID       string            `json:"location_id"`
	OK               bool              `json:"ok"`
	Reason           string            `json:"reason,omitempty"`
	BasePlaylistID   int64             `json:"base_playlist_id"`
	AdsPlaylistID    int64             `json:"ads_playlist_id"`
	LayoutID         int64             `json:"layout_id"`
	ScreenID         int64             `json:"screen_id"`
	ContentGuarantee *GuaranteeOutcome `json:"content_guarantee,omitempty"`
	Steps            []ComplianceStep  `json:"steps"`
	CheckedAt        time.Time         `json:"checked_at"`
}

// Step returns the recorded step with the given name, or nil.
func (r *ComplianceResult) Step(name string) *ComplianceStep {
	for i := range r.Steps {
		if r.Steps[i].Name == name {
			return &r.Steps[i]
		}
	}
	return nil
}

// ContentStatus is a read-only snapshot of a location's remote content.
type ContentStatus struct {
	LocationID     string    `json:"location_id"`
	ScreenID       int64     `json:"screen_id"`
	BasePlaylistID int64     `json:"base_playlist_id"`
	AdsPlaylistID  int64     `json:"ads_playlist_id"`
	LayoutID       int64     `json:"layout_id"`
	LayoutMode     string    `json:"layout_mode"`
	BaseItemCount  int       `json:"base_item_count"`
	AdsItemCount   int       `json:"ads_item_count"`
	AdsTagBased    bool      `json:"ads_tag_based"`
	LayoutBound    bool      `json:"layout_bound"`
	GeometryOK     bool      `json:"geometry_ok"`
	ScreenBound    bool      `json:"screen_bound"`
	ScreenOnline   bool      `json:"screen_online"`
	Issues         []string  `json:"issues,omitempty"`
	Healthy        bool      `json:"healthy"`
	CheckedAt      time.Time `json:"checked_at"`
}
