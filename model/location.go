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

type LayoutMode string

const (
	LayoutModeLayout           LayoutMode = "LAYOUT"
	LayoutModeFallbackSchedule LayoutMode = "FALLBACK_SCHEDULE"
)

const (
	LocationStatusLive     = "live"
	LocationStatusPaused   = "paused"
	LocationStatusInactive = "inactive"
)

// Location is a physical site with one remote screen. Only the content ids,
// layout mode and reconcile bookkeeping are written by the sync engine.
type Location struct {
	LocationID         string     `json:"location_id"`
	Name               string     `json:"name"`
	Status             string     `json:"status"`
	YodeckScreenID     int64      `json:"yodeck_screen_id"`
	BasePlaylistID     int64      `json:"base_playlist_id"`
	AdsPlaylistID      int64      `json:"ads_playlist_id"`
	LayoutID           int64      `json:"layout_id"`
	LayoutMode         LayoutMode `json:"layout_mode"`
	LastReconciledAt   *time.Time `json:"last_reconciled_at,omitempty"`
	LastReconcileError string     `json:"last_reconcile_error,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// LocationContent is the subset of Location persisted after a reconciliation.
type LocationContent struct {
	BasePlaylistID int64
	AdsPlaylistID  int64
	LayoutID       int64
	LayoutMode     LayoutMode
	ReconciledAt   time.Time
	Error          string
}

// IsLive reports whether the location is expected to be showing content.
func (l *Location) IsLive() bool {
	return l.Status == LocationStatusLive
}
