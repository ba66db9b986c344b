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

package yodeck

// Playlist types reported by the platform.
const (
	PlaylistRegular  = "regular"
	PlaylistTagBased = "tagbased"
)

// Screen content source types.
const (
	SourceLayout   = "layout"
	SourcePlaylist = "playlist"
	SourceSchedule = "schedule"
)

// Media kinds and the statuses the platform reports while processing an
// upload.
const (
	KindVideo = "video"
	KindImage = "image"

	MediaInitialized = "initialized"
	MediaUploading   = "uploading"
	MediaProcessing  = "processing"
	MediaReady       = "ready"
	MediaFinished    = "finished"
	MediaError       = "error"
)

type PlaylistItem struct {
	ID       int64  `json:"id,omitempty"`
	MediaID  int64  `json:"media_id"`
	Type     string `json:"type,omitempty"`
	Name     string `json:"name,omitempty"`
	Duration int    `json:"duration"`
	Priority int    `json:"priority"`
}

type Playlist struct {
	ID    int64          `json:"id"`
	Name  string         `json:"name"`
	Type  string         `json:"type"`
	Items []PlaylistItem `json:"items"`
	Tags  []string       `json:"tags,omitempty"`
}

// HasMedia reports whether mediaID is already an item of the playlist.
func (p *Playlist) HasMedia(mediaID int64) bool {
	for _, item := range p.Items {
		if item.MediaID == mediaID {
			return true
		}
	}
	return false
}

// IsTagBased reports whether the playlist resolves its content by tag
// instead of explicit items.
func (p *Playlist) IsTagBased() bool {
	return p.Type == PlaylistTagBased
}

// Region is one zone of a layout. PlaylistID is zero when the zone is
// unbound.
type Region struct {
	Left       int   `json:"left"`
	Top        int   `json:"top"`
	Width      int   `json:"width"`
	Height     int   `json:"height"`
	ZIndex     int   `json:"zindex"`
	PlaylistID int64 `json:"playlist_id"`
}

// SameGeometry compares position and stacking, ignoring the binding.
func (r Region) SameGeometry(o Region) bool {
	return r.Left == o.Left && r.Top == o.Top && r.Width == o.Width && r.Height == o.Height && r.ZIndex == o.ZIndex
}

type Layout struct {
	ID      int64    `json:"id"`
	Name    string   `json:"name"`
	Width   int      `json:"width"`
	Height  int      `json:"height"`
	Regions []Region `json:"regions"`
}

type Screen struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Online     bool   `json:"online"`
	SourceType string `json:"source_type"`
	SourceID   int64  `json:"source_id"`
}

type Media struct {
	ID       int64    `json:"id"`
	Name     string   `json:"name"`
	Kind     string   `json:"kind"`
	Status   string   `json:"status"`
	FileSize int64    `json:"file_size"`
	Origin   string   `json:"origin,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

// IsReady reports whether the platform finished processing the file.
func (m *Media) IsReady() bool {
	return m.FileSize > 0 && (m.Status == MediaReady || m.Status == MediaFinished)
}

// IsErrored reports whether the platform rejected the file.
func (m *Media) IsErrored() bool {
	return m.Status == MediaError
}

// IsStuck reports the "initialized with zero bytes" condition that means
// the presigned upload never landed.
func (m *Media) IsStuck() bool {
	return m.Status == MediaInitialized && m.FileSize == 0
}

// PlaylistInput is the body for creating a playlist.
type PlaylistInput struct {
	Name  string         `json:"name"`
	Type  string         `json:"type"`
	Items []PlaylistItem `json:"items"`
	Tags  []string       `json:"tags,omitempty"`
}

// LayoutInput is the body for creating a layout.
type LayoutInput struct {
	Name    string   `json:"name"`
	Width   int      `json:"width"`
	Height  int      `json:"height"`
	Regions []Region `json:"regions"`
}

// MediaFilter narrows a media listing.
type MediaFilter struct {
	Search string
	Kind   string
	Tag    string
}
