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

import "context"

// API is the set of platform operations the engine depends on. Client
// implements it; tests substitute an in-memory platform.
type API interface {
	ListPlaylists(ctx context.Context, search string) ([]Playlist, error)
	GetPlaylist(ctx context.Context, id int64) (*Playlist, error)
	CreatePlaylist(ctx context.Context, in PlaylistInput) (*Playlist, error)
	UpdatePlaylistItems(ctx context.Context, id int64, items []PlaylistItem) (*Playlist, error)
	ConvertToTagBased(ctx context.Context, id int64, tags []string) (*Playlist, error)

	ListLayouts(ctx context.Context, search string) ([]Layout, error)
	GetLayout(ctx context.Context, id int64) (*Layout, error)
	CreateLayout(ctx context.Context, in LayoutInput) (*Layout, error)
	UpdateLayoutRegions(ctx context.Context, id int64, regions []Region) (*Layout, error)

	GetScreen(ctx context.Context, id int64) (*Screen, error)
	AssignScreenContent(ctx context.Context, screenID int64, sourceType string, sourceID int64) error
	PushToScreen(ctx context.Context, screenID int64) error

	ListMedia(ctx context.Context, filter MediaFilter) ([]Media, error)
	GetMedia(ctx context.Context, id int64) (*Media, error)
	CreateMedia(ctx context.Context, name string, tags []string) (*Media, error)
	GetUploadURL(ctx context.Context, mediaID int64) (string, error)
	UploadFile(ctx context.Context, uploadURL, path string) error
	CompleteUpload(ctx context.Context, mediaID int64, uploadURL string) error
	SetMediaTags(ctx context.Context, mediaID int64, tags []string) error
}

var _ API = (*Client)(nil)
