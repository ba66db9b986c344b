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

package elevizion

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/elevizion/elevizion/internal/apierror"
	"github.com/elevizion/elevizion/internal/yodeck"
)

// fakeRemote is an in-memory signage platform.
type fakeRemote struct {
	mu sync.Mutex

	nextID    int64
	playlists map[int64]*yodeck.Playlist
	layouts   map[int64]*yodeck.Layout
	screens   map[int64]*yodeck.Screen
	media     map[int64]*yodeck.Media

	rejectItems   bool
	rejectTagging bool
	// dropTagWrites acknowledges media tag writes without applying them.
	dropTagWrites bool
	// uploadStatus is the status new uploads settle in; empty means ready.
	uploadStatus string

	calls map[string]int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		nextID:    1000,
		playlists: map[int64]*yodeck.Playlist{},
		layouts:   map[int64]*yodeck.Layout{},
		screens:   map[int64]*yodeck.Screen{},
		media:     map[int64]*yodeck.Media{},
		calls:     map[string]int{},
	}
}

func notFound(kind string, id int64) error {
	return &yodeck.Error{Method: http.MethodGet, Path: fmt.Sprintf("/%s/%d", kind, id), Status: http.StatusNotFound, Code: apierror.ErrNotFound}
}

func rejected(path string) error {
	return &yodeck.Error{Method: http.MethodPatch, Path: path, Status: http.StatusBadRequest, Code: apierror.ErrRemoteRejected}
}

func (f *fakeRemote) id() int64 {
	f.nextID++
	return f.nextID
}

func (f *fakeRemote) call(name string) {
	f.calls[name]++
}

func (f *fakeRemote) Calls(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeRemote) addPlaylist(p yodeck.Playlist) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.ID == 0 {
		p.ID = f.id()
	}
	if p.Type == "" {
		p.Type = yodeck.PlaylistRegular
	}
	f.playlists[p.ID] = &p
	return p.ID
}

func (f *fakeRemote) addLayout(l yodeck.Layout) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l.ID == 0 {
		l.ID = f.id()
	}
	f.layouts[l.ID] = &l
	return l.ID
}

func (f *fakeRemote) addScreen(s yodeck.Screen) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.screens[s.ID] = &s
}

func (f *fakeRemote) addMedia(m yodeck.Media) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.media[m.ID] = &m
}

func (f *fakeRemote) playlistsNamed(name string) []yodeck.Playlist {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []yodeck.Playlist
	for _, p := range f.playlists {
		if p.Name == name {
			out = append(out, clonePlaylist(p))
		}
	}
	return out
}

func (f *fakeRemote) layoutsNamed(name string) []yodeck.Layout {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []yodeck.Layout
	for _, l := range f.layouts {
		if l.Name == name {
			out = append(out, cloneLayout(l))
		}
	}
	return out
}

func clonePlaylist(p *yodeck.Playlist) yodeck.Playlist {
	c := *p
	c.Items = append([]yodeck.PlaylistItem(nil), p.Items...)
	c.Tags = append([]string(nil), p.Tags...)
	return c
}

func cloneLayout(l *yodeck.Layout) yodeck.Layout {
	c := *l
	c.Regions = append([]yodeck.Region(nil), l.Regions...)
	return c
}

func (f *fakeRemote) ListPlaylists(_ context.Context, search string) ([]yodeck.Playlist, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("ListPlaylists")
	var out []yodeck.Playlist
	for _, p := range f.playlists {
		if strings.Contains(p.Name, search) {
			c := clonePlaylist(p)
			c.Items = nil
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeRemote) GetPlaylist(_ context.Context, id int64) (*yodeck.Playlist, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("GetPlaylist")
	p, ok := f.playlists[id]
	if !ok {
		return nil, notFound("playlists", id)
	}
	c := clonePlaylist(p)
	return &c, nil
}

func (f *fakeRemote) CreatePlaylist(_ context.Context, in yodeck.PlaylistInput) (*yodeck.Playlist, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("CreatePlaylist")
	p := &yodeck.Playlist{ID: f.id(), Name: in.Name, Type: in.Type, Items: append([]yodeck.PlaylistItem(nil), in.Items...), Tags: in.Tags}
	f.playlists[p.ID] = p
	c := clonePlaylist(p)
	return &c, nil
}

func (f *fakeRemote) UpdatePlaylistItems(_ context.Context, id int64, items []yodeck.PlaylistItem) (*yodeck.Playlist, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("UpdatePlaylistItems")
	p, ok := f.playlists[id]
	if !ok {
		return nil, notFound("playlists", id)
	}
	if f.rejectItems {
		return nil, rejected(fmt.Sprintf("/playlists/%d", id))
	}
	p.Items = append([]yodeck.PlaylistItem(nil), items...)
	c := clonePlaylist(p)
	return &c, nil
}

func (f *fakeRemote) ConvertToTagBased(_ context.Context, id int64, tags []string) (*yodeck.Playlist, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("ConvertToTagBased")
	p, ok := f.playlists[id]
	if !ok {
		return nil, notFound("playlists", id)
	}
	if f.rejectTagging {
		return nil, rejected(fmt.Sprintf("/playlists/%d", id))
	}
	p.Type = yodeck.PlaylistTagBased
	p.Tags = append([]string(nil), tags...)
	p.Items = nil
	c := clonePlaylist(p)
	return &c, nil
}

func (f *fakeRemote) ListLayouts(_ context.Context, search string) ([]yodeck.Layout, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("ListLayouts")
	var out []yodeck.Layout
	for _, l := range f.layouts {
		if strings.Contains(l.Name, search) {
			out = append(out, cloneLayout(l))
		}
	}
	return out, nil
}

func (f *fakeRemote) GetLayout(_ context.Context, id int64) (*yodeck.Layout, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("GetLayout")
	l, ok := f.layouts[id]
	if !ok {
		return nil, notFound("layouts", id)
	}
	c := cloneLayout(l)
	return &c, nil
}

func (f *fakeRemote) CreateLayout(_ context.Context, in yodeck.LayoutInput) (*yodeck.Layout, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("CreateLayout")
	l := &yodeck.Layout{ID: f.id(), Name: in.Name, Width: in.Width, Height: in.Height, Regions: append([]yodeck.Region(nil), in.Regions...)}
	f.layouts[l.ID] = l
	c := cloneLayout(l)
	return &c, nil
}

func (f *fakeRemote) UpdateLayoutRegions(_ context.Context, id int64, regions []yodeck.Region) (*yodeck.Layout, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("UpdateLayoutRegions")
	l, ok := f.layouts[id]
	if !ok {
		return nil, notFound("layouts", id)
	}
	l.Regions = append([]yodeck.Region(nil), regions...)
	c := cloneLayout(l)
	return &c, nil
}

func (f *fakeRemote) GetScreen(_ context.Context, id int64) (*yodeck.Screen, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("GetScreen")
	s, ok := f.screens[id]
	if !ok {
		return nil, notFound("screens", id)
	}
	c := *s
	return &c, nil
}

func (f *fakeRemote) AssignScreenContent(_ context.Context, screenID int64, sourceType string, sourceID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("AssignScreenContent")
	s, ok := f.screens[screenID]
	if !ok {
		return notFound("screens", screenID)
	}
	s.SourceType = sourceType
	s.SourceID = sourceID
	return nil
}

func (f *fakeRemote) PushToScreen(_ context.Context, screenID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("PushToScreen")
	if _, ok := f.screens[screenID]; !ok {
		return notFound("screens", screenID)
	}
	return nil
}

func (f *fakeRemote) ListMedia(_ context.Context, filter yodeck.MediaFilter) ([]yodeck.Media, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("ListMedia")
	var out []yodeck.Media
	for _, m := range f.media {
		if filter.Kind != "" && m.Kind != filter.Kind {
			continue
		}
		if filter.Search != "" && !strings.Contains(m.Name, filter.Search) {
			continue
		}
		out = append(out, *m)
	}
	return out, nil
}

func (f *fakeRemote) GetMedia(_ context.Context, id int64) (*yodeck.Media, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("GetMedia")
	m, ok := f.media[id]
	if !ok {
		return nil, notFound("media", id)
	}
	c := *m
	c.Tags = append([]string(nil), m.Tags...)
	return &c, nil
}

func (f *fakeRemote) CreateMedia(_ context.Context, name string, tags []string) (*yodeck.Media, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("CreateMedia")
	m := &yodeck.Media{ID: f.id(), Name: name, Kind: yodeck.KindVideo, Status: yodeck.MediaInitialized, Tags: tags}
	f.media[m.ID] = m
	c := *m
	return &c, nil
}

func (f *fakeRemote) GetUploadURL(_ context.Context, mediaID int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("GetUploadURL")
	return fmt.Sprintf("https://upload.invalid/%d", mediaID), nil
}

func (f *fakeRemote) UploadFile(_ context.Context, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("UploadFile")
	return nil
}

func (f *fakeRemote) CompleteUpload(_ context.Context, mediaID int64, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("CompleteUpload")
	m, ok := f.media[mediaID]
	if !ok {
		return notFound("media", mediaID)
	}
	switch f.uploadStatus {
	case "":
		m.Status = yodeck.MediaReady
		m.FileSize = 1 << 20
	default:
		m.Status = f.uploadStatus
	}
	return nil
}

func (f *fakeRemote) SetMediaTags(_ context.Context, mediaID int64, tags []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("SetMediaTags")
	m, ok := f.media[mediaID]
	if !ok {
		return notFound("media", mediaID)
	}
	if f.dropTagWrites {
		return nil
	}
	m.Tags = append([]string(nil), tags...)
	return nil
}

var _ yodeck.API = (*fakeRemote)(nil)
