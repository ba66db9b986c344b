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

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

type playlistItemBody struct {
	Item     itemRef `json:"item"`
	Duration int     `json:"duration"`
	Priority int     `json:"priority"`
}

type itemRef struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

func itemBodies(items []PlaylistItem) []playlistItemBody {
	out := make([]playlistItemBody, 0, len(items))
	for i, it := range items {
		priority := it.Priority
		if priority == 0 {
			priority = i + 1
		}
		t := it.Type
		if t == "" {
			t = "media"
		}
		out = append(out, playlistItemBody{
			Item:     itemRef{ID: it.MediaID, Type: t},
			Duration: it.Duration,
			Priority: priority,
		})
	}
	return out
}

// ListPlaylists returns every playlist whose name matches search. The
// platform's search is a substring match; callers filter for exact names.
func (c *Client) ListPlaylists(ctx context.Context, search string) ([]Playlist, error) {
	q := url.Values{}
	if search != "" {
		q.Set("search", search)
	}
	objs, err := c.listAll(ctx, "/playlists/", q)
	if err != nil {
		return nil, err
	}
	return normalizePlaylists(objs), nil
}

func (c *Client) GetPlaylist(ctx context.Context, id int64) (*Playlist, error) {
	obj, err := c.getObject(ctx, fmt.Sprintf("/playlists/%d/", id))
	if err != nil {
		return nil, err
	}
	p := normalizePlaylist(obj)
	return &p, nil
}

func (c *Client) CreatePlaylist(ctx context.Context, in PlaylistInput) (*Playlist, error) {
	if in.Type == "" {
		in.Type = PlaylistRegular
	}
	body := map[string]interface{}{
		"name":  in.Name,
		"type":  in.Type,
		"items": itemBodies(in.Items),
	}
	if len(in.Tags) > 0 {
		body["tags"] = in.Tags
	}
	obj, err := c.sendObject(ctx, http.MethodPost, "/playlists/", body)
	if err != nil {
		return nil, err
	}
	p := normalizePlaylist(obj)
	if p.Name == "" {
		p.Name = in.Name
	}
	return &p, nil
}

// UpdatePlaylistItems replaces the full item list of a playlist.
func (c *Client) UpdatePlaylistItems(ctx context.Context, id int64, items []PlaylistItem) (*Playlist, error) {
	path := fmt.Sprintf("/playlists/%d/", id)
	obj, err := c.sendObject(ctx, http.MethodPatch, path, map[string]interface{}{
		"items": itemBodies(items),
	})
	if err != nil {
		return nil, err
	}
	p := normalizePlaylist(obj)
	if p.ID == 0 {
		p.ID = id
		p.Items = items
	}
	return &p, nil
}

// ConvertToTagBased switches a playlist to tag-driven content. The platform
// resolves its items from media carrying any of tags, and those items are
// not reported by the items API.
func (c *Client) ConvertToTagBased(ctx context.Context, id int64, tags []string) (*Playlist, error) {
	path := fmt.Sprintf("/playlists/%d/", id)
	obj, err := c.sendObject(ctx, http.MethodPatch, path, map[string]interface{}{
		"type": PlaylistTagBased,
		"tags": tags,
	})
	if err != nil {
		return nil, err
	}
	p := normalizePlaylist(obj)
	if p.ID == 0 {
		p = Playlist{ID: id, Type: PlaylistTagBased, Tags: tags}
	}
	return &p, nil
}
