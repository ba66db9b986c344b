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

type regionBody struct {
	Left   int      `json:"left"`
	Top    int      `json:"top"`
	Width  int      `json:"width"`
	Height int      `json:"height"`
	ZIndex int      `json:"zindex"`
	Item   *itemRef `json:"item,omitempty"`
}

func regionBodies(regions []Region) []regionBody {
	out := make([]regionBody, 0, len(regions))
	for _, r := range regions {
		b := regionBody{Left: r.Left, Top: r.Top, Width: r.Width, Height: r.Height, ZIndex: r.ZIndex}
		if r.PlaylistID != 0 {
			b.Item = &itemRef{ID: r.PlaylistID, Type: SourcePlaylist}
		}
		out = append(out, b)
	}
	return out
}

func (c *Client) ListLayouts(ctx context.Context, search string) ([]Layout, error) {
	q := url.Values{}
	if search != "" {
		q.Set("search", search)
	}
	objs, err := c.listAll(ctx, "/layouts/", q)
	if err != nil {
		return nil, err
	}
	return normalizeLayouts(objs), nil
}

func (c *Client) GetLayout(ctx context.Context, id int64) (*Layout, error) {
	obj, err := c.getObject(ctx, fmt.Sprintf("/layouts/%d/", id))
	if err != nil {
		return nil, err
	}
	l := normalizeLayout(obj)
	return &l, nil
}

func (c *Client) CreateLayout(ctx context.Context, in LayoutInput) (*Layout, error) {
	obj, err := c.sendObject(ctx, http.MethodPost, "/layouts/", map[string]interface{}{
		"name":          in.Name,
		"screen_width":  in.Width,
		"screen_height": in.Height,
		"regions":       regionBodies(in.Regions),
	})
	if err != nil {
		return nil, err
	}
	l := normalizeLayout(obj)
	if l.Name == "" {
		l.Name = in.Name
	}
	return &l, nil
}

// UpdateLayoutRegions replaces the region list. Callers pass every region
// so the platform never sees a partial layout.
func (c *Client) UpdateLayoutRegions(ctx context.Context, id int64, regions []Region) (*Layout, error) {
	obj, err := c.sendObject(ctx, http.MethodPatch, fmt.Sprintf("/layouts/%d/", id), map[string]interface{}{
		"regions": regionBodies(regions),
	})
	if err != nil {
		return nil, err
	}
	l := normalizeLayout(obj)
	if l.ID == 0 {
		l = Layout{ID: id, Regions: regions}
	}
	return &l, nil
}
