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
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// The platform returns the same resource in several shapes depending on the
// endpoint and API version. Everything below turns a raw payload into one
// canonical type. The recognised variants are:
//
//	lists:      bare array | {"results"|"data"|"items"|"objects": [...], "next": url}
//	ids:        "id" | "pk", as number or numeric string
//	media:      status in "status" | "state" | "processing_status";
//	            size in "file_size" | "filesize" | "size" | "file": {"size"}
//	            kind in "kind" | "media_type" | "type"
//	item refs:  "media": id | {"id"...}; "item": {"id", "type"}; "media_id"
//	regions:    "item": {"id", "type": "playlist"} | "playlist": id | {"id"} | "playlist_id"
//	screens:    "screen_content" | "default_content" with "source_type"/"source_id"
//	tags:       ["a", "b"] | [{"name": "a"}]

type object = map[string]interface{}

var listEnvelopes = []string{"results", "data", "items", "objects"}

func decode(body []byte) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return v, nil
}

func decodeObject(body []byte) (object, error) {
	v, err := decode(body)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(object)
	if !ok {
		return nil, fmt.Errorf("decode response: expected object, got %T", v)
	}
	return obj, nil
}

// normalizeList extracts the element objects and the next-page URL from any
// list shape.
func normalizeList(body []byte) ([]object, string, error) {
	v, err := decode(body)
	if err != nil {
		return nil, "", err
	}

	var raw []interface{}
	next := ""
	switch t := v.(type) {
	case []interface{}:
		raw = t
	case object:
		found := false
		for _, key := range listEnvelopes {
			if arr, ok := t[key].([]interface{}); ok {
				raw, found = arr, true
				break
			}
		}
		if !found {
			return nil, "", fmt.Errorf("decode response: no list envelope in object")
		}
		next = stringField(t, "next")
	default:
		return nil, "", fmt.Errorf("decode response: unexpected list payload %T", v)
	}

	out := make([]object, 0, len(raw))
	for _, el := range raw {
		if obj, ok := el.(object); ok {
			out = append(out, obj)
		}
	}
	return out, next, nil
}

// normalizeID reads a numeric id from a number, a numeric string, or an
// object carrying "id"/"pk".
func normalizeID(v interface{}) int64 {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		if f, err := t.Float64(); err == nil {
			return int64(f)
		}
	case float64:
		return int64(t)
	case int64:
		return t
	case int:
		return int64(t)
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64); err == nil {
			return n
		}
	case object:
		return objectID(t)
	}
	return 0
}

func objectID(obj object) int64 {
	if id := normalizeID(obj["id"]); id != 0 {
		return id
	}
	return normalizeID(obj["pk"])
}

func firstPresent(obj object, keys ...string) (interface{}, bool) {
	for _, k := range keys {
		if v, ok := obj[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func stringField(obj object, keys ...string) string {
	v, ok := firstPresent(obj, keys...)
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	}
	return ""
}

func intField(obj object, keys ...string) int64 {
	v, ok := firstPresent(obj, keys...)
	if !ok {
		return 0
	}
	return normalizeID(v)
}

func boolField(obj object, key string) (bool, bool) {
	switch t := obj[key].(type) {
	case bool:
		return t, true
	case string:
		b, err := strconv.ParseBool(t)
		return b, err == nil
	}
	return false, false
}

func tagsField(obj object) []string {
	arr, ok := obj["tags"].([]interface{})
	if !ok {
		return nil
	}
	tags := make([]string, 0, len(arr))
	for _, el := range arr {
		switch t := el.(type) {
		case string:
			tags = append(tags, t)
		case object:
			if name := stringField(t, "name"); name != "" {
				tags = append(tags, name)
			}
		}
	}
	return tags
}

func normalizeMedia(obj object) Media {
	m := Media{
		ID:     objectID(obj),
		Name:   stringField(obj, "name", "title"),
		Kind:   strings.ToLower(stringField(obj, "kind", "media_type", "type")),
		Status: strings.ToLower(stringField(obj, "status", "state", "processing_status")),
		Origin: stringField(obj, "media_origin", "origin"),
		Tags:   tagsField(obj),
	}

	m.FileSize = intField(obj, "file_size", "filesize", "size")
	if m.FileSize == 0 {
		if file, ok := obj["file"].(object); ok {
			m.FileSize = intField(file, "size", "file_size")
		}
	}
	return m
}

func normalizePlaylistItem(obj object) PlaylistItem {
	item := PlaylistItem{
		ID:       objectID(obj),
		Type:     strings.ToLower(stringField(obj, "type")),
		Name:     stringField(obj, "name"),
		Duration: int(intField(obj, "duration")),
		Priority: int(intField(obj, "priority")),
	}

	switch ref := obj["media"].(type) {
	case nil:
	case object:
		item.MediaID = objectID(ref)
		if item.Name == "" {
			item.Name = stringField(ref, "name")
		}
	default:
		item.MediaID = normalizeID(ref)
	}

	if nested, ok := obj["item"].(object); ok {
		if item.MediaID == 0 {
			item.MediaID = objectID(nested)
		}
		if t := stringField(nested, "type"); t != "" {
			item.Type = strings.ToLower(t)
		}
		if item.Name == "" {
			item.Name = stringField(nested, "name")
		}
	}

	if item.MediaID == 0 {
		item.MediaID = intField(obj, "media_id")
	}
	if item.Type == "" {
		item.Type = "media"
	}
	return item
}

func normalizePlaylist(obj object) Playlist {
	p := Playlist{
		ID:   objectID(obj),
		Name: stringField(obj, "name"),
		Type: strings.ToLower(stringField(obj, "type", "playlist_type")),
		Tags: tagsField(obj),
	}
	if p.Type == "" {
		p.Type = PlaylistRegular
	}
	if p.Type == "tag_based" || p.Type == "tag-based" {
		p.Type = PlaylistTagBased
	}

	if arr, ok := obj["items"].([]interface{}); ok {
		p.Items = make([]PlaylistItem, 0, len(arr))
		for _, el := range arr {
			if o, ok := el.(object); ok {
				p.Items = append(p.Items, normalizePlaylistItem(o))
			}
		}
	}
	return p
}

func normalizeRegion(obj object) Region {
	r := Region{
		Left:   int(intField(obj, "left", "x")),
		Top:    int(intField(obj, "top", "y")),
		Width:  int(intField(obj, "width")),
		Height: int(intField(obj, "height")),
		ZIndex: int(intField(obj, "zindex", "z_index", "z")),
	}

	if nested, ok := obj["item"].(object); ok {
		t := strings.ToLower(stringField(nested, "type"))
		if t == "" || t == SourcePlaylist {
			r.PlaylistID = objectID(nested)
		}
	}
	if r.PlaylistID == 0 {
		if v, ok := firstPresent(obj, "playlist", "playlist_id"); ok {
			r.PlaylistID = normalizeID(v)
		}
	}
	return r
}

func normalizeLayout(obj object) Layout {
	l := Layout{
		ID:     objectID(obj),
		Name:   stringField(obj, "name"),
		Width:  int(intField(obj, "width", "screen_width")),
		Height: int(intField(obj, "height", "screen_height")),
	}
	if arr, ok := obj["regions"].([]interface{}); ok {
		l.Regions = make([]Region, 0, len(arr))
		for _, el := range arr {
			if o, ok := el.(object); ok {
				l.Regions = append(l.Regions, normalizeRegion(o))
			}
		}
	}
	return l
}

func normalizeScreen(obj object) Screen {
	s := Screen{
		ID:   objectID(obj),
		Name: stringField(obj, "name"),
	}

	if online, ok := boolField(obj, "online"); ok {
		s.Online = online
	} else if state, ok := obj["state"].(object); ok {
		s.Online, _ = boolField(state, "online")
	}

	for _, key := range []string{"screen_content", "default_content"} {
		content, ok := obj[key].(object)
		if !ok {
			continue
		}
		s.SourceType = strings.ToLower(stringField(content, "source_type", "type"))
		s.SourceID = intField(content, "source_id", "id")
		if s.SourceID != 0 {
			break
		}
	}
	return s
}

// The list helpers below apply an element normalizer to every object of a
// page.

func normalizePlaylists(objs []object) []Playlist {
	out := make([]Playlist, 0, len(objs))
	for _, o := range objs {
		out = append(out, normalizePlaylist(o))
	}
	return out
}

func normalizeLayouts(objs []object) []Layout {
	out := make([]Layout, 0, len(objs))
	for _, o := range objs {
		out = append(out, normalizeLayout(o))
	}
	return out
}

func normalizeMediaList(objs []object) []Media {
	out := make([]Media, 0, len(objs))
	for _, o := range objs {
		out = append(out, normalizeMedia(o))
	}
	return out
}
