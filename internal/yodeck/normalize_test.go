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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeList_Shapes(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		wantIDs  []int64
		wantNext string
	}{
		{
			name:    "bare array",
			payload: `[{"id": 1}, {"id": 2}]`,
			wantIDs: []int64{1, 2},
		},
		{
			name:     "results envelope with next",
			payload:  `{"count": 3, "next": "https://app.yodeck.com/api/v2/media/?page=2", "results": [{"id": 10}]}`,
			wantIDs:  []int64{10},
			wantNext: "https://app.yodeck.com/api/v2/media/?page=2",
		},
		{
			name:    "data envelope",
			payload: `{"data": [{"id": "11"}, {"pk": 12}]}`,
			wantIDs: []int64{11, 12},
		},
		{
			name:    "items envelope",
			payload: `{"items": [{"pk": "13"}]}`,
			wantIDs: []int64{13},
		},
		{
			name:    "objects envelope with null next",
			payload: `{"next": null, "objects": [{"id": 14}, "garbage", {"id": 15}]}`,
			wantIDs: []int64{14, 15},
		},
		{
			name:    "empty results",
			payload: `{"results": []}`,
			wantIDs: []int64{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			objs, next, err := normalizeList([]byte(tt.payload))
			require.NoError(t, err)
			ids := make([]int64, 0, len(objs))
			for _, o := range objs {
				ids = append(ids, objectID(o))
			}
			assert.Equal(t, tt.wantIDs, ids)
			assert.Equal(t, tt.wantNext, next)
		})
	}
}

func TestNormalizeList_Errors(t *testing.T) {
	_, _, err := normalizeList([]byte(`{"count": 0}`))
	assert.Error(t, err)

	_, _, err = normalizeList([]byte(`"nope"`))
	assert.Error(t, err)

	_, _, err = normalizeList([]byte(`{not json`))
	assert.Error(t, err)
}

func TestNormalizeID(t *testing.T) {
	objs, _, err := normalizeList([]byte(`[{"id": 9007199254740993}, {"id": "42"}, {"pk": 7}, {"id": "abc"}, {"id": 0, "pk": 5}]`))
	require.NoError(t, err)

	assert.Equal(t, int64(9007199254740993), objectID(objs[0]), "large ids keep precision")
	assert.Equal(t, int64(42), objectID(objs[1]))
	assert.Equal(t, int64(7), objectID(objs[2]))
	assert.Equal(t, int64(0), objectID(objs[3]))
	assert.Equal(t, int64(5), objectID(objs[4]))
}

func TestNormalizeMedia_Variants(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    Media
	}{
		{
			name:    "status and file_size",
			payload: `{"id": 1, "name": "a", "status": "finished", "file_size": 100, "media_type": "video"}`,
			want:    Media{ID: 1, Name: "a", Status: MediaFinished, FileSize: 100, Kind: KindVideo},
		},
		{
			name:    "state and filesize",
			payload: `{"id": 2, "name": "b", "state": "READY", "filesize": "200", "kind": "video"}`,
			want:    Media{ID: 2, Name: "b", Status: MediaReady, FileSize: 200, Kind: KindVideo},
		},
		{
			name:    "processing_status and size",
			payload: `{"pk": 3, "title": "c", "processing_status": "processing", "size": 0, "type": "Video"}`,
			want:    Media{ID: 3, Name: "c", Status: MediaProcessing, Kind: KindVideo},
		},
		{
			name:    "nested file size",
			payload: `{"id": 4, "name": "d", "status": "initialized", "file": {"size": 0}}`,
			want:    Media{ID: 4, Name: "d", Status: MediaInitialized},
		},
		{
			name:    "nested file size non zero with object tags",
			payload: `{"id": 5, "name": "e", "status": "ready", "file": {"size": 5000}, "tags": [{"name": "autopilot"}, "ads"]}`,
			want:    Media{ID: 5, Name: "e", Status: MediaReady, FileSize: 5000, Tags: []string{"autopilot", "ads"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obj, err := decodeObject([]byte(tt.payload))
			require.NoError(t, err)
			assert.Equal(t, tt.want, normalizeMedia(obj))
		})
	}
}

func TestMediaReadiness(t *testing.T) {
	assert.True(t, (&Media{Status: MediaReady, FileSize: 1}).IsReady())
	assert.False(t, (&Media{Status: MediaReady}).IsReady(), "zero bytes is never ready")
	assert.True(t, (&Media{Status: MediaInitialized}).IsStuck())
	assert.False(t, (&Media{Status: MediaInitialized, FileSize: 10}).IsStuck())
	assert.True(t, (&Media{Status: MediaError}).IsErrored())
}

func TestNormalizePlaylist_ItemVariants(t *testing.T) {
	payload := `{
		"id": 77,
		"name": "Ads | Cafe Noord",
		"items": [
			{"id": 1, "media": 501, "duration": 10, "priority": 1},
			{"id": 2, "media": {"id": "502", "name": "promo"}, "duration": 15, "priority": 2},
			{"id": 3, "item": {"id": 503, "type": "media", "name": "nested"}, "priority": 3},
			{"id": 4, "media_id": 504}
		]
	}`
	obj, err := decodeObject([]byte(payload))
	require.NoError(t, err)

	p := normalizePlaylist(obj)
	assert.Equal(t, int64(77), p.ID)
	assert.Equal(t, PlaylistRegular, p.Type)
	require.Len(t, p.Items, 4)
	assert.Equal(t, int64(501), p.Items[0].MediaID)
	assert.Equal(t, 10, p.Items[0].Duration)
	assert.Equal(t, int64(502), p.Items[1].MediaID)
	assert.Equal(t, "promo", p.Items[1].Name)
	assert.Equal(t, int64(503), p.Items[2].MediaID)
	assert.Equal(t, "nested", p.Items[2].Name)
	assert.Equal(t, int64(504), p.Items[3].MediaID)
	assert.Equal(t, "media", p.Items[3].Type)
	assert.True(t, p.HasMedia(503))
	assert.False(t, p.HasMedia(999))
}

func TestNormalizePlaylist_TagBased(t *testing.T) {
	for _, raw := range []string{"tagbased", "tag_based", "TAG-BASED"} {
		obj, err := decodeObject([]byte(`{"id": 1, "type": "` + raw + `", "tags": ["autopilot"]}`))
		require.NoError(t, err)
		p := normalizePlaylist(obj)
		assert.True(t, p.IsTagBased(), raw)
		assert.Empty(t, p.Items)
		assert.Equal(t, []string{"autopilot"}, p.Tags)
	}
}

func TestNormalizeLayout_RegionVariants(t *testing.T) {
	payload := `{
		"id": 900,
		"name": "Elevizion | Cafe Noord",
		"screen_width": 1920,
		"screen_height": 1080,
		"regions": [
			{"left": 0, "top": 0, "width": 1344, "height": 1080, "zindex": 1, "item": {"id": 11, "type": "playlist"}},
			{"left": 1344, "top": 0, "width": 576, "height": 1080, "z_index": 2, "playlist": {"id": "12"}},
			{"x": 10, "y": 20, "width": 100, "height": 100, "z": 3, "playlist_id": 13},
			{"left": 0, "top": 0, "width": 10, "height": 10, "zindex": 4, "item": {"id": 14, "type": "media"}},
			{"left": 0, "top": 0, "width": 10, "height": 10, "zindex": 5}
		]
	}`
	obj, err := decodeObject([]byte(payload))
	require.NoError(t, err)

	l := normalizeLayout(obj)
	assert.Equal(t, int64(900), l.ID)
	assert.Equal(t, 1920, l.Width)
	assert.Equal(t, 1080, l.Height)
	require.Len(t, l.Regions, 5)
	assert.Equal(t, Region{Left: 0, Top: 0, Width: 1344, Height: 1080, ZIndex: 1, PlaylistID: 11}, l.Regions[0])
	assert.Equal(t, Region{Left: 1344, Top: 0, Width: 576, Height: 1080, ZIndex: 2, PlaylistID: 12}, l.Regions[1])
	assert.Equal(t, Region{Left: 10, Top: 20, Width: 100, Height: 100, ZIndex: 3, PlaylistID: 13}, l.Regions[2])
	assert.Equal(t, int64(0), l.Regions[3].PlaylistID, "media items are not playlist bindings")
	assert.Equal(t, int64(0), l.Regions[4].PlaylistID)
}

func TestNormalizeScreen_ContentVariants(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    Screen
	}{
		{
			name:    "screen_content",
			payload: `{"id": 5, "name": "Noord", "online": true, "screen_content": {"source_type": "layout", "source_id": 900}}`,
			want:    Screen{ID: 5, Name: "Noord", Online: true, SourceType: SourceLayout, SourceID: 900},
		},
		{
			name:    "default_content with nested state",
			payload: `{"id": "6", "name": "Zuid", "state": {"online": false}, "default_content": {"type": "Playlist", "id": 12}}`,
			want:    Screen{ID: 6, Name: "Zuid", SourceType: SourcePlaylist, SourceID: 12},
		},
		{
			name:    "empty screen_content falls through to default_content",
			payload: `{"id": 7, "screen_content": {}, "default_content": {"source_type": "schedule", "source_id": 3}}`,
			want:    Screen{ID: 7, SourceType: SourceSchedule, SourceID: 3},
		},
		{
			name:    "unbound",
			payload: `{"id": 8, "online": "true"}`,
			want:    Screen{ID: 8, Online: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obj, err := decodeObject([]byte(tt.payload))
			require.NoError(t, err)
			assert.Equal(t, tt.want, normalizeScreen(obj))
		})
	}
}

func TestRegionSameGeometry(t *testing.T) {
	a := Region{Left: 0, Top: 0, Width: 1344, Height: 1080, ZIndex: 1, PlaylistID: 1}
	b := a
	b.PlaylistID = 2
	assert.True(t, a.SameGeometry(b))
	b.Width = 1300
	assert.False(t, a.SameGeometry(b))
}
