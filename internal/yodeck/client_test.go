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
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/elevizion/elevizion/internal/apierror"
	"github.com/goccy/go-json"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBase = "https://signage.test/api/v2"

func newTestClient(t *testing.T, maxRetries int) *Client {
	t.Helper()
	hc := &http.Client{}
	httpmock.ActivateNonDefault(hc)
	t.Cleanup(httpmock.DeactivateAndReset)

	c, err := NewClient(Config{
		BaseURL:           testBase,
		Token:             "secret",
		AuthScheme:        "Token",
		RequestsPerSecond: 1000,
		Burst:             100,
		MaxRetries:        maxRetries,
		RetryBaseDelay:    time.Millisecond,
		HTTPClient:        hc,
	})
	require.NoError(t, err)
	return c
}

func calls(key string) int {
	return httpmock.GetCallCountInfo()[key]
}

func TestNewClient_RequiresToken(t *testing.T) {
	_, err := NewClient(Config{BaseURL: testBase})
	assert.Error(t, err)
}

func TestClient_ListPlaylists_FollowsPagination(t *testing.T) {
	c := newTestClient(t, 0)

	httpmock.RegisterResponder(http.MethodGet, testBase+"/playlists/",
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "Token secret", req.Header.Get("Authorization"))
			if req.URL.Query().Get("page") == "2" {
				return httpmock.NewStringResponse(200, `{"results": [{"id": 3, "name": "Ads | Noord"}], "next": null}`), nil
			}
			assert.Equal(t, "Noord", req.URL.Query().Get("search"))
			return httpmock.NewStringResponse(200, `{"results": [{"id": 1, "name": "Baseline | Noord"}, {"id": 2, "name": "Baseline | Noord"}], "next": "/api/v2/playlists/?page=2"}`), nil
		})

	playlists, err := c.ListPlaylists(context.Background(), "Noord")
	require.NoError(t, err)
	require.Len(t, playlists, 3)
	assert.Equal(t, int64(3), playlists[2].ID)
	assert.Equal(t, 2, httpmock.GetTotalCallCount())
}

func TestClient_RetriesServerErrors(t *testing.T) {
	c := newTestClient(t, 2)

	httpmock.RegisterResponder(http.MethodGet, testBase+"/playlists/5/",
		httpmock.ResponderFromMultipleResponses([]*http.Response{
			httpmock.NewStringResponse(503, `upstream down`),
			httpmock.NewStringResponse(200, `{"id": 5, "name": "Ads | Noord", "items": []}`),
		}))

	p, err := c.GetPlaylist(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), p.ID)
	assert.Equal(t, 2, calls("GET "+testBase+"/playlists/5/"))
}

func TestClient_RetriesRateLimit(t *testing.T) {
	c := newTestClient(t, 2)

	limited := httpmock.NewStringResponse(429, `slow down`)
	limited.Header.Set("Retry-After", "0")
	httpmock.RegisterResponder(http.MethodGet, testBase+"/screens/9/",
		httpmock.ResponderFromMultipleResponses([]*http.Response{
			limited,
			httpmock.NewStringResponse(200, `{"id": 9, "screen_content": {"source_type": "layout", "source_id": 4}}`),
		}))

	s, err := c.GetScreen(context.Background(), 9)
	require.NoError(t, err)
	assert.Equal(t, SourceLayout, s.SourceType)
	assert.Equal(t, int64(4), s.SourceID)
}

func TestClient_GivesUpAfterMaxRetries(t *testing.T) {
	c := newTestClient(t, 2)
	httpmock.RegisterResponder(http.MethodGet, testBase+"/media/1/", httpmock.NewStringResponder(502, `bad gateway`))

	_, err := c.GetMedia(context.Background(), 1)
	require.Error(t, err)
	assert.Equal(t, apierror.ErrRemoteUnavailable, apierror.CodeOf(err))
	assert.Equal(t, 502, StatusOf(err))
	assert.Equal(t, 3, calls("GET "+testBase+"/media/1/"))
}

func TestClient_ClientErrorsAreNotRetried(t *testing.T) {
	c := newTestClient(t, 3)
	httpmock.RegisterResponder(http.MethodPatch, testBase+"/playlists/5/", httpmock.NewStringResponder(400, `{"items": ["invalid"]}`))

	_, err := c.UpdatePlaylistItems(context.Background(), 5, []PlaylistItem{{MediaID: 1, Duration: 10}})
	require.Error(t, err)
	assert.Equal(t, apierror.ErrRemoteRejected, apierror.CodeOf(err))
	assert.False(t, apierror.IsRetryable(err))
	assert.Equal(t, 1, calls("PATCH "+testBase+"/playlists/5/"))
}

func TestClient_NotFound(t *testing.T) {
	c := newTestClient(t, 3)
	httpmock.RegisterResponder(http.MethodGet, testBase+"/layouts/404/", httpmock.NewStringResponder(404, `{"detail": "Not found."}`))

	_, err := c.GetLayout(context.Background(), 404)
	assert.True(t, IsNotFound(err))
	assert.Equal(t, apierror.ErrNotFound, apierror.CodeOf(err))
	assert.Equal(t, 1, calls("GET "+testBase+"/layouts/404/"))
}

func TestClient_BreakerOpensOnRepeatedOutage(t *testing.T) {
	c := newTestClient(t, 0)
	httpmock.RegisterResponder(http.MethodGet, testBase+"/screens/1/", httpmock.NewStringResponder(500, `boom`))

	for i := 0; i < 6; i++ {
		_, err := c.GetScreen(context.Background(), 1)
		require.Error(t, err)
	}
	_, err := c.GetScreen(context.Background(), 1)
	require.Error(t, err)
	assert.Equal(t, apierror.ErrRemoteUnavailable, apierror.CodeOf(err))
	assert.Equal(t, 0, StatusOf(err), "open breaker rejects without calling out")
	assert.Equal(t, 6, calls("GET "+testBase+"/screens/1/"))
}

func TestClient_CreatePlaylist_Body(t *testing.T) {
	c := newTestClient(t, 0)

	httpmock.RegisterResponder(http.MethodPost, testBase+"/playlists/",
		func(req *http.Request) (*http.Response, error) {
			var body map[string]interface{}
			data, _ := io.ReadAll(req.Body)
			require.NoError(t, json.Unmarshal(data, &body))
			assert.Equal(t, "Ads | Noord", body["name"])
			assert.Equal(t, PlaylistRegular, body["type"])
			items := body["items"].([]interface{})
			require.Len(t, items, 1)
			item := items[0].(map[string]interface{})
			assert.Equal(t, float64(1), item["priority"])
			assert.Equal(t, map[string]interface{}{"id": float64(88), "type": "media"}, item["item"])
			return httpmock.NewStringResponse(201, `{"id": 31, "name": "Ads | Noord", "items": [{"id": 1, "media": 88}]}`), nil
		})

	p, err := c.CreatePlaylist(context.Background(), PlaylistInput{
		Name:  "Ads | Noord",
		Items: []PlaylistItem{{MediaID: 88, Duration: 15}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(31), p.ID)
	assert.True(t, p.HasMedia(88))
}

func TestClient_UpdateLayoutRegions_Body(t *testing.T) {
	c := newTestClient(t, 0)

	httpmock.RegisterResponder(http.MethodPatch, testBase+"/layouts/900/",
		func(req *http.Request) (*http.Response, error) {
			var body struct {
				Regions []struct {
					Left   int `json:"left"`
					Width  int `json:"width"`
					ZIndex int `json:"zindex"`
					Item   *struct {
						ID   int64  `json:"id"`
						Type string `json:"type"`
					} `json:"item"`
				} `json:"regions"`
			}
			data, _ := io.ReadAll(req.Body)
			require.NoError(t, json.Unmarshal(data, &body))
			require.Len(t, body.Regions, 2)
			assert.Equal(t, 1344, body.Regions[1].Left)
			assert.Equal(t, int64(12), body.Regions[1].Item.ID)
			assert.Equal(t, "playlist", body.Regions[1].Item.Type)
			return httpmock.NewStringResponse(200, ``), nil
		})

	l, err := c.UpdateLayoutRegions(context.Background(), 900, []Region{
		{Left: 0, Top: 0, Width: 1344, Height: 1080, ZIndex: 1, PlaylistID: 11},
		{Left: 1344, Top: 0, Width: 576, Height: 1080, ZIndex: 2, PlaylistID: 12},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(900), l.ID)
	assert.Len(t, l.Regions, 2)
}

func TestClient_UploadFlow(t *testing.T) {
	c := newTestClient(t, 0)

	src := filepath.Join(t.TempDir(), "ad.mp4")
	require.NoError(t, os.WriteFile(src, []byte("fake mp4 bytes"), 0o600))

	httpmock.RegisterResponder(http.MethodPost, testBase+"/media/",
		httpmock.NewStringResponder(201, `{"id": 700, "name": "asset-1", "status": "initialized", "file_size": 0}`))
	httpmock.RegisterResponder(http.MethodGet, testBase+"/media/700/upload",
		httpmock.NewStringResponder(200, `{"upload_url": "https://bucket.test/upload/700?sig=abc"}`))
	httpmock.RegisterResponder(http.MethodPut, "https://bucket.test/upload/700",
		func(req *http.Request) (*http.Response, error) {
			assert.Empty(t, req.Header.Get("Authorization"), "presigned upload must not carry credentials")
			data, _ := io.ReadAll(req.Body)
			assert.Equal(t, "fake mp4 bytes", string(data))
			return httpmock.NewStringResponse(200, ``), nil
		})
	httpmock.RegisterResponder(http.MethodPut, testBase+"/media/700/upload/complete",
		httpmock.NewStringResponder(200, `{}`))

	ctx := context.Background()
	m, err := c.CreateMedia(ctx, "asset-1", nil)
	require.NoError(t, err)
	assert.True(t, m.IsStuck())

	u, err := c.GetUploadURL(ctx, m.ID)
	require.NoError(t, err)
	require.NoError(t, c.UploadFile(ctx, u, src))
	require.NoError(t, c.CompleteUpload(ctx, m.ID, u))
}

func TestClient_UploadIgnoresAPITimeout(t *testing.T) {
	src := filepath.Join(t.TempDir(), "ad.mp4")
	require.NoError(t, os.WriteFile(src, []byte("slow bytes"), 0o600))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.ReadAll(r.Body)
		time.Sleep(100 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c, err := NewClient(Config{BaseURL: server.URL, Token: "secret", Timeout: 20 * time.Millisecond})
	require.NoError(t, err)

	assert.NoError(t, c.UploadFile(context.Background(), server.URL+"/upload/1", src))
}

func TestClient_UploadTimeout(t *testing.T) {
	src := filepath.Join(t.TempDir(), "ad.mp4")
	require.NoError(t, os.WriteFile(src, []byte("slow bytes"), 0o600))

	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	c, err := NewClient(Config{BaseURL: server.URL, Token: "secret", UploadTimeout: 50 * time.Millisecond})
	require.NoError(t, err)

	err = c.UploadFile(context.Background(), server.URL+"/upload/1", src)
	require.Error(t, err)
	assert.Equal(t, apierror.ErrUploadTimeout, apierror.CodeOf(err))
	assert.True(t, apierror.IsRetryable(err))
}

func TestClient_UploadTimeoutGrowsWithSize(t *testing.T) {
	c := &Client{}
	assert.Equal(t, uploadBaseTimeout, c.uploadTimeoutFor(1<<10))
	assert.Equal(t, uploadBaseTimeout+400*time.Second, c.uploadTimeoutFor(100<<20))

	c.uploadTimeout = time.Hour
	assert.Equal(t, time.Hour, c.uploadTimeoutFor(100<<20))
}

func TestClient_ListMedia_FiltersClientSide(t *testing.T) {
	c := newTestClient(t, 0)
	httpmock.RegisterResponder(http.MethodGet, testBase+"/media/",
		httpmock.NewStringResponder(200, `[
			{"id": 1, "media_type": "video", "status": "finished", "file_size": 10, "tags": ["autopilot"]},
			{"id": 2, "media_type": "image", "status": "finished", "file_size": 10, "tags": ["autopilot"]},
			{"id": 3, "media_type": "video", "status": "error", "file_size": 0}
		]`))

	media, err := c.ListMedia(context.Background(), MediaFilter{Kind: KindVideo, Tag: "autopilot"})
	require.NoError(t, err)
	require.Len(t, media, 1)
	assert.Equal(t, int64(1), media[0].ID)
}

func TestRetryAfter(t *testing.T) {
	assert.Equal(t, 2*time.Second, retryAfter(&Error{cause: retryAfterHint("2")}))
	assert.Equal(t, time.Minute, retryAfter(&Error{cause: retryAfterHint("3600")}))
	assert.Equal(t, time.Duration(0), retryAfter(&Error{cause: retryAfterHint("soon")}))
	assert.Equal(t, time.Duration(0), retryAfter(&Error{}))
}
