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
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/elevizion/elevizion/config"
	"github.com/elevizion/elevizion/database/mocks"
	"github.com/elevizion/elevizion/internal/cache"
	"github.com/elevizion/elevizion/internal/yodeck"
	"github.com/elevizion/elevizion/model"
)

func guaranteeFixture(t *testing.T, assets []model.Asset, mutate func(*config.Configuration)) (*Elevizion, *fakeRemote, int64) {
	t.Helper()
	remote := newFakeRemote()
	adsID := remote.addPlaylist(yodeck.Playlist{Name: "Ads | Central Station"})

	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}
	ds := new(mocks.MockDataSource)
	ds.On("GetLinkableAssetsForLocation", mock.Anything, "loc_1", mock.Anything).Return(assets, nil)
	return newTestEngine(t, ds, remote, cfg), remote, adsID
}

func TestGuaranteeContent_ApprovedAssetsFirst(t *testing.T) {
	assets := []model.Asset{
		{AssetID: "a1", Status: model.AssetStatusApproved, YodeckMediaID: 41},
		{AssetID: "a2", Status: model.AssetStatusApproved, YodeckMediaID: testSelfAdID},
		{AssetID: "a3", Status: model.AssetStatusPending, YodeckMediaID: 43},
	}
	e, remote, adsID := guaranteeFixture(t, assets, func(cfg *config.Configuration) {
		cfg.Content.SelfAdMediaID = testSelfAdID
	})

	out := e.guaranteeContent(context.Background(), testLocation(), adsID)

	assert.Equal(t, StrategyApprovedAssets, out.Strategy)
	assert.Equal(t, []int64{41}, out.MediaIDs)
	assert.Equal(t, []string{StrategyApprovedAssets}, out.Attempted)

	p, err := remote.GetPlaylist(context.Background(), adsID)
	require.NoError(t, err)
	assert.True(t, p.HasMedia(41))
	assert.False(t, p.HasMedia(testSelfAdID), "asset mapped to the self-ad must not be linked")
	assert.False(t, p.HasMedia(43))
}

func TestGuaranteeContent_FallsBackToAnyRemoteVideo(t *testing.T) {
	e, remote, adsID := guaranteeFixture(t, nil, nil)
	remote.addMedia(yodeck.Media{ID: 60, Kind: yodeck.KindVideo, Status: yodeck.MediaError})
	remote.addMedia(yodeck.Media{ID: 61, Kind: yodeck.KindImage, Status: yodeck.MediaReady, FileSize: 5})
	remote.addMedia(yodeck.Media{ID: 62, Kind: yodeck.KindVideo, Status: yodeck.MediaReady, FileSize: 5})

	out := e.guaranteeContent(context.Background(), testLocation(), adsID)

	assert.Equal(t, StrategyAnyRemoteVideo, out.Strategy)
	assert.Equal(t, []int64{62}, out.MediaIDs)
	assert.Len(t, out.Reasons, 2)
}

func TestGuaranteeContent_TagBasedSucceedsWithZeroItems(t *testing.T) {
	e, remote, adsID := guaranteeFixture(t, nil, func(cfg *config.Configuration) {
		cfg.Content.SelfAdMediaID = testSelfAdID
	})
	remote.addMedia(yodeck.Media{ID: testSelfAdID, Kind: yodeck.KindVideo, Status: yodeck.MediaReady, FileSize: 5})
	remote.rejectItems = true

	out := e.guaranteeContent(context.Background(), testLocation(), adsID)

	require.Equal(t, StrategyTagBased, out.Strategy)
	assert.True(t, out.TagBased)
	assert.Empty(t, out.MediaIDs)

	p, err := remote.GetPlaylist(context.Background(), adsID)
	require.NoError(t, err)
	assert.True(t, p.IsTagBased())
	assert.Empty(t, p.Items)
	assert.Equal(t, []string{"elevizion-autopilot"}, p.Tags)

	m, err := remote.GetMedia(context.Background(), testSelfAdID)
	require.NoError(t, err)
	assert.Contains(t, m.Tags, "elevizion-autopilot")
}

func TestRunStrategies_StopsAtFirstSuccess(t *testing.T) {
	e, _, _ := guaranteeFixture(t, nil, nil)
	var ran []string
	strategy := func(name string, ok bool) contentStrategy {
		return contentStrategy{name: name, run: func(context.Context, *guaranteeTarget) StrategyResult {
			ran = append(ran, name)
			if ok {
				return StrategyResult{OK: true, Value: []int64{1}}
			}
			return strategyFailed("%s not applicable", name)
		}}
	}

	out := e.runStrategies(context.Background(), &guaranteeTarget{location: testLocation()},
		[]contentStrategy{strategy("a", false), strategy("b", true), strategy("c", true)})

	assert.Equal(t, "b", out.Strategy)
	assert.Equal(t, []string{"a", "b"}, ran)
	assert.Equal(t, []string{"a: a not applicable"}, out.Reasons)
}

func TestAnyRemoteVideo_Cached(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	remote := newFakeRemote()
	remote.addMedia(yodeck.Media{ID: 62, Kind: yodeck.KindVideo, Status: yodeck.MediaReady, FileSize: 5})
	e := newTestEngine(t, nil, remote, nil, WithCache(cache.NewCache(client)))

	for i := 0; i < 3; i++ {
		id, err := e.anyRemoteVideo(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(62), id)
	}
	assert.Equal(t, 1, remote.Calls("ListMedia"))
}

func TestDedupeAndAppendItems(t *testing.T) {
	items := []yodeck.PlaylistItem{{MediaID: 1}, {MediaID: 2}, {MediaID: 1}}
	deduped := dedupeItems(items)
	assert.Len(t, deduped, 2)

	out, changed := appendMedia(deduped, []int64{2, 3}, 10)
	assert.True(t, changed)
	require.Len(t, out, 3)
	assert.Equal(t, int64(3), out[2].MediaID)
	assert.Equal(t, 10, out[2].Duration)

	_, changed = appendMedia(out, []int64{1, 3}, 10)
	assert.False(t, changed)
}
