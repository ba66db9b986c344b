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
	"time"

	"github.com/sirupsen/logrus"

	"github.com/elevizion/elevizion/internal/lock"
	"github.com/elevizion/elevizion/internal/metrics"
	"github.com/elevizion/elevizion/internal/poll"
	"github.com/elevizion/elevizion/internal/yodeck"
	"github.com/elevizion/elevizion/model"
)

// Content guarantee strategies, in the order they are tried.
const (
	StrategyApprovedAssets = "approved_assets"
	StrategySelfAd         = "self_ad"
	StrategyAnyRemoteVideo = "any_remote_video"
	StrategyTagBased       = "tag_based"
)

const (
	anyVideoCacheKey = "elevizion:yodeck:any_ready_video"
	anyVideoCacheTTL = 5 * time.Minute
)

// StrategyResult is the uniform outcome of one content strategy.
type StrategyResult struct {
	OK       bool
	Value    []int64
	TagBased bool
	Reason   string
}

func strategyFailed(format string, args ...interface{}) StrategyResult {
	return StrategyResult{Reason: fmt.Sprintf(format, args...)}
}

// guaranteeTarget is the zone being filled. Candidate remembers a usable
// media id found by an earlier strategy so the tag-based fallback has
// something to tag.
type guaranteeTarget struct {
	location   *model.Location
	playlistID int64
	candidate  int64
}

type contentStrategy struct {
	name string
	run  func(ctx context.Context, t *guaranteeTarget) StrategyResult
}

func (e *Elevizion) contentStrategies() []contentStrategy {
	return []contentStrategy{
		{name: StrategyApprovedAssets, run: e.linkApprovedAssets},
		{name: StrategySelfAd, run: e.linkSelfAd},
		{name: StrategyAnyRemoteVideo, run: e.linkAnyRemoteVideo},
		{name: StrategyTagBased, run: e.fallbackTagBased},
	}
}

// guaranteeContent fills the ADS playlist using the first strategy that
// produces verifiable content. A zero Strategy in the outcome means every
// strategy failed.
func (e *Elevizion) guaranteeContent(ctx context.Context, loc *model.Location, playlistID int64) *model.GuaranteeOutcome {
	return e.runStrategies(ctx, &guaranteeTarget{location: loc, playlistID: playlistID}, e.contentStrategies())
}

func (e *Elevizion) runStrategies(ctx context.Context, t *guaranteeTarget, strategies []contentStrategy) *model.GuaranteeOutcome {
	ctx, span := tracer.Start(ctx, "guaranteeContent")
	defer span.End()

	out := &model.GuaranteeOutcome{}
	for _, s := range strategies {
		out.Attempted = append(out.Attempted, s.name)
		res := s.run(ctx, t)
		if res.OK {
			out.Strategy = s.name
			out.MediaIDs = res.Value
			out.TagBased = res.TagBased
			metrics.ContentGuaranteeStrategy.WithLabelValues(s.name).Inc()
			return out
		}
		out.Reasons = append(out.Reasons, s.name+": "+res.Reason)
		logrus.WithFields(logrus.Fields{
			"location_id": t.location.LocationID,
			"strategy":    s.name,
			"reason":      res.Reason,
		}).Debug("content strategy did not apply")
	}
	metrics.ContentGuaranteeStrategy.WithLabelValues("none").Inc()
	return out
}

func (e *Elevizion) linkApprovedAssets(ctx context.Context, t *guaranteeTarget) StrategyResult {
	assets, err := e.datasource.GetLinkableAssetsForLocation(ctx, t.location.LocationID, e.now())
	if err != nil {
		return strategyFailed("load assets: %v", err)
	}
	var ids []int64
	for i := range assets {
		a := &assets[i]
		if !a.IsLinkable() || a.YodeckMediaID == 0 {
			continue
		}
		if e.isFallbackMedia(a.YodeckMediaID) {
			logrus.WithFields(logrus.Fields{
				"asset_id": a.AssetID,
				"media_id": a.YodeckMediaID,
			}).Warn("asset mapped to fallback media, not linking")
			continue
		}
		ids = append(ids, a.YodeckMediaID)
	}
	if len(ids) == 0 {
		return strategyFailed("no approved assets for location")
	}
	return e.linkMedia(ctx, t.playlistID, ids)
}

func (e *Elevizion) linkSelfAd(ctx context.Context, t *guaranteeTarget) StrategyResult {
	id := e.cfg.Content.SelfAdMediaID
	if id == 0 {
		return strategyFailed("no self-ad media configured")
	}
	m, err := e.remote.GetMedia(ctx, id)
	if err != nil {
		return strategyFailed("self-ad media %d: %v", id, err)
	}
	if m.IsErrored() {
		return strategyFailed("self-ad media %d is errored", id)
	}
	t.candidate = id
	return e.linkMedia(ctx, t.playlistID, []int64{id})
}

func (e *Elevizion) linkAnyRemoteVideo(ctx context.Context, t *guaranteeTarget) StrategyResult {
	id, err := e.anyRemoteVideo(ctx)
	if err != nil {
		return strategyFailed("list media: %v", err)
	}
	if id == 0 {
		return strategyFailed("no usable video on the platform")
	}
	if t.candidate == 0 {
		t.candidate = id
	}
	return e.linkMedia(ctx, t.playlistID, []int64{id})
}

// fallbackTagBased switches the playlist to resolve content by tag. The
// platform's items API reports zero items for such playlists, so success is
// judged on the playlist type alone.
func (e *Elevizion) fallbackTagBased(ctx context.Context, t *guaranteeTarget) StrategyResult {
	tag := e.cfg.Content.AutopilotTag
	if t.candidate != 0 {
		if err := e.tagMedia(ctx, t.candidate, tag); err != nil {
			logrus.WithError(err).WithField("media_id", t.candidate).Warn("could not tag fallback media")
		}
	}

	if _, err := e.remote.ConvertToTagBased(ctx, t.playlistID, []string{tag}); err != nil {
		return strategyFailed("convert to tag-based: %v", err)
	}
	_, err := poll.Until(ctx, e.verifyBudget(), func(ctx context.Context, _ int) (bool, error) {
		p, err := e.remote.GetPlaylist(ctx, t.playlistID)
		if err != nil {
			return false, err
		}
		return p.IsTagBased(), nil
	})
	if err != nil {
		return strategyFailed("tag-based playlist not confirmed: %v", err)
	}
	return StrategyResult{OK: true, TagBased: true}
}

// tagMedia adds tag to the media's existing tags.
func (e *Elevizion) tagMedia(ctx context.Context, mediaID int64, tag string) error {
	m, err := e.remote.GetMedia(ctx, mediaID)
	if err != nil {
		return err
	}
	for _, t := range m.Tags {
		if t == tag {
			return nil
		}
	}
	return e.remote.SetMediaTags(ctx, mediaID, append(m.Tags, tag))
}

// anyRemoteVideo returns the id of a ready, non-errored video, or zero. The
// lookup is cached because every failing location in a sweep asks for it.
func (e *Elevizion) anyRemoteVideo(ctx context.Context) (int64, error) {
	lookup := func() (interface{}, error) {
		list, err := e.remote.ListMedia(ctx, yodeck.MediaFilter{Kind: yodeck.KindVideo})
		if err != nil {
			return int64(0), err
		}
		for i := range list {
			if list[i].IsReady() && !list[i].IsErrored() {
				return list[i].ID, nil
			}
		}
		return int64(0), nil
	}

	if e.cache == nil {
		v, err := lookup()
		return v.(int64), err
	}
	var id int64
	if err := e.cache.Once(ctx, anyVideoCacheKey, &id, anyVideoCacheTTL, lookup); err != nil {
		return 0, err
	}
	return id, nil
}

// linkMedia appends any of mediaIDs missing from the playlist and waits
// until at least one of them is visible on re-read.
func (e *Elevizion) linkMedia(ctx context.Context, playlistID int64, mediaIDs []int64) StrategyResult {
	err := e.locks.WithLock(ctx, lock.Playlist, fmt.Sprint(playlistID), e.lockTTL(), e.lockWait(), func(ctx context.Context) error {
		p, err := e.remote.GetPlaylist(ctx, playlistID)
		if err != nil {
			return err
		}
		items, changed := appendMedia(dedupeItems(p.Items), mediaIDs, e.cfg.Content.DefaultItemDuration)
		if !changed && len(items) == len(p.Items) {
			return nil
		}
		_, err = e.remote.UpdatePlaylistItems(ctx, playlistID, items)
		return err
	})
	if err != nil {
		return strategyFailed("update playlist %d: %v", playlistID, err)
	}

	var present []int64
	_, err = poll.Until(ctx, e.verifyBudget(), func(ctx context.Context, _ int) (bool, error) {
		p, err := e.remote.GetPlaylist(ctx, playlistID)
		if err != nil {
			return false, err
		}
		present = present[:0]
		for _, id := range mediaIDs {
			if p.HasMedia(id) {
				present = append(present, id)
			}
		}
		return len(present) > 0, nil
	})
	if err != nil {
		return strategyFailed("content not visible on playlist %d: %v", playlistID, err)
	}
	return StrategyResult{OK: true, Value: present}
}

// dedupeItems keeps the first item for each media id.
func dedupeItems(items []yodeck.PlaylistItem) []yodeck.PlaylistItem {
	seen := make(map[int64]bool, len(items))
	out := make([]yodeck.PlaylistItem, 0, len(items))
	for _, item := range items {
		if seen[item.MediaID] {
			continue
		}
		seen[item.MediaID] = true
		out = append(out, item)
	}
	return out
}

// appendMedia adds the media ids not already present as new items at the
// end of the playlist.
func appendMedia(items []yodeck.PlaylistItem, mediaIDs []int64, duration int) ([]yodeck.PlaylistItem, bool) {
	changed := false
	for _, id := range mediaIDs {
		found := false
		for _, item := range items {
			if item.MediaID == id {
				found = true
				break
			}
		}
		if found {
			continue
		}
		items = append(items, yodeck.PlaylistItem{
			MediaID:  id,
			Type:     "media",
			Duration: duration,
			Priority: len(items) + 1,
		})
		changed = true
	}
	return items, changed
}

// isFallbackMedia reports whether id is the self-ad or a baseline media.
// An asset mapped to one of these is a known corruption.
func (e *Elevizion) isFallbackMedia(id int64) bool {
	if id == 0 {
		return false
	}
	return id == e.cfg.Content.SelfAdMediaID || e.isBaselineMedia(id)
}

func (e *Elevizion) isBaselineMedia(id int64) bool {
	for _, b := range e.cfg.Content.BaselineMediaIDs {
		if b == id {
			return true
		}
	}
	return false
}

func (e *Elevizion) verifyBudget() poll.Budget {
	return poll.Budget{
		Interval:    time.Duration(e.cfg.Publish.VerifyIntervalSec) * time.Second,
		MaxAttempts: e.cfg.Publish.VerifyAttempts,
	}
}
