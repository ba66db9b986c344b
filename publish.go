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
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/elevizion/elevizion/internal/apierror"
	"github.com/elevizion/elevizion/internal/lock"
	"github.com/elevizion/elevizion/internal/media"
	"github.com/elevizion/elevizion/internal/poll"
	storagemonitor "github.com/elevizion/elevizion/internal/storage-monitor"
	"github.com/elevizion/elevizion/internal/yodeck"
	"github.com/elevizion/elevizion/model"
)

// PublishOptions controls NormalizeAndPublish.
type PublishOptions struct {
	// Force re-uploads even when the asset already has a valid mapping.
	Force bool
}

// publishTarget is one location's ADS playlist.
type publishTarget struct {
	LocationID string
	ScreenID   int64
	PlaylistID int64
	TagBased   bool
	// Tags the media must carry to play in a tag-based playlist.
	Tags []string
}

type publishRun struct {
	e          *Elevizion
	rec        *traceRecorder
	opts       PublishOptions
	workDir    string
	workDirErr error

	asset      *model.Asset
	reupload   bool
	previousID int64
	normalized *media.NormalizeResult
	mediaID    int64
	targets    []publishTarget
}

// NormalizeAndPublish runs an asset through RESOLVE_ASSET, NORMALIZE,
// UPLOAD, RESOLVE_PLAYLIST, UPDATE_PLAYLIST and PUSH_VERIFY. Every stage but
// the last is terminal on failure. The trace is persisted whatever the
// outcome and the work directory is always removed.
func (e *Elevizion) NormalizeAndPublish(ctx context.Context, assetID string, targetLocationIDs []string, opts PublishOptions) *model.PublishTrace {
	ctx, span := tracer.Start(ctx, "NormalizeAndPublish")
	defer span.End()

	run := &publishRun{
		e:    e,
		rec:  newTraceRecorder(assetID, targetLocationIDs, opts.Force, e.now),
		opts: opts,
	}
	defer run.close(ctx)

	run.workDir, run.workDirErr = os.MkdirTemp(e.cfg.Publish.TempDir, "elevizion-publish-*")

	run.rec.run(ctx, model.StepResolveAsset, run.resolveAsset)
	run.rec.run(ctx, model.StepNormalize, run.normalize)
	run.rec.run(ctx, model.StepUpload, run.upload)
	run.rec.run(ctx, model.StepResolvePlaylist, run.resolvePlaylists)
	run.rec.run(ctx, model.StepUpdatePlaylist, run.updatePlaylists)
	run.rec.warn(ctx, model.StepPushVerify, run.pushVerify)
	return run.rec.trace
}

func (r *publishRun) close(ctx context.Context) {
	if r.workDir != "" {
		if err := os.RemoveAll(r.workDir); err != nil {
			logrus.WithError(err).WithField("dir", r.workDir).Warn("failed to remove publish work dir")
		}
	}

	trace := r.rec.finish()
	trace.MediaID = r.mediaID
	if r.asset != nil {
		trace.AdvertiserID = r.asset.AdvertiserID
	}
	if err := r.e.datasource.SavePublishTrace(context.WithoutCancel(ctx), trace); err != nil {
		logrus.WithError(err).WithField("trace_id", trace.TraceID).Error("failed to save publish trace")
	}

	entry := logrus.WithFields(logrus.Fields{
		"trace_id": trace.TraceID,
		"asset_id": trace.AssetID,
		"media_id": trace.MediaID,
		"status":   trace.Status,
	})
	if trace.Status == model.PublishStatusFailed {
		entry.Error("publish failed")
		return
	}
	entry.Info("publish finished")
}

// resolveAsset settles on the newest approved asset of the advertiser and
// decides whether the existing remote media can be reused.
func (r *publishRun) resolveAsset(ctx context.Context, detail map[string]interface{}) error {
	if r.workDirErr != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "could not create work directory", r.workDirErr)
	}
	asset, err := r.e.datasource.GetAsset(ctx, r.rec.trace.AssetID)
	if err != nil {
		return err
	}

	latest, err := r.e.datasource.GetLatestApprovedAsset(ctx, asset.AdvertiserID)
	if err != nil && apierror.CodeOf(err) != apierror.ErrNotFound {
		return err
	}
	if latest != nil && latest.AssetID != asset.AssetID {
		detail["requested_asset_id"] = asset.AssetID
		detail["superseded_by"] = latest.AssetID
		asset = latest
	}
	if !asset.IsLinkable() {
		return apierror.NewAPIError(apierror.ErrBadRequest,
			fmt.Sprintf("asset %s is %s and cannot be published", asset.AssetID, asset.Status), nil)
	}
	r.asset = asset
	detail["asset_id"] = asset.AssetID
	detail["advertiser_id"] = asset.AdvertiserID

	if asset.YodeckMediaID == 0 {
		r.reupload = true
		detail["mapping"] = "none"
		return nil
	}
	r.previousID = asset.YodeckMediaID

	v, err := r.e.validateMapping(ctx, asset)
	if err != nil {
		return err
	}
	detail["media_id"] = asset.YodeckMediaID
	detail["mapping_valid"] = v.Valid
	switch {
	case !v.Valid:
		detail["mapping_reason"] = v.Reason
		r.reupload = true
		r.rec.trace.Warnings = append(r.rec.trace.Warnings, "mapping corrupt: "+v.Reason)
		logrus.WithFields(logrus.Fields{
			"asset_id": asset.AssetID,
			"media_id": asset.YodeckMediaID,
			"reason":   v.Reason,
		}).Warn("asset media mapping is corrupt, forcing re-upload")
	case r.opts.Force:
		r.reupload = true
	default:
		r.mediaID = asset.YodeckMediaID
	}
	detail["reupload"] = r.reupload
	return nil
}

func (r *publishRun) normalize(ctx context.Context, detail map[string]interface{}) error {
	if !r.reupload {
		detail["skipped"] = true
		detail["reason"] = "existing media reused"
		return nil
	}
	if r.asset.SourcePath == "" {
		return apierror.NewAPIError(apierror.ErrInvalidInput, "asset has no source file", nil)
	}
	if minFree := r.e.cfg.Publish.MinFreeDiskMB; minFree > 0 {
		usage, err := storagemonitor.Check(ctx, r.workDir, uint64(minFree)<<20)
		if usage != nil {
			detail["disk_free_mb"] = usage.Free >> 20
		}
		if err != nil {
			return apierror.NewAPIError(apierror.ErrInternalServer, err.Error(), nil)
		}
	}

	res, err := r.e.media.Normalize(ctx, r.asset.SourcePath, r.workDir)
	if res != nil {
		detail["noop"] = res.Noop
		detail["source"] = res.Source
		detail["output"] = res.Output
		if len(res.Violations) > 0 {
			detail["violations"] = res.Violations
		}
	}
	if err != nil {
		return err
	}
	r.normalized = res
	return nil
}

// mediaName embeds the asset id so a mapping can be checked against the
// remote name later.
func mediaName(a *model.Asset) string {
	return fmt.Sprintf("%s | %s", a.AssetID, a.Name)
}

func (r *publishRun) upload(ctx context.Context, detail map[string]interface{}) error {
	if !r.reupload {
		detail["skipped"] = true
		detail["media_id"] = r.mediaID
		return nil
	}
	remote := r.e.remote

	m, err := remote.CreateMedia(ctx, mediaName(r.asset), []string{"elevizion", "asset:" + r.asset.AssetID})
	if err != nil {
		return err
	}
	detail["media_id"] = m.ID

	uploadURL, err := remote.GetUploadURL(ctx, m.ID)
	if err != nil {
		return err
	}
	if err := remote.UploadFile(ctx, uploadURL, r.normalized.Path); err != nil {
		return err
	}
	if err := remote.CompleteUpload(ctx, m.ID, uploadURL); err != nil {
		return err
	}

	budget := poll.Budget{
		Interval:    time.Duration(r.e.cfg.Publish.UploadPollInterval) * time.Second,
		MaxAttempts: r.e.cfg.Publish.UploadPollAttempts,
	}
	var last *yodeck.Media
	attempts, err := poll.Until(ctx, budget, func(ctx context.Context, _ int) (bool, error) {
		cur, err := remote.GetMedia(ctx, m.ID)
		if err != nil {
			return false, err
		}
		last = cur
		if cur.IsErrored() {
			return false, poll.Permanent(apierror.NewAPIError(apierror.ErrRemoteRejected,
				fmt.Sprintf("media %d failed processing", m.ID), nil))
		}
		return cur.IsReady(), nil
	})
	detail["poll_attempts"] = attempts
	if last != nil {
		detail["remote_status"] = last.Status
		detail["file_size"] = last.FileSize
	}
	if err != nil {
		if last != nil && last.IsStuck() {
			return apierror.NewAPIError(apierror.ErrUploadStuck,
				fmt.Sprintf("media %d stuck at initialized with zero bytes", m.ID), nil)
		}
		if apierror.CodeOf(err) == apierror.ErrRemoteRejected {
			return err
		}
		return apierror.NewAPIError(apierror.ErrUploadTimeout,
			fmt.Sprintf("media %d not ready after %d checks", m.ID, attempts), nil)
	}

	r.mediaID = m.ID
	if err := r.e.datasource.UpdateAssetMedia(ctx, r.asset.AssetID, m.ID, filepath.Base(r.normalized.Path)); err != nil {
		return err
	}
	return nil
}

// resolvePlaylists finds each target location's ADS playlist: the stored
// id, or the ADS region of its stored layout.
func (r *publishRun) resolvePlaylists(ctx context.Context, detail map[string]interface{}) error {
	if len(r.rec.trace.Targets) == 0 {
		detail["skipped"] = true
		detail["reason"] = "no targets"
		return nil
	}
	resolved := make(map[string]int64, len(r.rec.trace.Targets))
	for _, id := range r.rec.trace.Targets {
		loc, err := r.e.datasource.GetLocation(ctx, id)
		if err != nil {
			return err
		}
		t := publishTarget{LocationID: loc.LocationID, ScreenID: loc.YodeckScreenID, PlaylistID: loc.AdsPlaylistID}
		if t.PlaylistID == 0 && loc.LayoutID != 0 {
			l, err := r.e.remote.GetLayout(ctx, loc.LayoutID)
			if err != nil {
				return err
			}
			if _, adsIdx := classifyRegions(l.Regions, loc.BasePlaylistID, 0); adsIdx >= 0 {
				t.PlaylistID = l.Regions[adsIdx].PlaylistID
			}
		}
		if t.PlaylistID == 0 {
			return apierror.NewAPIError(apierror.ErrBadRequest,
				fmt.Sprintf("location %s has no ads playlist, reconcile it first", loc.LocationID), nil)
		}
		r.targets = append(r.targets, t)
		resolved[loc.LocationID] = t.PlaylistID
	}
	detail["playlists"] = resolved
	return nil
}

func (r *publishRun) updatePlaylists(ctx context.Context, detail map[string]interface{}) error {
	if len(r.targets) == 0 {
		detail["skipped"] = true
		return nil
	}
	updated := map[string]string{}
	for i := range r.targets {
		t := &r.targets[i]
		outcome, err := r.updatePlaylist(ctx, t)
		if err != nil {
			return fmt.Errorf("playlist %d: %w", t.PlaylistID, err)
		}
		updated[strconv.FormatInt(t.PlaylistID, 10)] = outcome
	}
	detail["playlists"] = updated
	return nil
}

// updatePlaylist deduplicates the playlist, drops the asset's previous media
// when it was replaced, and appends the new media. Tag-based playlists get
// the media tagged instead.
func (r *publishRun) updatePlaylist(ctx context.Context, t *publishTarget) (string, error) {
	outcome := "unchanged"
	err := r.e.locks.WithLock(ctx, lock.Playlist, strconv.FormatInt(t.PlaylistID, 10), r.e.lockTTL(), r.e.lockWait(), func(ctx context.Context) error {
		p, err := r.e.remote.GetPlaylist(ctx, t.PlaylistID)
		if err != nil {
			return err
		}
		if p.IsTagBased() {
			t.TagBased = true
			t.Tags = p.Tags
			if len(t.Tags) == 0 {
				t.Tags = []string{r.e.cfg.Content.AutopilotTag}
			}
			for _, tag := range t.Tags {
				if err := r.e.tagMedia(ctx, r.mediaID, tag); err != nil {
					return err
				}
			}
			outcome = "tagged"
			return nil
		}

		items := dedupeItems(p.Items)
		if r.previousID != 0 && r.previousID != r.mediaID && !r.e.isFallbackMedia(r.previousID) {
			kept := items[:0]
			for _, item := range items {
				if item.MediaID != r.previousID {
					kept = append(kept, item)
				}
			}
			items = kept
		}
		items, _ = appendMedia(items, []int64{r.mediaID}, r.e.cfg.Content.DefaultItemDuration)
		if sameItems(items, p.Items) {
			return nil
		}
		if _, err := r.e.remote.UpdatePlaylistItems(ctx, t.PlaylistID, items); err != nil {
			return err
		}
		outcome = "updated"
		return nil
	})
	return outcome, err
}

func sameItems(a, b []yodeck.PlaylistItem) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].MediaID != b[i].MediaID {
			return false
		}
	}
	return true
}

// pushVerify refreshes each screen and re-reads the playlists until the new
// media shows up next to at least one non-baseline item.
func (r *publishRun) pushVerify(ctx context.Context, detail map[string]interface{}) error {
	if len(r.targets) == 0 {
		return nil
	}
	var problems []string
	for _, t := range r.targets {
		if t.ScreenID != 0 {
			if err := r.e.remote.PushToScreen(ctx, t.ScreenID); err != nil {
				problems = append(problems, fmt.Sprintf("push screen %d: %v", t.ScreenID, err))
			}
		}

		attempts, err := poll.Until(ctx, r.e.verifyBudget(), func(ctx context.Context, _ int) (bool, error) {
			if t.TagBased {
				m, err := r.e.remote.GetMedia(ctx, r.mediaID)
				if err != nil {
					return false, err
				}
				return hasAllTags(m.Tags, t.Tags), nil
			}
			p, err := r.e.remote.GetPlaylist(ctx, t.PlaylistID)
			if err != nil {
				return false, err
			}
			return p.HasMedia(r.mediaID) && r.e.nonBaselineCount(p) > 0, nil
		})
		detail[t.LocationID] = attempts
		if err != nil {
			problems = append(problems, fmt.Sprintf("playlist %d not verified: %v", t.PlaylistID, err))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return nil
}

func hasAllTags(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (e *Elevizion) nonBaselineCount(p *yodeck.Playlist) int {
	n := 0
	for _, item := range p.Items {
		if !e.isBaselineMedia(item.MediaID) {
			n++
		}
	}
	return n
}

// ValidateAssetMediaMapping checks that an asset's remote media exists, is
// not fallback content and carries the asset id in its name.
func (e *Elevizion) ValidateAssetMediaMapping(ctx context.Context, assetID string) (*model.MappingValidation, error) {
	asset, err := e.datasource.GetAsset(ctx, assetID)
	if err != nil {
		return nil, err
	}
	return e.validateMapping(ctx, asset)
}

func (e *Elevizion) validateMapping(ctx context.Context, asset *model.Asset) (*model.MappingValidation, error) {
	v := &model.MappingValidation{AssetID: asset.AssetID, MediaID: asset.YodeckMediaID}
	if asset.YodeckMediaID == 0 {
		v.Reason = "no remote media mapped"
		return v, nil
	}
	if e.isFallbackMedia(asset.YodeckMediaID) {
		v.Reason = "mapped to baseline or self-ad media"
		return v, nil
	}

	m, err := e.remote.GetMedia(ctx, asset.YodeckMediaID)
	if err != nil {
		if yodeck.IsNotFound(err) {
			v.Reason = "remote media no longer exists"
			return v, nil
		}
		return nil, err
	}
	v.RemoteStatus = m.Status
	v.RemoteName = m.Name
	switch {
	case !strings.Contains(m.Name, asset.AssetID):
		v.Reason = "remote media name does not reference the asset"
	case m.IsErrored():
		v.Reason = "remote media is errored"
	default:
		v.Valid = true
	}
	return v, nil
}
