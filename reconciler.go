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
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/elevizion/elevizion/internal/apierror"
	"github.com/elevizion/elevizion/internal/lock"
	"github.com/elevizion/elevizion/internal/metrics"
	"github.com/elevizion/elevizion/internal/notification"
	"github.com/elevizion/elevizion/internal/poll"
	"github.com/elevizion/elevizion/internal/yodeck"
	"github.com/elevizion/elevizion/model"
)

const (
	basePlaylistPrefix = "Baseline | "
	adsPlaylistPrefix  = "Ads | "
	layoutPrefix       = "Elevizion | "
)

func locationLabel(loc *model.Location) string {
	if name := strings.TrimSpace(loc.Name); name != "" {
		return name
	}
	return loc.LocationID
}

func basePlaylistName(loc *model.Location) string { return basePlaylistPrefix + locationLabel(loc) }
func adsPlaylistName(loc *model.Location) string  { return adsPlaylistPrefix + locationLabel(loc) }
func layoutName(loc *model.Location) string       { return layoutPrefix + locationLabel(loc) }

// reconcileRun accumulates the steps of one reconciliation.
type reconcileRun struct {
	result *model.ComplianceResult
}

func (r *reconcileRun) record(name string, mandatory, ok bool, reason string, detail map[string]interface{}) bool {
	r.result.Steps = append(r.result.Steps, model.ComplianceStep{
		Name:      name,
		Mandatory: mandatory,
		OK:        ok,
		Reason:    reason,
		Detail:    detail,
	})
	return ok
}

func (r *reconcileRun) blocked(by string, steps ...string) {
	for _, name := range steps {
		r.record(name, mandatorySteps[name], false, "blocked by "+by, nil)
	}
}

var mandatorySteps = map[string]bool{
	model.ComplianceStepBasePlaylist:     true,
	model.ComplianceStepSeedBase:         false,
	model.ComplianceStepAdsPlaylist:      true,
	model.ComplianceStepContentGuarantee: true,
	model.ComplianceStepLayout:           true,
	model.ComplianceStepBindScreen:       true,
	model.ComplianceStepPersist:          false,
}

// locationGuard returns the cross-instance guard for one reconcile call. The
// owner token is unique per call, so a call whose hold expired cannot
// release the hold a later call took over.
func (e *Elevizion) locationGuard(locationID string) *lock.RedisLocker {
	return lock.NewRedisLocker(e.redis, lock.Location, locationID, e.cfg.Sync.InstanceID+":"+uuid.NewString())
}

// EnsureLocationContent converges a location onto the canonical model: one
// BASE and one ADS playlist, a two-zone layout bound to them, and the screen
// showing that layout. It is idempotent and never returns an error; every
// failure is reported in the result's steps.
func (e *Elevizion) EnsureLocationContent(ctx context.Context, locationID string) *model.ComplianceResult {
	ctx, span := tracer.Start(ctx, "EnsureLocationContent")
	defer span.End()

	result := &model.ComplianceResult{LocationID: locationID, CheckedAt: e.now()}
	ttl := e.reconcileTTL()

	if e.redis != nil {
		guard := e.locationGuard(locationID)
		if err := guard.WaitLock(ctx, ttl, e.lockWait()); err != nil {
			result.Reason = fmt.Sprintf("location is being reconciled elsewhere: %v", err)
			metrics.ReconcileTotal.WithLabelValues("skipped").Inc()
			return result
		}
		defer func() {
			if err := guard.Unlock(context.WithoutCancel(ctx)); err != nil {
				logrus.WithError(err).WithField("location_id", locationID).Warn("failed to release location guard")
			}
		}()
	}

	err := e.locks.WithLock(ctx, lock.Location, locationID, ttl, e.lockWait(), func(ctx context.Context) error {
		loc, err := e.datasource.GetLocation(ctx, locationID)
		if err != nil {
			return err
		}
		e.reconcileLocation(ctx, loc, result)
		return nil
	})
	if err != nil {
		result.Reason = err.Error()
		metrics.ReconcileTotal.WithLabelValues("failed").Inc()
		return result
	}

	switch {
	case result.OK:
		metrics.ReconcileTotal.WithLabelValues("ok").Inc()
	case len(result.Steps) > 0 && result.Steps[0].OK:
		metrics.ReconcileTotal.WithLabelValues("partial").Inc()
	default:
		metrics.ReconcileTotal.WithLabelValues("failed").Inc()
	}
	return result
}

func (e *Elevizion) reconcileTTL() time.Duration {
	ttl := time.Duration(e.cfg.Sync.LockTimeoutSec) * time.Second
	if ttl < e.lockTTL() {
		return e.lockTTL()
	}
	return ttl
}

func (e *Elevizion) reconcileLocation(ctx context.Context, loc *model.Location, result *model.ComplianceResult) {
	run := &reconcileRun{result: result}
	result.ScreenID = loc.YodeckScreenID
	log := logrus.WithFields(logrus.Fields{"location_id": loc.LocationID, "screen_id": loc.YodeckScreenID})

	defer func() {
		e.finishReconcile(ctx, loc, run)
	}()

	base, err := e.ensurePlaylist(ctx, basePlaylistName(loc), loc.BasePlaylistID)
	if !run.record(model.ComplianceStepBasePlaylist, true, err == nil, errString(err), base.detail()) {
		run.blocked(model.ComplianceStepBasePlaylist,
			model.ComplianceStepSeedBase, model.ComplianceStepAdsPlaylist, model.ComplianceStepContentGuarantee,
			model.ComplianceStepLayout, model.ComplianceStepBindScreen)
		return
	}
	result.BasePlaylistID = base.Playlist.ID

	e.seedBase(ctx, run, base.Playlist)

	ads, err := e.ensurePlaylist(ctx, adsPlaylistName(loc), loc.AdsPlaylistID)
	if !run.record(model.ComplianceStepAdsPlaylist, true, err == nil, errString(err), ads.detail()) {
		run.blocked(model.ComplianceStepAdsPlaylist,
			model.ComplianceStepContentGuarantee, model.ComplianceStepLayout, model.ComplianceStepBindScreen)
		return
	}
	result.AdsPlaylistID = ads.Playlist.ID

	outcome := e.guaranteeContent(ctx, loc, ads.Playlist.ID)
	result.ContentGuarantee = outcome
	guaranteed := outcome.Strategy != ""
	detail := map[string]interface{}{"strategy": outcome.Strategy, "attempted": outcome.Attempted, "tag_based": outcome.TagBased}
	reason := ""
	if !guaranteed {
		reason = strings.Join(outcome.Reasons, "; ")
		log.WithField("reasons", outcome.Reasons).Error("CRITICAL: ads zone has no content")
		notification.NotifyError(apierror.NewAPIError(apierror.ErrContentGuaranteeFailed,
			fmt.Sprintf("ads zone for location %s (%s) has no content", loc.LocationID, locationLabel(loc)), outcome.Reasons))
	}
	run.record(model.ComplianceStepContentGuarantee, true, guaranteed, reason, detail)

	layout, err := e.ensureLayout(ctx, layoutName(loc), base.Playlist.ID, ads.Playlist.ID)
	if err != nil {
		run.record(model.ComplianceStepLayout, true, false, err.Error(), nil)
		run.blocked(model.ComplianceStepLayout, model.ComplianceStepBindScreen)
		return
	}
	result.LayoutID = layout.Layout.ID
	run.record(model.ComplianceStepLayout, true, true, "", map[string]interface{}{
		"layout_id":      layout.Layout.ID,
		"created":        layout.Created,
		"bindings_fixed": layout.BindingsFixed,
		"geometry_fixed": layout.GeometryFixed,
		"duplicates":     layout.Duplicates,
	})

	bindDetail, err := e.bindScreen(ctx, loc.YodeckScreenID, layout.Layout.ID)
	run.record(model.ComplianceStepBindScreen, true, err == nil, errString(err), bindDetail)
}

// finishReconcile computes the verdict and persists it.
func (e *Elevizion) finishReconcile(ctx context.Context, loc *model.Location, run *reconcileRun) {
	result := run.result
	result.OK = true
	for _, s := range result.Steps {
		if s.Mandatory && !s.OK {
			result.OK = false
			if result.Reason == "" {
				result.Reason = s.Name + ": " + s.Reason
			}
		}
	}

	now := e.now()
	var err error
	if result.OK {
		err = e.datasource.UpdateLocationContent(ctx, loc.LocationID, model.LocationContent{
			BasePlaylistID: result.BasePlaylistID,
			AdsPlaylistID:  result.AdsPlaylistID,
			LayoutID:       result.LayoutID,
			LayoutMode:     model.LayoutModeLayout,
			ReconciledAt:   now,
		})
	} else {
		err = e.datasource.RecordReconcileError(ctx, loc.LocationID, result.Reason, now)
	}
	run.record(model.ComplianceStepPersist, false, err == nil, errString(err), nil)
	if err != nil {
		logrus.WithError(err).WithField("location_id", loc.LocationID).Error("failed to persist reconcile result")
	}

	logrus.WithFields(logrus.Fields{
		"location_id": loc.LocationID,
		"ok":          result.OK,
		"reason":      result.Reason,
		"layout_id":   result.LayoutID,
	}).Info("location reconciled")
}

type playlistOutcome struct {
	Playlist   *yodeck.Playlist
	Created    bool
	Adopted    bool
	Duplicates []int64
}

func (p *playlistOutcome) detail() map[string]interface{} {
	if p == nil {
		return nil
	}
	return map[string]interface{}{
		"playlist_id": p.Playlist.ID,
		"created":     p.Created,
		"adopted":     p.Adopted,
		"duplicates":  p.Duplicates,
		"items":       len(p.Playlist.Items),
	}
}

// ensurePlaylist finds the playlist with the exact name or creates it.
// Duplicates resolve to the lowest id and are left in place. When no
// playlist carries the name but storedID still exists remotely, that
// playlist is adopted.
func (e *Elevizion) ensurePlaylist(ctx context.Context, name string, storedID int64) (*playlistOutcome, error) {
	ctx, span := tracer.Start(ctx, "ensurePlaylist")
	defer span.End()

	list, err := e.remote.ListPlaylists(ctx, name)
	if err != nil {
		return nil, err
	}
	var ids []int64
	for _, p := range list {
		if p.Name == name {
			ids = append(ids, p.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := &playlistOutcome{}
	if len(ids) > 0 {
		out.Duplicates = ids[1:]
		if len(out.Duplicates) > 0 {
			logrus.WithFields(logrus.Fields{
				"name":       name,
				"canonical":  ids[0],
				"duplicates": out.Duplicates,
			}).Warn("duplicate playlists found, using lowest id")
		}
		out.Playlist, err = e.remote.GetPlaylist(ctx, ids[0])
		if err != nil {
			return nil, err
		}
		return out, nil
	}

	if storedID != 0 {
		p, err := e.remote.GetPlaylist(ctx, storedID)
		switch {
		case err == nil:
			logrus.WithFields(logrus.Fields{"name": name, "playlist_id": storedID, "remote_name": p.Name}).
				Warn("playlist renamed remotely, adopting stored id")
			out.Playlist = p
			out.Adopted = true
			return out, nil
		case !yodeck.IsNotFound(err):
			return nil, err
		}
	}

	out.Playlist, err = e.remote.CreatePlaylist(ctx, yodeck.PlaylistInput{
		Name:  name,
		Type:  yodeck.PlaylistRegular,
		Items: []yodeck.PlaylistItem{},
	})
	if err != nil {
		return nil, err
	}
	out.Created = true
	logrus.WithFields(logrus.Fields{"name": name, "playlist_id": out.Playlist.ID}).Info("created playlist")
	return out, nil
}

// seedBase fills an empty BASE playlist with the configured baseline media.
// Missing baseline configuration is not fatal.
func (e *Elevizion) seedBase(ctx context.Context, run *reconcileRun, base *yodeck.Playlist) {
	if len(base.Items) > 0 || base.IsTagBased() {
		run.record(model.ComplianceStepSeedBase, false, true, "", map[string]interface{}{"items": len(base.Items)})
		return
	}
	baseline := e.cfg.Content.BaselineMediaIDs
	if len(baseline) == 0 {
		logrus.WithField("playlist_id", base.ID).Warn("no baseline media configured, base playlist stays empty")
		run.record(model.ComplianceStepSeedBase, false, true, "no baseline media configured", nil)
		return
	}
	res := e.linkMedia(ctx, base.ID, baseline)
	run.record(model.ComplianceStepSeedBase, false, res.OK, res.Reason, map[string]interface{}{"media_ids": res.Value})
}

// bindScreen points the screen at the layout and refreshes the device. A
// failed push is recorded but does not fail the binding.
func (e *Elevizion) bindScreen(ctx context.Context, screenID, layoutID int64) (map[string]interface{}, error) {
	if screenID == 0 {
		return nil, apierror.NewAPIError(apierror.ErrBadRequest, "location has no remote screen", nil)
	}
	detail := map[string]interface{}{"screen_id": screenID, "layout_id": layoutID}

	err := e.locks.WithLock(ctx, lock.Screen, strconv.FormatInt(screenID, 10), e.lockTTL(), e.lockWait(), func(ctx context.Context) error {
		screen, err := e.remote.GetScreen(ctx, screenID)
		if err != nil {
			return err
		}
		detail["online"] = screen.Online
		if screen.SourceType == yodeck.SourceLayout && screen.SourceID == layoutID {
			detail["already_bound"] = true
			return nil
		}
		detail["previous_source"] = fmt.Sprintf("%s:%d", screen.SourceType, screen.SourceID)
		if err := e.remote.AssignScreenContent(ctx, screenID, yodeck.SourceLayout, layoutID); err != nil {
			return err
		}
		if err := e.remote.PushToScreen(ctx, screenID); err != nil {
			detail["push_error"] = err.Error()
			logrus.WithError(err).WithField("screen_id", screenID).Warn("push to screen failed")
		}

		_, err = poll.Until(ctx, e.verifyBudget(), func(ctx context.Context, _ int) (bool, error) {
			s, err := e.remote.GetScreen(ctx, screenID)
			if err != nil {
				return false, err
			}
			return s.SourceType == yodeck.SourceLayout && s.SourceID == layoutID, nil
		})
		if err != nil {
			return fmt.Errorf("screen %d did not report layout %d: %w", screenID, layoutID, err)
		}
		return nil
	})
	return detail, err
}

// GetContentStatus reads the remote state of a location without changing it.
func (e *Elevizion) GetContentStatus(ctx context.Context, locationID string) (*model.ContentStatus, error) {
	ctx, span := tracer.Start(ctx, "GetContentStatus")
	defer span.End()

	loc, err := e.datasource.GetLocation(ctx, locationID)
	if err != nil {
		return nil, err
	}
	st := &model.ContentStatus{
		LocationID:     loc.LocationID,
		ScreenID:       loc.YodeckScreenID,
		BasePlaylistID: loc.BasePlaylistID,
		AdsPlaylistID:  loc.AdsPlaylistID,
		LayoutID:       loc.LayoutID,
		LayoutMode:     string(loc.LayoutMode),
		CheckedAt:      e.now(),
	}
	issue := func(format string, args ...interface{}) {
		st.Issues = append(st.Issues, fmt.Sprintf(format, args...))
	}

	if loc.LayoutMode != model.LayoutModeLayout {
		issue("layout mode is %q", loc.LayoutMode)
	}

	if loc.BasePlaylistID == 0 {
		issue("no base playlist recorded")
	} else if p, err := e.remote.GetPlaylist(ctx, loc.BasePlaylistID); err != nil {
		issue("base playlist %d: %v", loc.BasePlaylistID, err)
	} else {
		st.BaseItemCount = len(p.Items)
	}

	if loc.AdsPlaylistID == 0 {
		issue("no ads playlist recorded")
	} else if p, err := e.remote.GetPlaylist(ctx, loc.AdsPlaylistID); err != nil {
		issue("ads playlist %d: %v", loc.AdsPlaylistID, err)
	} else {
		st.AdsItemCount = len(p.Items)
		st.AdsTagBased = p.IsTagBased()
		if st.AdsItemCount == 0 && !st.AdsTagBased {
			issue("ads playlist is empty")
		}
	}

	if loc.LayoutID == 0 {
		issue("no layout recorded")
	} else if l, err := e.remote.GetLayout(ctx, loc.LayoutID); err != nil {
		issue("layout %d: %v", loc.LayoutID, err)
	} else {
		st.LayoutBound, st.GeometryOK = layoutConforms(l, loc.BasePlaylistID, loc.AdsPlaylistID)
		if !st.LayoutBound {
			issue("layout regions not bound to base/ads playlists")
		}
		if !st.GeometryOK {
			issue("layout geometry drifted")
		}
	}

	if loc.YodeckScreenID == 0 {
		issue("no screen linked")
	} else if s, err := e.remote.GetScreen(ctx, loc.YodeckScreenID); err != nil {
		issue("screen %d: %v", loc.YodeckScreenID, err)
	} else {
		st.ScreenOnline = s.Online
		st.ScreenBound = loc.LayoutID != 0 && s.SourceType == yodeck.SourceLayout && s.SourceID == loc.LayoutID
		if !st.ScreenBound {
			issue("screen shows %s:%d", s.SourceType, s.SourceID)
		}
	}

	st.Healthy = len(st.Issues) == 0
	return st, nil
}

// GetLiveLocationsNeedingRepair is the cheap database pre-filter run before
// any remote checks.
func (e *Elevizion) GetLiveLocationsNeedingRepair(ctx context.Context) ([]model.Location, error) {
	staleBefore := e.now().Add(-time.Duration(e.cfg.Sync.ReconcileIntervalSec) * time.Second)
	return e.datasource.GetLocationsNeedingRepair(ctx, staleBefore)
}

// SweepResult summarises one ReconcileAll run.
type SweepResult struct {
	Skipped  bool                      `json:"skipped"`
	Reason   string                    `json:"reason,omitempty"`
	Checked  int                       `json:"checked"`
	Repaired int                       `json:"repaired"`
	Failed   int                       `json:"failed"`
	Results  []*model.ComplianceResult `json:"results,omitempty"`
}

// ReconcileAll repairs every location the pre-filter returns, holding the
// content_reconcile sync lock for the whole sweep.
func (e *Elevizion) ReconcileAll(ctx context.Context, opts AcquireOptions) (*SweepResult, error) {
	sweep := &SweepResult{}
	res, err := e.syncLocks.RunExclusive(ctx, SyncLockContentReconcile, opts, func(ctx context.Context) error {
		locations, err := e.GetLiveLocationsNeedingRepair(ctx)
		if err != nil {
			return err
		}
		for i := range locations {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r := e.EnsureLocationContent(ctx, locations[i].LocationID)
			sweep.Checked++
			if r.OK {
				sweep.Repaired++
			} else {
				sweep.Failed++
			}
			sweep.Results = append(sweep.Results, r)
		}
		return nil
	})
	if err != nil {
		return sweep, err
	}
	if !res.OK {
		sweep.Skipped = true
		sweep.Reason = res.Reason
		return sweep, nil
	}

	logrus.WithFields(logrus.Fields{
		"checked":  sweep.Checked,
		"repaired": sweep.Repaired,
		"failed":   sweep.Failed,
	}).Info("content reconcile sweep finished")
	return sweep, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
