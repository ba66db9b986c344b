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

	"github.com/sirupsen/logrus"

	"github.com/elevizion/elevizion/internal/lock"
	"github.com/elevizion/elevizion/internal/poll"
	"github.com/elevizion/elevizion/internal/yodeck"
)

// Canvas and zone geometry of the canonical layout. BASE takes the left 70%
// of a 1920x1080 canvas, ADS the remaining column stacked above it.
const (
	layoutWidth  = 1920
	layoutHeight = 1080
)

var (
	baseRegionSpec = yodeck.Region{Left: 0, Top: 0, Width: 1344, Height: 1080, ZIndex: 1}
	adsRegionSpec  = yodeck.Region{Left: 1344, Top: 0, Width: 576, Height: 1080, ZIndex: 2}
)

// canonicalRegions returns the two zones bound to the given playlists.
func canonicalRegions(baseID, adsID int64) []yodeck.Region {
	base, ads := baseRegionSpec, adsRegionSpec
	base.PlaylistID = baseID
	ads.PlaylistID = adsID
	return []yodeck.Region{base, ads}
}

// classifyRegions finds which existing region plays the BASE role and which
// the ADS role. Geometry wins over binding so that a zone bound to the
// wrong playlist is still recognised; leftover regions fill any role not
// matched. It returns -1 for a role no region can take.
func classifyRegions(regions []yodeck.Region, baseID, adsID int64) (baseIdx, adsIdx int) {
	baseIdx, adsIdx = -1, -1
	used := make(map[int]bool, len(regions))

	pick := func(match func(yodeck.Region) bool) int {
		for i, r := range regions {
			if !used[i] && match(r) {
				used[i] = true
				return i
			}
		}
		return -1
	}

	baseIdx = pick(func(r yodeck.Region) bool { return r.SameGeometry(baseRegionSpec) })
	adsIdx = pick(func(r yodeck.Region) bool { return r.SameGeometry(adsRegionSpec) })
	if baseIdx < 0 && baseID != 0 {
		baseIdx = pick(func(r yodeck.Region) bool { return r.PlaylistID == baseID })
	}
	if adsIdx < 0 && adsID != 0 {
		adsIdx = pick(func(r yodeck.Region) bool { return r.PlaylistID == adsID })
	}
	anyRegion := func(yodeck.Region) bool { return true }
	if baseIdx < 0 {
		baseIdx = pick(anyRegion)
	}
	if adsIdx < 0 {
		adsIdx = pick(anyRegion)
	}
	return baseIdx, adsIdx
}

// fixLayoutBindings points the BASE and ADS regions at the given playlists.
// Geometry and any other region are returned untouched.
func fixLayoutBindings(regions []yodeck.Region, baseID, adsID int64) ([]yodeck.Region, bool) {
	out := make([]yodeck.Region, len(regions))
	copy(out, regions)

	baseIdx, adsIdx := classifyRegions(out, baseID, adsID)
	changed := false
	if baseIdx >= 0 && out[baseIdx].PlaylistID != baseID {
		out[baseIdx].PlaylistID = baseID
		changed = true
	}
	if adsIdx >= 0 && out[adsIdx].PlaylistID != adsID {
		out[adsIdx].PlaylistID = adsID
		changed = true
	}
	return out, changed
}

// fixLayoutGeometry reshapes the layout to exactly the BASE and ADS regions
// at their fixed geometry, keeping whatever each region is bound to. A
// missing region is created bound to the given playlist id.
func fixLayoutGeometry(regions []yodeck.Region, baseID, adsID int64) ([]yodeck.Region, bool) {
	baseIdx, adsIdx := classifyRegions(regions, baseID, adsID)
	out := canonicalRegions(baseID, adsID)
	if baseIdx >= 0 {
		out[0].PlaylistID = regions[baseIdx].PlaylistID
	}
	if adsIdx >= 0 {
		out[1].PlaylistID = regions[adsIdx].PlaylistID
	}

	if len(regions) != 2 || baseIdx < 0 || adsIdx < 0 {
		return out, true
	}
	// Regions are matched by role; their order on the platform carries no
	// meaning.
	changed := !regions[baseIdx].SameGeometry(out[0]) || !regions[adsIdx].SameGeometry(out[1])
	if !changed {
		return regions, false
	}
	return out, true
}

// layoutConforms reports whether the layout is exactly the canonical model
// bound to the given playlists.
func layoutConforms(l *yodeck.Layout, baseID, adsID int64) (bound, geometry bool) {
	baseIdx, adsIdx := classifyRegions(l.Regions, baseID, adsID)
	if baseIdx < 0 || adsIdx < 0 {
		return false, false
	}
	bound = l.Regions[baseIdx].PlaylistID == baseID && l.Regions[adsIdx].PlaylistID == adsID
	geometry = len(l.Regions) == 2 &&
		l.Regions[baseIdx].SameGeometry(baseRegionSpec) &&
		l.Regions[adsIdx].SameGeometry(adsRegionSpec)
	return bound, geometry
}

type layoutOutcome struct {
	Layout        *yodeck.Layout
	Created       bool
	BindingsFixed bool
	GeometryFixed bool
	Duplicates    []int64
}

// ensureLayout finds or creates the canonical layout for name and corrects
// its bindings and geometry, holding the layout lock while it writes.
func (e *Elevizion) ensureLayout(ctx context.Context, name string, baseID, adsID int64) (*layoutOutcome, error) {
	ctx, span := tracer.Start(ctx, "ensureLayout")
	defer span.End()

	layouts, err := e.remote.ListLayouts(ctx, name)
	if err != nil {
		return nil, err
	}
	var matches []yodeck.Layout
	for _, l := range layouts {
		if l.Name == name {
			matches = append(matches, l)
		}
	}

	out := &layoutOutcome{}
	if len(matches) == 0 {
		created, err := e.remote.CreateLayout(ctx, yodeck.LayoutInput{
			Name:    name,
			Width:   layoutWidth,
			Height:  layoutHeight,
			Regions: canonicalRegions(baseID, adsID),
		})
		if err != nil {
			return nil, err
		}
		logrus.WithFields(logrus.Fields{"layout_id": created.ID, "name": name}).Info("created canonical layout")
		out.Layout = created
		out.Created = true
		return out, nil
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].ID < matches[j].ID })
	for _, dup := range matches[1:] {
		out.Duplicates = append(out.Duplicates, dup.ID)
	}
	if len(out.Duplicates) > 0 {
		logrus.WithFields(logrus.Fields{
			"name":       name,
			"canonical":  matches[0].ID,
			"duplicates": out.Duplicates,
		}).Warn("duplicate layouts found, using lowest id")
	}

	layoutID := strconv.FormatInt(matches[0].ID, 10)
	err = e.locks.WithLock(ctx, lock.Layout, layoutID, e.lockTTL(), e.lockWait(), func(ctx context.Context) error {
		// Re-read under the lock; the listing may be stale or abbreviated.
		current, err := e.remote.GetLayout(ctx, matches[0].ID)
		if err != nil {
			return err
		}

		regions, bindingsChanged := fixLayoutBindings(current.Regions, baseID, adsID)
		regions, geometryChanged := fixLayoutGeometry(regions, baseID, adsID)
		out.BindingsFixed = bindingsChanged
		out.GeometryFixed = geometryChanged
		if !bindingsChanged && !geometryChanged {
			out.Layout = current
			return nil
		}

		logrus.WithFields(logrus.Fields{
			"layout_id":      current.ID,
			"bindings_fixed": bindingsChanged,
			"geometry_fixed": geometryChanged,
		}).Info("correcting layout drift")
		updated, err := e.remote.UpdateLayoutRegions(ctx, current.ID, regions)
		if err != nil {
			return err
		}
		out.Layout = updated
		return e.verifyLayout(ctx, current.ID, baseID, adsID)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// verifyLayout re-reads the layout until the correction is visible.
func (e *Elevizion) verifyLayout(ctx context.Context, layoutID, baseID, adsID int64) error {
	_, err := poll.Until(ctx, e.verifyBudget(), func(ctx context.Context, _ int) (bool, error) {
		l, err := e.remote.GetLayout(ctx, layoutID)
		if err != nil {
			return false, err
		}
		bound, geometry := layoutConforms(l, baseID, adsID)
		return bound && geometry, nil
	})
	if err != nil {
		return fmt.Errorf("layout %d did not converge: %w", layoutID, err)
	}
	return nil
}
