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

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/elevizion/elevizion/internal/apierror"
	"github.com/elevizion/elevizion/model"
)

const locationColumns = `location_id, name, status, yodeck_screen_id, base_playlist_id, ads_playlist_id, layout_id,
	layout_mode, last_reconciled_at, last_reconcile_error, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanLocation(row rowScanner) (*model.Location, error) {
	loc := &model.Location{}
	var mode string
	err := row.Scan(&loc.LocationID, &loc.Name, &loc.Status, &loc.YodeckScreenID, &loc.BasePlaylistID,
		&loc.AdsPlaylistID, &loc.LayoutID, &mode, &loc.LastReconciledAt, &loc.LastReconcileError,
		&loc.CreatedAt, &loc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	loc.LayoutMode = model.LayoutMode(mode)
	return loc, nil
}

func queryLocations(ctx context.Context, db *sql.DB, query string, args ...interface{}) ([]model.Location, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to query locations", err)
	}
	defer rows.Close()

	var out []model.Location
	for rows.Next() {
		loc, err := scanLocation(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan location", err)
		}
		out = append(out, *loc)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to iterate locations", err)
	}
	return out, nil
}

func (d Datasource) GetLocation(ctx context.Context, id string) (*model.Location, error) {
	ctx, span := otel.Tracer("elevizion.database").Start(ctx, "GetLocation")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `SELECT `+locationColumns+` FROM elevizion.locations WHERE location_id = $1`, id)
	loc, err := scanLocation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Location with ID '%s' not found", id), nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve location", err)
	}
	return loc, nil
}

func (d Datasource) GetLiveLocations(ctx context.Context) ([]model.Location, error) {
	ctx, span := otel.Tracer("elevizion.database").Start(ctx, "GetLiveLocations")
	defer span.End()

	return queryLocations(ctx, d.Conn, `SELECT `+locationColumns+`
		FROM elevizion.locations
		WHERE status = $1
		ORDER BY location_id`, model.LocationStatusLive)
}

func (d Datasource) GetLocationsNeedingRepair(ctx context.Context, staleBefore time.Time) ([]model.Location, error) {
	ctx, span := otel.Tracer("elevizion.database").Start(ctx, "GetLocationsNeedingRepair")
	defer span.End()

	return queryLocations(ctx, d.Conn, `SELECT `+locationColumns+`
		FROM elevizion.locations
		WHERE status = $1
		  AND yodeck_screen_id > 0
		  AND (
			base_playlist_id = 0
			OR ads_playlist_id = 0
			OR layout_id = 0
			OR layout_mode <> $2
			OR last_reconcile_error <> ''
			OR last_reconciled_at IS NULL
			OR last_reconciled_at < $3
		  )
		ORDER BY last_reconciled_at NULLS FIRST, location_id`,
		model.LocationStatusLive, string(model.LayoutModeLayout), staleBefore)
}

func (d Datasource) UpdateLocationContent(ctx context.Context, id string, content model.LocationContent) error {
	ctx, span := otel.Tracer("elevizion.database").Start(ctx, "UpdateLocationContent")
	defer span.End()

	res, err := d.Conn.ExecContext(ctx, `
		UPDATE elevizion.locations
		SET base_playlist_id = $2,
			ads_playlist_id = $3,
			layout_id = $4,
			layout_mode = $5,
			last_reconciled_at = $6,
			last_reconcile_error = $7,
			updated_at = $6
		WHERE location_id = $1`,
		id, content.BasePlaylistID, content.AdsPlaylistID, content.LayoutID, string(content.LayoutMode),
		content.ReconciledAt, content.Error)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update location content", err)
	}
	return expectOneRow(res, fmt.Sprintf("Location with ID '%s' not found", id))
}

func (d Datasource) RecordReconcileError(ctx context.Context, id string, msg string, at time.Time) error {
	ctx, span := otel.Tracer("elevizion.database").Start(ctx, "RecordReconcileError")
	defer span.End()

	res, err := d.Conn.ExecContext(ctx, `
		UPDATE elevizion.locations
		SET last_reconcile_error = $2, last_reconciled_at = $3, updated_at = $3
		WHERE location_id = $1`, id, msg, at)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record reconcile error", err)
	}
	return expectOneRow(res, fmt.Sprintf("Location with ID '%s' not found", id))
}

func expectOneRow(res sql.Result, notFound string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read affected rows", err)
	}
	if n == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, notFound, nil)
	}
	return nil
}
