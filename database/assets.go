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

const assetColumns = `a.asset_id, a.advertiser_id, a.name, a.status, a.source_path, a.content_type, a.yodeck_media_id,
	a.normalized_path, a.approved_at, a.superseded_at, a.created_at`

func scanAsset(row rowScanner) (*model.Asset, error) {
	a := &model.Asset{}
	err := row.Scan(&a.AssetID, &a.AdvertiserID, &a.Name, &a.Status, &a.SourcePath, &a.ContentType,
		&a.YodeckMediaID, &a.NormalizedPath, &a.ApprovedAt, &a.SupersededAt, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (d Datasource) GetAsset(ctx context.Context, id string) (*model.Asset, error) {
	ctx, span := otel.Tracer("elevizion.database").Start(ctx, "GetAsset")
	defer span.End()

	a, err := scanAsset(d.Conn.QueryRowContext(ctx, `SELECT `+assetColumns+` FROM elevizion.ad_assets a WHERE a.asset_id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Asset with ID '%s' not found", id), nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve asset", err)
	}
	return a, nil
}

func (d Datasource) GetLatestApprovedAsset(ctx context.Context, advertiserID string) (*model.Asset, error) {
	ctx, span := otel.Tracer("elevizion.database").Start(ctx, "GetLatestApprovedAsset")
	defer span.End()

	a, err := scanAsset(d.Conn.QueryRowContext(ctx, `
		SELECT `+assetColumns+`
		FROM elevizion.ad_assets a
		WHERE a.advertiser_id = $1 AND a.status = $2 AND a.superseded_at IS NULL
		ORDER BY a.approved_at DESC NULLS LAST, a.created_at DESC
		LIMIT 1`, advertiserID, model.AssetStatusApproved))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("No approved asset for advertiser '%s'", advertiserID), nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve approved asset", err)
	}
	return a, nil
}

func (d Datasource) GetLinkableAssetsForLocation(ctx context.Context, locationID string, now time.Time) ([]model.Asset, error) {
	ctx, span := otel.Tracer("elevizion.database").Start(ctx, "GetLinkableAssetsForLocation")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT DISTINCT ON (a.asset_id) `+assetColumns+`
		FROM elevizion.placements p
		JOIN elevizion.contracts c ON c.contract_id = p.contract_id
		JOIN elevizion.ad_assets a ON a.advertiser_id = c.advertiser_id
		WHERE p.location_id = $1
		  AND p.active
		  AND c.status = 'active'
		  AND (c.starts_at IS NULL OR c.starts_at <= $2)
		  AND (c.ends_at IS NULL OR c.ends_at > $2)
		  AND a.status = $3
		  AND a.superseded_at IS NULL
		  AND a.yodeck_media_id > 0
		ORDER BY a.asset_id`, locationID, now, model.AssetStatusApproved)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to query linkable assets", err)
	}
	defer rows.Close()

	var out []model.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan asset", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to iterate assets", err)
	}
	return out, nil
}

func (d Datasource) UpdateAssetMedia(ctx context.Context, assetID string, mediaID int64, normalizedPath string) error {
	ctx, span := otel.Tracer("elevizion.database").Start(ctx, "UpdateAssetMedia")
	defer span.End()

	res, err := d.Conn.ExecContext(ctx, `
		UPDATE elevizion.ad_assets
		SET yodeck_media_id = $2, normalized_path = $3
		WHERE asset_id = $1`, assetID, mediaID, normalizedPath)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update asset media mapping", err)
	}
	return expectOneRow(res, fmt.Sprintf("Asset with ID '%s' not found", assetID))
}
