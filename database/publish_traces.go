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
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/elevizion/elevizion/internal/apierror"
	"github.com/elevizion/elevizion/model"
)

const traceColumns = `trace_id, asset_id, advertiser_id, targets, force, status, media_id, steps, warnings, started_at, finished_at`

func scanTrace(row rowScanner) (*model.PublishTrace, error) {
	t := &model.PublishTrace{}
	var targets, steps, warnings []byte
	err := row.Scan(&t.TraceID, &t.AssetID, &t.AdvertiserID, &targets, &t.Force, &t.Status, &t.MediaID,
		&steps, &warnings, &t.StartedAt, &t.FinishedAt)
	if err != nil {
		return nil, err
	}
	for _, f := range []struct {
		raw  []byte
		dest interface{}
	}{{targets, &t.Targets}, {steps, &t.Steps}, {warnings, &t.Warnings}} {
		if len(f.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(f.raw, f.dest); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// SavePublishTrace writes the trace, replacing any earlier snapshot of the
// same attempt. Steps are only ever appended by the pipeline.
func (d Datasource) SavePublishTrace(ctx context.Context, t *model.PublishTrace) error {
	ctx, span := otel.Tracer("elevizion.database").Start(ctx, "SavePublishTrace")
	defer span.End()

	targets, err := json.Marshal(nonNilStrings(t.Targets))
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal targets", err)
	}
	steps, err := json.Marshal(t.Steps)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal steps", err)
	}
	warnings, err := json.Marshal(nonNilStrings(t.Warnings))
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal warnings", err)
	}

	_, err = d.Conn.ExecContext(ctx, `
		INSERT INTO elevizion.publish_traces (`+traceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (trace_id) DO UPDATE
		SET status = EXCLUDED.status,
			media_id = EXCLUDED.media_id,
			steps = EXCLUDED.steps,
			warnings = EXCLUDED.warnings,
			finished_at = EXCLUDED.finished_at`,
		t.TraceID, t.AssetID, t.AdvertiserID, targets, t.Force, t.Status, t.MediaID, steps, warnings, t.StartedAt, t.FinishedAt)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to save publish trace", err)
	}
	return nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (d Datasource) GetPublishTrace(ctx context.Context, traceID string) (*model.PublishTrace, error) {
	ctx, span := otel.Tracer("elevizion.database").Start(ctx, "GetPublishTrace")
	defer span.End()

	t, err := scanTrace(d.Conn.QueryRowContext(ctx, `SELECT `+traceColumns+` FROM elevizion.publish_traces WHERE trace_id = $1`, traceID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Publish trace with ID '%s' not found", traceID), nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve publish trace", err)
	}
	return t, nil
}

func (d Datasource) GetPublishTracesForAsset(ctx context.Context, assetID string, limit int) ([]model.PublishTrace, error) {
	ctx, span := otel.Tracer("elevizion.database").Start(ctx, "GetPublishTracesForAsset")
	defer span.End()

	if limit <= 0 {
		limit = 20
	}
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+traceColumns+`
		FROM elevizion.publish_traces
		WHERE asset_id = $1
		ORDER BY started_at DESC
		LIMIT $2`, assetID, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to query publish traces", err)
	}
	defer rows.Close()

	var out []model.PublishTrace
	for rows.Next() {
		t, err := scanTrace(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan publish trace", err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to iterate publish traces", err)
	}
	return out, nil
}
