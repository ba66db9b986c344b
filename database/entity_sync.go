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

	"go.opentelemetry.io/otel"

	"github.com/elevizion/elevizion/internal/apierror"
	"github.com/elevizion/elevizion/model"
)

func (d Datasource) UpsertEntitySyncStatus(ctx context.Context, s model.EntitySyncStatus) error {
	ctx, span := otel.Tracer("elevizion.database").Start(ctx, "UpsertEntitySyncStatus")
	defer span.End()

	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO elevizion.entity_sync_status (entity_type, entity_id, provider, status, last_error, external_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (entity_type, entity_id, provider) DO UPDATE
		SET status = EXCLUDED.status,
			last_error = EXCLUDED.last_error,
			external_id = CASE WHEN EXCLUDED.external_id = '' THEN elevizion.entity_sync_status.external_id ELSE EXCLUDED.external_id END,
			updated_at = EXCLUDED.updated_at`,
		s.EntityType, s.EntityID, s.Provider, s.Status, s.LastError, s.ExternalID, s.UpdatedAt)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update entity sync status", err)
	}
	return nil
}

func (d Datasource) GetEntitySyncStatuses(ctx context.Context, entityType, entityID string) ([]model.EntitySyncStatus, error) {
	ctx, span := otel.Tracer("elevizion.database").Start(ctx, "GetEntitySyncStatuses")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT entity_type, entity_id, provider, status, last_error, external_id, updated_at
		FROM elevizion.entity_sync_status
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY provider`, entityType, entityID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to query entity sync status", err)
	}
	defer rows.Close()

	var out []model.EntitySyncStatus
	for rows.Next() {
		var s model.EntitySyncStatus
		if err := rows.Scan(&s.EntityType, &s.EntityID, &s.Provider, &s.Status, &s.LastError, &s.ExternalID, &s.UpdatedAt); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan entity sync status", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to iterate entity sync status", err)
	}
	return out, nil
}
