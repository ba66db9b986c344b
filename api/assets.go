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

package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	model2 "github.com/elevizion/elevizion/api/model"
	"github.com/elevizion/elevizion/internal/apierror"
	"github.com/elevizion/elevizion/model"
)

// PublishAsset runs the publish pipeline for one asset. With async set the
// request is handed to the publish queue and 202 is returned at once.
func (a Api) PublishAsset(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	var req model2.PublishAsset
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	if err := req.ValidatePublishAsset(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	if req.Async {
		if err := a.elevizion.SchedulePublish(c.Request.Context(), id, req.Targets, req.Force); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"asset_id": id, "queued": true})
		return
	}

	trace := a.elevizion.NormalizeAndPublish(c.Request.Context(), id, req.Targets, req.ToPublishOptions())
	if trace.Status == model.PublishStatusFailed {
		c.JSON(publishFailureStatus(trace), trace)
		return
	}

	c.JSON(http.StatusOK, trace)
}

// publishFailureStatus maps the reason code of the failed stage to an HTTP
// status.
func publishFailureStatus(trace *model.PublishTrace) int {
	for _, step := range trace.Steps {
		if step.Status == model.StepStatusFailed && step.ReasonCode != "" {
			return apierror.MapErrorToHTTPStatus(apierror.APIError{Code: apierror.ErrorCode(step.ReasonCode)})
		}
	}
	return http.StatusInternalServerError
}

func (a Api) ValidateMediaMapping(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	resp, err := a.elevizion.ValidateAssetMediaMapping(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (a Api) GetPublishTraces(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a number"})
			return
		}
		limit = parsed
	}

	resp, err := a.elevizion.GetPublishTraces(c.Request.Context(), id, limit)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (a Api) GetPublishTrace(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	resp, err := a.elevizion.GetPublishTrace(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}
