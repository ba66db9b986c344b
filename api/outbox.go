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

	"github.com/gin-gonic/gin"

	"github.com/elevizion/elevizion"
	model2 "github.com/elevizion/elevizion/api/model"
)

func (a Api) EnqueueOutboxJob(c *gin.Context) {
	var req elevizion.EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	resp, err := a.elevizion.EnqueueOutboxJob(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}

	status := http.StatusCreated
	if resp.AlreadyExists {
		status = http.StatusOK
	}
	c.JSON(status, resp)
}

func (a Api) RetryFailedJobs(c *gin.Context) {
	var req model2.RetryFailedJobs
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
			return
		}
	}

	count, err := a.elevizion.RetryFailedJobs(c.Request.Context(), req.Provider)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"retried": count})
}

// ProcessOutbox runs one delivery batch inline. Workers normally do this on
// a schedule; the endpoint exists for operators and deploy hooks.
func (a Api) ProcessOutbox(c *gin.Context) {
	var req model2.ProcessOutbox
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
			return
		}
	}

	if err := req.ValidateProcessOutbox(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	c.JSON(http.StatusOK, a.elevizion.ProcessOutboxBatch(c.Request.Context(), req.Limit))
}

func (a Api) GetOutboxStats(c *gin.Context) {
	resp, err := a.elevizion.GetOutboxStats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (a Api) GetEntitySyncStatus(c *gin.Context) {
	entityType := c.Param("type")
	entityID := c.Param("id")

	resp, err := a.elevizion.GetEntitySyncStatus(c.Request.Context(), entityType, entityID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}
