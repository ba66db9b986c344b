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
)

func (a Api) GetSyncLocks(c *gin.Context) {
	locks := make([]*elevizion.SyncLockStatus, 0, len(elevizion.SyncLockClasses))
	for _, id := range elevizion.SyncLockClasses {
		status, err := a.elevizion.SyncLocks().Status(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		locks = append(locks, status)
	}

	c.JSON(http.StatusOK, locks)
}

func (a Api) GetSyncLock(c *gin.Context) {
	id := c.Param("id")
	if !elevizion.IsSyncLockClass(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown sync lock " + id})
		return
	}

	resp, err := a.elevizion.SyncLocks().Status(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// BreakSyncLock clears a lock row regardless of its holder. Operators use it
// after a crashed worker left a lock that has not gone stale yet.
func (a Api) BreakSyncLock(c *gin.Context) {
	id := c.Param("id")
	if !elevizion.IsSyncLockClass(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown sync lock " + id})
		return
	}

	if err := a.elevizion.SyncLocks().ForceBreak(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"lock_id": id, "broken": true})
}

func (a Api) GetQueueStats(c *gin.Context) {
	resp, err := a.elevizion.QueueStats()
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}
