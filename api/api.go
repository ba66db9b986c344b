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
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/elevizion/elevizion"
	"github.com/elevizion/elevizion/api/middleware"
	"github.com/elevizion/elevizion/config"
	"github.com/elevizion/elevizion/internal/apierror"
)

type Api struct {
	elevizion *elevizion.Elevizion
	router    *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router

	router.POST("/outbox/jobs", a.EnqueueOutboxJob)
	router.POST("/outbox/retry", a.RetryFailedJobs)
	router.POST("/outbox/process", a.ProcessOutbox)
	router.GET("/outbox/stats", a.GetOutboxStats)
	router.GET("/outbox/entities/:type/:id", a.GetEntitySyncStatus)

	router.POST("/locations/reconcile", a.ReconcileAll)
	router.GET("/locations/repair-candidates", a.GetRepairCandidates)
	router.POST("/locations/:id/ensure-content", a.EnsureLocationContent)
	router.GET("/locations/:id/content-status", a.GetContentStatus)

	router.POST("/assets/:id/publish", a.PublishAsset)
	router.GET("/assets/:id/media-mapping", a.ValidateMediaMapping)
	router.GET("/assets/:id/publish-traces", a.GetPublishTraces)
	router.GET("/publish-traces/:id", a.GetPublishTrace)

	router.GET("/sync-locks", a.GetSyncLocks)
	router.GET("/sync-locks/:id", a.GetSyncLock)
	router.DELETE("/sync-locks/:id", a.BreakSyncLock)

	router.GET("/queues", a.GetQueueStats)
	return a.router
}

// NewAPI builds the gin engine. The health check and /metrics are served
// without the secret key.
func NewAPI(e *elevizion.Elevizion) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}
	r := gin.Default()
	r.Use(otelgin.Middleware(conf.ProjectName))
	r.Use(middleware.RateLimitMiddleware(conf.RateLimit))

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, "server running...")
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if conf.Server.Secure {
		r.Use(middleware.SecretKeyAuthMiddleware(conf.Server))
	}

	return &Api{elevizion: e, router: r}
}

// respondError writes err with the HTTP status of its reason code.
func respondError(c *gin.Context, err error) {
	var apiErr apierror.APIError
	if errors.As(err, &apiErr) {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": apiErr.Message, "code": apiErr.Code})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
