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

// Package middleware guards the admin API. Rejected requests get the same
// {"error", "code"} body as handler errors.
package middleware

import (
	"crypto/subtle"
	"time"

	"github.com/didip/tollbooth/v7"
	"github.com/didip/tollbooth/v7/limiter"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/elevizion/elevizion/config"
	"github.com/elevizion/elevizion/internal/apierror"
	"github.com/elevizion/elevizion/internal/metrics"
)

// SecretKeyHeader carries the operator key on every admin request.
const SecretKeyHeader = "X-Elevizion-Key"

func reject(c *gin.Context, code apierror.ErrorCode, message string) {
	metrics.APIRejected.WithLabelValues(string(code)).Inc()
	err := apierror.APIError{Code: code, Message: message}
	c.AbortWithStatusJSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": message, "code": code})
}

// RateLimitMiddleware limits requests per client IP. It is a no-op when no
// rate is configured.
func RateLimitMiddleware(conf config.RateLimitConfig) gin.HandlerFunc {
	if conf.RequestsPerSecond == nil || conf.Burst == nil {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	ttl := time.Hour
	if conf.CleanupIntervalSec != nil {
		ttl = time.Duration(*conf.CleanupIntervalSec) * time.Second
	}
	lmt := tollbooth.NewLimiter(*conf.RequestsPerSecond, &limiter.ExpirableOptions{
		DefaultExpirationTTL: ttl,
	})
	lmt.SetBurst(*conf.Burst)

	return func(c *gin.Context) {
		if httpError := tollbooth.LimitByRequest(lmt, c.Writer, c.Request); httpError != nil {
			logrus.WithFields(logrus.Fields{
				"client_ip": c.ClientIP(),
				"path":      c.FullPath(),
			}).Debug("admin request rate limited")
			reject(c, apierror.ErrRateLimited, httpError.Message)
			return
		}
		c.Next()
	}
}

// SecretKeyAuthMiddleware admits requests whose SecretKeyHeader matches the
// server's secret key. A server without a key rejects everything rather
// than running open.
func SecretKeyAuthMiddleware(conf config.ServerConfig) gin.HandlerFunc {
	secretKey := []byte(conf.SecretKey)
	return func(c *gin.Context) {
		if len(secretKey) == 0 {
			reject(c, apierror.ErrInternalServer, "Secret key is not configured")
			return
		}

		clientSecret := c.GetHeader(SecretKeyHeader)
		if clientSecret == "" {
			reject(c, apierror.ErrUnauthorized, "Missing secret key")
			return
		}
		if subtle.ConstantTimeCompare(secretKey, []byte(clientSecret)) != 1 {
			logrus.WithFields(logrus.Fields{
				"client_ip": c.ClientIP(),
				"path":      c.FullPath(),
			}).Warn("admin request with invalid secret key")
			reject(c, apierror.ErrUnauthorized, "Invalid secret key")
			return
		}

		c.Next()
	}
}
