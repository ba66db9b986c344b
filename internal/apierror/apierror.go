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

package apierror

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
)

type ErrorCode string

const (
	ErrNotFound       ErrorCode = "NOT_FOUND"
	ErrConflict       ErrorCode = "CONFLICT"
	ErrBadRequest     ErrorCode = "BAD_REQUEST"
	ErrInvalidInput   ErrorCode = "INVALID_INPUT"
	ErrInternalServer ErrorCode = "INTERNAL_SERVER_ERROR"
	ErrUnauthorized   ErrorCode = "UNAUTHORIZED"
	ErrRateLimited    ErrorCode = "RATE_LIMITED"

	// lock contention
	ErrLockTimeout ErrorCode = "LOCK_TIMEOUT"
	ErrLockHeld    ErrorCode = "LOCK_HELD"

	// remote platform
	ErrRemoteUnavailable ErrorCode = "REMOTE_UNAVAILABLE"
	ErrRemoteRejected    ErrorCode = "REMOTE_REJECTED"

	// structural media errors, never retried blindly
	ErrInvalidEncoding ErrorCode = "INVALID_ENCODING"
	ErrUploadStuck     ErrorCode = "UPLOAD_STUCK"
	ErrUploadTimeout   ErrorCode = "UPLOAD_TIMEOUT"
	ErrMappingCorrupt  ErrorCode = "MAPPING_CORRUPT"

	ErrContentGuaranteeFailed ErrorCode = "CONTENT_GUARANTEE_FAILED"
)

type APIError struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func (e APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewAPIError(code ErrorCode, message string, details interface{}) APIError {
	if details != nil {
		logrus.WithField("code", code).Error(details)
	}
	return APIError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// CodeOf extracts the reason code from err, falling back to
// INTERNAL_SERVER_ERROR for errors that carry none.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var apiErr APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ErrInternalServer
}

// IsRetryable reports whether an error belongs to the transient class that
// the outbox may retry with backoff.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case ErrInvalidEncoding, ErrUploadStuck, ErrMappingCorrupt, ErrInvalidInput, ErrBadRequest, ErrRemoteRejected, ErrUnauthorized:
		return false
	default:
		return true
	}
}

func MapErrorToHTTPStatus(err error) int {
	var apiErr APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case ErrNotFound:
			return http.StatusNotFound
		case ErrUnauthorized:
			return http.StatusUnauthorized
		case ErrRateLimited:
			return http.StatusTooManyRequests
		case ErrConflict, ErrLockHeld:
			return http.StatusConflict
		case ErrInvalidInput, ErrBadRequest, ErrInvalidEncoding:
			return http.StatusBadRequest
		case ErrLockTimeout:
			return http.StatusLocked
		case ErrRemoteUnavailable, ErrUploadTimeout:
			return http.StatusServiceUnavailable
		case ErrRemoteRejected, ErrUploadStuck, ErrMappingCorrupt, ErrContentGuaranteeFailed:
			return http.StatusBadGateway
		case ErrInternalServer:
			return http.StatusInternalServerError
		default:
			return http.StatusInternalServerError
		}
	}
	return http.StatusInternalServerError
}
