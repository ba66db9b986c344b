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

// Package yodeck is the boundary to the remote signage platform. Every call
// goes through one request path that applies the rate limit, the circuit
// breaker and the 429/5xx retry policy, and every response is normalized
// into the canonical types of this package before it leaves.
package yodeck

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/elevizion/elevizion/internal/apierror"
	"github.com/elevizion/elevizion/internal/metrics"
	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

const (
	breakerName = "yodeck-api"
	maxPages    = 50
	maxBodyLog  = 512
)

// Config holds the connection settings for a Client.
type Config struct {
	BaseURL           string
	Token             string
	AuthScheme        string
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
	MaxRetries        int
	RetryBaseDelay    time.Duration
	HTTPClient        *http.Client
	// UploadTimeout bounds one presigned upload. Zero sizes the deadline
	// from the file length.
	UploadTimeout time.Duration
}

// Client talks to the platform's v2 REST API.
type Client struct {
	baseURL       string
	authHeader    string
	httpClient    *http.Client
	uploadClient  *http.Client
	uploadTimeout time.Duration
	limiter       *rate.Limiter
	cb            *gobreaker.CircuitBreaker[*response]
	maxRetries    int
	retryBase     time.Duration
}

// Error is returned for any non-2xx response or transport failure. It
// unwraps to an apierror.APIError so callers can use apierror.CodeOf.
type Error struct {
	Method string
	Path   string
	Status int
	Body   string
	Code   apierror.ErrorCode
	cause  error
}

func (e *Error) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s %s: %v", e.Method, e.Path, e.cause)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

func (e *Error) Unwrap() error {
	return apierror.APIError{Code: e.Code, Message: e.Error()}
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// IsNotFound reports whether err is a 404 from the platform.
func IsNotFound(err error) bool {
	return StatusOf(err) == http.StatusNotFound
}

type requestConfig struct {
	method  string
	path    string
	rawURL  string
	query   url.Values
	body    interface{}
	okCodes []int
}

type response struct {
	status int
	body   []byte
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.Token == "" {
		return nil, errors.New("yodeck token is required")
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("yodeck base URL is required")
	}
	if cfg.AuthScheme == "" {
		cfg.AuthScheme = "Token"
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 2
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	// Uploads share the transport but not the total timeout; their deadline
	// comes from the request context.
	uploadClient := &http.Client{Transport: httpClient.Transport}

	metrics.CircuitBreakerState.WithLabelValues(breakerName).Set(0)

	cb := gobreaker.NewCircuitBreaker[*response](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 6 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		// rejections and missing resources are answers, not outages
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			code := apierror.CodeOf(err)
			return code == apierror.ErrRemoteRejected || code == apierror.ErrNotFound
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logrus.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("remote circuit breaker state change")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
		},
	})

	return &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		authHeader:    cfg.AuthScheme + " " + cfg.Token,
		httpClient:    httpClient,
		uploadClient:  uploadClient,
		uploadTimeout: cfg.UploadTimeout,
		limiter:       rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		cb:            cb,
		maxRetries:    cfg.MaxRetries,
		retryBase:     cfg.RetryBaseDelay,
	}, nil
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

// doRequest runs one logical request: breaker, then retries, each attempt
// waiting for the rate limiter. Only 2xx responses (or cfg.okCodes) return
// without error.
func (c *Client) doRequest(ctx context.Context, cfg requestConfig) (*response, error) {
	resp, err := c.cb.Execute(func() (*response, error) {
		return c.doWithRetry(ctx, cfg)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &Error{Method: cfg.method, Path: cfg.path, Code: apierror.ErrRemoteUnavailable, cause: err}
		}
		return nil, err
	}
	return resp, nil
}

func (c *Client) doWithRetry(ctx context.Context, cfg requestConfig) (*response, error) {
	var payload []byte
	if cfg.body != nil {
		b, err := json.Marshal(cfg.body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		payload = b
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryBase
	policy.MaxInterval = 30 * c.retryBase
	policy.MaxElapsedTime = 0

	var out *response
	attempt := 0
	op := func() error {
		attempt++
		resp, err := c.attempt(ctx, cfg, payload)
		if err == nil {
			out = resp
			return nil
		}

		var e *Error
		if !errors.As(err, &e) || e.Code != apierror.ErrRemoteUnavailable {
			return backoff.Permanent(err)
		}
		if e.Status == http.StatusTooManyRequests {
			if wait := retryAfter(e); wait > 0 {
				select {
				case <-ctx.Done():
					return backoff.Permanent(ctx.Err())
				case <-time.After(wait):
				}
			}
		}
		logrus.WithFields(logrus.Fields{
			"method":  cfg.method,
			"path":    cfg.path,
			"attempt": attempt,
		}).WithError(err).Warn("remote request failed, retrying")
		return err
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.maxRetries)), ctx))
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) attempt(ctx context.Context, cfg requestConfig, payload []byte) (*response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &Error{Method: cfg.method, Path: cfg.path, Code: apierror.ErrRemoteUnavailable, cause: err}
	}

	reqURL := cfg.rawURL
	if reqURL == "" {
		reqURL = c.baseURL + cfg.path
	}

	var body io.Reader = http.NoBody
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, cfg.method, reqURL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", c.authHeader)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if len(cfg.query) > 0 {
		req.URL.RawQuery = cfg.query.Encode()
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RemoteRequests.WithLabelValues(cfg.method, metrics.StatusClass(0)).Inc()
		return nil, &Error{Method: cfg.method, Path: cfg.path, Code: apierror.ErrRemoteUnavailable, cause: err}
	}
	defer resp.Body.Close()
	metrics.RemoteRequests.WithLabelValues(cfg.method, metrics.StatusClass(resp.StatusCode)).Inc()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Method: cfg.method, Path: cfg.path, Status: resp.StatusCode, Code: apierror.ErrRemoteUnavailable, cause: err}
	}

	if isOK(resp.StatusCode, cfg.okCodes) {
		return &response{status: resp.StatusCode, body: data}, nil
	}

	e := &Error{
		Method: cfg.method,
		Path:   cfg.path,
		Status: resp.StatusCode,
		Body:   truncate(string(data), maxBodyLog),
		Code:   classify(resp.StatusCode),
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		e.cause = retryAfterHint(resp.Header.Get("Retry-After"))
	}
	return nil, e
}

func isOK(status int, okCodes []int) bool {
	if len(okCodes) == 0 {
		return status >= 200 && status < 300
	}
	for _, code := range okCodes {
		if status == code {
			return true
		}
	}
	return false
}

func classify(status int) apierror.ErrorCode {
	switch {
	case status == http.StatusTooManyRequests, status >= 500:
		return apierror.ErrRemoteUnavailable
	case status == http.StatusNotFound:
		return apierror.ErrNotFound
	default:
		return apierror.ErrRemoteRejected
	}
}

type retryAfterHint string

func (h retryAfterHint) Error() string { return "retry after " + string(h) }

func retryAfter(e *Error) time.Duration {
	hint, ok := e.cause.(retryAfterHint)
	if !ok || hint == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(string(hint))); err == nil && secs >= 0 {
		if secs > 60 {
			secs = 60
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(string(hint)); err == nil {
		if d := time.Until(at); d > 0 && d <= time.Minute {
			return d
		}
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// getObject fetches a single resource and decodes it as an object.
func (c *Client) getObject(ctx context.Context, path string) (object, error) {
	resp, err := c.doRequest(ctx, requestConfig{method: http.MethodGet, path: path})
	if err != nil {
		return nil, err
	}
	return decodeObject(resp.body)
}

// sendObject issues a write and decodes the returned representation. An
// empty body yields an empty object.
func (c *Client) sendObject(ctx context.Context, method, path string, body interface{}) (object, error) {
	resp, err := c.doRequest(ctx, requestConfig{method: method, path: path, body: body})
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(resp.body)) == 0 {
		return object{}, nil
	}
	return decodeObject(resp.body)
}

// listAll follows "next" links until the last page, bounded by maxPages.
func (c *Client) listAll(ctx context.Context, path string, query url.Values) ([]object, error) {
	var all []object
	cfg := requestConfig{method: http.MethodGet, path: path, query: query}

	for page := 0; page < maxPages; page++ {
		resp, err := c.doRequest(ctx, cfg)
		if err != nil {
			return nil, err
		}
		objs, next, err := normalizeList(resp.body)
		if err != nil {
			return nil, err
		}
		all = append(all, objs...)
		if next == "" {
			return all, nil
		}
		cfg = requestConfig{method: http.MethodGet, path: path, rawURL: c.resolve(next)}
	}

	logrus.WithField("path", path).Warn("remote list truncated at page limit")
	return all, nil
}

// resolve turns a possibly relative "next" link into an absolute URL.
func (c *Client) resolve(ref string) string {
	base, err := url.Parse(c.baseURL + "/")
	if err != nil {
		return ref
	}
	u, err := base.Parse(ref)
	if err != nil {
		return ref
	}
	return u.String()
}
