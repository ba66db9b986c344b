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

package yodeck

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/elevizion/elevizion/internal/apierror"
	"github.com/pkg/errors"
)

// ListMedia lists media matching filter. Kind and Tag are applied again
// client side because older endpoints ignore those query parameters.
func (c *Client) ListMedia(ctx context.Context, filter MediaFilter) ([]Media, error) {
	q := url.Values{}
	if filter.Search != "" {
		q.Set("search", filter.Search)
	}
	if filter.Kind != "" {
		q.Set("media_type", filter.Kind)
	}
	if filter.Tag != "" {
		q.Set("tags", filter.Tag)
	}
	objs, err := c.listAll(ctx, "/media/", q)
	if err != nil {
		return nil, err
	}

	all := normalizeMediaList(objs)
	out := all[:0]
	for _, m := range all {
		if filter.Kind != "" && m.Kind != "" && m.Kind != filter.Kind {
			continue
		}
		if filter.Tag != "" && !containsString(m.Tags, filter.Tag) {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (c *Client) GetMedia(ctx context.Context, id int64) (*Media, error) {
	obj, err := c.getObject(ctx, fmt.Sprintf("/media/%d/", id))
	if err != nil {
		return nil, err
	}
	m := normalizeMedia(obj)
	return &m, nil
}

// CreateMedia creates an empty video placeholder to upload into.
func (c *Client) CreateMedia(ctx context.Context, name string, tags []string) (*Media, error) {
	body := map[string]interface{}{
		"name": name,
		"media_origin": map[string]interface{}{
			"type":   KindVideo,
			"source": "local",
		},
	}
	if len(tags) > 0 {
		body["tags"] = tags
	}
	obj, err := c.sendObject(ctx, http.MethodPost, "/media/", body)
	if err != nil {
		return nil, err
	}
	m := normalizeMedia(obj)
	if m.ID == 0 {
		return nil, apierror.APIError{Code: apierror.ErrRemoteRejected, Message: "media create returned no id"}
	}
	return &m, nil
}

// GetUploadURL returns the presigned target for the placeholder's bytes.
func (c *Client) GetUploadURL(ctx context.Context, mediaID int64) (string, error) {
	obj, err := c.getObject(ctx, fmt.Sprintf("/media/%d/upload", mediaID))
	if err != nil {
		return "", err
	}
	u := stringField(obj, "upload_url", "url", "presigned_url")
	if u == "" {
		return "", apierror.APIError{Code: apierror.ErrRemoteRejected, Message: "no upload url in response"}
	}
	return u, nil
}

const (
	uploadBaseTimeout = 2 * time.Minute
	// uploadMinRate is the slowest throughput an upload is allowed, in
	// bytes per second.
	uploadMinRate = 256 << 10
)

// uploadTimeoutFor returns the deadline for uploading size bytes.
func (c *Client) uploadTimeoutFor(size int64) time.Duration {
	if c.uploadTimeout > 0 {
		return c.uploadTimeout
	}
	return uploadBaseTimeout + time.Duration(size/uploadMinRate)*time.Second
}

// UploadFile PUTs the file at path to a presigned URL. The request carries
// no platform credentials. It does not use the API client's timeout: the
// deadline grows with the file size.
func (c *Client) UploadFile(ctx context.Context, uploadURL, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open upload source")
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return errors.Wrap(err, "stat upload source")
	}

	timeout := c.uploadTimeoutFor(info.Size())
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, f)
	if err != nil {
		return errors.Wrap(err, "create upload request")
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", "video/mp4")

	resp, err := c.uploadClient.Do(req)
	if err != nil {
		code := apierror.ErrRemoteUnavailable
		if errors.Is(err, context.DeadlineExceeded) {
			code = apierror.ErrUploadTimeout
			err = fmt.Errorf("upload of %d bytes exceeded %s: %w", info.Size(), timeout, err)
		}
		return &Error{Method: http.MethodPut, Path: "presigned", Code: code, cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Error{Method: http.MethodPut, Path: "presigned", Status: resp.StatusCode, Code: classify(resp.StatusCode)}
	}
	return nil
}

// CompleteUpload tells the platform the bytes are in place so it starts
// processing.
func (c *Client) CompleteUpload(ctx context.Context, mediaID int64, uploadURL string) error {
	_, err := c.doRequest(ctx, requestConfig{
		method: http.MethodPut,
		path:   fmt.Sprintf("/media/%d/upload/complete", mediaID),
		body:   map[string]string{"upload_url": uploadURL},
	})
	return err
}

func (c *Client) SetMediaTags(ctx context.Context, mediaID int64, tags []string) error {
	_, err := c.doRequest(ctx, requestConfig{
		method: http.MethodPatch,
		path:   fmt.Sprintf("/media/%d/", mediaID),
		body:   map[string]interface{}{"tags": tags},
	})
	return err
}
