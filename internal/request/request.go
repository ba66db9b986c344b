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

package request

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultTimeout = 10 * time.Second

// ToJsonReq serializes payload into a buffer suitable for a request body.
func ToJsonReq(payload interface{}) (*bytes.Buffer, error) {
	c, e := json.Marshal(payload)
	if e != nil {
		return nil, e
	}
	return bytes.NewBuffer(c), nil
}

// Call sends req as JSON and decodes a non-empty response body into
// response. A non-2xx status is returned as an error together with the
// response so callers can inspect it.
func Call(req *http.Request, response interface{}) (*http.Response, error) {
	return CallWithClient(&http.Client{Timeout: defaultTimeout}, req, response)
}

func CallWithClient(client *http.Client, req *http.Request, response interface{}) (*http.Response, error) {
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return resp, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, fmt.Errorf("%s %s returned %d: %s", req.Method, req.URL.Redacted(), resp.StatusCode, truncate(body, 300))
	}
	if len(bytes.TrimSpace(body)) == 0 || response == nil {
		return resp, nil
	}
	if err := json.Unmarshal(body, response); err != nil {
		return resp, err
	}
	return resp, nil
}

// PostJSON posts payload to url with the given headers.
func PostJSON(ctx context.Context, url string, headers map[string]string, payload interface{}, timeout time.Duration, response interface{}) (*http.Response, error) {
	body, err := ToJsonReq(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return CallWithClient(&http.Client{Timeout: timeout}, req, response)
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
