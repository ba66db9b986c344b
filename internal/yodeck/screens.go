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
)

func (c *Client) GetScreen(ctx context.Context, id int64) (*Screen, error) {
	obj, err := c.getObject(ctx, fmt.Sprintf("/screens/%d/", id))
	if err != nil {
		return nil, err
	}
	s := normalizeScreen(obj)
	return &s, nil
}

// AssignScreenContent points the screen's default content at a layout,
// playlist or schedule.
func (c *Client) AssignScreenContent(ctx context.Context, screenID int64, sourceType string, sourceID int64) error {
	_, err := c.doRequest(ctx, requestConfig{
		method: http.MethodPatch,
		path:   fmt.Sprintf("/screens/%d/", screenID),
		body: map[string]interface{}{
			"screen_content": map[string]interface{}{
				"source_type": sourceType,
				"source_id":   sourceID,
			},
		},
	})
	return err
}

// PushToScreen asks the device to fetch its configuration now instead of at
// its next check-in.
func (c *Client) PushToScreen(ctx context.Context, screenID int64) error {
	_, err := c.doRequest(ctx, requestConfig{
		method: http.MethodPost,
		path:   fmt.Sprintf("/screens/%d/push/", screenID),
	})
	return err
}
