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

package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/elevizion/elevizion/config"
	"github.com/elevizion/elevizion/internal/request"
)

// SlackNotification sends an error message to the configured Slack webhook.
func SlackNotification(err error) {
	data := json.RawMessage(fmt.Sprintf(`{
		"blocks": [
			{
				"type": "header",
				"text": {
					"type": "plain_text",
					"text": "Error From Elevizion Sync 🐞",
					"emoji": true
				}
			},
			{
				"type": "section",
				"fields": [
					{
						"type": "mrkdwn",
						"text": "*Error:*\n%v"
					}
				]
			},
			{
				"type": "section",
				"fields": [
					{
						"type": "mrkdwn",
						"text": "*Time:*\n%v"
					}
				]
			}
		]
	}`, jsonEscape(err.Error()), time.Now().Format(time.RFC822)))

	conf, err := config.Fetch()
	if err != nil {
		log.Println(err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := request.PostJSON(ctx, conf.Notification.Slack.WebhookUrl, nil, &data, 10*time.Second, nil); err != nil {
		log.Println(err)
	}
}

// WebhookNotification posts the error to the generic notification webhook.
func WebhookNotification(systemError error) {
	conf, err := config.Fetch()
	if err != nil {
		log.Println(err)
		return
	}

	hook := conf.Notification.Webhook
	timeout := time.Duration(hook.Timeout) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	payload := map[string]interface{}{
		"event":   "system.error",
		"project": conf.ProjectName,
		"error":   systemError.Error(),
		"time":    time.Now().UTC(),
	}
	if _, err := request.PostJSON(ctx, hook.Url, hook.Headers, payload, timeout, nil); err != nil {
		log.Println(err)
	}
}

// NotifyError logs the error and forwards it to Slack and the notification
// webhook when they are configured. It does not block the caller.
func NotifyError(systemError error) {
	go func(systemError error) {
		logrus.Error(systemError)

		conf, err := config.Fetch()
		if err != nil {
			log.Println(err)
			return
		}

		if conf.Notification.Slack.WebhookUrl != "" {
			SlackNotification(systemError)
		}
		if conf.Notification.Webhook.Url != "" {
			WebhookNotification(systemError)
		}
	}(systemError)
}

// jsonEscape makes s safe to splice into a JSON string literal.
func jsonEscape(s string) string {
	b, _ := json.Marshal(s)
	return string(b[1 : len(b)-1])
}
