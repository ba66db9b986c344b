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

package pg_listener

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// NotificationHandler receives decoded notifications. An empty payload is
// delivered after a reconnect, when notifications may have been missed.
type NotificationHandler interface {
	HandleNotification(ctx context.Context, payload NotificationPayload) error
}

type ListenerConfig struct {
	PgConnStr            string
	Channel              string
	MinReconnectInterval time.Duration
	MaxReconnectInterval time.Duration
	PingInterval         time.Duration
}

type DBListener struct {
	config  ListenerConfig
	handler NotificationHandler
}

type NotificationPayload struct {
	Table string `json:"table"`
	Op    string `json:"op"`
	ID    string `json:"id"`
}

func NewDBListener(config ListenerConfig, handler NotificationHandler) *DBListener {
	if config.MinReconnectInterval <= 0 {
		config.MinReconnectInterval = 10 * time.Second
	}
	if config.MaxReconnectInterval <= 0 {
		config.MaxReconnectInterval = time.Minute
	}
	if config.PingInterval <= 0 {
		config.PingInterval = 90 * time.Second
	}
	return &DBListener{
		config:  config,
		handler: handler,
	}
}

// Start listens on the configured channel until ctx is done.
func (d *DBListener) Start(ctx context.Context) error {
	listener := pq.NewListener(d.config.PgConnStr, d.config.MinReconnectInterval, d.config.MaxReconnectInterval,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				logrus.WithError(err).WithField("channel", d.config.Channel).Warn("postgres listener error")
			}
		})
	defer listener.Close()

	if err := listener.Listen(d.config.Channel); err != nil {
		return err
	}
	logrus.WithField("channel", d.config.Channel).Info("listening for postgres notifications")

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-listener.Notify:
			d.handleNotification(ctx, n)
		case <-time.After(d.config.PingInterval):
			if err := listener.Ping(); err != nil {
				logrus.WithError(err).Warn("postgres listener ping failed")
			}
		}
	}
}

func (d *DBListener) handleNotification(ctx context.Context, n *pq.Notification) {
	var payload NotificationPayload
	// pq sends nil after re-establishing the connection.
	if n != nil {
		if err := json.Unmarshal([]byte(n.Extra), &payload); err != nil {
			logrus.WithError(err).WithField("channel", n.Channel).Error("invalid notification payload")
			return
		}
	}

	if err := d.handler.HandleNotification(ctx, payload); err != nil {
		logrus.WithError(err).Error("error handling notification")
	}
}
