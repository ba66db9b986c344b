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

package elevizion

import (
	"context"

	"github.com/sirupsen/logrus"

	pg_listener "github.com/elevizion/elevizion/internal/pg-listener"
)

// OutboxNotifyChannel is the Postgres channel the outbox_jobs trigger
// notifies when a job becomes queued.
const OutboxNotifyChannel = "outbox_jobs"

// OutboxWaker runs an outbox batch as soon as a job is queued instead of
// waiting for the next poll. A wake-up that arrives while a batch is running
// is dropped; the job stays due and the poller or scheduler picks it up.
type OutboxWaker struct {
	e *Elevizion
}

func NewOutboxWaker(e *Elevizion) *OutboxWaker {
	return &OutboxWaker{e: e}
}

func (w *OutboxWaker) HandleNotification(ctx context.Context, payload pg_listener.NotificationPayload) error {
	if payload.Table != "" && payload.Table != OutboxNotifyChannel {
		return nil
	}
	res := w.e.ProcessOutboxBatch(ctx, 0)
	if res.Skipped {
		logrus.WithField("job_id", payload.ID).Debug("outbox wake-up dropped, batch already running")
	}
	return nil
}

// NewOutboxListener builds the Postgres listener that drives the waker.
func NewOutboxListener(e *Elevizion) *pg_listener.DBListener {
	return pg_listener.NewDBListener(pg_listener.ListenerConfig{
		PgConnStr: e.cfg.DataSource.Dns,
		Channel:   OutboxNotifyChannel,
	}, NewOutboxWaker(e))
}
