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
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const minStuckThreshold = 2 * time.Minute

// StuckJobRecoveryProcessor periodically returns outbox jobs that have sat in
// processing for too long to the queue. A job is stuck when its worker died
// between claiming and recording the outcome.
type StuckJobRecoveryProcessor struct {
	e              *Elevizion
	pollInterval   time.Duration
	stuckThreshold time.Duration
	stopCh         chan struct{}
	wg             sync.WaitGroup
	running        bool
	mu             sync.Mutex
}

func NewStuckJobRecoveryProcessor(e *Elevizion) *StuckJobRecoveryProcessor {
	threshold := time.Duration(e.cfg.Outbox.StuckThresholdMin) * time.Minute
	if threshold < minStuckThreshold {
		threshold = minStuckThreshold
	}
	return &StuckJobRecoveryProcessor{
		e:              e,
		pollInterval:   time.Minute,
		stuckThreshold: threshold,
		stopCh:         make(chan struct{}),
	}
}

func (p *StuckJobRecoveryProcessor) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx)
	}()

	logrus.Info("Stuck outbox job recovery processor started")
}

func (p *StuckJobRecoveryProcessor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	logrus.Info("Stuck outbox job recovery processor stopped")
}

func (p *StuckJobRecoveryProcessor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *StuckJobRecoveryProcessor) run(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logrus.Info("Stuck outbox job recovery processor context cancelled")
			return
		case <-p.stopCh:
			logrus.Info("Stuck outbox job recovery processor stop signal received")
			return
		case <-ticker.C:
			if _, err := p.e.RecoverStuckOutboxJobs(ctx, p.stuckThreshold); err != nil {
				logrus.Errorf("failed to recover stuck outbox jobs: %v", err)
			}
		}
	}
}

// RecoverStuckOutboxJobs requeues jobs that have been processing for longer
// than threshold. Thresholds under two minutes are raised to two minutes so
// an in-flight delivery is never pulled from under its worker.
func (e *Elevizion) RecoverStuckOutboxJobs(ctx context.Context, threshold time.Duration) (int64, error) {
	if threshold < minStuckThreshold {
		threshold = minStuckThreshold
	}
	now := e.now()
	n, err := e.datasource.ResetStuckOutboxJobs(ctx, now.Add(-threshold), now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logrus.Infof("Recovered %d stuck outbox jobs (threshold=%v)", n, threshold)
	}
	return n, nil
}
