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

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.elastic.co/apm/module/apmlogrus/v2"

	"github.com/elevizion/elevizion"
	"github.com/elevizion/elevizion/config"
	redis_db "github.com/elevizion/elevizion/internal/redis-db"
)

func init() {
	logrus.AddHook(&apmlogrus.Hook{})
}

func initializeWorkerServer(conf *config.Configuration, opt asynq.RedisClientOpt) *asynq.Server {
	return asynq.NewServer(opt, asynq.Config{
		Concurrency: conf.Queue.Concurrency,
		Queues:      elevizion.QueueWeights(conf),
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logrus.WithError(err).WithField("task", task.Type()).Error("task failed")
		}),
	})
}

func initializeScheduler(conf *config.Configuration, opt asynq.RedisClientOpt) (*asynq.Scheduler, error) {
	scheduler := asynq.NewScheduler(opt, nil)
	if err := elevizion.RegisterSchedules(scheduler, conf); err != nil {
		return nil, err
	}
	return scheduler, nil
}

// startMonitoring serves the asynqmon dashboard under /monitoring.
func startMonitoring(conf *config.Configuration, opt asynq.RedisClientOpt) {
	h := asynqmon.New(asynqmon.Options{
		RootPath:     "/monitoring",
		RedisConnOpt: opt,
	})

	go func() {
		monitoringAddr := fmt.Sprintf(":%s", conf.Queue.MonitoringPort)
		log.Printf("Asynqmon server listening on %s/monitoring", monitoringAddr)
		if err := http.ListenAndServe(monitoringAddr, h); err != nil {
			log.Printf("could not start asynqmon server: %v", err)
		}
	}()
}

// runQueueWorkers consumes the task queues and runs the periodic scheduler
// until the process is signalled.
func runQueueWorkers(e *elevizionInstance) error {
	opt, err := redis_db.AsynqOpt(e.cnf.Redis.Dns, e.cnf.Redis.SkipTLSVerify)
	if err != nil {
		return fmt.Errorf("error parsing Redis URL: %v", err)
	}

	srv := initializeWorkerServer(e.cnf, opt)
	scheduler, err := initializeScheduler(e.cnf, opt)
	if err != nil {
		return err
	}

	mux := asynq.NewServeMux()
	e.elevizion.RegisterTaskHandlers(mux)

	startMonitoring(e.cnf, opt)

	if err := scheduler.Start(); err != nil {
		return fmt.Errorf("could not start scheduler: %v", err)
	}
	defer scheduler.Shutdown()

	// Run blocks until SIGTERM or SIGINT.
	return srv.Run(mux)
}

// runPollingWorkers is the single-instance fallback used without Redis.
func runPollingWorkers(ctx context.Context, e *elevizionInstance) {
	poller := elevizion.NewOutboxPoller(e.elevizion)
	recovery := elevizion.NewStuckJobRecoveryProcessor(e.elevizion)
	poller.Start(ctx)
	recovery.Start(ctx)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	poller.Stop()
	recovery.Stop()
}

// workerCommands defines the workers command that delivers outbox jobs,
// runs reconcile sweeps and processes publish requests.
func workerCommands(e *elevizionInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start elevizion workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			phClient, shutdown, err := initializeObservability(ctx, e.cnf, "workers")
			if err != nil {
				log.Fatal(err)
			}
			defer func() {
				if err := shutdown(ctx); err != nil {
					log.Printf("Error during shutdown: %v", err)
				}
			}()
			if phClient != nil {
				defer phClient.Close()
			}

			e.elevizion.Locks().Start(ctx)
			defer e.elevizion.Locks().Stop()

			go func() {
				if err := elevizion.NewOutboxListener(e.elevizion).Start(ctx); err != nil {
					logrus.WithError(err).Warn("outbox listener stopped, relying on polling")
				}
			}()

			if e.elevizion.Queue() == nil {
				logrus.Warn("no task queue configured, falling back to in-process polling")
				runPollingWorkers(ctx, e)
				return
			}
			defer func() {
				if err := e.elevizion.Queue().Close(); err != nil {
					logrus.WithError(err).Warn("error closing task queue")
				}
			}()

			if err := runQueueWorkers(e); err != nil {
				log.Fatalf("could not run workers: %v", err)
			}
		},
	}

	return cmd
}
