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
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/elevizion/elevizion"
	"github.com/elevizion/elevizion/config"
	"github.com/elevizion/elevizion/database"
	"github.com/elevizion/elevizion/internal/cache"
	"github.com/elevizion/elevizion/internal/notification"
	redis_db "github.com/elevizion/elevizion/internal/redis-db"
	"github.com/elevizion/elevizion/internal/yodeck"
)

// Elevizion is the CLI application wrapping the root cobra command.
type Elevizion struct {
	cmd *cobra.Command
}

// elevizionInstance holds the engine and its configuration for the
// subcommands.
type elevizionInstance struct {
	elevizion *elevizion.Elevizion
	cnf       *config.Configuration
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration and builds the engine before any command
// runs.
func preRun(app *elevizionInstance, configFile *string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig(*configFile)
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		newElevizion, err := setupElevizion(cnf)
		if err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}

		app.elevizion = newElevizion
		app.cnf = cnf
		return nil
	}
}

// setupElevizion connects the datasource and the remote platform client.
// When Redis cannot be reached the engine still starts, single-instance and
// without the task queue or shared cache.
func setupElevizion(cfg *config.Configuration) (*elevizion.Elevizion, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}

	remote, err := yodeck.NewClient(yodeck.Config{
		BaseURL:           cfg.Yodeck.BaseURL,
		Token:             cfg.Yodeck.Token,
		AuthScheme:        cfg.Yodeck.AuthScheme,
		RequestsPerSecond: cfg.Yodeck.RequestsPerSecond,
		Burst:             cfg.Yodeck.Burst,
		Timeout:           time.Duration(cfg.Yodeck.TimeoutSec) * time.Second,
		MaxRetries:        cfg.Yodeck.MaxRetries,
		UploadTimeout:     time.Duration(cfg.Yodeck.UploadTimeoutSec) * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("error creating yodeck client: %v", err)
	}

	var opts []elevizion.Option
	if cfg.Redis.Dns != "" {
		rdb, err := redis_db.NewRedisClient(strings.Split(cfg.Redis.Dns, ","), cfg.Redis.SkipTLSVerify)
		if err != nil {
			logrus.WithError(err).Warn("redis unavailable, running without queue and shared cache")
		} else {
			opts = append(opts, elevizion.WithRedis(rdb.Client()), elevizion.WithCache(cache.NewCache(rdb.Client())))

			queue, err := elevizion.NewQueue(cfg)
			if err != nil {
				return nil, fmt.Errorf("error creating task queue: %v", err)
			}
			opts = append(opts, elevizion.WithQueue(queue))
		}
	}

	newElevizion, err := elevizion.NewElevizion(db, remote, opts...)
	if err != nil {
		return nil, fmt.Errorf("error creating elevizion: %v", err)
	}
	return newElevizion, nil
}

func NewCLI() *Elevizion {
	var configFile string
	e := &elevizionInstance{}

	var rootCmd = &cobra.Command{
		Use:   "elevizion",
		Short: "Digital signage content sync engine",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./elevizion.json", "Configuration file for elevizion")
	rootCmd.PersistentPreRunE = preRun(e, &configFile)

	rootCmd.AddCommand(serverCommands(e))
	rootCmd.AddCommand(workerCommands(e))
	rootCmd.AddCommand(migrateCommands(e))
	rootCmd.AddCommand(configCommands(e))
	rootCmd.AddCommand(syncLockCommands(e))

	return &Elevizion{cmd: rootCmd}
}

func (w Elevizion) executeCLI() {
	if err := w.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
