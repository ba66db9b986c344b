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
	"time"

	"github.com/caddyserver/certmagic"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/posthog/posthog-go"
	"github.com/spf13/cobra"

	"github.com/elevizion/elevizion/api"
	"github.com/elevizion/elevizion/config"
	trace "github.com/elevizion/elevizion/internal/traces"
)

// serveTLS serves the router over HTTPS with certificates managed by
// CertMagic. Without a domain it falls back to localhost.
func serveTLS(r *gin.Engine, conf config.ServerConfig) error {
	certmagic.DefaultACME.Agreed = true
	certmagic.DefaultACME.Email = conf.Email
	cfg := certmagic.NewDefault()
	cfg.Storage = &certmagic.FileStorage{Path: "certmagic"}

	domains := []string{conf.Domain}
	if conf.Domain == "" {
		log.Println("No domain specified, defaulting to localhost")
		domains = []string{"localhost"}
	}

	if err := cfg.ManageSync(context.Background(), domains); err != nil {
		return err
	}

	server := &http.Server{
		Addr:      ":" + conf.Port,
		Handler:   r,
		TLSConfig: cfg.TLSConfig(),
	}

	log.Printf("Starting HTTPS server on %s\n", conf.Port)
	if err := server.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Failed to start HTTPS server: %v", err)
	}

	return nil
}

// sendHeartbeat reports liveness to PostHog every five minutes.
func sendHeartbeat(client posthog.Client, heartbeatID, component string) {
	ticker := time.NewTicker(5 * time.Minute)
	go func() {
		for range ticker.C {
			if err := client.Enqueue(posthog.Capture{
				DistinctId: heartbeatID,
				Event:      "server_heartbeat",
				Properties: map[string]interface{}{
					"timestamp": time.Now().UTC(),
					"component": component,
				},
			}); err != nil {
				log.Printf("Failed to send heartbeat: %v", err)
			}
		}
	}()
}

func initializeRouter(e *elevizionInstance) (*gin.Engine, error) {
	a := api.NewAPI(e.elevizion)
	if a == nil {
		return nil, fmt.Errorf("could not build api: configuration not loaded")
	}
	return a.Router(), nil
}

func initializeTracing(ctx context.Context, name string) (func(context.Context) error, error) {
	shutdown, err := trace.SetupOTelSDK(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("error setting up OTel SDK: %v", err)
	}
	return shutdown, nil
}

func initializePostHog(cfg *config.Configuration, component string) (posthog.Client, error) {
	if cfg.PostHogKey == "" {
		return nil, nil
	}
	client, err := posthog.NewWithConfig(cfg.PostHogKey, posthog.Config{Endpoint: "https://us.i.posthog.com"})
	if err != nil {
		return nil, err
	}
	sendHeartbeat(client, uuid.New().String(), component)
	return client, nil
}

func startServer(router *gin.Engine, cfg config.ServerConfig) error {
	if cfg.SSL {
		return serveTLS(router, cfg)
	}
	log.Printf("Starting server on http://localhost:%s", cfg.Port)
	return router.Run(":" + cfg.Port)
}

// initializeObservability starts tracing and the PostHog heartbeat when
// telemetry is enabled. The returned shutdown is never nil.
func initializeObservability(ctx context.Context, cfg *config.Configuration, component string) (posthog.Client, func(context.Context) error, error) {
	if !cfg.EnableTelemetry {
		return nil, func(context.Context) error { return nil }, nil
	}

	shutdown, err := initializeTracing(ctx, cfg.ProjectName)
	if err != nil {
		return nil, nil, err
	}

	phClient, err := initializePostHog(cfg, component)
	if err != nil {
		log.Printf("PostHog initialization error: %v", err)
	}
	return phClient, shutdown, nil
}

// serverCommands returns the start command that serves the HTTP API.
func serverCommands(e *elevizionInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "start elevizion server",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			router, err := initializeRouter(e)
			if err != nil {
				log.Fatal(err)
			}

			phClient, shutdown, err := initializeObservability(ctx, e.cnf, "server")
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

			if err := startServer(router, e.cnf.Server); err != nil {
				log.Fatal(err)
			}
		},
	}

	return cmd
}
