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

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/elevizion/elevizion/config"
)

const redacted = "********"

// redactConfig returns a copy of cfg safe to print.
func redactConfig(cfg *config.Configuration) config.Configuration {
	out := *cfg
	if out.Server.SecretKey != "" {
		out.Server.SecretKey = redacted
	}
	if out.Yodeck.Token != "" {
		out.Yodeck.Token = redacted
	}
	if out.PostHogKey != "" {
		out.PostHogKey = redacted
	}
	return out
}

func configCommands(e *elevizionInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "print the loaded configuration",
		Run: func(cmd *cobra.Command, args []string) {
			data, err := json.MarshalIndent(redactConfig(e.cnf), "", "    ")
			if err != nil {
				log.Fatalf("Error printing config: %v\n", err)
			}

			fmt.Println(string(data))
		},
	}
	return cmd
}
