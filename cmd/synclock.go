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
	"strings"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/elevizion/elevizion"
)

func syncLockCommands(e *elevizionInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "synclock",
		Short: "inspect or break sync locks",
	}

	cmd.AddCommand(syncLockStatusCommand(e))
	cmd.AddCommand(syncLockBreakCommand(e))

	return cmd
}

func validLockArg(cmd *cobra.Command, args []string) error {
	if err := cobra.ExactArgs(1)(cmd, args); err != nil {
		return err
	}
	if !elevizion.IsSyncLockClass(args[0]) {
		return fmt.Errorf("unknown sync lock %q, expected one of: %s", args[0], strings.Join(elevizion.SyncLockClasses, ", "))
	}
	return nil
}

func syncLockStatusCommand(e *elevizionInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <lock-id>",
		Short: "show the state of a sync lock",
		Args:  validLockArg,
		Run: func(cmd *cobra.Command, args []string) {
			status, err := e.elevizion.SyncLocks().Status(context.Background(), args[0])
			if err != nil {
				log.Fatalf("Error reading sync lock: %v", err)
			}

			data, err := json.MarshalIndent(status, "", "    ")
			if err != nil {
				log.Fatalf("Error printing sync lock: %v", err)
			}
			fmt.Println(string(data))
		},
	}

	return cmd
}

func syncLockBreakCommand(e *elevizionInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "break <lock-id>",
		Short: "clear a sync lock regardless of its holder",
		Args:  validLockArg,
		Run: func(cmd *cobra.Command, args []string) {
			if err := e.elevizion.SyncLocks().ForceBreak(context.Background(), args[0]); err != nil {
				log.Fatalf("Error breaking sync lock: %v", err)
			}
			fmt.Printf("Sync lock %s released\n", args[0])
		},
	}

	return cmd
}
