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

	migrate "github.com/rubenv/sql-migrate"
	"github.com/spf13/cobra"

	"github.com/elevizion/elevizion"
	"github.com/elevizion/elevizion/database"
)

func migrateCommands(e *elevizionInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "run elevizion database migrations",
	}

	cmd.AddCommand(migrateUpCommands(e))
	cmd.AddCommand(migrateDownCommands(e))

	return cmd
}

func runMigrations(e *elevizionInstance, dir migrate.MigrationDirection) (int, error) {
	migrations := migrate.EmbedFileSystemMigrationSource{
		FileSystem: elevizion.SQLFiles,
		Root:       "sql",
	}

	db, err := database.ConnectDB(e.cnf.DataSource.Dns)
	if err != nil {
		return 0, fmt.Errorf("error connecting to database: %v", err)
	}
	defer db.Close()

	migrate.SetSchema("elevizion")
	return migrate.Exec(db, "postgres", migrations, dir)
}

func migrateUpCommands(e *elevizionInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use: "up",
		Run: func(cmd *cobra.Command, args []string) {
			n, err := runMigrations(e, migrate.Up)
			if err != nil {
				log.Printf("Error migrating up: %v", err)
				return
			}
			fmt.Printf("Applied %d migrations!\n", n)
		},
	}

	return cmd
}

func migrateDownCommands(e *elevizionInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use: "down",
		Run: func(cmd *cobra.Command, args []string) {
			n, err := runMigrations(e, migrate.Down)
			if err != nil {
				log.Printf("Error migrating down: %v", err)
				return
			}
			fmt.Printf("Rolled back %d migrations!\n", n)
		},
	}

	return cmd
}
