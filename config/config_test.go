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

package config

import (
	"encoding/json"
	"os"
	"testing"
)

func TestValidateAndAddDefaults(t *testing.T) {
	cnf := Configuration{
		Redis:  RedisConfig{Dns: "localhost:6379"},
		Yodeck: YodeckConfig{Token: "token"},
	}

	err := cnf.validateAndAddDefaults()
	if err == nil || err.Error() != "data source DNS is required" {
		t.Errorf("Expected data source DNS required error, got %v", err)
	}

	cnf = Configuration{
		DataSource: DataSourceConfig{Dns: "postgres://localhost:5432"},
		Yodeck:     YodeckConfig{Token: "token"},
	}
	err = cnf.validateAndAddDefaults()
	if err == nil || err.Error() != "redis DNS is required" {
		t.Errorf("Expected redis DNS required error, got %v", err)
	}

	cnf = Configuration{
		DataSource: DataSourceConfig{Dns: "postgres://localhost:5432"},
		Redis:      RedisConfig{Dns: "localhost:6379"},
	}
	err = cnf.validateAndAddDefaults()
	if err == nil || err.Error() != "yodeck token is required" {
		t.Errorf("Expected yodeck token required error, got %v", err)
	}

	cnf = Configuration{
		ProjectName: "Test Project",
		DataSource:  DataSourceConfig{Dns: "some-dns"},
		Redis:       RedisConfig{Dns: "localhost:6379"},
		Yodeck:      YodeckConfig{Token: " token "},
	}
	err = cnf.validateAndAddDefaults()
	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if cnf.Server.Port != DEFAULT_PORT {
		t.Errorf("Expected default port %s, got %s", DEFAULT_PORT, cnf.Server.Port)
	}
	if cnf.Yodeck.Token != "token" {
		t.Errorf("Expected trimmed token, got %q", cnf.Yodeck.Token)
	}
	if cnf.Yodeck.BaseURL != "https://app.yodeck.com/api/v2" {
		t.Errorf("Expected default yodeck base url, got %s", cnf.Yodeck.BaseURL)
	}
	if cnf.Outbox.MaxAttempts != 5 || cnf.Outbox.BatchSize != 10 {
		t.Errorf("Expected outbox defaults, got %+v", cnf.Outbox)
	}
	if cnf.Sync.InstanceID == "" {
		t.Error("Expected a generated instance id")
	}
	if cnf.Publish.MinFreeDiskMB != 512 {
		t.Errorf("Expected default free disk threshold, got %d", cnf.Publish.MinFreeDiskMB)
	}
	if cnf.Queue.Concurrency != 2 || cnf.Queue.MonitoringPort != "5004" {
		t.Errorf("Expected queue defaults, got %+v", cnf.Queue)
	}
	if cnf.RateLimit.RequestsPerSecond != nil {
		t.Error("Expected rate limiting to stay disabled")
	}
}

func TestRateLimitDefaults(t *testing.T) {
	rps := 10.0
	cnf := Configuration{
		DataSource: DataSourceConfig{Dns: "some-dns"},
		Redis:      RedisConfig{Dns: "localhost:6379"},
		Yodeck:     YodeckConfig{Token: "token"},
		RateLimit:  RateLimitConfig{RequestsPerSecond: &rps},
	}
	if err := cnf.validateAndAddDefaults(); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if cnf.RateLimit.Burst == nil || *cnf.RateLimit.Burst != 20 {
		t.Errorf("Expected burst of 20, got %v", cnf.RateLimit.Burst)
	}
	if cnf.RateLimit.CleanupIntervalSec == nil || *cnf.RateLimit.CleanupIntervalSec != 10800 {
		t.Errorf("Expected default cleanup interval, got %v", cnf.RateLimit.CleanupIntervalSec)
	}
}

func TestOutboxTimeoutsStayOrdered(t *testing.T) {
	cnf := Configuration{
		DataSource: DataSourceConfig{Dns: "some-dns"},
		Redis:      RedisConfig{Dns: "localhost:6379"},
		Yodeck:     YodeckConfig{Token: "token"},
		Outbox:     OutboxConfig{ProcessingTimeoutSec: 3600, StuckThresholdMin: 30},
		Sync:       SyncConfig{LockTimeoutSec: 900},
	}
	if err := cnf.validateAndAddDefaults(); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if cnf.Outbox.StuckThresholdMin != 121 {
		t.Errorf("Expected stuck threshold raised to 121 minutes, got %d", cnf.Outbox.StuckThresholdMin)
	}
	if cnf.Sync.LockTimeoutSec != 3660 {
		t.Errorf("Expected lock timeout raised to 3660s, got %d", cnf.Sync.LockTimeoutSec)
	}

	cnf = Configuration{
		DataSource: DataSourceConfig{Dns: "some-dns"},
		Redis:      RedisConfig{Dns: "localhost:6379"},
		Yodeck:     YodeckConfig{Token: "token"},
	}
	if err := cnf.validateAndAddDefaults(); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if cnf.Outbox.StuckThresholdMin != 30 || cnf.Sync.LockTimeoutSec != 900 {
		t.Errorf("Expected defaults left alone, got stuck %d lock %d", cnf.Outbox.StuckThresholdMin, cnf.Sync.LockTimeoutSec)
	}
}

func TestMinInterval(t *testing.T) {
	cnf := Configuration{}
	if got := cnf.MinInterval("yodeck_sync"); got != 300 {
		t.Errorf("Expected 300, got %d", got)
	}
	if got := cnf.MinInterval("outbox_worker"); got != 20 {
		t.Errorf("Expected 20, got %d", got)
	}

	cnf.Sync.MinIntervalsSec = map[string]int{"outbox_worker": 5}
	if got := cnf.MinInterval("outbox_worker"); got != 5 {
		t.Errorf("Expected override of 5, got %d", got)
	}
	if got := cnf.MinInterval("unknown"); got != 0 {
		t.Errorf("Expected 0 for unknown class, got %d", got)
	}
}

func TestIsProduction(t *testing.T) {
	cnf := Configuration{Server: ServerConfig{Environment: "Production"}}
	if !cnf.IsProduction() {
		t.Error("Expected production")
	}
	cnf.Server.Environment = "development"
	if cnf.IsProduction() {
		t.Error("Expected non-production")
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "elevizion.json")
	if err != nil {
		t.Fatalf("Unable to create temporary file: %v", err)
	}
	defer os.Remove(tmpFile.Name())

	sampleConfig := Configuration{
		ProjectName: "Temp Project",
		DataSource:  DataSourceConfig{Dns: "temp-dns"},
		Redis:       RedisConfig{Dns: "temp-redis"},
		Yodeck:      YodeckConfig{Token: "file-token"},
	}
	if err := json.NewEncoder(tmpFile).Encode(sampleConfig); err != nil {
		t.Fatalf("Unable to write to temporary file: %v", err)
	}
	tmpFile.Close()

	t.Setenv("ELEVIZION_PROJECT_NAME", "Env Project")
	t.Setenv("ELEVIZION_YODECK_TOKEN", "env-token")

	if err := loadConfigFromFile(tmpFile.Name()); err != nil {
		t.Fatalf("loadConfigFromFile failed: %v", err)
	}

	loadedConfig, err := Fetch()
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if loadedConfig.ProjectName != "Env Project" {
		t.Errorf("Expected ProjectName to be 'Env Project', got '%s'", loadedConfig.ProjectName)
	}
	if loadedConfig.Yodeck.Token != "env-token" {
		t.Errorf("Expected env token override, got '%s'", loadedConfig.Yodeck.Token)
	}
	if loadedConfig.DataSource.Dns != "temp-dns" {
		t.Errorf("Expected DataSource.Dns to be 'temp-dns', got '%s'", loadedConfig.DataSource.Dns)
	}
}

func TestInitConfig(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "elevizion.json")
	if err != nil {
		t.Fatalf("Unable to create temporary file: %v", err)
	}
	defer os.Remove(tmpFile.Name())

	sampleConfig := Configuration{
		ProjectName: "InitConfig Test",
		DataSource:  DataSourceConfig{Dns: "init-config-dns"},
		Redis:       RedisConfig{Dns: "localhost:6379"},
		Yodeck:      YodeckConfig{Token: "token"},
	}
	if err := json.NewEncoder(tmpFile).Encode(sampleConfig); err != nil {
		t.Fatalf("Unable to write to temporary file: %v", err)
	}
	tmpFile.Close()

	if err := InitConfig(tmpFile.Name()); err != nil {
		t.Fatalf("InitConfig failed: %v", err)
	}

	loadedConfig, err := Fetch()
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if loadedConfig.ProjectName != "InitConfig Test" {
		t.Errorf("Expected ProjectName to be 'InitConfig Test', got '%s'", loadedConfig.ProjectName)
	}
	if loadedConfig.DataSource.Dns != "init-config-dns" {
		t.Errorf("Expected DataSource.Dns to be 'init-config-dns', got '%s'", loadedConfig.DataSource.Dns)
	}
}
