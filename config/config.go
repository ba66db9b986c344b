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
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/kelseyhightower/envconfig"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "5005"

	EnvironmentProduction = "production"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL         bool   `json:"ssl" envconfig:"ELEVIZION_SERVER_SSL"`
	Secure      bool   `json:"secure" envconfig:"ELEVIZION_SERVER_SECURE"`
	SecretKey   string `json:"secret_key" envconfig:"ELEVIZION_SERVER_SECRET_KEY"`
	Domain      string `json:"domain" envconfig:"ELEVIZION_SERVER_SSL_DOMAIN"`
	Email       string `json:"ssl_email" envconfig:"ELEVIZION_SERVER_SSL_EMAIL"`
	Port        string `json:"port" envconfig:"ELEVIZION_SERVER_PORT"`
	Environment string `json:"environment" envconfig:"ELEVIZION_ENVIRONMENT"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"ELEVIZION_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"ELEVIZION_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"ELEVIZION_REDIS_SKIP_TLS_VERIFY"`
}

// YodeckConfig holds the connection settings for the remote display platform.
type YodeckConfig struct {
	BaseURL           string  `json:"base_url" envconfig:"ELEVIZION_YODECK_BASE_URL"`
	Token             string  `json:"token" envconfig:"ELEVIZION_YODECK_TOKEN"`
	AuthScheme        string  `json:"auth_scheme" envconfig:"ELEVIZION_YODECK_AUTH_SCHEME"`
	RequestsPerSecond float64 `json:"requests_per_second" envconfig:"ELEVIZION_YODECK_RPS"`
	Burst             int     `json:"burst" envconfig:"ELEVIZION_YODECK_BURST"`
	TimeoutSec        int     `json:"timeout_sec" envconfig:"ELEVIZION_YODECK_TIMEOUT_SEC"`
	MaxRetries        int     `json:"max_retries" envconfig:"ELEVIZION_YODECK_MAX_RETRIES"`
	// UploadTimeoutSec caps one video upload. Zero derives it from the
	// file size.
	UploadTimeoutSec int `json:"upload_timeout_sec" envconfig:"ELEVIZION_YODECK_UPLOAD_TIMEOUT_SEC"`
}

type OutboxConfig struct {
	WorkerIntervalSec    int             `json:"worker_interval_sec" envconfig:"ELEVIZION_OUTBOX_WORKER_INTERVAL_SEC"`
	BatchSize            int             `json:"batch_size" envconfig:"ELEVIZION_OUTBOX_BATCH_SIZE"`
	MaxAttempts          int             `json:"max_attempts" envconfig:"ELEVIZION_OUTBOX_MAX_ATTEMPTS"`
	StuckThresholdMin    int             `json:"stuck_threshold_min" envconfig:"ELEVIZION_OUTBOX_STUCK_THRESHOLD_MIN"`
	ProcessingTimeoutSec int             `json:"processing_timeout_sec" envconfig:"ELEVIZION_OUTBOX_PROCESSING_TIMEOUT_SEC"`
	ForceFail            map[string]bool `json:"force_fail" envconfig:"ELEVIZION_OUTBOX_FORCE_FAIL"`
}

type SyncConfig struct {
	InstanceID           string         `json:"instance_id" envconfig:"ELEVIZION_INSTANCE_ID"`
	LockTimeoutSec       int            `json:"lock_timeout_sec" envconfig:"ELEVIZION_SYNC_LOCK_TIMEOUT_SEC"`
	MinIntervalsSec      map[string]int `json:"min_intervals_sec" envconfig:"ELEVIZION_SYNC_MIN_INTERVALS_SEC"`
	ReconcileIntervalSec int            `json:"reconcile_interval_sec" envconfig:"ELEVIZION_SYNC_RECONCILE_INTERVAL_SEC"`
}

// ContentConfig describes the fallback content used to keep zones populated.
type ContentConfig struct {
	SelfAdMediaID       int64   `json:"self_ad_media_id" envconfig:"ELEVIZION_CONTENT_SELF_AD_MEDIA_ID"`
	BaselineMediaIDs    []int64 `json:"baseline_media_ids" envconfig:"ELEVIZION_CONTENT_BASELINE_MEDIA_IDS"`
	AutopilotTag        string  `json:"autopilot_tag" envconfig:"ELEVIZION_CONTENT_AUTOPILOT_TAG"`
	DefaultItemDuration int     `json:"default_item_duration" envconfig:"ELEVIZION_CONTENT_DEFAULT_ITEM_DURATION"`
}

type PublishConfig struct {
	FFmpegPath          string `json:"ffmpeg_path" envconfig:"ELEVIZION_PUBLISH_FFMPEG_PATH"`
	FFprobePath         string `json:"ffprobe_path" envconfig:"ELEVIZION_PUBLISH_FFPROBE_PATH"`
	TempDir             string `json:"temp_dir" envconfig:"ELEVIZION_PUBLISH_TEMP_DIR"`
	MaxWidth            int    `json:"max_width" envconfig:"ELEVIZION_PUBLISH_MAX_WIDTH"`
	MaxHeight           int    `json:"max_height" envconfig:"ELEVIZION_PUBLISH_MAX_HEIGHT"`
	UploadPollAttempts  int    `json:"upload_poll_attempts" envconfig:"ELEVIZION_PUBLISH_UPLOAD_POLL_ATTEMPTS"`
	UploadPollInterval  int    `json:"upload_poll_interval_sec" envconfig:"ELEVIZION_PUBLISH_UPLOAD_POLL_INTERVAL_SEC"`
	VerifyAttempts      int    `json:"verify_attempts" envconfig:"ELEVIZION_PUBLISH_VERIFY_ATTEMPTS"`
	VerifyIntervalSec   int    `json:"verify_interval_sec" envconfig:"ELEVIZION_PUBLISH_VERIFY_INTERVAL_SEC"`
	TranscodeTimeoutSec int    `json:"transcode_timeout_sec" envconfig:"ELEVIZION_PUBLISH_TRANSCODE_TIMEOUT_SEC"`
	// MinFreeDiskMB is the free space required under TempDir before a
	// transcode starts. Negative disables the check.
	MinFreeDiskMB int `json:"min_free_disk_mb" envconfig:"ELEVIZION_PUBLISH_MIN_FREE_DISK_MB"`
}

type LockConfig struct {
	DefaultTTLSec      int `json:"default_ttl_sec" envconfig:"ELEVIZION_LOCK_DEFAULT_TTL_SEC"`
	MaxWaitSec         int `json:"max_wait_sec" envconfig:"ELEVIZION_LOCK_MAX_WAIT_SEC"`
	SweepIntervalSec   int `json:"sweep_interval_sec" envconfig:"ELEVIZION_LOCK_SWEEP_INTERVAL_SEC"`
	PollIntervalMillis int `json:"poll_interval_millis" envconfig:"ELEVIZION_LOCK_POLL_INTERVAL_MILLIS"`
}

type QueueConfig struct {
	OutboxQueue    string `json:"outbox_queue" envconfig:"ELEVIZION_QUEUE_OUTBOX"`
	ReconcileQueue string `json:"reconcile_queue" envconfig:"ELEVIZION_QUEUE_RECONCILE"`
	PublishQueue   string `json:"publish_queue" envconfig:"ELEVIZION_QUEUE_PUBLISH"`
	Concurrency    int    `json:"concurrency" envconfig:"ELEVIZION_QUEUE_CONCURRENCY"`
	MonitoringPort string `json:"monitoring_port" envconfig:"ELEVIZION_QUEUE_MONITORING_PORT"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"ELEVIZION_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"ELEVIZION_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"ELEVIZION_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url" envconfig:"ELEVIZION_SLACK_WEBHOOK_URL"`
}

type Notification struct {
	Slack   SlackWebhook `json:"slack"`
	Webhook struct {
		Url     string            `json:"url" envconfig:"ELEVIZION_WEBHOOK_URL"`
		Headers map[string]string `json:"headers"`
		Timeout int               `json:"timeout"`
	} `json:"webhook"`
}

type Configuration struct {
	ProjectName     string           `json:"project_name" envconfig:"ELEVIZION_PROJECT_NAME"`
	EnableTelemetry bool             `json:"enable_telemetry" envconfig:"ELEVIZION_ENABLE_TELEMETRY"`
	PostHogKey      string           `json:"posthog_key" envconfig:"ELEVIZION_POSTHOG_KEY"`
	Server          ServerConfig     `json:"server"`
	DataSource      DataSourceConfig `json:"data_source"`
	Redis           RedisConfig      `json:"redis"`
	Yodeck          YodeckConfig     `json:"yodeck"`
	Outbox          OutboxConfig     `json:"outbox"`
	Sync            SyncConfig       `json:"sync"`
	Content         ContentConfig    `json:"content"`
	Publish         PublishConfig    `json:"publish"`
	Locks           LockConfig       `json:"locks"`
	Queue           QueueConfig      `json:"queue"`
	Notification    Notification     `json:"notification"`
	RateLimit       RateLimitConfig  `json:"rate_limit"`
}

// defaultMinIntervals are the per sync-class throttles applied when the config
// does not name one.
var defaultMinIntervals = map[string]int{
	"yodeck_sync":       300,
	"content_reconcile": 600,
	"outbox_worker":     20,
	"publish_retry":     120,
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}

	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("elevizion", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called elevizion.json with your config ❌")
	}
	return c, nil
}

// IsProduction reports whether fault-injection switches must be ignored.
func (cnf *Configuration) IsProduction() bool {
	return strings.EqualFold(cnf.Server.Environment, EnvironmentProduction)
}

// MinInterval returns the configured minimum seconds between two successful
// runs of a sync class.
func (cnf *Configuration) MinInterval(lockID string) int {
	if v, ok := cnf.Sync.MinIntervalsSec[lockID]; ok {
		return v
	}
	return defaultMinIntervals[lockID]
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Elevizion Sync"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	if cnf.Yodeck.Token == "" {
		log.Println("Error: Yodeck token is empty. It's a required field.")
		return errors.New("yodeck token is required")
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)
	cnf.Yodeck.Token = strings.TrimSpace(cnf.Yodeck.Token)

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	cnf.setYodeckDefaults()
	cnf.setOutboxDefaults()
	cnf.setSyncDefaults()
	cnf.setContentDefaults()
	cnf.setPublishDefaults()
	cnf.setLockDefaults()
	cnf.setQueueDefaults()

	// Rate limiting is disabled by default (when both RPS and Burst are nil)
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
		log.Printf("Warning: Rate limit burst not specified. Setting default value: %d", defaultBurst)
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
		log.Printf("Warning: Rate limit RPS not specified. Setting default value: %.2f", defaultRPS)
	}
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
	}

	return nil
}

func (cnf *Configuration) setYodeckDefaults() {
	if cnf.Yodeck.BaseURL == "" {
		cnf.Yodeck.BaseURL = "https://app.yodeck.com/api/v2"
	}
	cnf.Yodeck.BaseURL = strings.TrimRight(strings.TrimSpace(cnf.Yodeck.BaseURL), "/")
	if cnf.Yodeck.AuthScheme == "" {
		cnf.Yodeck.AuthScheme = "Token"
	}
	if cnf.Yodeck.RequestsPerSecond <= 0 {
		cnf.Yodeck.RequestsPerSecond = 2
	}
	if cnf.Yodeck.Burst <= 0 {
		cnf.Yodeck.Burst = 4
	}
	if cnf.Yodeck.TimeoutSec <= 0 {
		cnf.Yodeck.TimeoutSec = 30
	}
	if cnf.Yodeck.MaxRetries <= 0 {
		cnf.Yodeck.MaxRetries = 3
	}
}

func (cnf *Configuration) setOutboxDefaults() {
	if cnf.Outbox.WorkerIntervalSec <= 0 {
		cnf.Outbox.WorkerIntervalSec = 30
	}
	if cnf.Outbox.BatchSize <= 0 {
		cnf.Outbox.BatchSize = 10
	}
	if cnf.Outbox.MaxAttempts <= 0 {
		cnf.Outbox.MaxAttempts = 5
	}
	if cnf.Outbox.StuckThresholdMin <= 0 {
		cnf.Outbox.StuckThresholdMin = 30
	}
	if cnf.Outbox.ProcessingTimeoutSec <= 0 {
		cnf.Outbox.ProcessingTimeoutSec = 600
	}
	// A job still running must never look stuck to recovery.
	if cnf.Outbox.StuckThresholdMin*60 <= cnf.Outbox.ProcessingTimeoutSec {
		cnf.Outbox.StuckThresholdMin = 2*cnf.Outbox.ProcessingTimeoutSec/60 + 1
		log.Printf("Warning: outbox stuck_threshold_min raised to %d, above processing_timeout_sec", cnf.Outbox.StuckThresholdMin)
	}
	if cnf.IsProduction() && len(cnf.Outbox.ForceFail) > 0 {
		log.Println("Warning: outbox force_fail switches are ignored in production")
	}
}

func (cnf *Configuration) setSyncDefaults() {
	if cnf.Sync.InstanceID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "elevizion"
		}
		cnf.Sync.InstanceID = host + "-" + uuid.NewString()[:8]
	}
	if cnf.Sync.LockTimeoutSec <= 0 {
		cnf.Sync.LockTimeoutSec = 900
	}
	// The outbox worker lock has to outlast at least one job.
	if cnf.Sync.LockTimeoutSec <= cnf.Outbox.ProcessingTimeoutSec {
		cnf.Sync.LockTimeoutSec = cnf.Outbox.ProcessingTimeoutSec + 60
		log.Printf("Warning: sync lock_timeout_sec raised to %d, above outbox processing_timeout_sec", cnf.Sync.LockTimeoutSec)
	}
	if cnf.Sync.ReconcileIntervalSec <= 0 {
		cnf.Sync.ReconcileIntervalSec = 900
	}
}

func (cnf *Configuration) setContentDefaults() {
	if cnf.Content.AutopilotTag == "" {
		cnf.Content.AutopilotTag = "elevizion-autopilot"
	}
	if cnf.Content.DefaultItemDuration <= 0 {
		cnf.Content.DefaultItemDuration = 15
	}
}

func (cnf *Configuration) setPublishDefaults() {
	if cnf.Publish.FFmpegPath == "" {
		cnf.Publish.FFmpegPath = "ffmpeg"
	}
	if cnf.Publish.FFprobePath == "" {
		cnf.Publish.FFprobePath = "ffprobe"
	}
	if cnf.Publish.TempDir == "" {
		cnf.Publish.TempDir = os.TempDir()
	}
	if cnf.Publish.MaxWidth <= 0 {
		cnf.Publish.MaxWidth = 1920
	}
	if cnf.Publish.MaxHeight <= 0 {
		cnf.Publish.MaxHeight = 1080
	}
	if cnf.Publish.UploadPollAttempts <= 0 {
		cnf.Publish.UploadPollAttempts = 30
	}
	if cnf.Publish.UploadPollInterval <= 0 {
		cnf.Publish.UploadPollInterval = 5
	}
	if cnf.Publish.VerifyAttempts <= 0 {
		cnf.Publish.VerifyAttempts = 5
	}
	if cnf.Publish.VerifyIntervalSec <= 0 {
		cnf.Publish.VerifyIntervalSec = 3
	}
	if cnf.Publish.TranscodeTimeoutSec <= 0 {
		cnf.Publish.TranscodeTimeoutSec = 600
	}
	if cnf.Publish.MinFreeDiskMB == 0 {
		cnf.Publish.MinFreeDiskMB = 512
	}
}

func (cnf *Configuration) setLockDefaults() {
	if cnf.Locks.DefaultTTLSec <= 0 {
		cnf.Locks.DefaultTTLSec = 120
	}
	if cnf.Locks.MaxWaitSec <= 0 {
		cnf.Locks.MaxWaitSec = 30
	}
	if cnf.Locks.SweepIntervalSec <= 0 {
		cnf.Locks.SweepIntervalSec = 60
	}
	if cnf.Locks.PollIntervalMillis <= 0 {
		cnf.Locks.PollIntervalMillis = 250
	}
}

func (cnf *Configuration) setQueueDefaults() {
	if cnf.Queue.OutboxQueue == "" {
		cnf.Queue.OutboxQueue = "outbox:process_batch"
	}
	if cnf.Queue.ReconcileQueue == "" {
		cnf.Queue.ReconcileQueue = "content:reconcile"
	}
	if cnf.Queue.PublishQueue == "" {
		cnf.Queue.PublishQueue = "media:publish"
	}
	if cnf.Queue.Concurrency <= 0 {
		cnf.Queue.Concurrency = 2
	}
	if cnf.Queue.MonitoringPort == "" {
		cnf.Queue.MonitoringPort = "5004"
	}
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
