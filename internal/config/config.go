// Package config provides configuration management for fireback.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fireflyops/fireback/internal/archive"
	"github.com/fireflyops/fireback/internal/retention"
	"github.com/fireflyops/fireback/internal/storage"
)

// BootstrapStrategy selects how the startup bootstrap decides whether a
// restore is warranted on cold start.
type BootstrapStrategy string

const (
	// BootstrapUnconditional always restores the latest remote archive.
	BootstrapUnconditional BootstrapStrategy = "unconditional"
	// BootstrapConditional probes the database for existing user records and
	// restores only when none are found (or the probe cannot connect).
	BootstrapConditional BootstrapStrategy = "conditional"
)

// Config is the full fireback configuration, loaded from a YAML file and
// passed explicitly into each component at construction.
type Config struct {
	// ArchivePrefix names archives (<prefix>_<YYYYMMDD>_<HHMMSS>.tar.gz).
	ArchivePrefix string `yaml:"archive_prefix"`

	// DatabaseVolume and UploadsVolume are the two protected data areas.
	DatabaseVolume string `yaml:"database_volume"`
	UploadsVolume  string `yaml:"uploads_volume"`

	// ConfigFiles are captured into each archive at creation time.
	ConfigFiles []string `yaml:"config_files,omitempty"`

	// StagingDir holds freshly created archives and extraction scratch space.
	StagingDir string `yaml:"staging_dir"`
	// BackupDir is the local backup directory.
	BackupDir string `yaml:"backup_dir"`
	// StateDir holds the run lock and the run-history database.
	StateDir string `yaml:"state_dir"`

	// HotBackup snapshots volumes without stopping services.
	HotBackup bool `yaml:"hot_backup"`

	// MetricsAddr, when set, serves Prometheus metrics in daemon mode.
	MetricsAddr string `yaml:"metrics_addr,omitempty"`

	Lifecycle LifecycleConfig  `yaml:"lifecycle"`
	S3        storage.S3Config `yaml:"s3"`
	Retention RetentionConfig  `yaml:"retention"`
	Schedule  ScheduleConfig   `yaml:"schedule"`
	Bootstrap BootstrapConfig  `yaml:"bootstrap"`
	Health    HealthConfig     `yaml:"health"`
	Timeouts  TimeoutConfig    `yaml:"timeouts"`
}

// LifecycleConfig describes the protected services and how to probe them.
type LifecycleConfig struct {
	// ComposeFile is the docker compose file describing the stack.
	ComposeFile string `yaml:"compose_file"`
	// AppService and DatabaseService are compose service names.
	AppService      string `yaml:"app_service"`
	DatabaseService string `yaml:"database_service"`
	// DatabaseDSN is the connection string for readiness probing.
	DatabaseDSN string `yaml:"database_dsn"`
	// UsersTable is probed by the conditional bootstrap strategy.
	UsersTable string `yaml:"users_table,omitempty"`
}

// RetentionConfig applies one policy per archive location.
type RetentionConfig struct {
	Local  retention.Policy `yaml:"local"`
	Remote retention.Policy `yaml:"remote"`
}

// ScheduleConfig holds the cron expressions for the daemon loop.
type ScheduleConfig struct {
	BackupCron    string `yaml:"backup_cron"`
	RetentionCron string `yaml:"retention_cron"`
	HealthCron    string `yaml:"health_cron"`
}

// BootstrapConfig controls the restore-on-cold-start path.
type BootstrapConfig struct {
	Strategy BootstrapStrategy `yaml:"strategy"`
	// PreflightDelaySeconds lets dependent infrastructure settle before the
	// bootstrap decision is made.
	PreflightDelaySeconds int `yaml:"preflight_delay_seconds"`
	// ProbeRetries bounds the conditional strategy's connection attempts.
	ProbeRetries int `yaml:"probe_retries"`
	// ProbeIntervalSeconds is the delay between probe attempts.
	ProbeIntervalSeconds int `yaml:"probe_interval_seconds"`
}

// HealthConfig holds health-check thresholds.
type HealthConfig struct {
	// MinFreeBytes is the local disk free-space warning threshold.
	MinFreeBytes int64 `yaml:"min_free_bytes"`
}

// TimeoutConfig bounds the blocking operations.
type TimeoutConfig struct {
	ReadySeconds    int `yaml:"ready_seconds"`
	PollSeconds     int `yaml:"poll_seconds"`
	LockWaitSeconds int `yaml:"lock_wait_seconds"`
	TransferSeconds int `yaml:"transfer_seconds"`
}

// Default returns a Config with sensible defaults for everything that has one.
func Default() *Config {
	return &Config{
		ArchivePrefix: "firefly",
		StagingDir:    "/var/lib/fireback/staging",
		BackupDir:     "/var/backups/firefly",
		StateDir:      "/var/lib/fireback",
		Lifecycle: LifecycleConfig{
			AppService:      "app",
			DatabaseService: "db",
			UsersTable:      "users",
		},
		Retention: RetentionConfig{
			Local:  retention.Policy{MaxAgeDays: 30},
			Remote: retention.Policy{MaxAgeDays: 30},
		},
		Schedule: ScheduleConfig{
			BackupCron:    "0 3 * * *",
			RetentionCron: "0 4 * * 0",
			HealthCron:    "30 3 * * *",
		},
		Bootstrap: BootstrapConfig{
			Strategy:              BootstrapConditional,
			PreflightDelaySeconds: 10,
			ProbeRetries:          5,
			ProbeIntervalSeconds:  3,
		},
		Health: HealthConfig{
			MinFreeBytes: 1 << 30, // 1 GiB
		},
		Timeouts: TimeoutConfig{
			ReadySeconds:    300,
			PollSeconds:     5,
			LockWaitSeconds: 30,
			TransferSeconds: 1800,
		},
	}
}

// Load reads the configuration from the given path, layered over defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration has required fields for operation.
func (c *Config) Validate() error {
	if c.ArchivePrefix == "" {
		return errors.New("archive_prefix is required")
	}
	if c.DatabaseVolume == "" {
		return errors.New("database_volume is required")
	}
	if !filepath.IsAbs(c.DatabaseVolume) {
		return errors.New("database_volume must be an absolute path")
	}
	if c.UploadsVolume != "" && !filepath.IsAbs(c.UploadsVolume) {
		return errors.New("uploads_volume must be an absolute path")
	}
	if c.BackupDir == "" {
		return errors.New("backup_dir is required")
	}
	if c.StagingDir == "" {
		return errors.New("staging_dir is required")
	}
	if c.StateDir == "" {
		return errors.New("state_dir is required")
	}
	if err := c.Retention.Local.Validate(); err != nil {
		return fmt.Errorf("retention.local: %w", err)
	}
	if err := c.Retention.Remote.Validate(); err != nil {
		return fmt.Errorf("retention.remote: %w", err)
	}
	switch c.Bootstrap.Strategy {
	case BootstrapUnconditional, BootstrapConditional:
	default:
		return fmt.Errorf("bootstrap.strategy must be %q or %q", BootstrapUnconditional, BootstrapConditional)
	}
	if c.Bootstrap.Strategy == BootstrapConditional && c.Lifecycle.DatabaseDSN == "" {
		return errors.New("lifecycle.database_dsn is required with the conditional bootstrap strategy")
	}
	if !c.HotBackup && c.Lifecycle.ComposeFile == "" {
		return errors.New("lifecycle.compose_file is required unless hot_backup is enabled")
	}
	return nil
}

// RemoteConfigured reports whether a remote object store is configured.
func (c *Config) RemoteConfigured() bool {
	return c.S3.Bucket != ""
}

// LockPath returns the run lock location.
func (c *Config) LockPath() string {
	return filepath.Join(c.StateDir, "fireback.lock")
}

// HistoryPath returns the run-history database location.
func (c *Config) HistoryPath() string {
	return filepath.Join(c.StateDir, "history.db")
}

// ReadyTimeout bounds readiness waits.
func (c *Config) ReadyTimeout() time.Duration {
	return time.Duration(c.Timeouts.ReadySeconds) * time.Second
}

// PollInterval is the readiness poll interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Timeouts.PollSeconds) * time.Second
}

// LockWait bounds run-lock acquisition.
func (c *Config) LockWait() time.Duration {
	return time.Duration(c.Timeouts.LockWaitSeconds) * time.Second
}

// TransferTimeout bounds an entire upload or download, not just connection
// establishment.
func (c *Config) TransferTimeout() time.Duration {
	return time.Duration(c.Timeouts.TransferSeconds) * time.Second
}

// PreflightDelay is the bootstrap settle delay.
func (c *Config) PreflightDelay() time.Duration {
	return time.Duration(c.Bootstrap.PreflightDelaySeconds) * time.Second
}

// ProbeInterval is the bootstrap probe retry interval.
func (c *Config) ProbeInterval() time.Duration {
	return time.Duration(c.Bootstrap.ProbeIntervalSeconds) * time.Second
}

// Volumes returns the configured data volumes. The uploads volume is optional.
func (c *Config) Volumes() []archive.Volume {
	vols := []archive.Volume{{Name: archive.VolumeDatabase, Path: c.DatabaseVolume}}
	if c.UploadsVolume != "" {
		vols = append(vols, archive.Volume{Name: archive.VolumeUploads, Path: c.UploadsVolume})
	}
	return vols
}
