package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/fireflyops/fireback/internal/archive"
	"github.com/fireflyops/fireback/internal/backup"
	"github.com/fireflyops/fireback/internal/config"
	"github.com/fireflyops/fireback/internal/health"
	"github.com/fireflyops/fireback/internal/history"
	"github.com/fireflyops/fireback/internal/lifecycle"
	"github.com/fireflyops/fireback/internal/metrics"
	"github.com/fireflyops/fireback/internal/restore"
	"github.com/fireflyops/fireback/internal/runlock"
	"github.com/fireflyops/fireback/internal/storage"
)

// app holds the wired components shared by the CLI commands.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	engine   *archive.Engine
	local    *storage.LocalStore
	remote   *storage.RemoteStore // nil when s3 is not configured
	services *lifecycle.Controller
	lock     *runlock.Lock
	hist     *history.Store
	metrics  *metrics.Metrics
	backup   *backup.Orchestrator
	restore  *restore.Orchestrator
	health   *health.Checker
}

// buildApp constructs every component from the loaded configuration.
func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	a.engine = archive.NewEngine(cfg.ArchivePrefix, cfg.StagingDir, logger)

	local, err := storage.NewLocalStore(cfg.BackupDir, cfg.ArchivePrefix, logger)
	if err != nil {
		return nil, fmt.Errorf("local store: %w", err)
	}
	a.local = local

	if cfg.RemoteConfigured() {
		remote, err := storage.NewRemoteStore(ctx, cfg.S3, cfg.ArchivePrefix, logger)
		if err != nil {
			return nil, fmt.Errorf("remote store: %w", err)
		}
		a.remote = remote
	}

	runner := lifecycle.NewComposeRunner(cfg.Lifecycle.ComposeFile, logger)
	services := map[lifecycle.Target]string{
		lifecycle.TargetApp:      cfg.Lifecycle.AppService,
		lifecycle.TargetDatabase: cfg.Lifecycle.DatabaseService,
	}
	probes := map[lifecycle.Target]lifecycle.Probe{
		lifecycle.TargetApp: runner.AppProbe(cfg.Lifecycle.AppService),
	}
	if cfg.Lifecycle.DatabaseDSN != "" {
		probes[lifecycle.TargetDatabase] = lifecycle.NewPostgresProbe(cfg.Lifecycle.DatabaseDSN, logger)
	}
	a.services = lifecycle.NewController(runner, services, probes, logger)

	a.lock = runlock.New(cfg.LockPath(), logger)

	hist, err := history.NewStore(cfg.HistoryPath(), logger)
	if err != nil {
		return nil, fmt.Errorf("history store: %w", err)
	}
	a.hist = hist

	a.metrics = metrics.New()

	// Interface conversions keep nil remotes nil instead of typed-nil.
	var backupRemote backup.RemoteStore
	var restoreRemote restore.RemoteStore
	var reachable health.Reachability
	if a.remote != nil {
		backupRemote = a.remote
		restoreRemote = a.remote
		reachable = a.remote
	}

	a.backup = backup.NewOrchestrator(backup.Config{
		Volumes:         cfg.Volumes(),
		ConfigFiles:     cfg.ConfigFiles,
		HotBackup:       cfg.HotBackup,
		LocalPolicy:     cfg.Retention.Local,
		RemotePolicy:    cfg.Retention.Remote,
		ReadyTimeout:    cfg.ReadyTimeout(),
		PollInterval:    cfg.PollInterval(),
		LockWait:        cfg.LockWait(),
		TransferTimeout: cfg.TransferTimeout(),
	}, a.engine, a.local, backupRemote, a.services, a.lock, a.hist, a.metrics, logger)

	a.restore = restore.NewOrchestrator(restore.Config{
		DatabaseVolume:  archive.Volume{Name: archive.VolumeDatabase, Path: cfg.DatabaseVolume},
		UploadsVolume:   archive.Volume{Name: archive.VolumeUploads, Path: cfg.UploadsVolume},
		StagingDir:      cfg.StagingDir,
		ReadyTimeout:    cfg.ReadyTimeout(),
		PollInterval:    cfg.PollInterval(),
		LockWait:        cfg.LockWait(),
		TransferTimeout: cfg.TransferTimeout(),
	}, a.engine, a.local, restoreRemote, a.services, a.lock, a.hist, a.metrics, logger)

	a.health = health.NewChecker(reachable, cfg.BackupDir, cfg.Health.MinFreeBytes, logger)

	return a, nil
}

// bootstrap builds the startup bootstrap around the wired restorer.
func (a *app) bootstrap() *restore.Bootstrap {
	// Validate guarantees a DSN is present when the strategy is conditional.
	var counter restore.UserCounter
	if a.cfg.Bootstrap.Strategy == config.BootstrapConditional {
		counter = lifecycle.NewPostgresProbe(a.cfg.Lifecycle.DatabaseDSN, a.logger)
	}
	return restore.NewBootstrap(restore.BootstrapConfig{
		Strategy:       restore.Strategy(a.cfg.Bootstrap.Strategy),
		PreflightDelay: a.cfg.PreflightDelay(),
		ProbeRetries:   a.cfg.Bootstrap.ProbeRetries,
		ProbeInterval:  a.cfg.ProbeInterval(),
		UsersTable:     a.cfg.Lifecycle.UsersTable,
	}, a.restore, counter, a.logger)
}

func (a *app) close() {
	if a.hist != nil {
		if err := a.hist.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("failed to close history store")
		}
	}
}
