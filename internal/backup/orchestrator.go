// Package backup implements the backup orchestration state machine:
// quiesce -> snapshot -> persist (local + remote) -> resume -> cleanup.
// Both the scheduled path and manual invocation go through RunOnce.
package backup

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fireflyops/fireback/internal/archive"
	"github.com/fireflyops/fireback/internal/history"
	"github.com/fireflyops/fireback/internal/lifecycle"
	"github.com/fireflyops/fireback/internal/retention"
	"github.com/fireflyops/fireback/internal/runlock"
	"github.com/fireflyops/fireback/internal/storage"
)

// State is the orchestrator's position in its run.
type State string

const (
	StateIdle         State = "idle"
	StateQuiescing    State = "quiescing"
	StateSnapshotting State = "snapshotting"
	StatePersisting   State = "persisting"
	StateResuming     State = "resuming"
	StateCleaningUp   State = "cleaning_up"
)

// FatalError indicates a snapshot could not be produced at all. Partial
// remote or cleanup failures never produce a FatalError; they surface as
// warnings on the result instead.
type FatalError struct {
	Step State
	Err  error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("backup failed during %s: %v", e.Step, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Result is the structured outcome of one backup run.
type Result struct {
	RunID            uuid.UUID `json:"run_id"`
	ArchiveName      string    `json:"archive_name"`
	ArchiveSizeBytes int64     `json:"archive_size_bytes"`
	PersistedLocal   bool      `json:"persisted_local"`
	PersistedRemote  bool      `json:"persisted_remote"`
	Warnings         []string  `json:"warnings,omitempty"`
	StartedAt        time.Time `json:"started_at"`
	CompletedAt      time.Time `json:"completed_at"`
}

// Archiver is the snapshot creation surface of the archive engine.
type Archiver interface {
	Create(ctx context.Context, volumes []archive.Volume, configFiles []string) (*archive.Archive, error)
}

// LocalStore is the local backup directory.
type LocalStore interface {
	Add(srcPath, name string) error
	List() ([]storage.Object, error)
	Delete(name string) error
}

// RemoteStore is the remote object store gateway.
type RemoteStore interface {
	Upload(ctx context.Context, localPath, name string) error
	List(ctx context.Context) ([]storage.Object, error)
	Delete(ctx context.Context, name string) error
	IsReachable(ctx context.Context) bool
}

// Lifecycle quiesces and resumes the protected services.
type Lifecycle interface {
	Stop(ctx context.Context, targets ...lifecycle.Target)
	Start(ctx context.Context, targets ...lifecycle.Target) error
	WaitReady(ctx context.Context, target lifecycle.Target, timeout, pollInterval time.Duration) lifecycle.State
}

// Locker serializes runs system-wide.
type Locker interface {
	Acquire(ctx context.Context, owner string, wait time.Duration) (release func(), err error)
}

// HistoryStore records the durable result of each run.
type HistoryStore interface {
	Record(ctx context.Context, run *history.Run) error
}

// MetricsSink observes finished runs.
type MetricsSink interface {
	ObserveBackup(outcome string, duration time.Duration, archiveSizeBytes int64)
}

// Config holds the orchestrator's settings.
type Config struct {
	// Volumes are the data areas to snapshot; the database volume is required.
	Volumes []archive.Volume
	// ConfigFiles are captured into each archive.
	ConfigFiles []string
	// HotBackup snapshots without stopping services.
	HotBackup bool
	// LocalPolicy and RemotePolicy are applied independently per location.
	LocalPolicy  retention.Policy
	RemotePolicy retention.Policy

	ReadyTimeout    time.Duration
	PollInterval    time.Duration
	LockWait        time.Duration
	TransferTimeout time.Duration
}

// Orchestrator runs backups. Safe for use from both the scheduler and the
// manual command path; the run lock serializes overlapping invocations.
type Orchestrator struct {
	cfg      Config
	engine   Archiver
	local    LocalStore
	remote   RemoteStore // nil when no remote store is configured
	services Lifecycle
	lock     Locker
	hist     HistoryStore // optional
	metrics  MetricsSink  // optional
	logger   zerolog.Logger

	mu    sync.RWMutex
	state State
}

// NewOrchestrator creates a backup orchestrator. remote, hist and metrics may
// be nil.
func NewOrchestrator(cfg Config, engine Archiver, local LocalStore, remote RemoteStore, services Lifecycle, lock Locker, hist HistoryStore, sink MetricsSink, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		engine:   engine,
		local:    local,
		remote:   remote,
		services: services,
		lock:     lock,
		hist:     hist,
		metrics:  sink,
		logger:   logger.With().Str("component", "backup").Logger(),
		state:    StateIdle,
	}
}

// State returns the orchestrator's current state.
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// RunOnce executes one full backup run. It returns a Result on success
// (possibly with warnings) and a *FatalError when no archive could be
// produced. Cancellation is honored between steps, never mid-step.
func (o *Orchestrator) RunOnce(ctx context.Context) (*Result, error) {
	runID := uuid.New()
	result := &Result{
		RunID:     runID,
		StartedAt: time.Now().UTC(),
	}
	logger := o.logger.With().Str("run_id", runID.String()).Logger()

	release, err := o.lock.Acquire(ctx, runlock.OwnerName("backup", runID.String()), o.cfg.LockWait)
	if err != nil {
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	defer release()
	defer o.setState(StateIdle)

	logger.Info().Bool("hot", o.cfg.HotBackup).Msg("backup run starting")

	// Quiescing. In hot mode volumes are read in place without stopping
	// anything.
	var stopped []lifecycle.Target
	if !o.cfg.HotBackup {
		o.setState(StateQuiescing)
		targets := lifecycle.AllTargets()
		o.services.Stop(ctx, targets...)
		stopped = targets
	}

	if err := ctx.Err(); err != nil {
		o.resume(ctx, stopped, result, logger)
		return nil, o.finishFatal(ctx, result, StateQuiescing, err, logger)
	}

	// Snapshotting.
	o.setState(StateSnapshotting)
	arch, err := o.engine.Create(ctx, o.cfg.Volumes, o.cfg.ConfigFiles)
	if err != nil {
		o.resume(ctx, stopped, result, logger)
		return nil, o.finishFatal(ctx, result, StateSnapshotting, err, logger)
	}
	result.ArchiveName = arch.Name
	result.ArchiveSizeBytes = arch.SizeBytes

	if err := ctx.Err(); err != nil {
		o.resume(ctx, stopped, result, logger)
		return nil, o.finishFatal(ctx, result, StateSnapshotting, err, logger)
	}

	// Persisting. A local copy is the minimum success criterion; the remote
	// copy is best effort and degrades to a warning.
	o.setState(StatePersisting)
	if err := o.local.Add(arch.Path, arch.Name); err != nil {
		o.resume(ctx, stopped, result, logger)
		return nil, o.finishFatal(ctx, result, StatePersisting, err, logger)
	}
	result.PersistedLocal = true

	o.persistRemote(ctx, arch, result, logger)
	os.Remove(arch.Path) // staging copy no longer needed

	if err := ctx.Err(); err != nil {
		o.resume(ctx, stopped, result, logger)
		return o.finishCancelled(ctx, result, err, logger)
	}

	// Resuming. Failures here are reported but never roll back the archive.
	o.setState(StateResuming)
	o.resume(ctx, stopped, result, logger)

	if err := ctx.Err(); err != nil {
		return o.finishCancelled(ctx, result, err, logger)
	}

	// CleaningUp. The run lock guarantees no restore is in flight, so no
	// listing entry can be referenced by a concurrent reader.
	o.setState(StateCleaningUp)
	o.cleanup(ctx, result, logger)

	result.CompletedAt = time.Now().UTC()
	o.finish(ctx, result, logger)
	return result, nil
}

// SweepRetention applies the retention policies outside a backup run. It
// takes the run lock so a sweep never races an in-flight backup or restore.
func (o *Orchestrator) SweepRetention(ctx context.Context) ([]string, error) {
	runID := uuid.New()
	logger := o.logger.With().Str("run_id", runID.String()).Logger()

	release, err := o.lock.Acquire(ctx, runlock.OwnerName("retention", runID.String()), o.cfg.LockWait)
	if err != nil {
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	defer release()
	defer o.setState(StateIdle)

	o.setState(StateCleaningUp)
	result := &Result{RunID: runID}
	result.PersistedRemote = o.remote != nil && o.remote.IsReachable(ctx)
	o.cleanup(ctx, result, logger)

	logger.Info().Int("warnings", len(result.Warnings)).Msg("retention sweep finished")
	return result.Warnings, nil
}

// persistRemote uploads the archive when the remote store is configured and
// reachable. Any failure is a warning, not a run failure.
func (o *Orchestrator) persistRemote(ctx context.Context, arch *archive.Archive, result *Result, logger zerolog.Logger) {
	if o.remote == nil {
		return
	}
	if !o.remote.IsReachable(ctx) {
		o.warn(result, logger, "remote store unreachable, archive persisted locally only")
		return
	}

	uploadCtx, cancel := context.WithTimeout(ctx, o.cfg.TransferTimeout)
	defer cancel()

	if err := o.remote.Upload(uploadCtx, arch.Path, arch.Name); err != nil {
		o.warn(result, logger, fmt.Sprintf("remote upload failed: %v", err))
		return
	}
	result.PersistedRemote = true
}

// resume restarts any targets stopped during quiescing and waits for
// readiness. Failures are warnings on the result and logged at ERROR.
func (o *Orchestrator) resume(ctx context.Context, stopped []lifecycle.Target, result *Result, logger zerolog.Logger) {
	if len(stopped) == 0 {
		return
	}

	if err := o.services.Start(ctx, stopped...); err != nil {
		logger.Error().Err(err).Msg("failed to restart services after backup")
		o.warn(result, logger, fmt.Sprintf("service restart failed: %v", err))
		return
	}
	for _, target := range stopped {
		state := o.services.WaitReady(ctx, target, o.cfg.ReadyTimeout, o.cfg.PollInterval)
		if state != lifecycle.StateReady {
			o.warn(result, logger, fmt.Sprintf("%s did not reach ready state after backup (state=%s)", target, state))
		}
	}
}

// cleanup applies the retention policies to the local and remote listings
// independently. Failures degrade to warnings.
func (o *Orchestrator) cleanup(ctx context.Context, result *Result, logger zerolog.Logger) {
	now := time.Now().UTC()

	if o.cfg.LocalPolicy.Enabled() {
		objects, err := o.local.List()
		if err != nil {
			o.warn(result, logger, fmt.Sprintf("local retention listing failed: %v", err))
		} else {
			for _, name := range retention.SelectForDeletion(storage.RetentionEntries(objects), o.cfg.LocalPolicy, now) {
				if err := o.local.Delete(name); err != nil {
					o.warn(result, logger, fmt.Sprintf("local retention delete %s failed: %v", name, err))
				}
			}
		}
	}

	if o.remote != nil && o.cfg.RemotePolicy.Enabled() && result.PersistedRemote {
		objects, err := o.remote.List(ctx)
		if err != nil {
			o.warn(result, logger, fmt.Sprintf("remote retention listing failed: %v", err))
			return
		}
		for _, name := range retention.SelectForDeletion(storage.RetentionEntries(objects), o.cfg.RemotePolicy, now) {
			if err := o.remote.Delete(ctx, name); err != nil {
				o.warn(result, logger, fmt.Sprintf("remote retention delete %s failed: %v", name, err))
			}
		}
	}
}

func (o *Orchestrator) warn(result *Result, logger zerolog.Logger, msg string) {
	result.Warnings = append(result.Warnings, msg)
	logger.Warn().Msg(msg)
}

func (o *Orchestrator) finish(ctx context.Context, result *Result, logger zerolog.Logger) {
	outcome := history.OutcomeSuccess
	if len(result.Warnings) > 0 {
		outcome = history.OutcomeWarning
	}

	logger.Info().
		Str("archive", result.ArchiveName).
		Bool("persisted_local", result.PersistedLocal).
		Bool("persisted_remote", result.PersistedRemote).
		Int("warnings", len(result.Warnings)).
		Dur("duration", result.CompletedAt.Sub(result.StartedAt)).
		Msg("backup run finished")

	o.record(ctx, result, outcome, "")
	if o.metrics != nil {
		o.metrics.ObserveBackup(string(outcome), result.CompletedAt.Sub(result.StartedAt), result.ArchiveSizeBytes)
	}
}

func (o *Orchestrator) finishFatal(ctx context.Context, result *Result, step State, err error, logger zerolog.Logger) error {
	result.CompletedAt = time.Now().UTC()
	fatal := &FatalError{Step: step, Err: err}

	logger.Error().Err(err).Str("step", string(step)).Msg("backup run failed")

	o.record(ctx, result, history.OutcomeFatal, fatal.Error())
	if o.metrics != nil {
		o.metrics.ObserveBackup(string(history.OutcomeFatal), result.CompletedAt.Sub(result.StartedAt), 0)
	}
	return fatal
}

// finishCancelled reports a run interrupted by cooperative cancellation after
// the minimum success criterion was already met. The archive persists; the
// result records the incomplete remainder.
func (o *Orchestrator) finishCancelled(ctx context.Context, result *Result, err error, logger zerolog.Logger) (*Result, error) {
	o.warn(result, logger, fmt.Sprintf("run cancelled before completing remaining steps: %v", err))
	result.CompletedAt = time.Now().UTC()
	o.finish(context.WithoutCancel(ctx), result, logger)
	return result, nil
}

func (o *Orchestrator) record(ctx context.Context, result *Result, outcome history.Outcome, errMsg string) {
	if o.hist == nil {
		return
	}
	completed := result.CompletedAt
	run := &history.Run{
		ID:          result.RunID,
		Kind:        history.RunKindBackup,
		Outcome:     outcome,
		ArchiveName: result.ArchiveName,
		Warnings:    result.Warnings,
		Error:       errMsg,
		StartedAt:   result.StartedAt,
		CompletedAt: &completed,
	}
	if err := o.hist.Record(context.WithoutCancel(ctx), run); err != nil {
		o.logger.Error().Err(err).Msg("failed to record run history")
	}
}
