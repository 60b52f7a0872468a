// Package restore implements archive resolution, fetching, and the
// replace-and-resume state machine, plus the startup bootstrap path.
package restore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fireflyops/fireback/internal/archive"
	"github.com/fireflyops/fireback/internal/history"
	"github.com/fireflyops/fireback/internal/lifecycle"
	"github.com/fireflyops/fireback/internal/runlock"
	"github.com/fireflyops/fireback/internal/storage"
)

// ErrNoBackupAvailable indicates no archive exists in any configured
// location.
var ErrNoBackupAvailable = errors.New("no backup archive available")

// LatestArchive selects the newest archive by name.
const LatestArchive = "latest"

// State is the orchestrator's position in its run.
type State string

const (
	StateIdle      State = "idle"
	StateResolving State = "resolving"
	StateFetching  State = "fetching"
	StateQuiescing State = "quiescing"
	StateReplacing State = "replacing"
	StateResuming  State = "resuming"
	StateFailed    State = "failed"
)

// Mode selects how much of the archive is applied.
type Mode string

const (
	// ModeFull replaces volumes and reports captured configuration files.
	ModeFull Mode = "full"
	// ModeVolumesOnly replaces volumes only. Service stop/start and
	// configuration payloads are left to an external orchestration caller.
	ModeVolumesOnly Mode = "volumes_only"
)

// FatalError indicates the restore could not complete. Once volume
// replacement has begun, a FatalError means the target may be in a partial
// state and operator intervention is required.
type FatalError struct {
	Step State
	Err  error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("restore failed during %s: %v", e.Step, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Result is the structured outcome of one restore run.
type Result struct {
	RunID           uuid.UUID `json:"run_id"`
	ArchiveUsed     string    `json:"archive_used"`
	FetchedFrom     string    `json:"fetched_from"`
	VolumesReplaced []string  `json:"volumes_replaced"`
	ConfigCaptured  []string  `json:"config_captured,omitempty"`
	Warnings        []string  `json:"warnings,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	CompletedAt     time.Time `json:"completed_at"`
}

// Extractor is the archive-side surface the orchestrator needs.
type Extractor interface {
	Extract(ctx context.Context, archivePath, stagingDir string) (*archive.ExtractedPayload, error)
	WriteVolume(ctx context.Context, vol archive.Volume, payloadPath string) error
}

// LocalStore resolves archives already present on disk.
type LocalStore interface {
	List() ([]storage.Object, error)
	Exists(name string) bool
	Path(name string) string
}

// RemoteStore fetches archives from the remote object store.
type RemoteStore interface {
	List(ctx context.Context) ([]storage.Object, error)
	Download(ctx context.Context, name, localPath string) error
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
	ObserveRestore(outcome string, duration time.Duration)
}

// Config holds the orchestrator's settings.
type Config struct {
	// Volumes maps well-known volume names to their live paths.
	DatabaseVolume archive.Volume
	UploadsVolume  archive.Volume
	// StagingDir receives downloaded archives and extracted payloads.
	StagingDir string

	ReadyTimeout    time.Duration
	PollInterval    time.Duration
	LockWait        time.Duration
	TransferTimeout time.Duration
}

// Orchestrator runs restores.
type Orchestrator struct {
	cfg      Config
	engine   Extractor
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

// NewOrchestrator creates a restore orchestrator. remote, hist and metrics
// may be nil.
func NewOrchestrator(cfg Config, engine Extractor, local LocalStore, remote RemoteStore, services Lifecycle, lock Locker, hist HistoryStore, sink MetricsSink, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		engine:   engine,
		local:    local,
		remote:   remote,
		services: services,
		lock:     lock,
		hist:     hist,
		metrics:  sink,
		logger:   logger.With().Str("component", "restore").Logger(),
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

// Run restores the named archive, or the newest one when name is
// LatestArchive. It returns ErrNoBackupAvailable (wrapped in a *FatalError)
// when nothing can be resolved.
func (o *Orchestrator) Run(ctx context.Context, name string, mode Mode) (*Result, error) {
	runID := uuid.New()
	result := &Result{
		RunID:     runID,
		StartedAt: time.Now().UTC(),
	}
	logger := o.logger.With().Str("run_id", runID.String()).Logger()

	release, err := o.lock.Acquire(ctx, runlock.OwnerName("restore", runID.String()), o.cfg.LockWait)
	if err != nil {
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	defer release()
	defer func() {
		if o.State() != StateFailed {
			o.setState(StateIdle)
		}
	}()

	logger.Info().Str("archive", name).Str("mode", string(mode)).Msg("restore run starting")

	// Resolving.
	o.setState(StateResolving)
	resolved, err := o.resolve(ctx, name)
	if err != nil {
		if errors.Is(err, ErrNoBackupAvailable) {
			return nil, o.finishSkipped(ctx, result, err, logger)
		}
		return nil, o.finishFatal(ctx, result, StateResolving, err, logger)
	}
	result.ArchiveUsed = resolved

	if err := ctx.Err(); err != nil {
		return nil, o.finishFatal(ctx, result, StateResolving, err, logger)
	}

	// Fetching. The archive is materialized and its payloads extracted
	// before any service is touched, so a bad archive never interrupts the
	// running system.
	o.setState(StateFetching)
	archivePath, source, err := o.fetch(ctx, resolved)
	if err != nil {
		return nil, o.finishFatal(ctx, result, StateFetching, err, logger)
	}
	result.FetchedFrom = source
	if source == "remote" {
		defer os.Remove(archivePath)
	}

	workDir := filepath.Join(o.cfg.StagingDir, "restore-"+runID.String())
	if err := os.MkdirAll(workDir, 0o700); err != nil {
		return nil, o.finishFatal(ctx, result, StateFetching, err, logger)
	}
	defer os.RemoveAll(workDir)

	payload, err := o.engine.Extract(ctx, archivePath, workDir)
	if err != nil {
		return nil, o.finishFatal(ctx, result, StateFetching, err, logger)
	}
	if payload.UploadsPath == "" {
		o.warn(result, logger, "archive has no uploads payload, uploads volume left untouched")
	}
	if mode == ModeFull {
		result.ConfigCaptured = payload.ConfigPaths
	}

	if err := ctx.Err(); err != nil {
		return nil, o.finishFatal(ctx, result, StateFetching, err, logger)
	}

	// Quiescing. Full restores are cold; volumes-only mode never touches
	// the services, an external sequencer owns their start/stop.
	targets := lifecycle.AllTargets()
	if mode == ModeFull {
		o.setState(StateQuiescing)
		o.services.Stop(ctx, targets...)
	}

	// Replacing. Failure past this point leaves the target partial; the
	// state machine parks in Failed rather than pretending to recover.
	o.setState(StateReplacing)
	if err := o.engine.WriteVolume(ctx, o.cfg.DatabaseVolume, payload.DatabasePath); err != nil {
		o.setState(StateFailed)
		return nil, o.finishFatal(ctx, result, StateReplacing, err, logger)
	}
	result.VolumesReplaced = append(result.VolumesReplaced, o.cfg.DatabaseVolume.Name)

	if payload.UploadsPath != "" {
		if o.cfg.UploadsVolume.Path == "" {
			o.warn(result, logger, "archive carries an uploads payload but no uploads volume is configured")
		} else {
			if err := o.engine.WriteVolume(ctx, o.cfg.UploadsVolume, payload.UploadsPath); err != nil {
				o.setState(StateFailed)
				return nil, o.finishFatal(ctx, result, StateReplacing, err, logger)
			}
			result.VolumesReplaced = append(result.VolumesReplaced, o.cfg.UploadsVolume.Name)
		}
	}

	// Resuming. The data is already in place; readiness problems are
	// reported, not rolled back.
	if mode == ModeFull {
		o.setState(StateResuming)
		if err := o.services.Start(ctx, targets...); err != nil {
			logger.Error().Err(err).Msg("failed to restart services after restore")
			o.warn(result, logger, fmt.Sprintf("service restart failed: %v", err))
		} else {
			for _, target := range targets {
				state := o.services.WaitReady(ctx, target, o.cfg.ReadyTimeout, o.cfg.PollInterval)
				if state != lifecycle.StateReady {
					o.warn(result, logger, fmt.Sprintf("%s did not reach ready state after restore (state=%s)", target, state))
				}
			}
		}
	}

	result.CompletedAt = time.Now().UTC()
	o.finish(ctx, result, logger)
	return result, nil
}

// resolve maps a requested name to a concrete archive. Remote listings take
// precedence for "latest" since the remote store is the system of record
// when configured.
func (o *Orchestrator) resolve(ctx context.Context, name string) (string, error) {
	if name != "" && name != LatestArchive {
		if o.localHas(name) || o.remoteHas(ctx, name) {
			return name, nil
		}
		return "", fmt.Errorf("archive %s: %w", name, ErrNoBackupAvailable)
	}

	if o.remote != nil && o.remote.IsReachable(ctx) {
		objects, err := o.remote.List(ctx)
		if err == nil && len(objects) > 0 {
			return objects[len(objects)-1].Name, nil
		}
		if err != nil {
			o.logger.Warn().Err(err).Msg("remote listing failed while resolving latest archive")
		}
	}

	objects, err := o.local.List()
	if err != nil {
		return "", fmt.Errorf("local listing: %w", err)
	}
	if len(objects) == 0 {
		return "", ErrNoBackupAvailable
	}
	return objects[len(objects)-1].Name, nil
}

func (o *Orchestrator) localHas(name string) bool {
	return o.local.Exists(name)
}

func (o *Orchestrator) remoteHas(ctx context.Context, name string) bool {
	if o.remote == nil || !o.remote.IsReachable(ctx) {
		return false
	}
	objects, err := o.remote.List(ctx)
	if err != nil {
		return false
	}
	for _, obj := range objects {
		if obj.Name == name {
			return true
		}
	}
	return false
}

// fetch materializes the archive locally, downloading from the remote store
// when no local copy exists.
func (o *Orchestrator) fetch(ctx context.Context, name string) (path, source string, err error) {
	if o.local.Exists(name) {
		return o.local.Path(name), "local", nil
	}
	if o.remote == nil {
		return "", "", fmt.Errorf("archive %s not present locally and no remote store configured: %w", name, ErrNoBackupAvailable)
	}

	if err := os.MkdirAll(o.cfg.StagingDir, 0o755); err != nil {
		return "", "", fmt.Errorf("create staging dir: %w", err)
	}
	dest := filepath.Join(o.cfg.StagingDir, name)
	downloadCtx, cancel := context.WithTimeout(ctx, o.cfg.TransferTimeout)
	defer cancel()

	if err := o.remote.Download(downloadCtx, name, dest); err != nil {
		return "", "", fmt.Errorf("download %s: %w", name, err)
	}
	return dest, "remote", nil
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
		Str("archive", result.ArchiveUsed).
		Str("source", result.FetchedFrom).
		Strs("volumes_replaced", result.VolumesReplaced).
		Int("warnings", len(result.Warnings)).
		Dur("duration", result.CompletedAt.Sub(result.StartedAt)).
		Msg("restore run finished")

	o.record(ctx, result, outcome, "")
	if o.metrics != nil {
		o.metrics.ObserveRestore(string(outcome), result.CompletedAt.Sub(result.StartedAt))
	}
}

// finishSkipped records a run that resolved to no archive. Nothing was
// touched, so the durable record is a skip, not a failure, even though the
// caller still receives the typed error.
func (o *Orchestrator) finishSkipped(ctx context.Context, result *Result, err error, logger zerolog.Logger) error {
	result.CompletedAt = time.Now().UTC()
	logger.Info().Err(err).Msg("no archive to restore, run skipped")

	o.record(ctx, result, history.OutcomeSkipped, err.Error())
	if o.metrics != nil {
		o.metrics.ObserveRestore(string(history.OutcomeSkipped), result.CompletedAt.Sub(result.StartedAt))
	}
	return &FatalError{Step: StateResolving, Err: err}
}

func (o *Orchestrator) finishFatal(ctx context.Context, result *Result, step State, err error, logger zerolog.Logger) error {
	result.CompletedAt = time.Now().UTC()
	fatal := &FatalError{Step: step, Err: err}

	logger.Error().Err(err).Str("step", string(step)).Msg("restore run failed")

	o.record(ctx, result, history.OutcomeFatal, fatal.Error())
	if o.metrics != nil {
		o.metrics.ObserveRestore(string(history.OutcomeFatal), result.CompletedAt.Sub(result.StartedAt))
	}
	return fatal
}

func (o *Orchestrator) record(ctx context.Context, result *Result, outcome history.Outcome, errMsg string) {
	if o.hist == nil {
		return
	}
	completed := result.CompletedAt
	run := &history.Run{
		ID:          result.RunID,
		Kind:        history.RunKindRestore,
		Outcome:     outcome,
		ArchiveName: result.ArchiveUsed,
		Warnings:    result.Warnings,
		Error:       errMsg,
		StartedAt:   result.StartedAt,
		CompletedAt: &completed,
	}
	if err := o.hist.Record(context.WithoutCancel(ctx), run); err != nil {
		o.logger.Error().Err(err).Msg("failed to record run history")
	}
}
