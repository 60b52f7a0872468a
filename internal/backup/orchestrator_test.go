package backup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fireflyops/fireback/internal/archive"
	"github.com/fireflyops/fireback/internal/history"
	"github.com/fireflyops/fireback/internal/lifecycle"
	"github.com/fireflyops/fireback/internal/retention"
	"github.com/fireflyops/fireback/internal/runlock"
	"github.com/fireflyops/fireback/internal/storage"
)

type fakeEngine struct {
	arch      *archive.Archive
	createErr error
	calls     int
}

func (e *fakeEngine) Create(ctx context.Context, volumes []archive.Volume, configFiles []string) (*archive.Archive, error) {
	e.calls++
	if e.createErr != nil {
		return nil, e.createErr
	}
	return e.arch, nil
}

type fakeLocal struct {
	added   []string
	deleted []string
	objects []storage.Object
	addErr  error
	listErr error
}

func (l *fakeLocal) Add(srcPath, name string) error {
	if l.addErr != nil {
		return l.addErr
	}
	l.added = append(l.added, name)
	return nil
}

func (l *fakeLocal) List() ([]storage.Object, error) { return l.objects, l.listErr }

func (l *fakeLocal) Delete(name string) error {
	l.deleted = append(l.deleted, name)
	return nil
}

type fakeRemote struct {
	reachable bool
	uploaded  []string
	deleted   []string
	objects   []storage.Object
	uploadErr error
}

func (r *fakeRemote) Upload(ctx context.Context, localPath, name string) error {
	if r.uploadErr != nil {
		return r.uploadErr
	}
	r.uploaded = append(r.uploaded, name)
	return nil
}

func (r *fakeRemote) List(ctx context.Context) ([]storage.Object, error) { return r.objects, nil }

func (r *fakeRemote) Delete(ctx context.Context, name string) error {
	r.deleted = append(r.deleted, name)
	return nil
}

func (r *fakeRemote) IsReachable(ctx context.Context) bool { return r.reachable }

type fakeLifecycle struct {
	stopped    []lifecycle.Target
	started    []lifecycle.Target
	startErr   error
	readyState lifecycle.State
}

func (f *fakeLifecycle) Stop(ctx context.Context, targets ...lifecycle.Target) {
	f.stopped = append(f.stopped, targets...)
}

func (f *fakeLifecycle) Start(ctx context.Context, targets ...lifecycle.Target) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, targets...)
	return nil
}

func (f *fakeLifecycle) WaitReady(ctx context.Context, target lifecycle.Target, timeout, pollInterval time.Duration) lifecycle.State {
	if f.readyState == "" {
		return lifecycle.StateReady
	}
	return f.readyState
}

type fakeLock struct {
	busy     bool
	acquired int
	released int
}

func (l *fakeLock) Acquire(ctx context.Context, owner string, wait time.Duration) (func(), error) {
	if l.busy {
		return nil, runlock.ErrBusy
	}
	l.acquired++
	return func() { l.released++ }, nil
}

type fakeHistory struct {
	runs []*history.Run
}

func (h *fakeHistory) Record(ctx context.Context, run *history.Run) error {
	h.runs = append(h.runs, run)
	return nil
}

func testArchive() *archive.Archive {
	created := time.Date(2026, 4, 1, 3, 0, 0, 0, time.UTC)
	return &archive.Archive{
		Name:      archive.Name("firefly", created),
		Path:      "/tmp/does-not-matter.tar.gz",
		SizeBytes: 4096,
		CreatedAt: created,
	}
}

func testConfig() Config {
	return Config{
		Volumes:         []archive.Volume{{Name: archive.VolumeDatabase, Path: "/data/db"}},
		ReadyTimeout:    time.Second,
		PollInterval:    10 * time.Millisecond,
		LockWait:        0,
		TransferTimeout: time.Second,
	}
}

func TestRunOnceColdStopsAndResumesServices(t *testing.T) {
	engine := &fakeEngine{arch: testArchive()}
	local := &fakeLocal{}
	remote := &fakeRemote{reachable: true}
	services := &fakeLifecycle{}
	lock := &fakeLock{}

	o := NewOrchestrator(testConfig(), engine, local, remote, services, lock, nil, nil, zerolog.Nop())
	result, err := o.RunOnce(context.Background())
	require.NoError(t, err)

	assert.True(t, result.PersistedLocal)
	assert.True(t, result.PersistedRemote)
	assert.Empty(t, result.Warnings)
	assert.Equal(t, engine.arch.Name, result.ArchiveName)
	assert.Equal(t, []string{engine.arch.Name}, local.added)
	assert.Equal(t, []string{engine.arch.Name}, remote.uploaded)

	assert.Equal(t, lifecycle.AllTargets(), services.stopped)
	assert.Equal(t, lifecycle.AllTargets(), services.started)
	assert.Equal(t, 1, lock.acquired)
	assert.Equal(t, 1, lock.released)
	assert.Equal(t, StateIdle, o.State())
}

func TestRunOnceHotLeavesServicesAlone(t *testing.T) {
	cfg := testConfig()
	cfg.HotBackup = true
	services := &fakeLifecycle{}

	o := NewOrchestrator(cfg, &fakeEngine{arch: testArchive()}, &fakeLocal{}, nil, services, &fakeLock{}, nil, nil, zerolog.Nop())
	result, err := o.RunOnce(context.Background())
	require.NoError(t, err)

	assert.True(t, result.PersistedLocal)
	assert.Empty(t, services.stopped)
	assert.Empty(t, services.started)
}

func TestRunOnceUnreachableRemoteDegradesToWarning(t *testing.T) {
	remote := &fakeRemote{reachable: false}

	o := NewOrchestrator(testConfig(), &fakeEngine{arch: testArchive()}, &fakeLocal{}, remote, &fakeLifecycle{}, &fakeLock{}, nil, nil, zerolog.Nop())
	result, err := o.RunOnce(context.Background())
	require.NoError(t, err)

	assert.True(t, result.PersistedLocal)
	assert.False(t, result.PersistedRemote)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "unreachable")
	assert.Empty(t, remote.uploaded)
}

func TestRunOnceUploadFailureDegradesToWarning(t *testing.T) {
	remote := &fakeRemote{reachable: true, uploadErr: errors.New("connection reset")}

	o := NewOrchestrator(testConfig(), &fakeEngine{arch: testArchive()}, &fakeLocal{}, remote, &fakeLifecycle{}, &fakeLock{}, nil, nil, zerolog.Nop())
	result, err := o.RunOnce(context.Background())
	require.NoError(t, err)

	assert.True(t, result.PersistedLocal)
	assert.False(t, result.PersistedRemote)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "upload failed")
}

func TestRunOnceSnapshotFailureIsFatalAndResumes(t *testing.T) {
	engine := &fakeEngine{createErr: archive.ErrSourceUnavailable}
	services := &fakeLifecycle{}
	hist := &fakeHistory{}

	o := NewOrchestrator(testConfig(), engine, &fakeLocal{}, nil, services, &fakeLock{}, hist, nil, zerolog.Nop())
	_, err := o.RunOnce(context.Background())
	require.Error(t, err)

	var fatal *FatalError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, StateSnapshotting, fatal.Step)
	assert.ErrorIs(t, err, archive.ErrSourceUnavailable)

	// Services stopped for the cold run must be restarted even on failure.
	assert.Equal(t, lifecycle.AllTargets(), services.started)

	require.Len(t, hist.runs, 1)
	assert.Equal(t, history.OutcomeFatal, hist.runs[0].Outcome)
}

func TestRunOnceLocalPersistFailureIsFatal(t *testing.T) {
	local := &fakeLocal{addErr: errors.New("no space left on device")}

	o := NewOrchestrator(testConfig(), &fakeEngine{arch: testArchive()}, local, nil, &fakeLifecycle{}, &fakeLock{}, nil, nil, zerolog.Nop())
	_, err := o.RunOnce(context.Background())

	var fatal *FatalError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, StatePersisting, fatal.Step)
}

func TestRunOnceBusyLockFailsWithoutTouchingServices(t *testing.T) {
	engine := &fakeEngine{arch: testArchive()}
	services := &fakeLifecycle{}

	o := NewOrchestrator(testConfig(), engine, &fakeLocal{}, nil, services, &fakeLock{busy: true}, nil, nil, zerolog.Nop())
	_, err := o.RunOnce(context.Background())

	require.ErrorIs(t, err, runlock.ErrBusy)
	assert.Zero(t, engine.calls)
	assert.Empty(t, services.stopped)
}

func TestRunOnceResumeDegradationIsWarning(t *testing.T) {
	services := &fakeLifecycle{readyState: lifecycle.StateDegraded}
	hist := &fakeHistory{}

	o := NewOrchestrator(testConfig(), &fakeEngine{arch: testArchive()}, &fakeLocal{}, nil, services, &fakeLock{}, hist, nil, zerolog.Nop())
	result, err := o.RunOnce(context.Background())
	require.NoError(t, err)

	assert.True(t, result.PersistedLocal)
	assert.Len(t, result.Warnings, len(lifecycle.AllTargets()))

	require.Len(t, hist.runs, 1)
	assert.Equal(t, history.OutcomeWarning, hist.runs[0].Outcome)
}

func TestRunOnceAppliesRetentionToBothLocations(t *testing.T) {
	old := storage.Object{Name: "firefly_20200101_030000.tar.gz", CreatedAt: time.Date(2020, 1, 1, 3, 0, 0, 0, time.UTC)}
	mid := storage.Object{Name: "firefly_20250101_030000.tar.gz", CreatedAt: time.Date(2025, 1, 1, 3, 0, 0, 0, time.UTC)}

	cfg := testConfig()
	cfg.LocalPolicy = retention.Policy{MaxCount: 1}
	cfg.RemotePolicy = retention.Policy{MaxCount: 1}

	local := &fakeLocal{objects: []storage.Object{old, mid}}
	remote := &fakeRemote{reachable: true, objects: []storage.Object{old, mid}}

	o := NewOrchestrator(cfg, &fakeEngine{arch: testArchive()}, local, remote, &fakeLifecycle{}, &fakeLock{}, nil, nil, zerolog.Nop())
	result, err := o.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, result.Warnings)

	assert.Equal(t, []string{old.Name}, local.deleted)
	assert.Equal(t, []string{old.Name}, remote.deleted)
}

func TestSweepRetention(t *testing.T) {
	old := storage.Object{Name: "firefly_20200101_030000.tar.gz", CreatedAt: time.Date(2020, 1, 1, 3, 0, 0, 0, time.UTC)}
	recent := storage.Object{Name: "firefly_20260101_030000.tar.gz", CreatedAt: time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC)}

	cfg := testConfig()
	cfg.LocalPolicy = retention.Policy{MaxCount: 1}

	local := &fakeLocal{objects: []storage.Object{old, recent}}
	lock := &fakeLock{}

	o := NewOrchestrator(cfg, &fakeEngine{}, local, nil, &fakeLifecycle{}, lock, nil, nil, zerolog.Nop())
	warnings, err := o.SweepRetention(context.Background())
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, []string{old.Name}, local.deleted)
	assert.Equal(t, 1, lock.released)
}

func TestSweepRetentionBusy(t *testing.T) {
	o := NewOrchestrator(testConfig(), &fakeEngine{}, &fakeLocal{}, nil, &fakeLifecycle{}, &fakeLock{busy: true}, nil, nil, zerolog.Nop())
	_, err := o.SweepRetention(context.Background())
	require.ErrorIs(t, err, runlock.ErrBusy)
}
