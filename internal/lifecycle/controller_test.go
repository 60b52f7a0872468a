package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	stopped  []string
	started  []string
	stopErr  error
	startErr error
}

func (r *fakeRunner) StopService(ctx context.Context, service string) error {
	r.stopped = append(r.stopped, service)
	return r.stopErr
}

func (r *fakeRunner) StartService(ctx context.Context, service string) error {
	r.started = append(r.started, service)
	return r.startErr
}

func testController(runner *fakeRunner, probes map[Target]Probe) *Controller {
	return NewController(runner, map[Target]string{
		TargetApp:      "app-svc",
		TargetDatabase: "db-svc",
	}, probes, zerolog.Nop())
}

func TestStopIsBestEffort(t *testing.T) {
	runner := &fakeRunner{stopErr: errors.New("already stopped")}
	c := testController(runner, nil)

	c.Stop(context.Background(), AllTargets()...)

	assert.Equal(t, []string{"app-svc", "db-svc"}, runner.stopped)
	assert.Equal(t, StateStopped, c.State(TargetApp))
	assert.Equal(t, StateStopped, c.State(TargetDatabase))
}

func TestStartSetsStartingState(t *testing.T) {
	runner := &fakeRunner{}
	c := testController(runner, nil)

	require.NoError(t, c.Start(context.Background(), TargetApp))
	assert.Equal(t, []string{"app-svc"}, runner.started)
	assert.Equal(t, StateStarting, c.State(TargetApp))
}

func TestStartFailureDegradesTarget(t *testing.T) {
	runner := &fakeRunner{startErr: errors.New("runtime down")}
	c := testController(runner, nil)

	err := c.Start(context.Background(), TargetApp)
	require.Error(t, err)
	assert.Equal(t, StateDegraded, c.State(TargetApp))
}

func TestWaitReadyBecomesReady(t *testing.T) {
	attempts := 0
	probe := ProbeFunc(func(ctx context.Context) (bool, error) {
		attempts++
		return attempts >= 3, nil
	})
	c := testController(&fakeRunner{}, map[Target]Probe{TargetApp: probe})

	state := c.WaitReady(context.Background(), TargetApp, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateReady, state)
	assert.Equal(t, StateReady, c.State(TargetApp))
	assert.GreaterOrEqual(t, attempts, 3)
}

func TestWaitReadyTimesOutToDegraded(t *testing.T) {
	probe := ProbeFunc(func(ctx context.Context) (bool, error) {
		return false, nil
	})
	c := testController(&fakeRunner{}, map[Target]Probe{TargetApp: probe})

	state := c.WaitReady(context.Background(), TargetApp, 50*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, StateDegraded, state)
	assert.Equal(t, StateDegraded, c.State(TargetApp))
}

func TestWaitReadyProbeErrorDegradesImmediately(t *testing.T) {
	attempts := 0
	probe := ProbeFunc(func(ctx context.Context) (bool, error) {
		attempts++
		return false, errors.New("probe broke")
	})
	c := testController(&fakeRunner{}, map[Target]Probe{TargetApp: probe})

	state := c.WaitReady(context.Background(), TargetApp, time.Minute, 10*time.Millisecond)
	assert.Equal(t, StateDegraded, state)
	assert.Equal(t, 1, attempts)
}

func TestWaitReadyWithoutProbeAssumesReady(t *testing.T) {
	c := testController(&fakeRunner{}, nil)

	state := c.WaitReady(context.Background(), TargetDatabase, time.Second, 10*time.Millisecond)
	assert.Equal(t, StateReady, state)
}

func TestWaitReadyHonorsContext(t *testing.T) {
	probe := ProbeFunc(func(ctx context.Context) (bool, error) {
		return false, nil
	})
	c := testController(&fakeRunner{}, map[Target]Probe{TargetApp: probe})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	state := c.WaitReady(ctx, TargetApp, time.Minute, 10*time.Millisecond)
	assert.Equal(t, StateDegraded, state)
}
