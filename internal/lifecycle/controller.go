// Package lifecycle stops and starts the protected application and its
// database around data-mutating operations, and polls their readiness.
// Orchestrators never touch the underlying services directly; they observe
// state only through the controller's blocking wait calls.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State is the lifecycle state of a managed target.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateDegraded State = "degraded"
)

// Target identifies a managed service.
type Target string

const (
	TargetApp      Target = "app"
	TargetDatabase Target = "database"
)

// AllTargets lists every managed target.
func AllTargets() []Target {
	return []Target{TargetApp, TargetDatabase}
}

// Runner abstracts the container runtime driving the protected services.
type Runner interface {
	// StopService gracefully stops the named service.
	StopService(ctx context.Context, service string) error
	// StartService initiates startup of the named service and returns without
	// waiting for readiness.
	StartService(ctx context.Context, service string) error
}

// Probe checks whether a target is ready to serve. ready=false with a nil
// error means "not ready yet, keep polling"; a non-nil error is an unexpected
// probe failure that degrades the target.
type Probe interface {
	Ready(ctx context.Context) (ready bool, err error)
}

// ProbeFunc adapts a function to the Probe interface.
type ProbeFunc func(ctx context.Context) (bool, error)

// Ready implements Probe.
func (f ProbeFunc) Ready(ctx context.Context) (bool, error) { return f(ctx) }

// Controller owns the ServiceState of each managed target.
type Controller struct {
	runner   Runner
	services map[Target]string
	probes   map[Target]Probe
	logger   zerolog.Logger

	mu     sync.RWMutex
	states map[Target]State
}

// NewController creates a controller. services maps each target to its
// runtime service name; probes supplies a readiness probe per target.
func NewController(runner Runner, services map[Target]string, probes map[Target]Probe, logger zerolog.Logger) *Controller {
	states := make(map[Target]State, len(services))
	for target := range services {
		states[target] = StateStopped
	}
	return &Controller{
		runner:   runner,
		services: services,
		probes:   probes,
		logger:   logger.With().Str("component", "lifecycle").Logger(),
		states:   states,
	}
}

// State returns the last observed state of a target.
func (c *Controller) State(target Target) State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.states[target]
}

func (c *Controller) setState(target Target, state State) {
	c.mu.Lock()
	c.states[target] = state
	c.mu.Unlock()
}

// Stop gracefully stops the given targets. Stopping is best-effort and never
// fails the enclosing orchestration: a target that was already stopped is
// logged and skipped.
func (c *Controller) Stop(ctx context.Context, targets ...Target) {
	for _, target := range targets {
		service, ok := c.services[target]
		if !ok {
			c.logger.Warn().Str("target", string(target)).Msg("no service configured for target, skipping stop")
			continue
		}

		c.logger.Info().Str("target", string(target)).Str("service", service).Msg("stopping service")
		if err := c.runner.StopService(ctx, service); err != nil {
			c.logger.Warn().Err(err).Str("target", string(target)).Msg("stop failed, service may already be stopped")
		}
		c.setState(target, StateStopped)
	}
}

// Start initiates startup of the given targets and returns immediately.
// Callers must use WaitReady to observe readiness.
func (c *Controller) Start(ctx context.Context, targets ...Target) error {
	for _, target := range targets {
		service, ok := c.services[target]
		if !ok {
			c.logger.Warn().Str("target", string(target)).Msg("no service configured for target, skipping start")
			continue
		}

		c.logger.Info().Str("target", string(target)).Str("service", service).Msg("starting service")
		if err := c.runner.StartService(ctx, service); err != nil {
			c.setState(target, StateDegraded)
			return err
		}
		c.setState(target, StateStarting)
	}
	return nil
}

// WaitReady polls the target's readiness probe at pollInterval until it
// reports ready or timeout elapses. A timeout yields StateDegraded rather
// than an error; the caller decides whether a degraded target is acceptable.
func (c *Controller) WaitReady(ctx context.Context, target Target, timeout, pollInterval time.Duration) State {
	probe, ok := c.probes[target]
	if !ok {
		c.logger.Warn().Str("target", string(target)).Msg("no readiness probe configured, assuming ready")
		c.setState(target, StateReady)
		return StateReady
	}

	deadline := time.Now().Add(timeout)
	attempts := 0
	for {
		attempts++
		ready, err := probe.Ready(ctx)
		if err != nil {
			c.logger.Error().Err(err).
				Str("target", string(target)).
				Int("attempts", attempts).
				Msg("readiness probe failed unexpectedly")
			c.setState(target, StateDegraded)
			return StateDegraded
		}
		if ready {
			c.logger.Info().
				Str("target", string(target)).
				Int("attempts", attempts).
				Msg("target ready")
			c.setState(target, StateReady)
			return StateReady
		}

		if time.Now().After(deadline) {
			c.logger.Warn().
				Str("target", string(target)).
				Dur("timeout", timeout).
				Int("attempts", attempts).
				Msg("target not ready before timeout")
			c.setState(target, StateDegraded)
			return StateDegraded
		}

		select {
		case <-ctx.Done():
			c.setState(target, StateDegraded)
			return StateDegraded
		case <-time.After(pollInterval):
		}
	}
}
