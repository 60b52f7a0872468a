package lifecycle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// ComposeRunner drives services through the docker compose CLI.
type ComposeRunner struct {
	binary      string
	composeFile string
	logger      zerolog.Logger
}

// NewComposeRunner creates a runner for the stack described by composeFile.
func NewComposeRunner(composeFile string, logger zerolog.Logger) *ComposeRunner {
	return &ComposeRunner{
		binary:      "docker",
		composeFile: composeFile,
		logger:      logger.With().Str("component", "compose").Logger(),
	}
}

// NewComposeRunnerWithBinary creates a runner with a custom docker binary path.
func NewComposeRunnerWithBinary(binary, composeFile string, logger zerolog.Logger) *ComposeRunner {
	r := NewComposeRunner(composeFile, logger)
	r.binary = binary
	return r
}

// StopService stops a single compose service.
func (r *ComposeRunner) StopService(ctx context.Context, service string) error {
	return r.run(ctx, "stop", service)
}

// StartService starts a single compose service without waiting for health.
func (r *ComposeRunner) StartService(ctx context.Context, service string) error {
	return r.run(ctx, "start", service)
}

// ServiceRunning reports whether the named service has a running container.
func (r *ComposeRunner) ServiceRunning(ctx context.Context, service string) (bool, error) {
	cmd := exec.CommandContext(ctx, r.binary, "compose", "-f", r.composeFile, "ps", "--format", "json")
	cmd.Dir = filepath.Dir(r.composeFile)

	output, err := cmd.Output()
	if err != nil {
		return false, fmt.Errorf("compose ps: %w", err)
	}

	// docker compose ps --format json outputs newline-delimited JSON
	for _, line := range bytes.Split(output, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var container struct {
			Service string `json:"Service"`
			State   string `json:"State"`
		}
		if err := json.Unmarshal(line, &container); err != nil {
			r.logger.Warn().Err(err).Str("line", string(line)).Msg("failed to parse container info")
			continue
		}
		if container.Service == service {
			return strings.EqualFold(container.State, "running"), nil
		}
	}
	return false, nil
}

// AppProbe returns a readiness probe that reports ready once the service's
// container is running. A compose CLI failure is an unexpected probe error.
func (r *ComposeRunner) AppProbe(service string) Probe {
	return ProbeFunc(func(ctx context.Context) (bool, error) {
		return r.ServiceRunning(ctx, service)
	})
}

func (r *ComposeRunner) run(ctx context.Context, args ...string) error {
	full := append([]string{"compose", "-f", r.composeFile}, args...)
	cmd := exec.CommandContext(ctx, r.binary, full...)
	cmd.Dir = filepath.Dir(r.composeFile)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("docker %s: %w: %s", strings.Join(full, " "), err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
