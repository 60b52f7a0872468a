// Package health reports remote store reachability and local disk headroom
// for the backup directory.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"
)

// Status is the overall outcome of a health check.
type Status string

const (
	// StatusHealthy indicates all checks passed.
	StatusHealthy Status = "healthy"
	// StatusWarning indicates degraded conditions that do not block backups.
	StatusWarning Status = "warning"
)

// Issue is one specific degraded condition.
type Issue struct {
	Component string `json:"component"` // remote, disk
	Message   string `json:"message"`
}

// CheckResult is the outcome of one health check run.
type CheckResult struct {
	Status          Status    `json:"status"`
	RemoteReachable bool      `json:"remote_reachable"`
	DiskFreeBytes   uint64    `json:"disk_free_bytes"`
	DiskUsedPercent float64   `json:"disk_used_percent"`
	Issues          []Issue   `json:"issues,omitempty"`
	CheckedAt       time.Time `json:"checked_at"`
}

// Reachability is the connectivity probe of the remote store.
type Reachability interface {
	IsReachable(ctx context.Context) bool
}

// Checker runs the health checks.
type Checker struct {
	remote       Reachability
	backupDir    string
	minFreeBytes int64
	logger       zerolog.Logger
}

// NewChecker creates a health checker. remote may be nil when no remote store
// is configured.
func NewChecker(remote Reachability, backupDir string, minFreeBytes int64, logger zerolog.Logger) *Checker {
	return &Checker{
		remote:       remote,
		backupDir:    backupDir,
		minFreeBytes: minFreeBytes,
		logger:       logger.With().Str("component", "health").Logger(),
	}
}

// Check probes remote reachability and free disk space under the backup
// directory, logging a WARNING for each degraded condition.
func (c *Checker) Check(ctx context.Context) *CheckResult {
	result := &CheckResult{
		Status:    StatusHealthy,
		CheckedAt: time.Now().UTC(),
	}

	if c.remote != nil {
		result.RemoteReachable = c.remote.IsReachable(ctx)
		if !result.RemoteReachable {
			result.Issues = append(result.Issues, Issue{
				Component: "remote",
				Message:   "remote object store is unreachable; backups will be local-only",
			})
		}
	}

	usage, err := disk.UsageWithContext(ctx, c.backupDir)
	if err != nil {
		result.Issues = append(result.Issues, Issue{
			Component: "disk",
			Message:   fmt.Sprintf("cannot stat backup directory: %v", err),
		})
	} else {
		result.DiskFreeBytes = usage.Free
		result.DiskUsedPercent = usage.UsedPercent
		if c.minFreeBytes > 0 && usage.Free < uint64(c.minFreeBytes) {
			result.Issues = append(result.Issues, Issue{
				Component: "disk",
				Message:   fmt.Sprintf("free space %d bytes below threshold %d bytes", usage.Free, c.minFreeBytes),
			})
		}
	}

	if len(result.Issues) > 0 {
		result.Status = StatusWarning
		for _, issue := range result.Issues {
			c.logger.Warn().
				Str("check", issue.Component).
				Msg(issue.Message)
		}
	} else {
		c.logger.Info().
			Bool("remote_reachable", result.RemoteReachable).
			Uint64("disk_free_bytes", result.DiskFreeBytes).
			Msg("health check passed")
	}

	return result
}
