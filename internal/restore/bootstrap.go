package restore

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Strategy selects how the startup bootstrap decides whether a restore
// should run on a fresh deployment.
type Strategy string

const (
	// StrategyUnconditional always restores the latest archive on startup.
	StrategyUnconditional Strategy = "unconditional"
	// StrategyConditional restores only when the database looks empty.
	StrategyConditional Strategy = "conditional"
)

// UserCounter probes the protected database for existing account records.
type UserCounter interface {
	CountRows(ctx context.Context, table string) (int64, error)
}

// Restorer is the restore surface the bootstrap drives.
type Restorer interface {
	Run(ctx context.Context, name string, mode Mode) (*Result, error)
}

// BootstrapConfig controls the restore-on-cold-start path.
type BootstrapConfig struct {
	Strategy       Strategy
	PreflightDelay time.Duration
	// ProbeRetries bounds connection attempts for the conditional strategy.
	ProbeRetries  int
	ProbeInterval time.Duration
	// UsersTable is the table whose row count decides freshness.
	UsersTable string
}

// Bootstrap decides on startup whether the deployment needs seeding from a
// backup and, if so, runs a full restore of the latest archive.
type Bootstrap struct {
	cfg      BootstrapConfig
	restorer Restorer
	counter  UserCounter // nil with the unconditional strategy
	logger   zerolog.Logger
}

// NewBootstrap creates a startup bootstrap. counter may be nil when the
// strategy is unconditional.
func NewBootstrap(cfg BootstrapConfig, restorer Restorer, counter UserCounter, logger zerolog.Logger) *Bootstrap {
	return &Bootstrap{
		cfg:      cfg,
		restorer: restorer,
		counter:  counter,
		logger:   logger.With().Str("component", "bootstrap").Logger(),
	}
}

// Run executes the bootstrap decision and, when warranted, the restore. A
// deployment with existing data, or one with no archive anywhere, is left
// untouched and Run returns (nil, nil).
func (b *Bootstrap) Run(ctx context.Context) (*Result, error) {
	if b.cfg.PreflightDelay > 0 {
		b.logger.Info().Dur("delay", b.cfg.PreflightDelay).Msg("waiting before bootstrap preflight")
		select {
		case <-time.After(b.cfg.PreflightDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if b.cfg.Strategy == StrategyConditional {
		seed, err := b.needsSeed(ctx)
		if err != nil {
			return nil, err
		}
		if !seed {
			b.logger.Info().Msg("existing installation detected, skipping bootstrap restore")
			return nil, nil
		}
	}

	result, err := b.restorer.Run(ctx, LatestArchive, ModeFull)
	if err != nil {
		if errors.Is(err, ErrNoBackupAvailable) {
			b.logger.Info().Msg("no archive available, leaving fresh installation as is")
			return nil, nil
		}
		return nil, err
	}
	return result, nil
}

// needsSeed reports whether the database looks like a fresh installation.
// A database that cannot be reached after all retries is treated as fresh:
// on first boot the schema may not exist yet, and an unconditional skip here
// would defeat the point of bootstrapping.
func (b *Bootstrap) needsSeed(ctx context.Context) (bool, error) {
	if b.counter == nil {
		return true, nil
	}

	retries := b.cfg.ProbeRetries
	if retries < 1 {
		retries = 1
	}

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		count, err := b.counter.CountRows(ctx, b.cfg.UsersTable)
		if err == nil {
			b.logger.Info().Int64("users", count).Msg("bootstrap probe completed")
			return count == 0, nil
		}
		lastErr = err
		b.logger.Warn().Err(err).Int("attempt", attempt).Int("retries", retries).Msg("bootstrap probe failed")

		if attempt < retries {
			select {
			case <-time.After(b.cfg.ProbeInterval):
			case <-ctx.Done():
				return false, ctx.Err()
			}
		}
	}

	b.logger.Info().Err(lastErr).Msg("database unreachable after all probe attempts, treating installation as fresh")
	return true, nil
}
