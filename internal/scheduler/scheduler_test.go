package scheduler

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopJob(ctx context.Context) error { return nil }

func TestStartAndStop(t *testing.T) {
	s := New(Config{
		BackupCron:    "0 3 * * *",
		RetentionCron: "0 4 * * 0",
		HealthCron:    "30 3 * * *",
	}, Jobs{Backup: noopJob, RetentionSweep: noopJob, HealthCheck: noopJob}, zerolog.Nop())

	require.NoError(t, s.Start(context.Background()))
	s.Stop()

	// Stop is idempotent.
	s.Stop()
}

func TestStartTwiceFails(t *testing.T) {
	s := New(Config{BackupCron: "0 3 * * *"}, Jobs{Backup: noopJob}, zerolog.Nop())

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Error(t, s.Start(context.Background()))
}

func TestInvalidCronExpressionRejected(t *testing.T) {
	s := New(Config{BackupCron: "not a cron line"}, Jobs{Backup: noopJob}, zerolog.Nop())
	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backup")
}

func TestEmptyExpressionDisablesJob(t *testing.T) {
	s := New(Config{}, Jobs{Backup: noopJob}, zerolog.Nop())
	require.NoError(t, s.Start(context.Background()))
	s.Stop()
}
