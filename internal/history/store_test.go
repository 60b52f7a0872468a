package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "history.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func completedAt(started time.Time, d time.Duration) *time.Time {
	t := started.Add(d)
	return &t
}

func TestRecordAndList(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	started := time.Date(2026, 7, 1, 3, 0, 0, 0, time.UTC)
	run := &Run{
		ID:          uuid.New(),
		Kind:        RunKindBackup,
		Outcome:     OutcomeWarning,
		ArchiveName: "firefly_20260701_030000.tar.gz",
		Warnings:    []string{"remote store unreachable, archive persisted locally only"},
		StartedAt:   started,
		CompletedAt: completedAt(started, 42*time.Second),
	}
	require.NoError(t, store.Record(ctx, run))

	runs, err := store.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	got := runs[0]
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, RunKindBackup, got.Kind)
	assert.Equal(t, OutcomeWarning, got.Outcome)
	assert.Equal(t, run.ArchiveName, got.ArchiveName)
	assert.Equal(t, run.Warnings, got.Warnings)
	assert.True(t, got.StartedAt.Equal(started))
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.CompletedAt.Equal(*run.CompletedAt))
}

func TestListNewestFirstWithLimit(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	base := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		started := base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, store.Record(ctx, &Run{
			ID:        uuid.New(),
			Kind:      RunKindBackup,
			Outcome:   OutcomeSuccess,
			StartedAt: started,
		}))
	}

	runs, err := store.List(ctx, 3)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.True(t, runs[0].StartedAt.After(runs[1].StartedAt))
	assert.True(t, runs[1].StartedAt.After(runs[2].StartedAt))
}

func TestRecordFatalRunWithoutArchive(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	run := &Run{
		ID:        uuid.New(),
		Kind:      RunKindRestore,
		Outcome:   OutcomeFatal,
		Error:     "restore failed during replacing: volume write failure",
		StartedAt: time.Now().UTC(),
	}
	require.NoError(t, store.Record(ctx, run))

	runs, err := store.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Empty(t, runs[0].ArchiveName)
	assert.Empty(t, runs[0].Warnings)
	assert.Equal(t, run.Error, runs[0].Error)
	assert.Nil(t, runs[0].CompletedAt)
}

func TestListEmptyStore(t *testing.T) {
	store := testStore(t)
	runs, err := store.List(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}
