package runlock

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLock(t *testing.T, opts ...Option) *Lock {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "run.lock"), zerolog.Nop(), opts...)
}

func TestAcquireAndRelease(t *testing.T) {
	lock := testLock(t)

	release, err := lock.Acquire(context.Background(), "backup:one", 0)
	require.NoError(t, err)
	assert.FileExists(t, lock.path)

	release()
	assert.NoFileExists(t, lock.path)

	// Reacquirable after release.
	release, err = lock.Acquire(context.Background(), "backup:two", 0)
	require.NoError(t, err)
	release()
}

func TestAcquireBusyFailsFast(t *testing.T) {
	lock := testLock(t)

	release, err := lock.Acquire(context.Background(), "backup:holder", 0)
	require.NoError(t, err)
	defer release()

	start := time.Now()
	_, err = lock.Acquire(context.Background(), "restore:contender", 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBusy)
	assert.Contains(t, err.Error(), "backup:holder")
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestAcquireWaitsForRelease(t *testing.T) {
	lock := testLock(t)

	release, err := lock.Acquire(context.Background(), "backup:holder", 0)
	require.NoError(t, err)

	go func() {
		time.Sleep(300 * time.Millisecond)
		release()
	}()

	release2, err := lock.Acquire(context.Background(), "backup:waiter", 3*time.Second)
	require.NoError(t, err)
	release2()
}

func TestAcquireHonorsContextWhileWaiting(t *testing.T) {
	lock := testLock(t)

	release, err := lock.Acquire(context.Background(), "backup:holder", 0)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	_, err = lock.Acquire(ctx, "backup:waiter", time.Minute)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStaleLockIsReclaimed(t *testing.T) {
	lock := testLock(t, WithStaleAfter(time.Hour))

	require.NoError(t, os.WriteFile(lock.path, []byte("crashed pid=1\n"), 0o644))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(lock.path, old, old))

	release, err := lock.Acquire(context.Background(), "backup:reclaimer", time.Second)
	require.NoError(t, err)
	release()
}

func TestFreshForeignLockIsNotReclaimed(t *testing.T) {
	lock := testLock(t, WithStaleAfter(time.Hour))

	require.NoError(t, os.WriteFile(lock.path, []byte("alive pid=1\n"), 0o644))

	_, err := lock.Acquire(context.Background(), "backup:contender", 0)
	assert.ErrorIs(t, err, ErrBusy)
}

func TestReleaseIsIdempotent(t *testing.T) {
	lock := testLock(t)

	release, err := lock.Acquire(context.Background(), "backup:one", 0)
	require.NoError(t, err)
	release()
	release()
}
