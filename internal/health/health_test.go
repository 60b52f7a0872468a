package health

import (
	"context"
	"math"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReachability struct {
	reachable bool
}

func (f *fakeReachability) IsReachable(ctx context.Context) bool { return f.reachable }

func TestCheckHealthy(t *testing.T) {
	c := NewChecker(&fakeReachability{reachable: true}, t.TempDir(), 1, zerolog.Nop())

	result := c.Check(context.Background())
	assert.Equal(t, StatusHealthy, result.Status)
	assert.True(t, result.RemoteReachable)
	assert.Positive(t, result.DiskFreeBytes)
	assert.Empty(t, result.Issues)
	assert.False(t, result.CheckedAt.IsZero())
}

func TestCheckUnreachableRemoteIsWarning(t *testing.T) {
	c := NewChecker(&fakeReachability{reachable: false}, t.TempDir(), 1, zerolog.Nop())

	result := c.Check(context.Background())
	assert.Equal(t, StatusWarning, result.Status)
	assert.False(t, result.RemoteReachable)
	require.Len(t, result.Issues, 1)
	assert.Equal(t, "remote", result.Issues[0].Component)
}

func TestCheckLowDiskSpaceIsWarning(t *testing.T) {
	// An impossible threshold forces the disk check to trip.
	c := NewChecker(&fakeReachability{reachable: true}, t.TempDir(), math.MaxInt64, zerolog.Nop())

	result := c.Check(context.Background())
	assert.Equal(t, StatusWarning, result.Status)
	require.Len(t, result.Issues, 1)
	assert.Equal(t, "disk", result.Issues[0].Component)
}

func TestCheckWithoutRemoteSkipsReachability(t *testing.T) {
	c := NewChecker(nil, t.TempDir(), 1, zerolog.Nop())

	result := c.Check(context.Background())
	assert.Equal(t, StatusHealthy, result.Status)
	assert.False(t, result.RemoteReachable)
}

func TestCheckMissingBackupDirIsWarning(t *testing.T) {
	c := NewChecker(nil, "/nonexistent/backups", 1, zerolog.Nop())

	result := c.Check(context.Background())
	assert.Equal(t, StatusWarning, result.Status)
	require.Len(t, result.Issues, 1)
	assert.Equal(t, "disk", result.Issues[0].Component)
}
